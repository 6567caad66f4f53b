package knowledge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Provider 根据用户消息返回需要注入提示词的知识条目。
type Provider interface {
	Query(text string) []Snippet
}

// Snippet 是一段可供模型引用的说明。没有关键词的条目视为常驻条目。
type Snippet struct {
	Title    string   `json:"title" yaml:"title"`
	Content  string   `json:"content" yaml:"content"`
	Keywords []string `json:"keywords" yaml:"keywords"`
	Tags     []string `json:"tags" yaml:"tags"`
}

// StaticProvider 在内存中按关键词命中数排序检索。
type StaticProvider struct {
	items []indexedSnippet
	limit int
}

type indexedSnippet struct {
	Snippet
	keywords []string
	tags     []string
}

// NewStaticProvider 创建静态知识库，limit 非正时取 3。
func NewStaticProvider(items []Snippet, limit int) *StaticProvider {
	if limit <= 0 {
		limit = 3
	}
	p := &StaticProvider{limit: limit, items: make([]indexedSnippet, 0, len(items))}
	for _, item := range items {
		p.items = append(p.items, indexedSnippet{
			Snippet:  item,
			keywords: normalizeTerms(item.Keywords),
			tags:     normalizeTerms(item.Tags),
		})
	}
	return p
}

// LoadStaticProvider 读取 .json、.yaml 或 .yml 格式的知识库文件。
func LoadStaticProvider(path string, limit int) (*StaticProvider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("知识库文件路径不能为空")
	}
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("读取知识库文件失败: %w", err)
	}

	var items []Snippet
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(raw, &items)
	default:
		err = json.Unmarshal(raw, &items)
	}
	if err != nil {
		return nil, fmt.Errorf("解析知识库文件 %s 失败: %w", filepath.Base(path), err)
	}
	return NewStaticProvider(items, limit), nil
}

// Query 返回至多 limit 条结果：关键词命中多的在前，常驻条目排在命中条目之后。
func (p *StaticProvider) Query(text string) []Snippet {
	if p == nil || len(p.items) == 0 {
		return nil
	}
	text = strings.ToLower(text)

	type hit struct {
		idx   int
		score int
	}
	var hits []hit
	for i, item := range p.items {
		if len(item.keywords) == 0 {
			hits = append(hits, hit{idx: i})
			continue
		}
		if score := 2*countHits(text, item.keywords) + countHits(text, item.tags); score > 0 {
			hits = append(hits, hit{idx: i, score: score})
		}
	}
	slices.SortStableFunc(hits, func(a, b hit) int { return b.score - a.score })

	out := make([]Snippet, 0, min(len(hits), p.limit))
	for _, h := range hits[:min(len(hits), p.limit)] {
		out = append(out, p.items[h.idx].Snippet)
	}
	return out
}

func countHits(text string, terms []string) int {
	n := 0
	for _, term := range terms {
		if strings.Contains(text, term) {
			n++
		}
	}
	return n
}

func normalizeTerms(terms []string) []string {
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// DefaultSnippets 是未配置知识库文件时使用的内置条目。
func DefaultSnippets() []Snippet {
	return []Snippet{
		{
			Title:    "MXNB",
			Content:  "MXNB is a peso-backed stable token with 6 decimals. Redemptions to SPEI pay out Mexican pesos to a registered CLABE.",
			Keywords: []string{"mxnb", "peso", "spei", "clabe"},
		},
		{
			Title:    "Card funding",
			Content:  "Funding a MetaMask card swaps MXNB to USDT on Arbitrum and bridges it to USDC on Linea. Completed legs are not reversed.",
			Keywords: []string{"card", "metamask", "tarjeta"},
		},
		{
			Title:    "CLABE",
			Content:  "A CLABE is an 18-digit Mexican bank routing number whose last digit is a checksum.",
			Keywords: []string{"clabe", "bank", "banco"},
		},
	}
}

var _ Provider = (*StaticProvider)(nil)
