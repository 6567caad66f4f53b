package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"EffiSend-Agent/internal/agent"
	xerrors "EffiSend-Agent/internal/errors"
)

// Searcher answers free-text web queries.
type Searcher interface {
	Search(ctx context.Context, query string) (*SearchResult, error)
}

// SearchResult is a short answer plus related links.
type SearchResult struct {
	Heading  string       `json:"heading,omitempty"`
	Abstract string       `json:"abstract,omitempty"`
	Source   string       `json:"source,omitempty"`
	Related  []SearchLink `json:"related,omitempty"`
}

// SearchLink is one related topic.
type SearchLink struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

const (
	defaultSearchURL = "https://api.duckduckgo.com/"
	maxRelated       = 5
)

// DuckDuckGo queries the DuckDuckGo instant answer API.
type DuckDuckGo struct {
	baseURL string
	http    *http.Client
}

// NewDuckDuckGo creates a search client. An empty baseURL uses the public API.
func NewDuckDuckGo(baseURL string, timeout time.Duration) *DuckDuckGo {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultSearchURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &DuckDuckGo{baseURL: baseURL, http: &http.Client{Timeout: timeout}}
}

type ddgTopic struct {
	Text     string     `json:"Text"`
	FirstURL string     `json:"FirstURL"`
	Topics   []ddgTopic `json:"Topics"`
}

// Search implements Searcher.
func (d *DuckDuckGo) Search(ctx context.Context, query string) (*SearchResult, error) {
	q := url.Values{}
	q.Set("q", query)
	q.Set("format", "json")
	q.Set("no_html", "1")
	q.Set("skip_disambig", "1")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "build search request")
	}
	res, err := d.http.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamUnavailable, err, "search request failed")
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, xerrors.New(xerrors.CodeUpstreamUnavailable, fmt.Sprintf("search returned status %d", res.StatusCode))
	}

	var body struct {
		Heading       string     `json:"Heading"`
		AbstractText  string     `json:"AbstractText"`
		AbstractURL   string     `json:"AbstractURL"`
		Answer        string     `json:"Answer"`
		RelatedTopics []ddgTopic `json:"RelatedTopics"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamUnavailable, err, "decode search response")
	}

	out := &SearchResult{Heading: body.Heading, Abstract: body.AbstractText, Source: body.AbstractURL}
	if out.Abstract == "" {
		out.Abstract = body.Answer
	}
	var walk func([]ddgTopic)
	walk = func(topics []ddgTopic) {
		for _, t := range topics {
			if len(out.Related) >= maxRelated {
				return
			}
			if t.Text != "" {
				out.Related = append(out.Related, SearchLink{Text: t.Text, URL: t.FirstURL})
			}
			walk(t.Topics)
		}
	}
	walk(body.RelatedTopics)
	return out, nil
}

func (s *toolset) webSearch() agent.Tool {
	return agent.Tool{
		Name: "web_search",
		Description: "Searches the web for a term or phrase. Use it when the user asks for a search or for current " +
			"information the assistant may not know.",
		Schema: agent.Schema{
			Properties: map[string]agent.Property{"query": stringProp("Search terms.")},
			Required:   []string{"query"},
		},
		Handler: func(ctx context.Context, inv agent.Invocation) (any, error) {
			var args struct {
				Query string `json:"query"`
			}
			if err := inv.Bind(&args); err != nil {
				return nil, err
			}
			if strings.TrimSpace(args.Query) == "" {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "query is empty")
			}
			res, err := s.deps.Searcher.Search(ctx, args.Query)
			if err != nil {
				return nil, err
			}
			return response{Status: "success", Detail: res}, nil
		},
	}
}
