package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	xerrors "EffiSend-Agent/internal/errors"
	"EffiSend-Agent/internal/llm"
	"EffiSend-Agent/pkg/logger"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
	retryBackoff     = 200 * time.Millisecond
)

// Config 描述了调用 chat completions 接口所需的信息。Ollama 的
// OpenAI 兼容端点同样适用，此时 APIKey 可为空。
type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	MaxRetries int
}

// Client 通过 HTTP 调用 chat completions 接口，支持工具调用。
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	maxRetries int
	httpClient *http.Client
	log        *slog.Logger
}

// NewClient 根据配置创建客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if apiKey == "" && baseURL == defaultBaseURL {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未提供 OpenAI API Key")
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}

	return &Client{
		apiKey:     apiKey,
		baseURL:    baseURL,
		model:      model,
		maxRetries: retries,
		httpClient: &http.Client{Timeout: timeout},
		log:        logger.Named("llm"),
	}, nil
}

type wireFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Arguments   json.RawMessage `json:"arguments,omitempty"`
}

type wireToolCall struct {
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Name       string         `json:"name,omitempty"`
}

type wireTool struct {
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Tools       []wireTool    `json:"tools,omitempty"`
	Temperature float64       `json:"temperature"`
}

type wireResponse struct {
	Choices []struct {
		Message wireMessage `json:"message"`
	} `json:"choices"`
}

// Chat 发送对话并返回模型的下一条消息。传输错误与 5xx 会按 MaxRetries 重试。
func (c *Client) Chat(ctx context.Context, req llm.ChatRequest) (*llm.Message, error) {
	payload, err := c.buildPayload(req)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "大模型请求被取消")
			case <-time.After(time.Duration(attempt) * retryBackoff):
			}
		}
		msg, err := c.send(ctx, payload)
		if err == nil {
			return msg, nil
		}
		lastErr = err
		if !xerrors.RetryableError(err) || ctx.Err() != nil {
			return nil, err
		}
		c.log.Warn("chat completion failed, retrying", slog.Int("attempt", attempt+1), slog.Any("error", err))
	}
	return nil, lastErr
}

func (c *Client) send(ctx context.Context, payload []byte) (*llm.Message, error) {
	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构建大模型请求失败")
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "大模型请求超时")
		}
		return nil, xerrors.Wrap(xerrors.CodeUpstreamUnavailable, err, "请求大模型失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		msg := fmt.Sprintf("大模型返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
			return nil, xerrors.New(xerrors.CodeUpstreamUnavailable, msg)
		}
		return nil, xerrors.New(xerrors.CodeInvalidArgument, msg)
	}

	var decoded wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamUnavailable, err, "解析大模型响应失败", xerrors.WithRetryable(false))
	}
	if len(decoded.Choices) == 0 {
		return nil, xerrors.New(xerrors.CodeUpstreamUnavailable, "大模型响应中没有有效的 choices", xerrors.WithRetryable(false))
	}
	return fromWire(decoded.Choices[0].Message)
}

func (c *Client) buildPayload(req llm.ChatRequest) ([]byte, error) {
	body := wireRequest{
		Model:       c.model,
		Messages:    make([]wireMessage, 0, len(req.Messages)),
		Temperature: req.Temperature,
	}
	for _, m := range req.Messages {
		wm := wireMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		}
		for _, call := range m.ToolCalls {
			args := call.Arguments
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			// 协议要求 arguments 为 JSON 字符串。
			encoded, err := json.Marshal(string(args))
			if err != nil {
				return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化工具参数失败")
			}
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
				ID:       call.ID,
				Type:     "function",
				Function: wireFunction{Name: call.Name, Arguments: encoded},
			})
		}
		body.Messages = append(body.Messages, wm)
	}
	for _, tool := range req.Tools {
		body.Tools = append(body.Tools, wireTool{
			Type: "function",
			Function: wireFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化大模型请求失败")
	}
	return encoded, nil
}

func fromWire(m wireMessage) (*llm.Message, error) {
	out := &llm.Message{
		Role:    llm.Role(m.Role),
		Content: strings.TrimSpace(m.Content),
	}
	if out.Role == "" {
		out.Role = llm.RoleAssistant
	}
	for i, call := range m.ToolCalls {
		args, err := decodeArguments(call.Function.Arguments)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "工具参数不是合法的 JSON",
				xerrors.WithMetadata("tool", call.Function.Name))
		}
		id := call.ID
		if id == "" {
			id = fmt.Sprintf("call_%d", i)
		}
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall{ID: id, Name: call.Function.Name, Arguments: args})
	}
	return out, nil
}

// decodeArguments 同时接受 OpenAI 的字符串形式与 Ollama 的对象形式。
func decodeArguments(raw json.RawMessage) (json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return json.RawMessage("{}"), nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return json.RawMessage("{}"), nil
		}
		raw = []byte(s)
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("invalid arguments %q", string(raw))
	}
	return json.RawMessage(raw), nil
}
