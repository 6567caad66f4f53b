// Package effisend is a Go client for the EffiSend agent REST API.
package effisend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

// DefaultHTTPTimeout is generous because a chat may wait for on-chain
// confirmations before answering.
const DefaultHTTPTimeout = 120 * time.Second

// Client wraps the HTTP interactions with the EffiSend API.
type Client struct {
	baseURL    *url.URL
	apiKey     string
	httpClient *http.Client
}

// ChatContext identifies the acting user. Address is ignored by the server
// when User resolves to an account.
type ChatContext struct {
	User    string `json:"user,omitempty"`
	Address string `json:"address,omitempty"`
}

// ChatReply is the structured answer of /api/chat. Logical failures arrive
// with Status "error" and an error code, never as an HTTP error.
type ChatReply struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	LastTool string `json:"last_tool"`
	Error    string `json:"error,omitempty"`
	ThreadID string `json:"thread_id,omitempty"`
}

// OK reports whether the chat succeeded.
func (r ChatReply) OK() bool { return r.Status == "ok" }

// Account is the custodial account bound to a user.
type Account struct {
	User    string `json:"user"`
	Address string `json:"address"`
	CLABE   string `json:"clabe"`
	RCLABE  string `json:"rclabe"`
}

// APIError represents transport level failures such as a rejected API key.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("effisend api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("effisend api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client. When httpClient is nil, a default client
// with DefaultHTTPTimeout is used.
func NewClient(rawURL, apiKey string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if apiKey == "" {
		return nil, errors.New("effisend: api key is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, apiKey: apiKey, httpClient: httpClient}, nil
}

// Chat sends a message on behalf of the user in chatCtx.
func (c *Client) Chat(ctx context.Context, message string, chatCtx ChatContext) (ChatReply, error) {
	var reply ChatReply
	payload := struct {
		Message string      `json:"message"`
		Context ChatContext `json:"context"`
	}{message, chatCtx}
	if err := c.post(ctx, "/api/chat", payload, &reply); err != nil {
		return ChatReply{}, err
	}
	return reply, nil
}

// Account returns the user's account, creating it on first contact.
func (c *Client) Account(ctx context.Context, user string) (Account, error) {
	var out struct {
		Error  *string  `json:"error"`
		Result *Account `json:"result"`
	}
	if err := c.post(ctx, "/api/v1/accounts", map[string]string{"user": user}, &out); err != nil {
		return Account{}, err
	}
	if out.Error != nil {
		return Account{}, &APIError{StatusCode: http.StatusOK, Code: *out.Error, Message: "account resolution failed"}
	}
	if out.Result == nil {
		return Account{}, &APIError{StatusCode: http.StatusOK, Message: "empty account result"}
	}
	return *out.Result, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		var flat struct {
			Status  string `json:"status"`
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &flat) == nil && flat.Message != "" {
			apiErr.Message = flat.Message
		} else {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		if resp.StatusCode == http.StatusUnauthorized {
			apiErr.Code = "UNAUTHORIZED"
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
