package llm

import (
	"context"
	"encoding/json"
)

// Role 标识对话消息的发送方。
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall 是模型选择的一次工具调用，Arguments 为 JSON 对象。
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Message 是对话中的一条消息。
type Message struct {
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// ToolCallID 与 Name 仅在 RoleTool 消息上出现，指向被响应的调用。
	ToolCallID string `json:"tool_call_id,omitempty"`
	Name       string `json:"name,omitempty"`
}

// ToolSpec 描述暴露给模型的工具，Parameters 为 JSON Schema。
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ChatRequest 是一次对话补全请求。
type ChatRequest struct {
	Messages    []Message
	Tools       []ToolSpec
	Temperature float64
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Chat(ctx context.Context, req ChatRequest) (*Message, error)
}
