package agent

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	xerrors "EffiSend-Agent/internal/errors"
	"EffiSend-Agent/internal/llm"
)

// Caller 是发起请求的身份，由引擎注入，模型无法伪造。
type Caller struct {
	UserID  string `json:"user"`
	Address string `json:"address"`
}

// Invocation 是一次经过校验的工具调用。
type Invocation struct {
	Caller    Caller
	Arguments json.RawMessage
}

// Bind 将参数解码到 dst。
func (i Invocation) Bind(dst any) error {
	if err := json.Unmarshal(i.Arguments, dst); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析工具参数失败")
	}
	return nil
}

// Handler 执行工具并返回可 JSON 序列化的结果。
type Handler func(ctx context.Context, inv Invocation) (any, error)

// Tool 是注册到引擎的能力。SideEffect 为 true 的工具失败时整个请求视为失败。
type Tool struct {
	Name        string
	Description string
	Schema      Schema
	SideEffect  bool
	Handler     Handler
}

// Registry 保存固定的工具集合。
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry 创建空的工具注册表。
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register 注册工具，名称重复时返回 CONFLICT。
func (r *Registry) Register(tool Tool) error {
	if tool.Name == "" || tool.Handler == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "工具名称与处理函数不能为空")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name]; exists {
		return xerrors.New(xerrors.CodeConflict, "工具 "+tool.Name+" 已注册")
	}
	r.tools[tool.Name] = tool
	return nil
}

// MustRegister 注册失败时 panic，仅用于启动阶段。
func (r *Registry) MustRegister(tools ...Tool) {
	for _, tool := range tools {
		if err := r.Register(tool); err != nil {
			panic(err)
		}
	}
}

// Lookup 按名称查找工具。
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Tools 返回按名称排序的工具列表。
func (r *Registry) Tools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		list = append(list, tool)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}

// Specs 返回发送给模型的工具描述。
func (r *Registry) Specs() ([]llm.ToolSpec, error) {
	tools := r.Tools()
	specs := make([]llm.ToolSpec, 0, len(tools))
	for _, tool := range tools {
		params, err := json.Marshal(tool.Schema)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化工具 schema 失败")
		}
		specs = append(specs, llm.ToolSpec{Name: tool.Name, Description: tool.Description, Parameters: params})
	}
	return specs, nil
}
