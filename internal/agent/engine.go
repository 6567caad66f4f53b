package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	xerrors "EffiSend-Agent/internal/errors"
	"EffiSend-Agent/internal/knowledge"
	"EffiSend-Agent/internal/llm"
	"EffiSend-Agent/internal/observability/metrics"
	"EffiSend-Agent/pkg/logger"

	"github.com/google/uuid"
)

// 请求结果状态。
const (
	StatusOK    = "ok"
	StatusError = "error"
)

const (
	defaultMaxIterations  = 6
	defaultRequestTimeout = 120 * time.Second
	defaultTemperature    = 0.05
)

// Request 是一次对话请求。
type Request struct {
	Message string
	Caller  Caller
}

// Result 是对话结果。LastTool 为最后一个被执行的工具。
type Result struct {
	Status     string `json:"status"`
	Message    string `json:"message"`
	LastTool   string `json:"last_tool,omitempty"`
	Error      string `json:"error,omitempty"`
	ThreadID   string `json:"thread_id"`
	Iterations int    `json:"iterations"`
}

// Engine 驱动 model → tool 循环。
type Engine struct {
	client       llm.Client
	registry     *Registry
	knowledge    knowledge.Provider
	checkpointer Checkpointer
	systemPrompt string
	maxIter      int
	timeout      time.Duration
	temperature  float64
	log          *slog.Logger
}

// Option 定义可选的 Engine 配置。
type Option func(*Engine)

// WithKnowledgeProvider 配置知识库，用于补充系统提示。
func WithKnowledgeProvider(provider knowledge.Provider) Option {
	return func(e *Engine) { e.knowledge = provider }
}

// WithCheckpointer 配置会话日志。
func WithCheckpointer(cp Checkpointer) Option {
	return func(e *Engine) {
		if cp != nil {
			e.checkpointer = cp
		}
	}
}

// WithSystemPrompt 覆盖系统提示。
func WithSystemPrompt(prompt string) Option {
	return func(e *Engine) {
		if strings.TrimSpace(prompt) != "" {
			e.systemPrompt = prompt
		}
	}
}

// WithMaxIterations 设置模型调用次数上限。
func WithMaxIterations(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxIter = n
		}
	}
}

// WithRequestTimeout 设置单次请求的总超时。
func WithRequestTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithTemperature 设置采样温度。
func WithTemperature(t float64) Option {
	return func(e *Engine) {
		if t >= 0 {
			e.temperature = t
		}
	}
}

// NewEngine 创建对话引擎。
func NewEngine(client llm.Client, registry *Registry, opts ...Option) (*Engine, error) {
	if client == nil || registry == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置大模型客户端或工具注册表")
	}
	e := &Engine{
		client:       client,
		registry:     registry,
		checkpointer: NopCheckpointer{},
		systemPrompt: "You are a helpful payments assistant.",
		maxIter:      defaultMaxIterations,
		timeout:      defaultRequestTimeout,
		temperature:  defaultTemperature,
		log:          logger.Named("agent"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

// Run 执行一次对话，始终返回结构化结果。
func (e *Engine) Run(ctx context.Context, req Request) *Result {
	res := &Result{ThreadID: uuid.NewString()}
	if strings.TrimSpace(req.Message) == "" {
		return fail(res, xerrors.New(xerrors.CodeInvalidArgument, "message 不能为空"), "")
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	specs, err := e.registry.Specs()
	if err != nil {
		return fail(res, err, "")
	}
	history := []llm.Message{
		{Role: llm.RoleSystem, Content: e.buildSystemPrompt(req)},
		{Role: llm.RoleUser, Content: req.Message},
	}
	e.checkpoint(ctx, res.ThreadID, history...)

	var toolErr error
	for res.Iterations < e.maxIter {
		res.Iterations++
		reply, err := e.client.Chat(ctx, llm.ChatRequest{Messages: history, Tools: specs, Temperature: e.temperature})
		if err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				err = xerrors.Wrap(xerrors.CodeTimeout, err, "请求超时")
			}
			return fail(res, err, "")
		}
		history = append(history, *reply)
		e.checkpoint(ctx, res.ThreadID, *reply)

		if len(reply.ToolCalls) == 0 {
			if toolErr != nil {
				return fail(res, toolErr, reply.Content)
			}
			res.Status = StatusOK
			res.Message = reply.Content
			return res
		}

		for _, call := range reply.ToolCalls {
			if ctx.Err() != nil {
				return fail(res, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "请求超时"), "")
			}
			content, sideEffectErr := e.invoke(ctx, req.Caller, call)
			res.LastTool = call.Name
			if sideEffectErr != nil {
				toolErr = sideEffectErr
			}
			msg := llm.Message{Role: llm.RoleTool, ToolCallID: call.ID, Name: call.Name, Content: content}
			history = append(history, msg)
			e.checkpoint(ctx, res.ThreadID, msg)
		}
	}

	err = xerrors.New(xerrors.CodeTimeout, fmt.Sprintf("超过最大迭代次数 %d", e.maxIter),
		xerrors.WithMetadata("thread_id", res.ThreadID))
	e.log.Warn("tool loop hit iteration cap", slog.String("thread_id", res.ThreadID), slog.Int("iterations", res.Iterations))
	return fail(res, err, "")
}

// invoke 执行一次工具调用并返回写回对话的内容。第二个返回值仅在有副作用的
// 工具失败时非空。
func (e *Engine) invoke(ctx context.Context, caller Caller, call llm.ToolCall) (string, error) {
	start := time.Now()
	tool, ok := e.registry.Lookup(call.Name)
	if !ok {
		e.observe(call.Name, caller, "unknown", start, nil)
		return encodeToolError(xerrors.New(xerrors.CodeNotFound, "未知工具 "+call.Name)), nil
	}
	args, err := tool.Schema.Validate(call.Arguments)
	if err != nil {
		e.observe(call.Name, caller, "invalid", start, err)
		return encodeToolError(err), nil
	}

	out, err := tool.Handler(ctx, Invocation{Caller: caller, Arguments: args})
	if err != nil {
		e.observe(call.Name, caller, StatusError, start, err)
		content := encodeToolError(err)
		if out != nil {
			// 部分成功的结果（如批量赎回）与错误一并返回给模型。
			content = encodeResult(map[string]any{"error": toolError(err), "result": out})
		}
		if tool.SideEffect {
			return content, err
		}
		return content, nil
	}
	e.observe(call.Name, caller, StatusOK, start, nil)
	return encodeResult(out), nil
}

func (e *Engine) observe(tool string, caller Caller, status string, start time.Time, err error) {
	metrics.ObserveToolInvocation(tool, status)
	attrs := []any{
		slog.String("tool", tool),
		slog.String("user", caller.UserID),
		slog.String("status", status),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error_code", string(xerrors.CodeOf(err))), slog.String("error", err.Error()))
	}
	logger.Audit().Info("tool_invoked", attrs...)
}

func (e *Engine) checkpoint(ctx context.Context, threadID string, msgs ...llm.Message) {
	if err := e.checkpointer.Append(ctx, threadID, msgs...); err != nil {
		e.log.Warn("checkpoint append failed", slog.String("thread_id", threadID), slog.Any("error", err))
	}
}

func (e *Engine) buildSystemPrompt(req Request) string {
	var b strings.Builder
	b.WriteString(e.systemPrompt)
	if req.Caller.UserID != "" {
		fmt.Fprintf(&b, "\n\nThe current user is %s", req.Caller.UserID)
		if req.Caller.Address != "" {
			fmt.Fprintf(&b, " with wallet %s", req.Caller.Address)
		}
		b.WriteString(".")
	}
	if e.knowledge == nil {
		return b.String()
	}
	snippets := e.knowledge.Query(req.Message)
	if len(snippets) == 0 {
		return b.String()
	}
	b.WriteString("\n\nReference notes:")
	for _, s := range snippets {
		fmt.Fprintf(&b, "\n- %s: %s", strings.TrimSpace(s.Title), strings.TrimSpace(s.Content))
	}
	return b.String()
}

func fail(res *Result, err error, message string) *Result {
	res.Status = StatusError
	res.Error = string(xerrors.CodeOf(err))
	if message == "" {
		message = err.Error()
		if e, ok := xerrors.From(err); ok {
			message = e.Message()
		}
	}
	res.Message = message
	return res
}

type toolErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func toolError(err error) toolErrorBody {
	return toolErrorBody{Code: string(xerrors.CodeOf(err)), Message: err.Error()}
}

func encodeToolError(err error) string {
	return encodeResult(map[string]any{"error": toolError(err)})
}

func encodeResult(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(encoded)
}
