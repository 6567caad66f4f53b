package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"EffiSend-Agent/internal/account"
	"EffiSend-Agent/internal/agent"
	"EffiSend-Agent/internal/auth"
	xerrors "EffiSend-Agent/internal/errors"
	"EffiSend-Agent/internal/observability/metrics"
	"EffiSend-Agent/pkg/logger"
)

const maxBodyBytes = 1 << 20

// Chatter 运行一次对话。
type Chatter interface {
	Run(ctx context.Context, req agent.Request) *agent.Result
}

// Accounts 负责按需开户。
type Accounts interface {
	FindOrCreate(ctx context.Context, userID string) (*account.Account, error)
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr     string
	chat     Chatter
	accounts Accounts
	guard    *auth.APIKeyGuard
	timeout  time.Duration
	log      *slog.Logger
}

// NewServer 构造 API 服务实例。guard 为 nil 时 /api/* 不做认证，仅用于本地调试。
func NewServer(addr string, chat Chatter, accounts Accounts, guard *auth.APIKeyGuard) *Server {
	return &Server{
		addr:     addr,
		chat:     chat,
		accounts: accounts,
		guard:    guard,
		timeout:  5 * time.Second,
		log:      logger.Named("api"),
	}
}

// WithReadHeaderTimeout 覆盖读取请求头的超时时间。
func (s *Server) WithReadHeaderTimeout(d time.Duration) *Server {
	if d > 0 {
		s.timeout = d
	}
	return s
}

// Handler 返回完整的路由，HTTP 服务与 Lambda 适配器共用。
func (s *Server) Handler() http.Handler {
	protected := http.NewServeMux()
	protected.HandleFunc("/api/chat", s.handleChat)
	protected.HandleFunc("/api/v1/accounts", s.handleAccounts)

	var api http.Handler = protected
	if s.guard != nil {
		api = s.guard.Middleware(protected)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/api/", api)
	return withAudit(mux)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: s.timeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("api server listening", slog.String("address", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type statusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeJSON(w, http.StatusNotFound, statusResponse{Status: "error", Message: "not found"})
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok", Message: "DeSmond API is running."})
}

// ChatRequest 是 /api/chat 的请求体。
type ChatRequest struct {
	Message string      `json:"message"`
	Context ChatContext `json:"context"`
}

// ChatContext 携带调用方身份。
type ChatContext struct {
	User    string `json:"user"`
	Address string `json:"address"`
}

// ChatResponse 是 /api/chat 的响应体，逻辑失败同样以 200 返回。
type ChatResponse struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	LastTool string `json:"last_tool"`
	Error    string `json:"error,omitempty"`
	ThreadID string `json:"thread_id,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, statusResponse{Status: "error", Message: "仅支持 POST"})
		return
	}
	var req ChatRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusOK, chatFailure(err))
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeJSON(w, http.StatusOK, chatFailure(xerrors.New(xerrors.CodeInvalidArgument, "message 不能为空")))
		return
	}
	if s.chat == nil {
		writeJSON(w, http.StatusOK, chatFailure(xerrors.New(xerrors.CodeInitializationFailure, "对话引擎未初始化")))
		return
	}

	caller := agent.Caller{UserID: strings.TrimSpace(req.Context.User), Address: strings.TrimSpace(req.Context.Address)}
	if caller.UserID != "" && s.accounts != nil {
		acc, err := s.accounts.FindOrCreate(r.Context(), caller.UserID)
		if err != nil {
			writeJSON(w, http.StatusOK, chatFailure(err))
			return
		}
		caller.Address = acc.Address
	}

	res := s.chat.Run(r.Context(), agent.Request{Message: req.Message, Caller: caller})
	writeJSON(w, http.StatusOK, ChatResponse{
		Status:   res.Status,
		Message:  res.Message,
		LastTool: res.LastTool,
		Error:    res.Error,
		ThreadID: res.ThreadID,
	})
}

func chatFailure(err error) ChatResponse {
	msg := err.Error()
	if e, ok := xerrors.From(err); ok {
		msg = e.Message()
	}
	return ChatResponse{Status: agent.StatusError, Message: msg, Error: string(xerrors.CodeOf(err))}
}

// AccountRequest 是 /api/v1/accounts 的请求体。
type AccountRequest struct {
	User string `json:"user"`
}

// AccountResponse 中 Error 与 Result 互斥。
type AccountResponse struct {
	Error  *string          `json:"error"`
	Result *account.Account `json:"result"`
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, statusResponse{Status: "error", Message: "仅支持 POST"})
		return
	}
	var req AccountRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusOK, accountFailure(err))
		return
	}
	if s.accounts == nil {
		writeJSON(w, http.StatusOK, accountFailure(xerrors.New(xerrors.CodeInitializationFailure, "账户服务未初始化")))
		return
	}
	acc, err := s.accounts.FindOrCreate(r.Context(), req.User)
	if err != nil {
		s.log.Warn("account resolution failed", slog.String("user", req.User), slog.Any("error", err))
		writeJSON(w, http.StatusOK, accountFailure(err))
		return
	}
	writeJSON(w, http.StatusOK, AccountResponse{Result: acc})
}

func accountFailure(err error) AccountResponse {
	code := string(xerrors.CodeOf(err))
	return AccountResponse{Error: &code}
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// withAudit 为每个请求写入 api_request 审计日志并记录指标。
func withAudit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(aw, r)
		elapsed := time.Since(start)
		metrics.ObserveHTTPRequest(routeLabel(r.URL.Path), r.Method, aw.status, elapsed)
		logger.Audit().Info("api_request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", aw.status,
			"duration_ms", elapsed.Milliseconds(),
		)
	})
}

// routeLabel 限制指标标签的基数。
func routeLabel(path string) string {
	switch path {
	case "/", "/metrics", "/api/chat", "/api/v1/accounts":
		return path
	default:
		return "other"
	}
}

// auditWriter 包装 http.ResponseWriter 以捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
