package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	xerrors "EffiSend-Agent/internal/errors"
	loggerpkg "EffiSend-Agent/pkg/logger"
)

// HeaderAPIKey 是携带共享密钥的请求头。
const HeaderAPIKey = "X-API-Key"

// UnauthorizedMessage 是认证失败时返回的固定提示。
const UnauthorizedMessage = "Unauthorized: Invalid or missing API Key."

// ErrUnauthorized 表示请求未携带或携带了错误的 API Key。
var ErrUnauthorized = xerrors.New(xerrors.CodeUnauthorized, UnauthorizedMessage)

// APIKeyGuard 以常量时间比较静态共享密钥。
type APIKeyGuard struct {
	digest [32]byte
	keyID  string
	audit  *slog.Logger
}

// NewAPIKeyGuard 创建认证器，密钥为空时返回错误。
func NewAPIKeyGuard(key string) (*APIKeyGuard, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置 API Key")
	}
	digest := sha256.Sum256([]byte(key))
	return &APIKeyGuard{
		digest: digest,
		keyID:  hex.EncodeToString(digest[:4]),
	}, nil
}

// WithAuditLogger 覆盖默认的审计日志输出。
func (g *APIKeyGuard) WithAuditLogger(l *slog.Logger) *APIKeyGuard {
	g.audit = l
	return g
}

// Authenticate 校验请求头中的密钥。比较的是两端摘要，长度不同也不会提前返回。
func (g *APIKeyGuard) Authenticate(r *http.Request) (*Principal, error) {
	presented := r.Header.Get(HeaderAPIKey)
	if presented == "" {
		return nil, ErrUnauthorized
	}
	digest := sha256.Sum256([]byte(presented))
	if subtle.ConstantTimeCompare(digest[:], g.digest[:]) != 1 {
		return nil, ErrUnauthorized
	}
	return &Principal{Scheme: "api_key", KeyID: g.keyID}, nil
}

// Middleware 返回认证中间件。失败时返回 401 与固定的 JSON 响应体，不再继续处理。
func (g *APIKeyGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := g.Authenticate(r)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":  "error",
				"message": UnauthorizedMessage,
			})
			logger := g.audit
			if logger == nil {
				logger = loggerpkg.Audit()
			}
			logger.Warn("access_denied",
				"path", r.URL.Path,
				"method", r.Method,
				"status", http.StatusUnauthorized,
				"remote", r.RemoteAddr,
				"key_present", r.Header.Get(HeaderAPIKey) != "",
			)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}
