package auth

import "context"

// principalKey 是上下文中存储调用方标识的键类型。
type principalKey struct{}

// Principal 描述通过认证的调用方。
type Principal struct {
	// Scheme 为认证方式，目前仅有 "api_key"。
	Scheme string
	// KeyID 是密钥指纹的前缀，可安全写入日志。
	KeyID string
}

// WithPrincipal 将调用方信息存入上下文。
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	if p == nil {
		return ctx
	}
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext 从上下文中提取调用方信息。
func PrincipalFromContext(ctx context.Context) *Principal {
	if ctx == nil {
		return nil
	}
	if p, ok := ctx.Value(principalKey{}).(*Principal); ok {
		return p
	}
	return nil
}
