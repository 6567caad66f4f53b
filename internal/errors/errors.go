package errors

import (
	stdErrors "errors"
	"fmt"
	"log/slog"
	"maps"
)

// Error 携带错误码、面向调用方的说明以及可选的底层原因。
type Error struct {
	code      Code
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool
}

// Option 调整新建的错误。
type Option func(*Error)

// WithMetadata 附加一个键值对，随日志与告警输出。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string, 1)
		}
		e.metadata[key] = value
	}
}

// WithRetryable 覆盖错误码默认的重试属性。
func WithRetryable(retryable bool) Option {
	return func(e *Error) { e.retryable = &retryable }
}

// New 创建错误，message 为空时使用错误码的默认说明。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Newf 以格式化字符串创建错误。
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap 以 code 包裹 cause。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause == nil {
		return fmt.Sprintf("[%s] %s", e.code, e.message)
	}
	return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 使 errors.Is 按错误码比较。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e != nil && t != nil && e.code == t.code
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回不含底层原因的说明，可直接展示给用户。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回附加信息的副本。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	return maps.Clone(e.metadata)
}

// Retryable 优先使用 WithRetryable 的设置，否则取错误码默认值。
func (e *Error) Retryable() bool {
	switch {
	case e == nil:
		return false
	case e.retryable != nil:
		return *e.retryable
	default:
		return AttributesOf(e.code).Retryable
	}
}

// LogValue 让 slog.Any("error", err) 输出结构化字段。
func (e *Error) LogValue() slog.Value {
	if e == nil {
		return slog.StringValue("")
	}
	attrs := []slog.Attr{
		slog.String("code", string(e.code)),
		slog.String("message", e.message),
	}
	if e.cause != nil {
		attrs = append(attrs, slog.String("cause", e.cause.Error()))
	}
	for k, v := range e.metadata {
		attrs = append(attrs, slog.String(k, v))
	}
	return slog.GroupValue(attrs...)
}

// From 取出错误链中最外层的 *Error。
func From(err error) (*Error, bool) {
	var target *Error
	if err == nil || !stdErrors.As(err, &target) {
		return nil, false
	}
	return target, true
}

// CodeOf 返回最外层 *Error 的错误码，链中没有 *Error 时为 UNKNOWN。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// HasCode 判断错误链中任意一层是否为指定错误码。
func HasCode(err error, code Code) bool {
	for err != nil {
		e, ok := From(err)
		if !ok {
			return false
		}
		if e.code == code {
			return true
		}
		err = e.cause
	}
	return false
}

// RetryableError 判断任意 error 是否可重试。
func RetryableError(err error) bool {
	e, ok := From(err)
	return ok && e.Retryable()
}

// SeverityOf 返回错误码对应的告警级别。
func SeverityOf(err error) Severity {
	return AttributesOf(CodeOf(err)).Severity
}
