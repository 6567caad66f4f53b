package errors

import "sync"

// Code 是跨模块统一的错误码，同时作为工具结果与 API 响应中的错误标识。
type Code string

// Severity 决定告警级别。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// 通用错误码。
const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeExecutorFailure       Code = "EXECUTOR_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
	CodeUnauthorized          Code = "UNAUTHORIZED"
)

// 支付领域错误码。
const (
	CodeBadUser             Code = "BAD_USER"
	CodeBadDestination      Code = "BAD_DESTINATION"
	CodeUpstreamUnavailable Code = "UPSTREAM_UNAVAILABLE"
	CodeQuoteExpired        Code = "QUOTE_EXPIRED"
	CodePartialBatchFailure Code = "PARTIAL_BATCH_FAILURE"
)

// Attributes 是错误码的默认行为。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
}

var registry = struct {
	sync.RWMutex
	attrs map[Code]Attributes
}{attrs: map[Code]Attributes{
	CodeUnknown:               {Message: "unknown error", Severity: SeverityCritical, Alert: true},
	CodeInvalidArgument:       {Message: "invalid argument", Severity: SeverityInfo},
	CodeNotFound:              {Message: "resource not found", Severity: SeverityInfo},
	CodeConflict:              {Message: "resource conflict", Severity: SeverityWarning},
	CodeInitializationFailure: {Message: "service not initialized", Severity: SeverityWarning, Retryable: true, Alert: true},
	CodeStorageFailure:        {Message: "storage failure", Severity: SeverityCritical, Retryable: true, Alert: true},
	CodeExecutorFailure:       {Message: "executor failure", Severity: SeverityWarning, Retryable: true, Alert: true},
	CodeTimeout:               {Message: "operation timed out", Severity: SeverityWarning, Retryable: true, Alert: true},
	CodeUnauthorized:          {Message: "unauthorized", Severity: SeverityWarning},

	CodeBadUser:             {Message: "no account for user", Severity: SeverityWarning},
	CodeBadDestination:      {Message: "unrecognized destination", Severity: SeverityWarning},
	CodeUpstreamUnavailable: {Message: "upstream unavailable", Severity: SeverityCritical, Retryable: true, Alert: true},
	CodeQuoteExpired:        {Message: "quote expired", Severity: SeverityWarning, Retryable: true},
	CodePartialBatchFailure: {Message: "batch completed with failures", Severity: SeverityCritical, Alert: true},
}}

// Register 供业务包在 init 中登记自己的错误码，重复登记以后者为准。
func Register(code Code, attr Attributes) {
	registry.Lock()
	registry.attrs[code] = attr
	registry.Unlock()
}

// AttributesOf 返回错误码的属性，未登记的错误码按 UNKNOWN 处理。
func AttributesOf(code Code) Attributes {
	registry.RLock()
	defer registry.RUnlock()
	if attr, ok := registry.attrs[code]; ok {
		return attr
	}
	return registry.attrs[CodeUnknown]
}
