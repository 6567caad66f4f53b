package task

import (
	stdErrors "errors"

	xerrors "EffiSend-Agent/internal/errors"
)

// Status 表示登记任务在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Job 描述新账户的链上奖励登记任务，ID 即用户 ID，保证每个账户至多一个任务。
type Job struct {
	ID         string `json:"id"`
	Address    string `json:"address"`
	Status     Status `json:"status"`
	Attempts   int    `json:"attempts"`
	MaxRetries int    `json:"max_retries"`
	LastError  string `json:"last_error,omitempty"`
	ErrorCode  string `json:"error_code,omitempty"`
	TxHash     string `json:"tx_hash,omitempty"`
	CreatedAt  int64  `json:"created_at"`
	UpdatedAt  int64  `json:"updated_at"`
}

var (
	// ErrJobNotFound 表示指定的任务不存在。
	ErrJobNotFound = xerrors.New(CodeJobNotFound, "job not found")
	// ErrJobConflict 表示任务在当前状态下无法进行所请求的操作。
	ErrJobConflict = xerrors.New(CodeJobConflict, "job conflict")
	// ErrJobCompleted 表示任务已经成功完成。
	ErrJobCompleted = xerrors.New(CodeJobCompleted, "job already completed")
	// ErrJobExhausted 表示任务的重试次数已经耗尽。
	ErrJobExhausted = xerrors.New(CodeJobExhausted, "job retries exhausted")
)

const (
	CodeJobNotFound   xerrors.Code = "JOB_NOT_FOUND"
	CodeJobConflict   xerrors.Code = "JOB_CONFLICT"
	CodeJobCompleted  xerrors.Code = "JOB_COMPLETED"
	CodeJobExhausted  xerrors.Code = "JOB_RETRIES_EXHAUSTED"
	CodeJobPublish    xerrors.Code = "JOB_PUBLISH_FAILED"
	CodeJobProcessing xerrors.Code = "JOB_PROCESSING_FAILED"
)

func init() {
	xerrors.Register(CodeJobNotFound, xerrors.Attributes{
		Message:  "job not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeJobConflict, xerrors.Attributes{
		Message:  "job conflict",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeJobCompleted, xerrors.Attributes{
		Message:  "job already completed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeJobExhausted, xerrors.Attributes{
		Message:  "reward registration retries exhausted",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeJobPublish, xerrors.Attributes{
		Message:   "failed to publish job",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeJobProcessing, xerrors.Attributes{
		Message:   "reward registration failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// IsSkippable 判断 Claim 返回的错误是否意味着任务无需再处理。
func IsSkippable(err error) bool {
	return stdErrors.Is(err, ErrJobNotFound) ||
		stdErrors.Is(err, ErrJobCompleted) ||
		stdErrors.Is(err, ErrJobExhausted) ||
		stdErrors.Is(err, ErrJobConflict)
}
