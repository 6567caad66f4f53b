package task

import (
	"context"

	xerrors "EffiSend-Agent/internal/errors"
)

// Store 抽象了登记任务状态的持久化接口。
type Store interface {
	// Create 在 ID 已存在时返回 ErrJobConflict。
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	// Claim 将 pending 或可重试的 failed 任务切换为 running 并累加尝试次数。
	Claim(ctx context.Context, id string) (*Job, error)
	MarkSucceeded(ctx context.Context, id string, txHash string) error
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	Close() error
}
