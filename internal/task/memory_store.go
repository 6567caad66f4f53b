package task

import (
	"context"
	"sync"
	"time"

	xerrors "EffiSend-Agent/internal/errors"
)

// MemoryStore 以内存方式保存任务状态。
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, job *Job) error {
	if job == nil || job.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return ErrJobConflict
	}
	now := time.Now().Unix()
	if job.CreatedAt == 0 {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	clone := *job
	m.jobs[job.ID] = &clone
	return nil
}

// Get 返回任务副本。
func (m *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	clone := *job
	return &clone, nil
}

// Claim 将任务状态更新为运行中。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	clone := *job
	switch job.Status {
	case StatusSucceeded:
		return &clone, ErrJobCompleted
	case StatusRunning:
		return &clone, ErrJobConflict
	}
	if job.Attempts >= job.MaxRetries {
		return &clone, ErrJobExhausted
	}
	job.Status = StatusRunning
	job.Attempts++
	job.LastError = ""
	job.ErrorCode = ""
	job.UpdatedAt = time.Now().Unix()
	clone = *job
	return &clone, nil
}

// MarkSucceeded 记录成功与交易哈希。
func (m *MemoryStore) MarkSucceeded(_ context.Context, id string, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	job.Status = StatusSucceeded
	job.TxHash = txHash
	job.LastError = ""
	job.ErrorCode = ""
	job.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkFailed 记录失败；terminal 时把尝试次数推到上限，阻止后续领取。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	job.Status = StatusFailed
	job.LastError = lastError
	job.ErrorCode = string(code)
	if terminal && job.Attempts < job.MaxRetries {
		job.Attempts = job.MaxRetries
	}
	job.UpdatedAt = time.Now().Unix()
	return nil
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
