package task

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"time"

	xerrors "EffiSend-Agent/internal/errors"

	"github.com/go-sql-driver/mysql"
)

// MySQLStore 使用 MySQL 的 registration_jobs 表记录任务状态，表结构由
// deploy/migrations 维护。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 基于已迁移的连接池创建 MySQLStore。
func NewMySQLStore(db *sql.DB) (*MySQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL 连接不能为空")
	}
	return &MySQLStore{db: db}, nil
}

const selectJobSQL = `SELECT id, address, status, attempts, max_retries, last_error, error_code, tx_hash, created_at, updated_at
        FROM registration_jobs WHERE id = ?`

// Create 插入新的任务记录。
func (s *MySQLStore) Create(ctx context.Context, job *Job) error {
	if job == nil || job.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	now := time.Now().Unix()
	job.CreatedAt = now
	job.UpdatedAt = now

	const stmt = `INSERT INTO registration_jobs
        (id, address, status, attempts, max_retries, last_error, error_code, tx_hash, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, '', '', '', ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt,
		job.ID,
		job.Address,
		string(job.Status),
		job.Attempts,
		job.MaxRetries,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrJobConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入登记任务失败")
	}
	return nil
}

// Get 查询指定任务。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Job, error) {
	var job Job
	var status string
	err := s.db.QueryRowContext(ctx, selectJobSQL, id).Scan(
		&job.ID,
		&job.Address,
		&status,
		&job.Attempts,
		&job.MaxRetries,
		&job.LastError,
		&job.ErrorCode,
		&job.TxHash,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询登记任务失败")
	}
	job.Status = Status(status)
	return &job, nil
}

// Claim 将任务标记为运行中并返回最新状态。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Job, error) {
	const updateStmt = `UPDATE registration_jobs SET status = ?, attempts = attempts + 1, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ? AND status IN (?, ?) AND attempts < max_retries`

	res, err := s.db.ExecContext(ctx, updateStmt,
		string(StatusRunning),
		time.Now().Unix(),
		id,
		string(StatusPending),
		string(StatusFailed),
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新登记任务状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	job, getErr := s.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if affected > 0 {
		return job, nil
	}
	switch {
	case job.Status == StatusSucceeded:
		return job, ErrJobCompleted
	case job.Status == StatusRunning:
		return job, ErrJobConflict
	case job.Attempts >= job.MaxRetries:
		return job, ErrJobExhausted
	default:
		return job, ErrJobConflict
	}
}

// MarkSucceeded 将任务标记为成功。
func (s *MySQLStore) MarkSucceeded(ctx context.Context, id string, txHash string) error {
	const stmt = `UPDATE registration_jobs SET status = ?, tx_hash = ?, last_error = '', error_code = '', updated_at = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, stmt, string(StatusSucceeded), txHash, time.Now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记登记任务成功失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrJobNotFound
	}
	return nil
}

// MarkFailed 将任务标记为失败；terminal 时把尝试次数推到上限。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	stmt := `UPDATE registration_jobs SET status = ?, last_error = ?, error_code = ?, updated_at = ? WHERE id = ?`
	if terminal {
		stmt = `UPDATE registration_jobs SET status = ?, last_error = ?, error_code = ?, updated_at = ?, attempts = GREATEST(attempts, max_retries) WHERE id = ?`
	}
	res, err := s.db.ExecContext(ctx, stmt, string(StatusFailed), lastError, string(code), time.Now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记登记任务失败状态出错")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrJobNotFound
	}
	return nil
}

// Close 不关闭共享连接池，由创建方负责。
func (s *MySQLStore) Close() error { return nil }

var _ Store = (*MySQLStore)(nil)
