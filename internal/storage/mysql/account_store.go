package mysql

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"time"

	"EffiSend-Agent/internal/account"
	xerrors "EffiSend-Agent/internal/errors"

	"github.com/go-sql-driver/mysql"
)

const erDupEntry = 1062

const selectAccountSQL = `SELECT user_id, address, clabe, rclabe, sealed_key, created_at
        FROM accounts WHERE user_id = ?`

const insertAccountSQL = `INSERT INTO accounts (user_id, address, clabe, rclabe, sealed_key, created_at)
        VALUES (?, ?, ?, ?, ?, ?)`

// AccountStore 将账户记录保存在 accounts 表中。
type AccountStore struct {
	db *sql.DB
}

// NewAccountStore 基于已迁移的连接池创建账户存储。
func NewAccountStore(db *sql.DB) (*AccountStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL 连接不能为空")
	}
	return &AccountStore{db: db}, nil
}

// Get 查询指定用户的账户，不存在时返回 account.ErrNotFound。
func (s *AccountStore) Get(ctx context.Context, userID string) (*account.Record, error) {
	var (
		rec       account.Record
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, selectAccountSQL, userID).Scan(
		&rec.UserID,
		&rec.Address,
		&rec.CLABE,
		&rec.RCLABE,
		&rec.SealedKey,
		&createdAt,
	)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, account.ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询账户失败")
	}
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &rec, nil
}

// CreateIfAbsent 依靠主键唯一约束实现原子写入；主键冲突时返回已存在的记录。
func (s *AccountStore) CreateIfAbsent(ctx context.Context, rec account.Record) (*account.Record, bool, error) {
	if rec.UserID == "" {
		return nil, false, xerrors.New(xerrors.CodeInvalidArgument, "用户 ID 不能为空")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, insertAccountSQL,
		rec.UserID,
		rec.Address,
		rec.CLABE,
		rec.RCLABE,
		rec.SealedKey,
		rec.CreatedAt.UnixMilli(),
	)
	if err == nil {
		stored := rec
		return &stored, true, nil
	}
	var mysqlErr *mysql.MySQLError
	if !stdErrors.As(err, &mysqlErr) || mysqlErr.Number != erDupEntry {
		return nil, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入账户失败")
	}
	existing, getErr := s.Get(ctx, rec.UserID)
	if getErr != nil {
		return nil, false, getErr
	}
	return existing, false, nil
}

var _ account.Store = (*AccountStore)(nil)
