package account

import (
	"context"
	"time"

	xerrors "EffiSend-Agent/internal/errors"
	"EffiSend-Agent/internal/settlement/juno"
)

// ErrNotFound 表示存储中没有该用户的账户。
var ErrNotFound = xerrors.New(xerrors.CodeNotFound, "account not found")

// Account 是对外可见的账户信息，不包含任何密钥材料。
type Account struct {
	UserID    string    `json:"user"`
	Address   string    `json:"address"`
	CLABE     string    `json:"clabe"`
	RCLABE    string    `json:"rclabe"`
	CreatedAt time.Time `json:"created_at"`
}

// Record 是持久化形态，SealedKey 为加密后的签名密钥。
type Record struct {
	Account
	SealedKey string
}

// Store 定义账户持久化接口。
type Store interface {
	// Get 在账户不存在时返回 ErrNotFound。
	Get(ctx context.Context, userID string) (*Record, error)
	// CreateIfAbsent 原子地写入记录；若已存在则返回已有记录且 created 为 false。
	CreateIfAbsent(ctx context.Context, rec Record) (stored *Record, created bool, err error)
}

// Settlement 是开户流程依赖的结算服务能力。
type Settlement interface {
	CreateRoutingAccount(ctx context.Context) (string, error)
	RegisterBlockchainLink(ctx context.Context, link juno.BlockchainLink) error
	RegisterBankAccount(ctx context.Context, account juno.BankAccount) error
}

// Registrar 负责投递开户后的链上奖励登记任务。
type Registrar interface {
	Enqueue(ctx context.Context, userID, address string) error
}

// Locker 提供按 key 的互斥，用于跨实例收敛首次开户。
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}
