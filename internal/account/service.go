package account

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	xerrors "EffiSend-Agent/internal/errors"
	"EffiSend-Agent/internal/observability/alerting"
	"EffiSend-Agent/internal/security"
	"EffiSend-Agent/internal/settlement/juno"
	"EffiSend-Agent/pkg/logger"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/sync/singleflight"
)

// Options 控制开户流程的可选依赖。
type Options struct {
	Network   string
	LegalName string
	Locker    Locker
	Registrar Registrar
	Alerts    alerting.Dispatcher
	// Random 为银行 CLABE 账号的随机源，nil 时使用 crypto/rand。
	Random io.Reader
	// ProvisionTimeout 限制一次共享开户的总时长，默认 60s。
	ProvisionTimeout time.Duration
}

// Service 实现 find-or-create 语义的账户服务。
type Service struct {
	store      Store
	settlement Settlement
	sealer     security.Sealer
	opts       Options
	group      singleflight.Group
	log        *slog.Logger
}

// NewService 构造账户服务。
func NewService(store Store, settlement Settlement, sealer security.Sealer, opts Options) (*Service, error) {
	if store == nil || settlement == nil || sealer == nil {
		return nil, errors.New("账户服务依赖未完整配置")
	}
	if opts.Network == "" {
		opts.Network = "ARBITRUM"
	}
	if opts.LegalName == "" {
		opts.LegalName = "EffiSend Customer"
	}
	if opts.Locker == nil {
		opts.Locker = NewMemoryLocker()
	}
	if opts.ProvisionTimeout <= 0 {
		opts.ProvisionTimeout = 60 * time.Second
	}
	return &Service{
		store:      store,
		settlement: settlement,
		sealer:     sealer,
		opts:       opts,
		log:        logger.Named("account"),
	}, nil
}

// Get 返回已有账户，不存在时返回 BAD_USER。
func (s *Service) Get(ctx context.Context, userID string) (*Account, error) {
	rec, err := s.lookup(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &rec.Account, nil
}

// SigningKey 解密用户的签名密钥，仅供支付编排使用。
func (s *Service) SigningKey(ctx context.Context, userID string) (*ecdsa.PrivateKey, error) {
	rec, err := s.lookup(ctx, userID)
	if err != nil {
		return nil, err
	}
	raw, err := s.sealer.Open(rec.SealedKey)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解密签名密钥失败", xerrors.WithMetadata("user", userID))
	}
	key, err := crypto.ToECDSA(raw)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "签名密钥格式非法", xerrors.WithMetadata("user", userID))
	}
	return key, nil
}

func (s *Service) lookup(ctx context.Context, userID string) (*Record, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, xerrors.New(xerrors.CodeBadUser, "user 不能为空")
	}
	rec, err := s.store.Get(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return nil, xerrors.New(xerrors.CodeBadUser, "用户 "+userID+" 没有账户", xerrors.WithMetadata("user", userID))
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取账户失败")
	}
	return rec, nil
}

// FindOrCreate 返回用户账户，首次接触时完成开户。
//
// 同一进程内的并发请求经 singleflight 合并，共享调用不随任何单个调用方
// 取消；调用方取消只结束自己的等待。跨实例由 Locker 串行化，获得锁后重新
// 读取存储；最终写入依赖存储层的 create-if-absent。
func (s *Service) FindOrCreate(ctx context.Context, userID string) (*Account, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "user 不能为空")
	}
	rec, err := s.store.Get(ctx, userID)
	if err == nil {
		return &rec.Account, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取账户失败")
	}

	ch := s.group.DoChan(userID, func() (any, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ProvisionTimeout)
		defer cancel()
		return s.provisionLocked(shared, userID)
	})
	select {
	case <-ctx.Done():
		return nil, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "等待开户结果超时", xerrors.WithMetadata("user", userID))
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		acc := res.Val.(Account)
		return &acc, nil
	}
}

func (s *Service) provisionLocked(ctx context.Context, userID string) (Account, error) {
	unlock, err := s.opts.Locker.Lock(ctx, "account:"+userID)
	if err != nil {
		return Account{}, xerrors.Wrap(xerrors.CodeTimeout, err, "获取开户锁失败")
	}
	defer unlock()

	rec, err := s.store.Get(ctx, userID)
	if err == nil {
		return rec.Account, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Account{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取账户失败")
	}
	return s.provision(ctx, userID)
}

// provision 在全部外部登记成功后才写入存储，失败时不留下半成品账户。
func (s *Service) provision(ctx context.Context, userID string) (Account, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return Account{}, fmt.Errorf("生成签名密钥失败: %w", err)
	}
	address := crypto.PubkeyToAddress(key.PublicKey).Hex()

	clabe, err := juno.GenerateCLABE(s.opts.Random)
	if err != nil {
		return Account{}, fmt.Errorf("生成银行 CLABE 失败: %w", err)
	}

	rclabe, err := s.settlement.CreateRoutingAccount(ctx)
	if err != nil {
		return Account{}, fmt.Errorf("创建平台 CLABE 失败: %w", err)
	}
	if err := s.settlement.RegisterBlockchainLink(ctx, juno.BlockchainLink{
		Tag:     userID,
		Network: s.opts.Network,
		Address: address,
	}); err != nil {
		return Account{}, fmt.Errorf("登记链上地址失败: %w", err)
	}
	if err := s.settlement.RegisterBankAccount(ctx, juno.BankAccount{
		Tag:       userID,
		LegalName: s.opts.LegalName,
		CLABE:     clabe,
		Ownership: juno.OwnershipThirdParty,
	}); err != nil {
		return Account{}, fmt.Errorf("登记银行账户失败: %w", err)
	}

	sealed, err := s.sealer.Seal(crypto.FromECDSA(key))
	if err != nil {
		return Account{}, fmt.Errorf("加密签名密钥失败: %w", err)
	}

	stored, created, err := s.store.CreateIfAbsent(ctx, Record{
		Account: Account{
			UserID:    userID,
			Address:   address,
			CLABE:     clabe,
			RCLABE:    rclabe,
			CreatedAt: time.Now().UTC(),
		},
		SealedKey: sealed,
	})
	if err != nil {
		return Account{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入账户失败")
	}
	if !created {
		s.log.Warn("并发开户，沿用已有账户", slog.String("user", userID))
		return stored.Account, nil
	}

	logger.Audit().Info("account_provisioned",
		slog.String("user", userID),
		slog.String("address", address),
		slog.String("clabe", clabe),
		slog.String("rclabe", rclabe),
	)
	s.enqueueRegistration(ctx, stored.Account)
	return stored.Account, nil
}

// enqueueRegistration 投递奖励登记；失败只告警，账户已完整落库。
func (s *Service) enqueueRegistration(ctx context.Context, acc Account) {
	if s.opts.Registrar == nil {
		return
	}
	if err := s.opts.Registrar.Enqueue(ctx, acc.UserID, acc.Address); err != nil {
		s.log.Error("投递奖励登记任务失败", slog.String("user", acc.UserID), slog.Any("error", err))
		if s.opts.Alerts != nil && xerrors.AttributesOf(xerrors.CodeOf(err)).Alert {
			event := alerting.FromError(err, acc.UserID)
			event.Metadata = map[string]string{"address": acc.Address, "stage": "reward_registration"}
			_ = s.opts.Alerts.Notify(ctx, event)
		}
	}
}
