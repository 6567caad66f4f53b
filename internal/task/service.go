package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"

	xerrors "EffiSend-Agent/internal/errors"
	"EffiSend-Agent/pkg/logger"
)

const defaultMaxRetries = 3

// Service 创建并查询奖励登记任务，实现 account.Registrar。
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
}

// NewService 构造任务服务。maxRetries 非正时取默认值 3。
func NewService(store Store, producer Producer, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	return &Service{store: store, producer: producer, maxRetries: maxRetries}
}

// Enqueue 为新账户登记奖励。任务以用户 ID 为键，重复调用不会产生第二个任务。
// 入队失败时任务直接标记为终止失败并返回 JOB_PUBLISH_FAILED。
func (s *Service) Enqueue(ctx context.Context, userID, address string) error {
	userID, address = strings.TrimSpace(userID), strings.TrimSpace(address)
	if userID == "" || address == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "用户 ID 与地址不能为空")
	}
	if s.store == nil || s.producer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}

	created, err := s.create(ctx, userID, address)
	if err != nil || !created {
		return err
	}

	if err := s.producer.Publish(ctx, Message{JobID: userID}); err != nil {
		wrapped := xerrors.Wrap(CodeJobPublish, err, "发布登记任务到队列失败")
		logger.L().Error("登记任务入队失败", slog.Any("error", err), slog.String("job_id", userID))
		if markErr := s.store.MarkFailed(ctx, userID, CodeJobPublish, wrapped.Error(), true); markErr != nil {
			logger.L().Error("记录入队失败状态出错", slog.Any("error", markErr), slog.String("job_id", userID))
		}
		return wrapped
	}

	logger.Audit().Info("registration_job",
		slog.String("job_id", userID),
		slog.String("address", address),
		slog.String("stage", "enqueued"),
		slog.Int("max_retries", s.maxRetries),
	)
	return nil
}

// create 返回 false 表示任务已存在。
func (s *Service) create(ctx context.Context, userID, address string) (bool, error) {
	_, err := s.store.Get(ctx, userID)
	switch {
	case err == nil:
		return false, nil
	case !stdErrors.Is(err, ErrJobNotFound):
		return false, err
	}

	err = s.store.Create(ctx, &Job{
		ID:         userID,
		Address:    address,
		Status:     StatusPending,
		MaxRetries: s.maxRetries,
	})
	if stdErrors.Is(err, ErrJobConflict) {
		return false, nil
	}
	return err == nil, err
}

// Get 返回指定任务的当前状态。
func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Get(ctx, strings.TrimSpace(id))
}

// Close 依次释放存储与生产者。
func (s *Service) Close() error {
	var errs []error
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.producer != nil {
		errs = append(errs, s.producer.Close())
	}
	return stdErrors.Join(errs...)
}
