package task

import (
	"context"
	"log/slog"
	"time"

	xerrors "EffiSend-Agent/internal/errors"
	"EffiSend-Agent/internal/observability/alerting"
	"EffiSend-Agent/pkg/logger"
)

// Executor 执行链上奖励登记，返回交易哈希。
type Executor interface {
	Register(ctx context.Context, address string) (string, error)
}

// Processor 消费登记消息，领取任务后交给 Executor 上链。
// 失败的任务按 MaxRetries 决定重新投递或终止并告警。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	retryDelay  time.Duration
	log         *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) { p.log = l }
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithRetryDelay 设置失败任务重新入队前的等待时间。
func WithRetryDelay(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d > 0 {
			p.retryDelay = d
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) { p.alerter = dispatcher }
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.log == nil {
		p.log = logger.Named("rewards")
	}
	return p
}

// Start 阻塞消费队列直到 ctx 取消。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	if p.store == nil || p.executor == nil || p.producer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	p.log.Info("奖励登记处理器已启动", slog.Int("workers", p.workerCount))
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

// handle 返回错误时由队列负责重投；已经落库的失败由 retry 自行重新发布。
func (p *Processor) handle(ctx context.Context, msg Message) error {
	log := p.log.With(slog.String("job_id", msg.JobID), slog.Int("attempt", msg.Attempt))

	job, err := p.store.Claim(ctx, msg.JobID)
	switch {
	case err == nil:
	case IsSkippable(err):
		log.Debug("跳过登记任务", slog.String("reason", err.Error()))
		return nil
	default:
		log.Error("领取登记任务失败", slog.Any("error", err))
		p.emitAlert(ctx, &Job{ID: msg.JobID, Attempts: msg.Attempt}, CodeJobProcessing, err, "claim")
		return err
	}

	started := time.Now()
	txHash, err := p.executor.Register(ctx, job.Address)
	if err != nil {
		return p.retry(ctx, job, err)
	}

	if err := p.store.MarkSucceeded(ctx, job.ID, txHash); err != nil {
		// 交易已上链，不再重投。
		log.Error("回写登记成功状态失败", slog.Any("error", err), slog.String("tx_hash", txHash))
		return nil
	}
	logger.Audit().Info("registration_job",
		slog.String("job_id", job.ID),
		slog.String("address", job.Address),
		slog.String("stage", "succeeded"),
		slog.String("tx_hash", txHash),
		slog.Int("attempts", job.Attempts),
		slog.Duration("elapsed", time.Since(started)),
	)
	return nil
}

func (p *Processor) retry(ctx context.Context, job *Job, cause error) error {
	code := xerrors.CodeOf(cause)
	if code == xerrors.CodeUnknown {
		code = CodeJobProcessing
	}
	terminal := !xerrors.RetryableError(cause) || job.Attempts >= job.MaxRetries

	if err := p.store.MarkFailed(ctx, job.ID, code, cause.Error(), terminal); err != nil {
		p.log.Error("记录登记失败状态出错", slog.Any("error", err), slog.String("job_id", job.ID))
		return err
	}
	logger.Audit().Warn("registration_job",
		slog.String("job_id", job.ID),
		slog.String("address", job.Address),
		slog.String("stage", "failed"),
		slog.Bool("terminal", terminal),
		slog.String("error", cause.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", job.Attempts),
		slog.Int("max_retries", job.MaxRetries),
	)
	if terminal {
		p.emitAlert(ctx, job, CodeJobExhausted, cause, "terminal")
		return nil
	}

	if p.retryDelay > 0 {
		timer := time.NewTimer(p.retryDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	next := Message{JobID: job.ID, Attempt: job.Attempts}
	if err := p.producer.Publish(ctx, next); err != nil {
		return xerrors.Wrap(CodeJobPublish, err, "登记任务 "+job.ID+" 重投失败")
	}
	p.log.Debug("登记任务已重新排队", slog.String("job_id", job.ID), slog.Int("attempts", job.Attempts))
	return nil
}

func (p *Processor) emitAlert(ctx context.Context, job *Job, code xerrors.Code, cause error, stage string) {
	if p.alerter == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	if !attrs.Alert {
		return
	}
	metadata := map[string]string{"stage": stage}
	if job.Address != "" {
		metadata["address"] = job.Address
	}
	if cause != nil {
		metadata["cause"] = cause.Error()
	}
	err := p.alerter.Notify(ctx, alerting.Event{
		Code:       code,
		Message:    attrs.Message,
		Severity:   attrs.Severity,
		Subject:    job.ID,
		Attempts:   job.Attempts,
		MaxRetries: job.MaxRetries,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	})
	if err != nil {
		p.log.Error("告警通知失败", slog.Any("error", err), slog.String("job_id", job.ID), slog.String("stage", stage))
	}
}
