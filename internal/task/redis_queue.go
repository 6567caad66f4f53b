package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"EffiSend-Agent/pkg/logger"

	"github.com/redis/go-redis/v9"
)

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

// RedisQueue 是基于 list 的可靠队列：LPUSH 入队，BLMOVE 将消息原子地移入
// processing 列表，处理完成后 LREM 确认。进程崩溃遗留在 processing 中的消息
// 会在下次 Consume 时回到待处理队列。
type RedisQueue struct {
	client     redis.UniversalClient
	queue      string
	processing string
	wait       time.Duration
	log        *slog.Logger
}

// NewRedisQueue 连接 Redis 并创建队列。
func NewRedisQueue(ctx context.Context, cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return NewRedisQueueWithClient(client, cfg), nil
}

// NewRedisQueueWithClient 复用已有的客户端。
func NewRedisQueueWithClient(client redis.UniversalClient, cfg RedisQueueConfig) *RedisQueue {
	queue := cfg.Queue
	if queue == "" {
		queue = "effisend:rewards"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisQueue{
		client:     client,
		queue:      queue,
		processing: queue + ":processing",
		wait:       wait,
		log:        logger.Named("rewards-queue"),
	}
}

// Publish 将消息压入队列头部。
func (q *RedisQueue) Publish(ctx context.Context, msg Message) error {
	raw, err := msg.encode()
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.queue, raw).Err(); err != nil {
		return fmt.Errorf("Redis 发布任务失败: %w", err)
	}
	return nil
}

// Recover 将 processing 中遗留的消息移回待处理队列，返回移动的条数。
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	moved := 0
	for {
		err := q.client.LMove(ctx, q.processing, q.queue, "RIGHT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("恢复 Redis 遗留任务失败: %w", err)
		}
		moved++
	}
}

// Consume 启动工作协程。处理器返回错误时消息回到队列尾部等待重试。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	if n, err := q.Recover(ctx); err != nil {
		return err
	} else if n > 0 {
		q.log.Warn("恢复遗留的登记任务", slog.Int("count", n))
	}

	errCh := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() { errCh <- q.work(ctx, handler) }()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (q *RedisQueue) work(ctx context.Context, handler Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		raw, err := q.client.BLMove(ctx, q.queue, q.processing, "RIGHT", "LEFT", q.wait).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return ctx.Err()
			}
			return fmt.Errorf("Redis 取任务失败: %w", err)
		}

		msg, decodeErr := decodeMessage([]byte(raw))
		if decodeErr != nil {
			q.log.Error("丢弃无法解析的队列消息", slog.String("raw", raw), slog.Any("error", decodeErr))
			q.ack(ctx, raw)
			continue
		}
		if handlerErr := handler(ctx, msg); handlerErr != nil {
			q.requeue(ctx, raw)
			continue
		}
		q.ack(ctx, raw)
	}
}

func (q *RedisQueue) ack(ctx context.Context, raw string) {
	if err := q.client.LRem(context.WithoutCancel(ctx), q.processing, 1, raw).Err(); err != nil {
		q.log.Error("确认队列消息失败", slog.Any("error", err))
	}
}

// requeue 原子地把消息从 processing 移回待处理队列。
func (q *RedisQueue) requeue(ctx context.Context, raw string) {
	_, err := q.client.TxPipelined(context.WithoutCancel(ctx), func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processing, 1, raw)
		pipe.LPush(ctx, q.queue, raw)
		return nil
	})
	if err != nil {
		q.log.Error("任务重新入队失败", slog.Any("error", err))
	}
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
