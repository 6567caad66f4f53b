package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"EffiSend-Agent/pkg/logger"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL      string
	Queue    string
	Prefetch int
}

// RabbitMQQueue 使用持久化队列投递登记任务。发布走 confirm 模式，
// 无法解析或重投后仍失败的消息进入 "<queue>.dead"。
type RabbitMQQueue struct {
	conn     *amqp.Connection
	pub      *amqp.Channel
	sub      *amqp.Channel
	queue    string
	prefetch int
	mu       sync.Mutex
	log      *slog.Logger
}

// NewRabbitMQQueue 建立连接并声明业务队列与死信队列。
func NewRabbitMQQueue(cfg RabbitMQConfig) (_ *RabbitMQQueue, err error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	q := &RabbitMQQueue{
		queue:    cfg.Queue,
		prefetch: cfg.Prefetch,
		log:      logger.Named("rewards-queue"),
	}
	if q.queue == "" {
		q.queue = "effisend.rewards"
	}
	if q.prefetch <= 0 {
		q.prefetch = 1
	}

	if q.conn, err = amqp.Dial(cfg.URL); err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = q.Close()
		}
	}()

	if q.pub, err = q.conn.Channel(); err != nil {
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if err = q.pub.Confirm(false); err != nil {
		return nil, fmt.Errorf("开启 RabbitMQ confirm 模式失败: %w", err)
	}
	if err = q.declare(q.pub); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *RabbitMQQueue) deadLetterQueue() string {
	return q.queue + ".dead"
}

func (q *RabbitMQQueue) declare(ch *amqp.Channel) error {
	if _, err := ch.QueueDeclare(q.deadLetterQueue(), true, false, false, false, nil); err != nil {
		return fmt.Errorf("声明 RabbitMQ 死信队列失败: %w", err)
	}
	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": q.deadLetterQueue(),
	}
	if _, err := ch.QueueDeclare(q.queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("声明 RabbitMQ 队列失败: %w", err)
	}
	return nil
}

// Publish 投递持久化消息并等待 broker 确认。
func (q *RabbitMQQueue) Publish(ctx context.Context, msg Message) error {
	if q == nil || q.pub == nil {
		return errors.New("RabbitMQ 队列未初始化")
	}
	body, err := msg.encode()
	if err != nil {
		return err
	}

	q.mu.Lock()
	confirm, err := q.pub.PublishWithDeferredConfirmWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.JobID,
		Body:         body,
	})
	q.mu.Unlock()
	if err != nil {
		return fmt.Errorf("RabbitMQ 发布任务失败: %w", err)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("等待 RabbitMQ 确认失败: %w", err)
	}
	if !acked {
		return fmt.Errorf("RabbitMQ 拒绝了任务 %s", msg.JobID)
	}
	return nil
}

// Consume 在独立 channel 上以手动确认模式消费。首次处理失败的消息重新入队，
// 重投后再次失败的消息转入死信队列。
func (q *RabbitMQQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if q == nil || q.conn == nil {
		return errors.New("RabbitMQ 队列未初始化")
	}
	if workerCount <= 0 {
		workerCount = 1
	}

	q.mu.Lock()
	if q.sub == nil {
		ch, err := q.conn.Channel()
		if err != nil {
			q.mu.Unlock()
			return fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
		}
		if err := ch.Qos(q.prefetch, 0, false); err != nil {
			_ = ch.Close()
			q.mu.Unlock()
			return fmt.Errorf("设置 RabbitMQ QOS 失败: %w", err)
		}
		q.sub = ch
	}
	sub := q.sub
	q.mu.Unlock()

	deliveries, err := sub.ConsumeWithContext(ctx, q.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("订阅 RabbitMQ 队列失败: %w", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						return
					}
					q.deliver(ctx, d, handler)
				}
			}
		}()
	}

	wg.Wait()
	return ctx.Err()
}

func (q *RabbitMQQueue) deliver(ctx context.Context, d amqp.Delivery, handler Handler) {
	msg, err := decodeMessage(d.Body)
	if err != nil {
		q.log.Error("无法解析的队列消息转入死信队列", slog.String("message_id", d.MessageId), slog.Any("error", err))
		_ = d.Reject(false)
		return
	}
	if err := handler(ctx, msg); err != nil {
		if d.Redelivered {
			q.log.Warn("重投后仍失败，转入死信队列", slog.String("job_id", msg.JobID), slog.Any("error", err))
			_ = d.Nack(false, false)
			return
		}
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

// Close 关闭 channel 与连接。
func (q *RabbitMQQueue) Close() error {
	if q == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.sub != nil {
		_ = q.sub.Close()
		q.sub = nil
	}
	if q.pub != nil {
		_ = q.pub.Close()
		q.pub = nil
	}
	if q.conn != nil {
		err := q.conn.Close()
		q.conn = nil
		return err
	}
	return nil
}
