package task

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Message 是队列中传递的登记任务引用。任务详情始终以 Store 为准。
type Message struct {
	JobID       string    `json:"job_id"`
	Attempt     int       `json:"attempt"`
	PublishedAt time.Time `json:"published_at"`
}

func (m Message) encode() ([]byte, error) {
	if m.PublishedAt.IsZero() {
		m.PublishedAt = time.Now().UTC()
	}
	return json.Marshal(m)
}

func decodeMessage(raw []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, fmt.Errorf("解析队列消息失败: %w", err)
	}
	if m.JobID == "" {
		return Message{}, fmt.Errorf("队列消息缺少 job_id")
	}
	return m, nil
}

// Handler 处理一条消息。返回错误表示消息需要由队列重新投递。
type Handler func(ctx context.Context, msg Message) error

// Producer 投递登记任务。
type Producer interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// Consumer 以 workerCount 个协程消费消息，阻塞直到 ctx 取消。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
