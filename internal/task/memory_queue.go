package task

import (
	"context"
	"sync"

	xerrors "EffiSend-Agent/internal/errors"
)

// MemoryQueue 是进程内的无界 FIFO。同一任务在队列中至多排队一次。
type MemoryQueue struct {
	mu      sync.Mutex
	items   []Message
	pending map[string]struct{}
	notify  chan struct{}
	closed  bool
}

// NewMemoryQueue 创建内存队列。
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		pending: make(map[string]struct{}),
		notify:  make(chan struct{}, 1),
	}
}

// Publish 追加消息；任务已在排队时忽略。
func (q *MemoryQueue) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return xerrors.New(CodeJobPublish, "内存队列已关闭")
	}
	if _, ok := q.pending[msg.JobID]; ok {
		return nil
	}
	q.pending[msg.JobID] = struct{}{}
	q.items = append(q.items, msg)
	q.wake()
	return nil
}

// Len 返回排队中的消息数量。
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Consume 启动工作协程，直到 ctx 取消或队列关闭。处理失败的消息回到队尾。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				msg, ok := q.next(ctx)
				if !ok {
					return
				}
				if err := handler(ctx, msg); err != nil && ctx.Err() == nil {
					_ = q.Publish(ctx, msg)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// next 阻塞直到取到消息；ctx 取消或队列关闭时返回 false。
func (q *MemoryQueue) next(ctx context.Context) (Message, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return Message{}, false
		}
		if len(q.items) > 0 {
			msg := q.items[0]
			q.items = q.items[1:]
			delete(q.pending, msg.JobID)
			if len(q.items) > 0 {
				q.wake()
			}
			q.mu.Unlock()
			return msg, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Message{}, false
		case <-q.notify:
		}
	}
}

// wake 在持有锁时调用。
func (q *MemoryQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Close 关闭队列并唤醒所有等待的消费者。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.notify)
	}
	return nil
}
