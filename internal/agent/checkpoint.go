package agent

import (
	"context"
	"encoding/json"
	"time"

	xerrors "EffiSend-Agent/internal/errors"
	"EffiSend-Agent/internal/llm"

	"github.com/redis/go-redis/v9"
)

// Checkpointer 以追加方式记录会话消息。
type Checkpointer interface {
	Append(ctx context.Context, threadID string, msgs ...llm.Message) error
}

// NopCheckpointer 不做任何持久化。
type NopCheckpointer struct{}

// Append 实现 Checkpointer。
func (NopCheckpointer) Append(context.Context, string, ...llm.Message) error { return nil }

// ThreadKeyPrefix 是 Redis 中会话日志的键前缀。
const ThreadKeyPrefix = "effisend:thread:"

// RedisCheckpointer 将消息 RPUSH 到 effisend:thread:<id>，并刷新过期时间。
type RedisCheckpointer struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedisCheckpointer 创建基于 Redis list 的检查点。ttl<=0 表示不过期。
func NewRedisCheckpointer(client redis.Cmdable, ttl time.Duration) *RedisCheckpointer {
	return &RedisCheckpointer{client: client, ttl: ttl}
}

// Append 实现 Checkpointer。
func (c *RedisCheckpointer) Append(ctx context.Context, threadID string, msgs ...llm.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	values := make([]any, 0, len(msgs))
	for _, m := range msgs {
		encoded, err := json.Marshal(m)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化会话消息失败")
		}
		values = append(values, encoded)
	}
	key := ThreadKeyPrefix + threadID
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, values...)
		if c.ttl > 0 {
			pipe.Expire(ctx, key, c.ttl)
		}
		return nil
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入会话检查点失败", xerrors.WithMetadata("thread_id", threadID))
	}
	return nil
}
