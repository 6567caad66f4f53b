package account

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// MemoryLocker 在进程内提供按 key 的互斥。
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// NewMemoryLocker 创建进程内锁。
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]*keyLock)}
}

// Lock 获取 key 对应的锁，ctx 取消时放弃等待。
func (l *MemoryLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, kl)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-kl.ch
			l.release(key, kl)
		})
	}, nil
}

func (l *MemoryLocker) release(key string, kl *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}

// redisLockClient 是 RedisLocker 依赖的最小 go-redis 能力。
type redisLockClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	redis.Scripter
}

// 仅当 token 匹配时才删除，避免释放已被其他实例续占的锁。
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLocker 基于 SET NX PX 实现的分布式锁。
type RedisLocker struct {
	client redisLockClient
	prefix string
	ttl    time.Duration
	poll   time.Duration
}

// NewRedisLocker 创建分布式锁，ttl 为锁的最长持有时间。
func NewRedisLocker(client redisLockClient, prefix string, ttl time.Duration) (*RedisLocker, error) {
	if client == nil {
		return nil, errors.New("redis 客户端不能为空")
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	if prefix == "" {
		prefix = "effisend:lock:"
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl, poll: 50 * time.Millisecond}, nil
}

// Lock 轮询直到获取锁或 ctx 取消。
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := l.prefix + key
	token := uuid.NewString()
	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.poll):
		}
	}
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = releaseScript.Run(releaseCtx, l.client, []string{redisKey}, token).Err()
	}, nil
}
