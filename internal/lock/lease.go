package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lease guards the control loop so only one process trades a bot set.
type Lease interface {
	// TryAcquire takes or renews the lease. It returns false when another holder owns it.
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// NopLease always grants. Used for single-instance deployments.
type NopLease struct{}

func (NopLease) TryAcquire(context.Context) (bool, error) { return true, nil }
func (NopLease) Release(context.Context) error            { return nil }

// 只有持有者才能续期
const extendScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end`

// 只有持有者才能释放
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

// RedisLease is a TTL lease stored under a single key. The holder renews it on every tick.
type RedisLease struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration

	mu   sync.Mutex
	held bool
}

func NewRedisLease(client *redis.Client, key string, ttl time.Duration) *RedisLease {
	return &RedisLease{
		client: client,
		key:    key,
		token:  uuid.NewString(),
		ttl:    ttl,
	}
}

func (l *RedisLease) TryAcquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held {
		res, err := l.client.Eval(ctx, extendScript, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
		if err != nil {
			return false, fmt.Errorf("redis eval failed: %w", err)
		}
		if res == 1 {
			return true, nil
		}
		// 租约已过期或被他人抢占, 重新争抢
		l.held = false
	}

	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	l.held = ok
	return ok, nil
}

func (l *RedisLease) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return nil
	}
	l.held = false
	if err := l.client.Eval(ctx, releaseScript, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("redis eval failed: %w", err)
	}
	return nil
}
