package lock

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNopLease(t *testing.T) {
	var l Lease = NopLease{}
	ok, err := l.TryAcquire(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, l.Release(context.Background()))
}

func TestRedisLease_UnreachableServer(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	l := NewRedisLease(client, "gridbot:test", time.Second)
	ok, err := l.TryAcquire(context.Background())
	assert.Error(t, err)
	assert.False(t, ok)
	// never held, nothing to release
	assert.NoError(t, l.Release(context.Background()))
}
