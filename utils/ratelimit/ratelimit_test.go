package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func TestLimiter_Allow(t *testing.T) {
	client, _ := setupTestRedis(t)
	limiter := NewLimiter(client, zap.NewNop(), false)
	ctx := context.Background()
	rule := PerMinute(5)

	for i := range 5 {
		ok, err := limiter.Allow(ctx, "user:1", rule)
		require.NoError(t, err)
		assert.True(t, ok, "request %d should be allowed", i+1)
	}

	ok, err := limiter.Allow(ctx, "user:1", rule)
	require.NoError(t, err)
	assert.False(t, ok)

	// 不同 key 互不影响
	ok, err = limiter.Allow(ctx, "user:2", rule)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLimiter_AllowN(t *testing.T) {
	client, _ := setupTestRedis(t)
	limiter := NewLimiter(client, zap.NewNop(), false)
	ctx := context.Background()
	rule := PerMinute(10)

	ok, err := limiter.AllowN(ctx, "k", 7, rule)
	require.NoError(t, err)
	assert.True(t, ok)

	remaining, err := limiter.Remaining(ctx, "k", rule)
	require.NoError(t, err)
	assert.Equal(t, 3, remaining)

	ok, err = limiter.AllowN(ctx, "k", 4, rule)
	require.NoError(t, err)
	assert.False(t, ok)

	remaining, err = limiter.Remaining(ctx, "k", rule)
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)

	// 其他 key 不受影响
	remaining, err = limiter.Remaining(ctx, "other", rule)
	require.NoError(t, err)
	assert.Equal(t, 10, remaining)
}

func TestLimiter_DisabledRule(t *testing.T) {
	limiter := NewLimiter(nil, zap.NewNop(), false)
	for range 100 {
		ok, err := limiter.Allow(context.Background(), "k", PerMinute(0))
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestLimiter_Concurrent(t *testing.T) {
	client, _ := setupTestRedis(t)
	limiter := NewLimiter(client, zap.NewNop(), false)
	rule := Rule{Limit: 20, Window: time.Hour}

	var (
		wg      sync.WaitGroup
		allowed atomic.Int64
	)
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := limiter.Allow(context.Background(), "hot", rule); err == nil && ok {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(20), allowed.Load())
}

func TestLimiter_RedisDown(t *testing.T) {
	client, mr := setupTestRedis(t)
	mr.Close()

	ok, err := NewLimiter(client, zap.NewNop(), true).Allow(context.Background(), "k", PerMinute(1))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = NewLimiter(client, zap.NewNop(), false).Allow(context.Background(), "k", PerMinute(1))
	assert.Error(t, err)
	assert.False(t, ok)
}
