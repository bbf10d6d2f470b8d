package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// ---------------------------------------------------------------------------
// In-memory sliding window
// ---------------------------------------------------------------------------

func TestSlidingWindow_RejectsSixthInWindow(t *testing.T) {
	l := NewSlidingWindow(&Config{Limit: 5, Window: time.Second}, zap.NewNop())
	defer l.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		ok, err := l.TryAcquire(ctx, "openai")
		require.NoError(t, err)
		assert.True(t, ok, "acquire %d should succeed", i+1)
	}

	ok, err := l.TryAcquire(ctx, "openai")
	require.NoError(t, err)
	assert.False(t, ok, "sixth acquire within window must be rejected")
}

func TestSlidingWindow_AllowsAfterWindowRolls(t *testing.T) {
	l := NewSlidingWindow(&Config{Limit: 5, Window: time.Second}, zap.NewNop()).(*slidingWindowLimiter)
	defer l.Close()

	base := time.Now()
	l.now = func() time.Time { return base }

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		ok, err := l.TryAcquire(ctx, "openai")
		require.NoError(t, err)
		require.True(t, ok)
	}

	ok, err := l.TryAcquire(ctx, "openai")
	require.NoError(t, err)
	assert.False(t, ok)

	// 窗口滚动后旧时间戳滑出，重新放行
	l.now = func() time.Time { return base.Add(1100 * time.Millisecond) }
	ok, err = l.TryAcquire(ctx, "openai")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSlidingWindow_KeysAreIndependent(t *testing.T) {
	l := NewSlidingWindow(&Config{Limit: 1, Window: time.Minute}, zap.NewNop())
	defer l.Close()

	ctx := context.Background()
	ok, err := l.TryAcquire(ctx, "openai")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.TryAcquire(ctx, "openai")
	require.NoError(t, err)
	assert.False(t, ok)

	// 其他 key 不受影响
	ok, err = l.TryAcquire(ctx, "deepgram")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSlidingWindow_ConcurrentKeysCountIndependently(t *testing.T) {
	l := NewSlidingWindow(&Config{Limit: 1, Window: time.Minute}, zap.NewNop())
	defer l.Close()

	// 不同 key 分散在各分片上并发取配额，限流计数互不串扰
	ctx := context.Background()
	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := l.TryAcquire(ctx, fmt.Sprintf("provider-%d", i))
			if err == nil && ok {
				admitted.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(64), admitted.Load())
}

func TestSlidingWindow_CancelledContext(t *testing.T) {
	l := NewSlidingWindow(DefaultConfig(), zap.NewNop())
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.TryAcquire(ctx, "openai")
	assert.ErrorIs(t, err, context.Canceled)
}

// ---------------------------------------------------------------------------
// Redis sliding window (miniredis)
// ---------------------------------------------------------------------------

func newTestRedisLimiter(t *testing.T, config *Config) Limiter {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisSlidingWindow(client, config, "test:rl:", zap.NewNop())
}

func TestRedisSlidingWindow_RejectsOverLimit(t *testing.T) {
	l := newTestRedisLimiter(t, &Config{Limit: 5, Window: time.Second})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		ok, err := l.TryAcquire(ctx, "openai")
		require.NoError(t, err)
		assert.True(t, ok)
	}

	ok, err := l.TryAcquire(ctx, "openai")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisSlidingWindow_AllowsAfterWindowRolls(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := NewRedisSlidingWindow(client, &Config{Limit: 2, Window: time.Second}, "test:rl:", zap.NewNop()).(*redisLimiter)

	base := time.Now()
	l.now = func() time.Time { return base }

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		ok, err := l.TryAcquire(ctx, "openai")
		require.NoError(t, err)
		require.True(t, ok)
	}

	ok, err := l.TryAcquire(ctx, "openai")
	require.NoError(t, err)
	assert.False(t, ok)

	l.now = func() time.Time { return base.Add(1100 * time.Millisecond) }
	ok, err = l.TryAcquire(ctx, "openai")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisSlidingWindow_KeysAreIndependent(t *testing.T) {
	l := newTestRedisLimiter(t, &Config{Limit: 1, Window: time.Minute})

	ctx := context.Background()
	ok, err := l.TryAcquire(ctx, "openai")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.TryAcquire(ctx, "deepgram")
	require.NoError(t, err)
	assert.True(t, ok)
}

// ---------------------------------------------------------------------------
// Caller token bucket
// ---------------------------------------------------------------------------

func TestCallerLimiter_BurstThenReject(t *testing.T) {
	l := NewCallerLimiter(1, 3, zap.NewNop())
	defer l.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		ok, err := l.TryAcquire(ctx, "tenant-a")
		require.NoError(t, err)
		assert.True(t, ok)
	}

	ok, err := l.TryAcquire(ctx, "tenant-a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCallerLimiter_CallersAreIndependent(t *testing.T) {
	l := NewCallerLimiter(1, 1, zap.NewNop())
	defer l.Close()

	ctx := context.Background()
	ok, _ := l.TryAcquire(ctx, "tenant-a")
	require.True(t, ok)
	ok, _ = l.TryAcquire(ctx, "tenant-a")
	assert.False(t, ok)

	ok, _ = l.TryAcquire(ctx, "tenant-b")
	assert.True(t, ok)
}

func TestCallerLimiter_RefillsOverTime(t *testing.T) {
	l := NewCallerLimiter(100, 1, zap.NewNop())
	defer l.Close()

	ctx := context.Background()
	ok, _ := l.TryAcquire(ctx, "tenant-a")
	require.True(t, ok)
	ok, _ = l.TryAcquire(ctx, "tenant-a")
	require.False(t, ok)

	time.Sleep(20 * time.Millisecond) // 100 rps，20ms 足够补一个令牌

	ok, _ = l.TryAcquire(ctx, "tenant-a")
	assert.True(t, ok)
}
