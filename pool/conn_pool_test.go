package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BaSui01/speechflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// ---------------------------------------------------------------------------
// Acquire / Release
// ---------------------------------------------------------------------------

func TestPool_AcquireAndRelease(t *testing.T) {
	p := New("openai", DefaultConfig(), zap.NewNop())
	defer p.Close()

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NotNil(t, conn)
	assert.NotEmpty(t, conn.ID)

	assert.Equal(t, int64(1), p.Stats().InUse)

	p.Release(conn, nil)
	stats := p.Stats()
	assert.Equal(t, int64(0), stats.InUse)
	assert.Equal(t, 1, stats.Idle)
}

func TestPool_ReusesIdleConn(t *testing.T) {
	p := New("openai", DefaultConfig(), zap.NewNop())
	defer p.Close()

	ctx := context.Background()
	conn1, err := p.Acquire(ctx)
	require.NoError(t, err)
	p.Release(conn1, nil)

	conn2, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, conn1.ID, conn2.ID)

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.Dials)
	assert.Equal(t, int64(1), stats.Reuses)
}

func TestPool_BrokenConnDiscarded(t *testing.T) {
	p := New("openai", DefaultConfig(), zap.NewNop())
	defer p.Close()

	ctx := context.Background()
	conn1, err := p.Acquire(ctx)
	require.NoError(t, err)
	p.Release(conn1, errors.New("connection reset"))

	assert.Equal(t, 0, p.Stats().Idle)
	assert.Equal(t, int64(1), p.Stats().Discarded)

	// 损坏的连接不会被复用
	conn2, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, conn1.ID, conn2.ID)
}

// ---------------------------------------------------------------------------
// Exhaustion
// ---------------------------------------------------------------------------

func TestPool_ExhaustedReturnsTypedError(t *testing.T) {
	p := New("openai", &Config{
		MaxSize:        1,
		AcquireTimeout: 50 * time.Millisecond,
		IdleTimeout:    time.Minute,
		ReapInterval:   time.Minute,
	}, zap.NewNop())
	defer p.Close()

	ctx := context.Background()
	conn, err := p.Acquire(ctx)
	require.NoError(t, err)
	defer p.Release(conn, nil)

	start := time.Now()
	_, err = p.Acquire(ctx)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Equal(t, types.ErrPoolExhausted, types.GetErrorCode(err))
	// 池耗尽是瞬态故障，应当可重试
	assert.True(t, types.IsRetryable(err))
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Equal(t, int64(1), p.Stats().Exhausted)
}

func TestPool_SlotFreedAfterRelease(t *testing.T) {
	p := New("openai", &Config{
		MaxSize:        1,
		AcquireTimeout: 500 * time.Millisecond,
		IdleTimeout:    time.Minute,
		ReapInterval:   time.Minute,
	}, zap.NewNop())
	defer p.Close()

	ctx := context.Background()
	conn, err := p.Acquire(ctx)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		c, err := p.Acquire(ctx)
		assert.NoError(t, err)
		p.Release(c, nil)
	}()

	time.Sleep(20 * time.Millisecond)
	p.Release(conn, nil)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiting acquirer never got the freed slot")
	}
}

func TestPool_CallerCancellationNotMaskedAsExhaustion(t *testing.T) {
	p := New("openai", &Config{
		MaxSize:        1,
		AcquireTimeout: time.Second,
		IdleTimeout:    time.Minute,
		ReapInterval:   time.Minute,
	}, zap.NewNop())
	defer p.Close()

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(conn, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

// ---------------------------------------------------------------------------
// Dial / idle reaping
// ---------------------------------------------------------------------------

func TestPool_DialCreatesResource(t *testing.T) {
	var dials atomic.Int32
	var closes atomic.Int32

	p := New("openai", &Config{
		MaxSize:        2,
		AcquireTimeout: time.Second,
		IdleTimeout:    time.Minute,
		ReapInterval:   time.Minute,
		Dial: func(ctx context.Context) (any, error) {
			dials.Add(1)
			return "resource", nil
		},
		CloseResource: func(resource any) error {
			closes.Add(1)
			return nil
		},
	}, zap.NewNop())

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "resource", conn.Resource)
	assert.Equal(t, int32(1), dials.Load())

	p.Release(conn, nil)
	require.NoError(t, p.Close())
	assert.Equal(t, int32(1), closes.Load())
}

func TestPool_DialFailureReleasesSlot(t *testing.T) {
	p := New("openai", &Config{
		MaxSize:        1,
		AcquireTimeout: 100 * time.Millisecond,
		IdleTimeout:    time.Minute,
		ReapInterval:   time.Minute,
		Dial: func(ctx context.Context) (any, error) {
			return nil, errors.New("dns failure")
		},
	}, zap.NewNop())
	defer p.Close()

	ctx := context.Background()
	_, err := p.Acquire(ctx)
	require.Error(t, err)
	assert.Equal(t, types.ErrProviderRetryable, types.GetErrorCode(err))

	// 失败的拨号不能占住配额
	_, err = p.Acquire(ctx)
	require.Error(t, err)
	assert.Equal(t, types.ErrProviderRetryable, types.GetErrorCode(err))
}

func TestPool_ReapsIdleConns(t *testing.T) {
	var closes atomic.Int32
	p := New("openai", &Config{
		MaxSize:        2,
		AcquireTimeout: time.Second,
		IdleTimeout:    20 * time.Millisecond,
		ReapInterval:   10 * time.Millisecond,
		CloseResource: func(resource any) error {
			closes.Add(1)
			return nil
		},
		Dial: func(ctx context.Context) (any, error) {
			return struct{}{}, nil
		},
	}, zap.NewNop())
	defer p.Close()

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(conn, nil)

	assert.Eventually(t, func() bool {
		return p.Stats().Idle == 0 && closes.Load() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestPool_AcquireAfterCloseFails(t *testing.T) {
	p := New("openai", DefaultConfig(), zap.NewNop())
	require.NoError(t, p.Close())

	_, err := p.Acquire(context.Background())
	require.Error(t, err)
	assert.Equal(t, types.ErrPoolExhausted, types.GetErrorCode(err))
	assert.False(t, types.IsRetryable(err))
}

func TestNew_DoesNotMutateCallerConfig(t *testing.T) {
	cfg := &Config{}
	p := New("openai", cfg, zap.NewNop())
	defer p.Close()

	assert.Zero(t, cfg.MaxSize)
	assert.Zero(t, cfg.AcquireTimeout)
	assert.Zero(t, cfg.IdleTimeout)
}
