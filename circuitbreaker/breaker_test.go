package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BaSui01/speechflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// ---------------------------------------------------------------------------
// DefaultConfig
// ---------------------------------------------------------------------------

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 5, cfg.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.RecoveryTimeout)
	assert.Equal(t, 1, cfg.HalfOpenMaxCalls)
	assert.Nil(t, cfg.OnStateChange)
}

func TestNew_ConfigDefaults(t *testing.T) {
	tests := []struct {
		name          string
		cfg           *Config
		wantThreshold int
		wantRecovery  time.Duration
		wantProbes    int
	}{
		{
			name:          "nil config uses defaults",
			cfg:           nil,
			wantThreshold: 5,
			wantRecovery:  30 * time.Second,
			wantProbes:    1,
		},
		{
			name:          "zero values corrected to defaults",
			cfg:           &Config{FailureThreshold: 0, RecoveryTimeout: 0, HalfOpenMaxCalls: -1},
			wantThreshold: 5,
			wantRecovery:  30 * time.Second,
			wantProbes:    1,
		},
		{
			name:          "custom values preserved",
			cfg:           &Config{FailureThreshold: 3, RecoveryTimeout: 10 * time.Second, HalfOpenMaxCalls: 2},
			wantThreshold: 3,
			wantRecovery:  10 * time.Second,
			wantProbes:    2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb := New("test", tt.cfg, zap.NewNop())
			require.NotNil(t, cb)
			assert.Equal(t, StateClosed, cb.State())

			b := cb.(*breaker)
			assert.Equal(t, tt.wantThreshold, b.config.FailureThreshold)
			assert.Equal(t, tt.wantRecovery, b.config.RecoveryTimeout)
			assert.Equal(t, tt.wantProbes, b.config.HalfOpenMaxCalls)
		})
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "Closed", StateClosed.String())
	assert.Equal(t, "Open", StateOpen.String())
	assert.Equal(t, "HalfOpen", StateHalfOpen.String())
	assert.Equal(t, "Unknown", State(99).String())
}

// ---------------------------------------------------------------------------
// Closed -> Open (failure threshold)
// ---------------------------------------------------------------------------

func TestBreaker_ClosedToOpen(t *testing.T) {
	threshold := 3
	cb := New("p1", &Config{
		FailureThreshold: threshold,
		RecoveryTimeout:  1 * time.Hour,
	}, zap.NewNop())

	errFail := errors.New("fail")

	// Fail threshold-1 times: still closed
	for i := 0; i < threshold-1; i++ {
		err := cb.Call(context.Background(), func(context.Context) error { return errFail })
		assert.ErrorIs(t, err, errFail)
		assert.Equal(t, StateClosed, cb.State())
	}

	// One more failure trips the breaker
	err := cb.Call(context.Background(), func(context.Context) error { return errFail })
	assert.ErrorIs(t, err, errFail)
	assert.Equal(t, StateOpen, cb.State())
}

// ---------------------------------------------------------------------------
// Open rejects calls with ErrCircuitOpen, no provider contact
// ---------------------------------------------------------------------------

func TestBreaker_OpenRejectsCalls(t *testing.T) {
	cb := New("p1", &Config{
		FailureThreshold: 1,
		RecoveryTimeout:  1 * time.Hour,
	}, zap.NewNop())

	_ = cb.Call(context.Background(), func(context.Context) error { return errors.New("fail") })
	require.Equal(t, StateOpen, cb.State())

	var called atomic.Bool
	err := cb.Call(context.Background(), func(context.Context) error {
		called.Store(true)
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, types.ErrCircuitOpen, types.GetErrorCode(err))
	assert.False(t, called.Load(), "open breaker must not contact the provider")
}

// ---------------------------------------------------------------------------
// Open -> HalfOpen -> Closed (probe success)
// ---------------------------------------------------------------------------

func TestBreaker_ProbeSuccessCloses(t *testing.T) {
	cb := New("p1", &Config{
		FailureThreshold: 1,
		RecoveryTimeout:  50 * time.Millisecond,
		HalfOpenMaxCalls: 1,
	}, zap.NewNop())

	_ = cb.Call(context.Background(), func(context.Context) error { return errors.New("fail") })
	require.Equal(t, StateOpen, cb.State())

	h := cb.Health()
	assert.Equal(t, StateOpen, h.State)
	assert.False(t, h.NextProbeAt.IsZero())

	time.Sleep(80 * time.Millisecond)

	// 恢复窗口过后放行一个探测请求，成功则关闭
	err := cb.Call(context.Background(), func(context.Context) error { return nil })
	assert.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
}

// ---------------------------------------------------------------------------
// HalfOpen -> Open (probe failure)
// ---------------------------------------------------------------------------

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	cb := New("p1", &Config{
		FailureThreshold: 1,
		RecoveryTimeout:  50 * time.Millisecond,
		HalfOpenMaxCalls: 1,
	}, zap.NewNop())

	_ = cb.Call(context.Background(), func(context.Context) error { return errors.New("fail") })
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(80 * time.Millisecond)

	err := cb.Call(context.Background(), func(context.Context) error { return errors.New("fail again") })
	assert.Error(t, err)
	assert.Equal(t, StateOpen, cb.State())
}

// ---------------------------------------------------------------------------
// Exactly one probe in HalfOpen
// ---------------------------------------------------------------------------

func TestBreaker_SingleProbeInHalfOpen(t *testing.T) {
	cb := New("p1", &Config{
		FailureThreshold: 1,
		RecoveryTimeout:  50 * time.Millisecond,
		HalfOpenMaxCalls: 1,
	}, zap.NewNop())

	_ = cb.Call(context.Background(), func(context.Context) error { return errors.New("fail") })
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(80 * time.Millisecond)

	b := cb.(*breaker)

	// 模拟第一个探测请求在途
	b.mu.Lock()
	b.state = StateHalfOpen
	b.halfOpenCallCount = 1
	b.mu.Unlock()

	err := cb.Call(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

// ---------------------------------------------------------------------------
// Client errors do not count as breaker failures
// ---------------------------------------------------------------------------

func TestBreaker_ClientErrorsDoNotTrip(t *testing.T) {
	cb := New("p1", &Config{
		FailureThreshold: 2,
		RecoveryTimeout:  1 * time.Hour,
	}, zap.NewNop())

	fatalErr := types.NewError(types.ErrProviderFatal, "bad api key")
	for i := 0; i < 5; i++ {
		err := cb.Call(context.Background(), func(context.Context) error { return fatalErr })
		assert.ErrorIs(t, err, fatalErr)
	}
	assert.Equal(t, StateClosed, cb.State())
}

// ---------------------------------------------------------------------------
// Success resets failure count in Closed state
// ---------------------------------------------------------------------------

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := New("p1", &Config{FailureThreshold: 3}, zap.NewNop())

	_ = cb.Call(context.Background(), func(context.Context) error { return errors.New("f") })
	_ = cb.Call(context.Background(), func(context.Context) error { return errors.New("f") })
	_ = cb.Call(context.Background(), func(context.Context) error { return nil })
	_ = cb.Call(context.Background(), func(context.Context) error { return errors.New("f") })
	_ = cb.Call(context.Background(), func(context.Context) error { return errors.New("f") })

	assert.Equal(t, StateClosed, cb.State())
}

// ---------------------------------------------------------------------------
// Reset
// ---------------------------------------------------------------------------

func TestBreaker_Reset(t *testing.T) {
	cb := New("p1", &Config{
		FailureThreshold: 1,
		RecoveryTimeout:  1 * time.Hour,
	}, zap.NewNop())

	_ = cb.Call(context.Background(), func(context.Context) error { return errors.New("fail") })
	require.Equal(t, StateOpen, cb.State())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())

	err := cb.Call(context.Background(), func(context.Context) error { return nil })
	assert.NoError(t, err)
}

// ---------------------------------------------------------------------------
// OnStateChange callback
// ---------------------------------------------------------------------------

func TestBreaker_OnStateChange(t *testing.T) {
	var mu sync.Mutex
	var transitions []struct{ from, to State }

	cb := New("p1", &Config{
		FailureThreshold: 2,
		RecoveryTimeout:  50 * time.Millisecond,
	}, zap.NewNop())

	b := cb.(*breaker)
	b.config.OnStateChange = func(provider string, from, to State) {
		mu.Lock()
		transitions = append(transitions, struct{ from, to State }{from, to})
		mu.Unlock()
	}

	_ = cb.Call(context.Background(), func(context.Context) error { return errors.New("f") })
	_ = cb.Call(context.Background(), func(context.Context) error { return errors.New("f") })

	time.Sleep(80 * time.Millisecond)
	_ = cb.Call(context.Background(), func(context.Context) error { return nil })

	// 异步回调需要一点时间
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(transitions), 2)
	assert.Equal(t, StateClosed, transitions[0].from)
	assert.Equal(t, StateOpen, transitions[0].to)
}

// ---------------------------------------------------------------------------
// CallWithResultTyped
// ---------------------------------------------------------------------------

func TestCallWithResultTyped(t *testing.T) {
	cb := New("p1", nil, zap.NewNop())

	val, err := CallWithResultTyped(cb, context.Background(), func(context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, val)
}

// ---------------------------------------------------------------------------
// Concurrent safety
// ---------------------------------------------------------------------------

func TestBreaker_ConcurrentSafety(t *testing.T) {
	cb := New("p1", &Config{FailureThreshold: 100}, zap.NewNop())

	var wg sync.WaitGroup
	var successCount atomic.Int64

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := cb.Call(context.Background(), func(context.Context) error { return nil })
			if err == nil {
				successCount.Add(1)
			}
		}()
	}

	wg.Wait()
	assert.Equal(t, int64(50), successCount.Load())
	assert.Equal(t, StateClosed, cb.State())
}

// ---------------------------------------------------------------------------
// Open is reported as HalfOpen once the recovery window elapses
// ---------------------------------------------------------------------------

func TestBreaker_StateReportsHalfOpenAfterRecoveryTimeout(t *testing.T) {
	cb := New("p1", &Config{
		FailureThreshold: 1,
		RecoveryTimeout:  30 * time.Millisecond,
	}, zap.NewNop())

	_ = cb.Call(context.Background(), func(context.Context) error { return errors.New("fail") })
	require.Equal(t, StateOpen, cb.State())
	require.Equal(t, StateOpen, cb.Health().State)

	// 恢复窗口过后，无需任何调用，对外状态即为 HalfOpen，
	// 选择器据此重新放行该供应商
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.Equal(t, StateHalfOpen, cb.Health().State)

	// 探测成功后关闭
	require.NoError(t, cb.Call(context.Background(), func(context.Context) error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
}

func TestNew_DoesNotMutateCallerConfig(t *testing.T) {
	cfg := &Config{}
	cb := New("p1", cfg, zap.NewNop())
	require.NotNil(t, cb)

	assert.Zero(t, cfg.FailureThreshold)
	assert.Zero(t, cfg.RecoveryTimeout)
	assert.Zero(t, cfg.HalfOpenMaxCalls)
}
