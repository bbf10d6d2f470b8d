package circuitbreaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/speechflow/types"
	"go.uber.org/zap"
)

// State 熔断器状态
type State int

const (
	// StateClosed 关闭状态（正常工作）
	StateClosed State = iota
	// StateOpen 打开状态（熔断中，快速失败）
	StateOpen
	// StateHalfOpen 半开状态（试探性恢复）
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpen:
		return "Open"
	case StateHalfOpen:
		return "HalfOpen"
	default:
		return "Unknown"
	}
}

// ProviderHealth 提供者健康快照
// 由熔断器独占维护，回退选择器只读。
type ProviderHealth struct {
	Provider            string    `json:"provider"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
	NextProbeAt         time.Time `json:"next_probe_at,omitempty"`
}

// Config 熔断器配置
type Config struct {
	// FailureThreshold 连续失败次数阈值（触发熔断）
	FailureThreshold int

	// RecoveryTimeout 熔断恢复等待时间（Open -> HalfOpen）
	RecoveryTimeout time.Duration

	// HalfOpenMaxCalls 半开状态下允许的探测请求数
	HalfOpenMaxCalls int

	// OnStateChange 状态变更回调
	OnStateChange func(provider string, from State, to State)
}

// DefaultConfig 返回默认配置
// 半开状态只放行一个探测请求。
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

// CircuitBreaker 熔断器接口
type CircuitBreaker interface {
	// Call 执行调用，如果熔断器打开则立即返回 ErrCircuitOpen
	Call(ctx context.Context, fn func(ctx context.Context) error) error

	// CallWithResult 执行调用并返回结果
	CallWithResult(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error)

	// State 获取当前状态
	State() State

	// Health 获取健康快照
	Health() ProviderHealth

	// Reset 重置熔断器（手动恢复）
	Reset()
}

// breaker 熔断器实现，每个提供者持有一个实例
type breaker struct {
	provider string
	config   *Config
	logger   *zap.Logger

	mu                sync.Mutex
	state             State
	failureCount      int
	openedAt          time.Time
	halfOpenCallCount int
}

// New 创建熔断器
func New(provider string, config *Config, logger *zap.Logger) CircuitBreaker {
	if config == nil {
		config = DefaultConfig()
	}

	// 拷贝后再校验，不回写调用方配置
	cfg := *config
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 1
	}

	return &breaker{
		provider: provider,
		config:   &cfg,
		logger:   logger.With(zap.String("provider", provider)),
		state:    StateClosed,
	}
}

// Call 实现 CircuitBreaker.Call
func (b *breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := b.CallWithResult(ctx, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})
	return err
}

// CallWithResult 实现 CircuitBreaker.CallWithResult
// 核心逻辑：状态机转换 + 连续失败计数
// 每次调用结果都在锁内更新状态，状态变更没有其他入口。
func (b *breaker) CallWithResult(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	if err := b.beforeCall(); err != nil {
		return nil, err
	}

	result, err := fn(ctx)

	// 客户端错误（非法请求、鉴权失败）不计入熔断失败
	success := err == nil || isClientError(err)
	b.afterCall(success)

	if err != nil {
		return nil, err
	}
	return result, nil
}

// isClientError 判断错误是否为客户端错误（不应计入熔断失败）。
func isClientError(err error) bool {
	switch types.GetErrorCode(err) {
	case types.ErrValidation, types.ErrProviderFatal:
		return true
	default:
		return false
	}
}

// beforeCall 调用前检查
func (b *breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		// 检查是否可以进入半开状态
		if time.Since(b.openedAt) > b.config.RecoveryTimeout {
			b.setState(StateHalfOpen)
			b.halfOpenCallCount = 1
			b.logger.Info("熔断器进入半开状态")
			return nil
		}

		// 仍在熔断中，不接触提供者、不消耗重试预算
		return ErrCircuitOpen

	case StateHalfOpen:
		// 半开状态，限制探测次数
		if b.halfOpenCallCount >= b.config.HalfOpenMaxCalls {
			return ErrCircuitOpen
		}
		b.halfOpenCallCount++
		return nil

	default:
		return fmt.Errorf("未知的熔断器状态: %v", b.state)
	}
}

// afterCall 调用后处理
func (b *breaker) afterCall(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.onSuccess()
	} else {
		b.onFailure()
	}
}

// onSuccess 处理成功调用
func (b *breaker) onSuccess() {
	switch b.state {
	case StateClosed:
		b.failureCount = 0

	case StateHalfOpen:
		// 探测成功，恢复到关闭状态
		b.logger.Info("熔断器恢复正常",
			zap.Int("half_open_calls", b.halfOpenCallCount),
		)
		b.setState(StateClosed)
		b.failureCount = 0
		b.halfOpenCallCount = 0

	case StateOpen:
		b.logger.Warn("熔断器打开状态收到成功响应")
	}
}

// onFailure 处理失败调用
func (b *breaker) onFailure() {
	b.failureCount++

	switch b.state {
	case StateClosed:
		if b.failureCount >= b.config.FailureThreshold {
			b.logger.Warn("熔断器打开",
				zap.Int("failure_count", b.failureCount),
				zap.Int("threshold", b.config.FailureThreshold),
			)
			b.openedAt = time.Now()
			b.setState(StateOpen)
		}

	case StateHalfOpen:
		// 探测失败，重新打开
		b.logger.Warn("熔断器半开状态探测失败，重新打开")
		b.openedAt = time.Now()
		b.setState(StateOpen)
		b.halfOpenCallCount = 0

	case StateOpen:
		b.logger.Warn("熔断器打开状态收到失败响应")
	}
}

// setState 设置状态并触发回调
func (b *breaker) setState(newState State) {
	oldState := b.state
	b.state = newState

	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(b.provider, oldState, newState)
	}
}

// State 实现 CircuitBreaker.State
func (b *breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.visibleState()
}

// visibleState 在锁内计算对外可见状态。
// Open 超过恢复窗口后对外呈现为 HalfOpen，选择器据此重新放行该供应商，
// 探测请求才能到达 beforeCall 完成真正的状态迁移。
func (b *breaker) visibleState() State {
	if b.state == StateOpen && time.Since(b.openedAt) > b.config.RecoveryTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Health 实现 CircuitBreaker.Health
func (b *breaker) Health() ProviderHealth {
	b.mu.Lock()
	defer b.mu.Unlock()

	h := ProviderHealth{
		Provider:            b.provider,
		State:               b.visibleState(),
		ConsecutiveFailures: b.failureCount,
	}
	if b.state == StateOpen {
		h.OpenedAt = b.openedAt
		h.NextProbeAt = b.openedAt.Add(b.config.RecoveryTimeout)
	}
	return h
}

// Reset 实现 CircuitBreaker.Reset
func (b *breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	oldState := b.state
	b.state = StateClosed
	b.failureCount = 0
	b.halfOpenCallCount = 0

	b.logger.Info("熔断器已重置",
		zap.String("from_state", oldState.String()),
	)

	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(b.provider, oldState, StateClosed)
	}
}

// ErrCircuitOpen 熔断器打开时的快速失败错误
// 不可重试：重试策略遇到该错误立即放弃当前候选。
var ErrCircuitOpen = types.NewError(types.ErrCircuitOpen, "circuit breaker is open")
