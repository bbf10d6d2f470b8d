// Package orchestrator 将供应商适配器、熔断器、连接池、限流与重试
// 组合为统一的语音编排引擎。
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/speechflow/circuitbreaker"
	"github.com/BaSui01/speechflow/metrics"
	"github.com/BaSui01/speechflow/pool"
	"github.com/BaSui01/speechflow/ratelimit"
	"github.com/BaSui01/speechflow/selector"
	"github.com/BaSui01/speechflow/speech"
	"github.com/BaSui01/speechflow/types"
	"go.uber.org/zap"
)

// ProviderBinding 注册一个供应商所需的全部材料
// STT / TTS 至少提供一个；熔断、连接池、限流配置为 nil 时用默认值。
type ProviderBinding struct {
	Name     string
	Priority int

	STT speech.STTProvider
	TTS speech.TTSProvider

	// Classifier 错误分类钩子；nil 时按错误码的 Retryable 标记分类
	Classifier speech.ErrorClassifier

	// Timeout 单次适配器调用超时
	Timeout time.Duration

	Breaker   *circuitbreaker.Config
	Pool      *pool.Config
	RateLimit *ratelimit.Config

	// Limiter 覆盖默认的进程内滑动窗口（如换用 Redis 分布式窗口）
	Limiter ratelimit.Limiter
}

// binding 装配完成的供应商运行时
type binding struct {
	name       string
	priority   int
	stt        speech.STTProvider
	tts        speech.TTSProvider
	classifier speech.ErrorClassifier
	timeout    time.Duration

	breaker circuitbreaker.CircuitBreaker
	pool    pool.Pool
	limiter ratelimit.Limiter
}

// retryable 把适配器分类钩子转成重试判定函数
func (b *binding) retryable(err error) bool {
	if b.classifier != nil {
		return b.classifier.ClassifyError(err) == speech.ClassRetryable
	}
	return types.IsRetryable(err)
}

// invoke 执行一次裸适配器调用并转换为统一结果
func (b *binding) invoke(ctx context.Context, req *types.Request) (*types.Result, error) {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	switch req.Operation {
	case types.OperationSTT:
		if b.stt == nil {
			return nil, types.NewError(types.ErrValidation, "provider does not support stt").WithProvider(b.name)
		}
		resp, err := b.stt.Transcribe(ctx, &speech.STTRequest{
			Audio:    req.Payload,
			Format:   req.Params.Format,
			Model:    req.Params.Model,
			Language: req.Params.Language,
		})
		if err != nil {
			return nil, err
		}
		return &types.Result{
			Text:         resp.Text,
			ProviderUsed: b.name,
			Confidence:   resp.Confidence,
			Duration:     resp.Duration,
			CreatedAt:    time.Now(),
		}, nil

	case types.OperationTTS:
		if b.tts == nil {
			return nil, types.NewError(types.ErrValidation, "provider does not support tts").WithProvider(b.name)
		}
		resp, err := b.tts.Synthesize(ctx, &speech.TTSRequest{
			Text:           req.Text,
			Model:          req.Params.Model,
			Voice:          req.Params.Voice,
			Speed:          req.Params.Speed,
			ResponseFormat: req.Params.Format,
			Language:       req.Params.Language,
		})
		if err != nil {
			return nil, err
		}
		return &types.Result{
			Output:       resp.AudioData,
			ProviderUsed: b.name,
			Duration:     resp.Duration,
			Format:       resp.Format,
			CreatedAt:    time.Now(),
		}, nil

	default:
		return nil, types.NewError(types.ErrValidation, "unknown operation: "+string(req.Operation))
	}
}

// Registry 管理已注册的供应商及其韧性组件
type Registry struct {
	mu       sync.RWMutex
	bindings map[string]*binding
	selector *selector.Selector
	sink     metrics.Sink
	logger   *zap.Logger
}

// NewRegistry 创建供应商注册表
func NewRegistry(sink metrics.Sink, logger *zap.Logger) *Registry {
	if sink == nil {
		sink = metrics.Nop{}
	}

	r := &Registry{
		bindings: make(map[string]*binding),
		sink:     sink,
		logger:   logger,
	}
	r.selector = selector.New(r.breakerState, logger)
	return r
}

// Register 注册供应商
// 同名重复注册返回错误；注册顺序决定同优先级内的尝试顺序。
func (r *Registry) Register(pb ProviderBinding) error {
	if pb.Name == "" {
		return fmt.Errorf("provider name is required")
	}
	if pb.STT == nil && pb.TTS == nil {
		return fmt.Errorf("provider %q: at least one of STT/TTS is required", pb.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.bindings[pb.Name]; exists {
		return fmt.Errorf("provider %q already registered", pb.Name)
	}

	// 拷贝熔断配置再包装回调：同一份配置可安全复用于多个供应商
	breakerCfg := circuitbreaker.DefaultConfig()
	if pb.Breaker != nil {
		cfg := *pb.Breaker
		breakerCfg = &cfg
	}
	// 状态迁移统一上报指标；调用方自己的回调仍然生效
	userCallback := breakerCfg.OnStateChange
	breakerCfg.OnStateChange = func(provider string, from, to circuitbreaker.State) {
		r.sink.RecordBreakerState(provider, from.String(), to.String())
		if userCallback != nil {
			userCallback(provider, from, to)
		}
	}

	limiter := pb.Limiter
	if limiter == nil {
		limiter = ratelimit.NewSlidingWindow(pb.RateLimit, r.logger)
	}

	b := &binding{
		name:       pb.Name,
		priority:   pb.Priority,
		stt:        pb.STT,
		tts:        pb.TTS,
		classifier: pb.Classifier,
		timeout:    pb.Timeout,
		breaker:    circuitbreaker.New(pb.Name, breakerCfg, r.logger),
		pool:       pool.New(pb.Name, pb.Pool, r.logger),
		limiter:    limiter,
	}
	r.bindings[pb.Name] = b

	if pb.STT != nil {
		r.selector.Register(types.OperationSTT, pb.Name, pb.Priority)
	}
	if pb.TTS != nil {
		r.selector.Register(types.OperationTTS, pb.Name, pb.Priority)
	}

	r.logger.Info("供应商已注册",
		zap.String("provider", pb.Name),
		zap.Int("priority", pb.Priority),
		zap.Bool("stt", pb.STT != nil),
		zap.Bool("tts", pb.TTS != nil))
	return nil
}

// Order 返回某操作的供应商尝试顺序与被熔断剔除的供应商
func (r *Registry) Order(op types.Operation) (eligible, skipped []string) {
	return r.selector.Order(op)
}

// Get 按名称取绑定
func (r *Registry) get(name string) (*binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[name]
	return b, ok
}

// Health 返回全部供应商的熔断健康快照
func (r *Registry) Health() []circuitbreaker.ProviderHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]circuitbreaker.ProviderHealth, 0, len(r.bindings))
	for _, b := range r.bindings {
		out = append(out, b.breaker.Health())
	}
	return out
}

// PoolStats 返回全部供应商的连接池统计
func (r *Registry) PoolStats() []pool.Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]pool.Stats, 0, len(r.bindings))
	for _, b := range r.bindings {
		out = append(out, b.pool.Stats())
	}
	return out
}

// Close 释放全部连接池与限流器
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for _, b := range r.bindings {
		if err := b.pool.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := b.limiter.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Registry) breakerState(provider string) circuitbreaker.State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if b, ok := r.bindings[provider]; ok {
		return b.breaker.State()
	}
	return circuitbreaker.StateClosed
}
