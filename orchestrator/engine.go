package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/BaSui01/speechflow/cache"
	"github.com/BaSui01/speechflow/circuitbreaker"
	"github.com/BaSui01/speechflow/metrics"
	"github.com/BaSui01/speechflow/ratelimit"
	"github.com/BaSui01/speechflow/retry"
	"github.com/BaSui01/speechflow/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// callerLabel 调用方限流在指标中的 provider 标签
// 真实调用方名不进标签，避免基数爆炸。
const callerLabel = "_caller"

// Options 引擎装配选项
type Options struct {
	Registry *Registry

	// Cache 结果缓存；nil 时禁用缓存
	Cache cache.Store
	// STTTTL / TTSTTL 按操作类型的缓存 TTL
	STTTTL time.Duration
	TTSTTL time.Duration

	// CallerLimiter 调用方限流；nil 时禁用
	CallerLimiter ratelimit.Limiter

	// RetryPolicy 重试策略；nil 时用默认值
	RetryPolicy *retry.Policy

	// MaxFallbacks 最多尝试的供应商数（0 表示不限）
	MaxFallbacks int

	Metrics metrics.Sink
	Logger  *zap.Logger
}

// Engine 语音编排引擎
// 单个请求的处理路径：
// 校验 → 调用方限流 → 缓存查询 → 按优先级遍历供应商
// （供应商限流 → 重试(熔断(连接池(适配器调用)))）→ 缓存写入。
type Engine struct {
	registry      *Registry
	cache         cache.Store
	sttTTL        time.Duration
	ttsTTL        time.Duration
	callerLimiter ratelimit.Limiter
	maxFallbacks  int
	sink          metrics.Sink
	tracer        trace.Tracer
	logger        *zap.Logger

	mu      sync.RWMutex
	retryer retry.Retryer
}

// NewEngine 创建编排引擎
func NewEngine(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sink := opts.Metrics
	if sink == nil {
		sink = metrics.Nop{}
	}
	if opts.STTTTL <= 0 {
		opts.STTTTL = 15 * time.Minute
	}
	if opts.TTSTTL <= 0 {
		opts.TTSTTL = 24 * time.Hour
	}

	return &Engine{
		registry:      opts.Registry,
		cache:         opts.Cache,
		sttTTL:        opts.STTTTL,
		ttsTTL:        opts.TTSTTL,
		callerLimiter: opts.CallerLimiter,
		maxFallbacks:  opts.MaxFallbacks,
		sink:          sink,
		tracer:        otel.Tracer("github.com/BaSui01/speechflow/orchestrator"),
		logger:        logger,
		retryer:       retry.New(opts.RetryPolicy, logger),
	}
}

// SetRetryPolicy 替换重试策略（配置热重载入口）
func (e *Engine) SetRetryPolicy(policy *retry.Policy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.retryer = retry.New(policy, e.logger)
}

func (e *Engine) currentRetryer() retry.Retryer {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.retryer
}

// Process 处理一次语音请求
// 回退链全部失败时返回 *types.AllProvidersFailedError。
func (e *Engine) Process(ctx context.Context, req *types.Request) (*types.Result, error) {
	ctx, span := e.tracer.Start(ctx, "speechflow.Process",
		trace.WithAttributes(
			attribute.String("speech.operation", string(req.Operation)),
			attribute.String("speech.request_id", req.ID),
		))
	defer span.End()

	if err := req.Validate(); err != nil {
		span.SetStatus(codes.Error, "validation failed")
		span.RecordError(err)
		return nil, err
	}

	// 调用方限流在任何供应商工作之前生效
	if e.callerLimiter != nil && req.Caller != "" {
		ok, err := e.callerLimiter.TryAcquire(ctx, req.Caller)
		if err != nil {
			return nil, err
		}
		if !ok {
			e.sink.RecordRateLimited(callerLabel, string(req.Operation))
			err := types.NewError(types.ErrRateLimited, "caller rate limit exceeded").
				WithProvider(callerLabel)
			span.SetStatus(codes.Error, "caller rate limited")
			return nil, err
		}
	}

	fingerprint := req.Fingerprint()

	if result, ok := e.cacheLookup(ctx, req, fingerprint); ok {
		span.SetAttributes(attribute.Bool("speech.cache_hit", true))
		return result, nil
	}
	e.sink.RecordCacheMiss(string(req.Operation))

	result, err := e.fallbackChain(ctx, req, span)
	if err != nil {
		span.SetStatus(codes.Error, "all providers failed")
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.String("speech.provider_used", result.ProviderUsed))
	e.cacheWrite(ctx, req, fingerprint, result)
	return result, nil
}

// fallbackChain 按优先级遍历供应商直到成功或全部失败
func (e *Engine) fallbackChain(ctx context.Context, req *types.Request, span trace.Span) (*types.Result, error) {
	op := string(req.Operation)
	eligible, skipped := e.registry.Order(req.Operation)

	attempts := make(map[string]error)
	for _, name := range skipped {
		attempts[name] = types.NewError(types.ErrCircuitOpen, "circuit breaker is open").WithProvider(name)
	}

	if e.maxFallbacks > 0 && len(eligible) > e.maxFallbacks {
		eligible = eligible[:e.maxFallbacks]
	}

	prev := ""
	for _, name := range eligible {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		b, ok := e.registry.get(name)
		if !ok {
			continue
		}

		if prev != "" {
			e.sink.RecordFallback(op, prev, name)
			span.AddEvent("fallback", trace.WithAttributes(
				attribute.String("from", prev),
				attribute.String("to", name)))
		}
		prev = name

		// 供应商限流：窗口饱和直接跳过，不碰熔断计数
		allowed, err := b.limiter.TryAcquire(ctx, name)
		if err != nil {
			attempts[name] = err
			continue
		}
		if !allowed {
			e.sink.RecordRateLimited(name, op)
			attempts[name] = types.NewError(types.ErrRateLimited, "provider rate limit window saturated").
				WithProvider(name)
			e.logger.Debug("供应商限流，切换下一候选",
				zap.String("provider", name),
				zap.String("request_id", req.ID))
			continue
		}

		start := time.Now()
		result, err := e.callProvider(ctx, b, req)
		latency := time.Since(start)

		if err == nil {
			e.sink.RecordLatency(name, op, latency)
			e.sink.RecordOutcome(name, op, "success")
			result.Latency = latency
			e.logger.Info("请求处理成功",
				zap.String("request_id", req.ID),
				zap.String("operation", op),
				zap.String("provider", name),
				zap.Duration("latency", latency))
			return result, nil
		}

		code := types.GetErrorCode(err)
		outcome := string(code)
		if outcome == "" {
			outcome = "error"
		}
		e.sink.RecordOutcome(name, op, outcome)
		attempts[name] = err

		e.logger.Warn("供应商调用失败",
			zap.String("request_id", req.ID),
			zap.String("provider", name),
			zap.String("code", outcome),
			zap.Error(err))

		// 请求本身非法对任何供应商都非法，换人也没用
		if code == types.ErrValidation {
			return nil, err
		}
	}

	return nil, &types.AllProvidersFailedError{
		Operation: req.Operation,
		Attempts:  attempts,
	}
}

// callProvider 组合调用链：重试(熔断(连接池(适配器)))
func (e *Engine) callProvider(ctx context.Context, b *binding, req *types.Request) (*types.Result, error) {
	result, err := e.currentRetryer().DoWithResult(ctx, b.retryable, func(ctx context.Context) (any, error) {
		return b.breaker.CallWithResult(ctx, func(ctx context.Context) (any, error) {
			conn, err := b.pool.Acquire(ctx)
			if err != nil {
				return nil, err
			}

			res, callErr := b.invoke(ctx, req)

			// 瞬时错误可能意味着连接已坏，归还时销毁
			var connErr error
			if callErr != nil && b.retryable(callErr) {
				connErr = callErr
			}
			b.pool.Release(conn, connErr)

			return res, callErr
		})
	})
	if err != nil {
		return nil, err
	}
	return result.(*types.Result), nil
}

// cacheLookup 缓存查询；后端故障按未命中处理，不阻塞请求
func (e *Engine) cacheLookup(ctx context.Context, req *types.Request, key string) (*types.Result, bool) {
	if e.cache == nil {
		return nil, false
	}

	data, hit, err := e.cache.Get(ctx, key)
	if err != nil {
		e.logger.Warn("缓存查询失败，降级为未命中",
			zap.String("request_id", req.ID),
			zap.Error(err))
		return nil, false
	}
	if !hit {
		return nil, false
	}

	var payload types.CachedPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		e.logger.Warn("缓存条目损坏，已删除",
			zap.String("request_id", req.ID),
			zap.Error(err))
		_ = e.cache.Delete(ctx, key)
		return nil, false
	}

	e.sink.RecordCacheHit(string(req.Operation))
	e.logger.Debug("缓存命中",
		zap.String("request_id", req.ID),
		zap.String("provider", payload.Provider))

	return &types.Result{
		Output:       payload.Output,
		Text:         payload.Text,
		ProviderUsed: payload.Provider,
		Cached:       true,
		Confidence:   payload.Confidence,
		Duration:     payload.Duration,
		Format:       payload.Format,
		CreatedAt:    time.Now(),
	}, true
}

// cacheWrite 尽力写缓存；调用方已取消时放弃写入
func (e *Engine) cacheWrite(ctx context.Context, req *types.Request, key string, result *types.Result) {
	if e.cache == nil || ctx.Err() != nil {
		return
	}

	data, err := json.Marshal(types.CachedPayload{
		Output:     result.Output,
		Text:       result.Text,
		Confidence: result.Confidence,
		Duration:   result.Duration,
		Format:     result.Format,
		Provider:   result.ProviderUsed,
	})
	if err != nil {
		return
	}

	if err := e.cache.Set(ctx, key, data, e.ttlFor(req.Operation)); err != nil {
		e.logger.Warn("缓存写入失败",
			zap.String("request_id", req.ID),
			zap.Error(err))
	}
}

func (e *Engine) ttlFor(op types.Operation) time.Duration {
	if op == types.OperationTTS {
		return e.ttsTTL
	}
	return e.sttTTL
}

// Health 返回全部供应商的熔断健康快照
func (e *Engine) Health() []circuitbreaker.ProviderHealth {
	return e.registry.Health()
}

// Close 释放引擎持有的资源
// 注册表（连接池、限流器）与缓存、调用方限流器一并关闭。
func (e *Engine) Close() error {
	var firstErr error
	if err := e.registry.Close(); err != nil {
		firstErr = err
	}
	if e.cache != nil {
		if err := e.cache.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if e.callerLimiter != nil {
		if err := e.callerLimiter.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
