// Package speechflow provides a top-level convenience entry point for the
// speech provider orchestration engine.
//
// Usage:
//
//	import "github.com/BaSui01/speechflow"
//
//	client, err := speechflow.New(speechflow.WithConfigFile("config.yaml"))
//	result, err := client.Process(ctx, types.NewRequest(types.OperationSTT, audio, "", params))
//
// The client wires provider adapters, circuit breakers, connection pools,
// rate limiters, retry, caching, metrics and telemetry from a single config.
package speechflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/speechflow/cache"
	"github.com/BaSui01/speechflow/circuitbreaker"
	"github.com/BaSui01/speechflow/config"
	"github.com/BaSui01/speechflow/internal/telemetry"
	"github.com/BaSui01/speechflow/metrics"
	"github.com/BaSui01/speechflow/orchestrator"
	"github.com/BaSui01/speechflow/pool"
	"github.com/BaSui01/speechflow/ratelimit"
	"github.com/BaSui01/speechflow/retry"
	"github.com/BaSui01/speechflow/speech"
	"github.com/BaSui01/speechflow/types"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Option configures the client created by [New].
type Option func(*builder)

type builder struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger
	sink       metrics.Sink
	store      cache.Store
	extra      []orchestrator.ProviderBinding
}

// WithConfig sets a pre-built configuration.
func WithConfig(cfg *config.Config) Option {
	return func(b *builder) { b.cfg = cfg }
}

// WithConfigFile loads configuration from a YAML file.
func WithConfigFile(path string) Option {
	return func(b *builder) { b.configPath = path }
}

// WithLogger sets a custom zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(b *builder) { b.logger = logger }
}

// WithMetrics sets a custom metrics sink.
func WithMetrics(sink metrics.Sink) Option {
	return func(b *builder) { b.sink = sink }
}

// WithCache sets a custom cache store.
func WithCache(store cache.Store) Option {
	return func(b *builder) { b.store = store }
}

// WithProvider registers an extra provider binding beyond the configured ones.
// Use this for custom adapters not built into the speech package.
func WithProvider(binding orchestrator.ProviderBinding) Option {
	return func(b *builder) { b.extra = append(b.extra, binding) }
}

// Client 装配完成的语音编排客户端
type Client struct {
	engine    *Engine
	telemetry *telemetry.Providers
	logger    *zap.Logger
}

// Engine 是编排引擎的别名，便于调用方声明依赖
type Engine = orchestrator.Engine

// New creates a fully wired speech orchestration client.
func New(opts ...Option) (*Client, error) {
	b := &builder{}
	for _, opt := range opts {
		opt(b)
	}

	cfg := b.cfg
	if cfg == nil {
		loaded, err := config.NewLoader().WithConfigPath(b.configPath).Load()
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	logger := b.logger
	if logger == nil {
		built, err := buildLogger(cfg.Log)
		if err != nil {
			return nil, fmt.Errorf("build logger: %w", err)
		}
		logger = built
	}

	sink := b.sink
	if sink == nil {
		if cfg.Metrics.Enabled {
			sink = metrics.NewCollector(cfg.Metrics.Namespace, nil, logger)
		} else {
			sink = metrics.Nop{}
		}
	}

	tel, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	// Redis 客户端按需创建，缓存与分布式限流共用
	var redisClient redis.UniversalClient
	needRedis := cfg.Cache.Enabled && cfg.Cache.Backend == "redis"
	for _, p := range cfg.Providers {
		if p.RateLimit.Distributed {
			needRedis = true
		}
	}
	if needRedis {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
	}

	store := b.store
	if store == nil && cfg.Cache.Enabled {
		switch cfg.Cache.Backend {
		case "redis":
			store = cache.NewRedisStoreWithClient(redisClient, cfg.Cache.KeyPrefix, logger)
		default:
			store = cache.NewMemoryStore(cfg.Cache.CleanupInterval, logger)
		}
	}

	registry := orchestrator.NewRegistry(sink, logger)
	for _, pc := range cfg.Providers {
		config.ApplyProviderDefaults(&pc)
		binding, err := buildBinding(pc, redisClient, logger)
		if err != nil {
			return nil, err
		}
		if err := registry.Register(binding); err != nil {
			return nil, err
		}
	}
	for _, binding := range b.extra {
		if err := registry.Register(binding); err != nil {
			return nil, err
		}
	}

	var callerLimiter ratelimit.Limiter
	if cfg.CallerLimit.Enabled {
		callerLimiter = ratelimit.NewCallerLimiter(cfg.CallerLimit.RPS, cfg.CallerLimit.Burst, logger)
	}

	engine := orchestrator.NewEngine(orchestrator.Options{
		Registry:      registry,
		Cache:         store,
		STTTTL:        cfg.Cache.STTTTL,
		TTSTTL:        cfg.Cache.TTSTTL,
		CallerLimiter: callerLimiter,
		RetryPolicy: &retry.Policy{
			MaxAttempts:    cfg.Retry.MaxAttempts,
			BaseDelay:      cfg.Retry.BaseDelay,
			MaxDelay:       cfg.Retry.MaxDelay,
			JitterFraction: cfg.Retry.JitterFraction,
		},
		MaxFallbacks: cfg.Engine.MaxFallbacks,
		Metrics:      sink,
		Logger:       logger,
	})

	logger.Info("speechflow client ready",
		zap.Int("providers", len(cfg.Providers)+len(b.extra)),
		zap.Bool("cache", store != nil),
		zap.Bool("caller_limit", callerLimiter != nil))

	return &Client{
		engine:    engine,
		telemetry: tel,
		logger:    logger,
	}, nil
}

// Process 处理一次语音请求
func (c *Client) Process(ctx context.Context, req *types.Request) (*types.Result, error) {
	return c.engine.Process(ctx, req)
}

// Engine 返回底层编排引擎（热重载、定制场景用）
func (c *Client) Engine() *Engine {
	return c.engine
}

// Health 返回全部供应商的熔断健康快照
func (c *Client) Health() []circuitbreaker.ProviderHealth {
	return c.engine.Health()
}

// Close 释放客户端持有的全部资源
func (c *Client) Close(ctx context.Context) error {
	firstErr := c.engine.Close()
	if err := c.telemetry.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// buildBinding 按配置装配内建供应商适配器
// 内建名称: openai, deepgram, elevenlabs。其他名称请用 WithProvider 注册。
func buildBinding(pc config.ProviderConfig, redisClient redis.UniversalClient, logger *zap.Logger) (orchestrator.ProviderBinding, error) {
	binding := orchestrator.ProviderBinding{
		Name:     pc.Name,
		Priority: pc.Priority,
		Timeout:  pc.Timeout,
		Breaker: &circuitbreaker.Config{
			FailureThreshold: pc.Breaker.FailureThreshold,
			RecoveryTimeout:  pc.Breaker.RecoveryTimeout,
			HalfOpenMaxCalls: pc.Breaker.HalfOpenMaxCalls,
		},
		Pool: &pool.Config{
			MaxSize:        pc.Pool.MaxSize,
			AcquireTimeout: pc.Pool.AcquireTimeout,
			IdleTimeout:    pc.Pool.IdleTimeout,
		},
	}

	rlConfig := &ratelimit.Config{
		Limit:  pc.RateLimit.Limit,
		Window: pc.RateLimit.Window,
	}
	if pc.RateLimit.Distributed {
		binding.Limiter = ratelimit.NewRedisSlidingWindow(redisClient, rlConfig, "", logger)
	} else {
		binding.RateLimit = rlConfig
	}

	supports := func(op string) bool {
		for _, o := range pc.Operations {
			if o == op {
				return true
			}
		}
		return false
	}

	switch strings.ToLower(pc.Name) {
	case "openai":
		if supports("stt") {
			sttCfg := speech.DefaultOpenAISTTConfig()
			sttCfg.APIKey = pc.APIKey
			applyIfSet(&sttCfg.BaseURL, pc.BaseURL)
			applyIfSet(&sttCfg.Model, pc.Model)
			applyTimeout(&sttCfg.Timeout, pc.Timeout)
			stt := speech.NewOpenAISTTProvider(sttCfg)
			binding.STT = stt
			binding.Classifier = stt
		}
		if supports("tts") {
			ttsCfg := speech.DefaultOpenAITTSConfig()
			ttsCfg.APIKey = pc.APIKey
			applyIfSet(&ttsCfg.BaseURL, pc.BaseURL)
			applyIfSet(&ttsCfg.Model, pc.Model)
			applyIfSet(&ttsCfg.Voice, pc.Voice)
			applyTimeout(&ttsCfg.Timeout, pc.Timeout)
			tts := speech.NewOpenAITTSProvider(ttsCfg)
			binding.TTS = tts
			if binding.Classifier == nil {
				binding.Classifier = tts
			}
		}

	case "deepgram":
		if !supports("stt") {
			return binding, fmt.Errorf("provider %q only supports stt", pc.Name)
		}
		dgCfg := speech.DefaultDeepgramConfig()
		dgCfg.APIKey = pc.APIKey
		applyIfSet(&dgCfg.BaseURL, pc.BaseURL)
		applyIfSet(&dgCfg.Model, pc.Model)
		applyTimeout(&dgCfg.Timeout, pc.Timeout)
		dg := speech.NewDeepgramProvider(dgCfg)
		binding.STT = dg
		binding.Classifier = dg

	case "elevenlabs":
		if !supports("tts") {
			return binding, fmt.Errorf("provider %q only supports tts", pc.Name)
		}
		elCfg := speech.DefaultElevenLabsConfig()
		elCfg.APIKey = pc.APIKey
		applyIfSet(&elCfg.BaseURL, pc.BaseURL)
		applyIfSet(&elCfg.Model, pc.Model)
		applyIfSet(&elCfg.VoiceID, pc.Voice)
		applyTimeout(&elCfg.Timeout, pc.Timeout)
		el := speech.NewElevenLabsProvider(elCfg)
		binding.TTS = el
		binding.Classifier = el

	default:
		return binding, fmt.Errorf("unknown built-in provider %q (use WithProvider for custom adapters)", pc.Name)
	}

	return binding, nil
}

func applyIfSet(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

func applyTimeout(dst *time.Duration, value time.Duration) {
	if value > 0 {
		*dst = value
	}
}

// buildLogger 按配置构建 zap 日志器
func buildLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	if len(cfg.OutputPaths) > 0 {
		zapCfg.OutputPaths = cfg.OutputPaths
	}
	zapCfg.DisableCaller = !cfg.EnableCaller

	return zapCfg.Build()
}
