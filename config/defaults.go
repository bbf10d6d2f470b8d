package config

import "time"

// DefaultConfig 返回带默认值的配置
// 供应商列表默认为空，必须由配置文件或代码填充。
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			RequestTimeout: 60 * time.Second,
			MaxFallbacks:   0,
		},
		Retry: RetryConfig{
			MaxAttempts:    3,
			BaseDelay:      100 * time.Millisecond,
			MaxDelay:       1 * time.Second,
			JitterFraction: 0.25,
		},
		Cache: CacheConfig{
			Enabled:         true,
			Backend:         "memory",
			STTTTL:          15 * time.Minute,
			TTSTTL:          24 * time.Hour,
			CleanupInterval: 5 * time.Minute,
			KeyPrefix:       "speechflow:cache:",
		},
		CallerLimit: CallerLimitConfig{
			Enabled: false,
			RPS:     10,
			Burst:   20,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			DB:       0,
			PoolSize: 10,
		},
		Log: LogConfig{
			Level:        "info",
			Format:       "json",
			OutputPaths:  []string{"stdout"},
			EnableCaller: true,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "speechflow",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			ServiceName: "speechflow",
			SampleRate:  1.0,
		},
	}
}

// DefaultProviderConfig 返回单个供应商的默认配置
// 调用方只需要填 Name / Operations / APIKey，其余字段有合理默认。
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		Priority: 100,
		Timeout:  30 * time.Second,
		Pool: PoolConfig{
			MaxSize:        4,
			AcquireTimeout: 2 * time.Second,
			IdleTimeout:    60 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Limit:  60,
			Window: time.Minute,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  30 * time.Second,
			HalfOpenMaxCalls: 1,
		},
	}
}

// ApplyProviderDefaults 用默认值补全供应商配置中的零值字段
func ApplyProviderDefaults(p *ProviderConfig) {
	def := DefaultProviderConfig()

	if p.Priority == 0 {
		p.Priority = def.Priority
	}
	if p.Timeout <= 0 {
		p.Timeout = def.Timeout
	}
	if p.Pool.MaxSize <= 0 {
		p.Pool.MaxSize = def.Pool.MaxSize
	}
	if p.Pool.AcquireTimeout <= 0 {
		p.Pool.AcquireTimeout = def.Pool.AcquireTimeout
	}
	if p.Pool.IdleTimeout <= 0 {
		p.Pool.IdleTimeout = def.Pool.IdleTimeout
	}
	if p.RateLimit.Limit <= 0 {
		p.RateLimit.Limit = def.RateLimit.Limit
	}
	if p.RateLimit.Window <= 0 {
		p.RateLimit.Window = def.RateLimit.Window
	}
	if p.Breaker.FailureThreshold <= 0 {
		p.Breaker.FailureThreshold = def.Breaker.FailureThreshold
	}
	if p.Breaker.RecoveryTimeout <= 0 {
		p.Breaker.RecoveryTimeout = def.Breaker.RecoveryTimeout
	}
	if p.Breaker.HalfOpenMaxCalls <= 0 {
		p.Breaker.HalfOpenMaxCalls = def.Breaker.HalfOpenMaxCalls
	}
}

// TTLFor 按操作类型返回缓存 TTL
func (c *CacheConfig) TTLFor(operation string) time.Duration {
	switch operation {
	case "tts":
		return c.TTSTTL
	default:
		return c.STTTTL
	}
}
