// =============================================================================
// 📦 SpeechFlow 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("SPEECHFLOW").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 SpeechFlow 引擎的完整配置结构
type Config struct {
	// Engine 编排引擎配置
	Engine EngineConfig `yaml:"engine" env:"ENGINE"`

	// Providers 供应商列表（仅支持文件配置，不支持环境变量覆盖）
	Providers []ProviderConfig `yaml:"providers" env:"-"`

	// Retry 重试策略配置
	Retry RetryConfig `yaml:"retry" env:"RETRY"`

	// Cache 结果缓存配置
	Cache CacheConfig `yaml:"cache" env:"CACHE"`

	// CallerLimit 调用方限流配置
	CallerLimit CallerLimitConfig `yaml:"caller_limit" env:"CALLER_LIMIT"`

	// Redis 缓存与分布式限流共用的 Redis 配置
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Metrics 指标配置
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// EngineConfig 编排引擎配置
type EngineConfig struct {
	// 单次请求的整体超时
	RequestTimeout time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
	// 最大兜底尝试供应商数（0 表示不限）
	MaxFallbacks int `yaml:"max_fallbacks" env:"MAX_FALLBACKS"`
}

// ProviderConfig 单个供应商配置
type ProviderConfig struct {
	// 供应商名称（全局唯一）
	Name string `yaml:"name"`
	// 支持的操作: stt, tts
	Operations []string `yaml:"operations"`
	// 优先级，数值越小越优先
	Priority int `yaml:"priority"`
	// API Key
	APIKey string `yaml:"api_key"`
	// 基础 URL（可选）
	BaseURL string `yaml:"base_url"`
	// 默认模型
	Model string `yaml:"model"`
	// 默认音色（TTS）
	Voice string `yaml:"voice"`
	// 单次调用超时
	Timeout time.Duration `yaml:"timeout"`
	// 连接池配置
	Pool PoolConfig `yaml:"pool"`
	// 供应商侧限流
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	// 熔断器配置
	Breaker BreakerConfig `yaml:"breaker"`
}

// PoolConfig 连接池配置
type PoolConfig struct {
	// 最大并发连接数
	MaxSize int `yaml:"max_size"`
	// 获取连接的等待上限
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	// 空闲连接回收阈值
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// RateLimitConfig 滑动窗口限流配置
type RateLimitConfig struct {
	// 窗口内最大请求数
	Limit int `yaml:"limit"`
	// 窗口长度
	Window time.Duration `yaml:"window"`
	// 是否使用 Redis 分布式窗口
	Distributed bool `yaml:"distributed"`
}

// BreakerConfig 熔断器配置
type BreakerConfig struct {
	// 连续失败阈值
	FailureThreshold int `yaml:"failure_threshold"`
	// 打开后的恢复等待时间
	RecoveryTimeout time.Duration `yaml:"recovery_timeout"`
	// 半开状态允许的探测请求数
	HalfOpenMaxCalls int `yaml:"half_open_max_calls"`
}

// RetryConfig 重试策略配置
type RetryConfig struct {
	// 最大调用次数（含首次）
	MaxAttempts int `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	// 初始退避延迟
	BaseDelay time.Duration `yaml:"base_delay" env:"BASE_DELAY"`
	// 最大退避延迟
	MaxDelay time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
	// 抖动比例（0-1）
	JitterFraction float64 `yaml:"jitter_fraction" env:"JITTER_FRACTION"`
}

// CacheConfig 结果缓存配置
type CacheConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 后端类型: memory, redis
	Backend string `yaml:"backend" env:"BACKEND"`
	// STT 结果 TTL
	STTTTL time.Duration `yaml:"stt_ttl" env:"STT_TTL"`
	// TTS 结果 TTL
	TTSTTL time.Duration `yaml:"tts_ttl" env:"TTS_TTL"`
	// 进程内后端的清理周期
	CleanupInterval time.Duration `yaml:"cleanup_interval" env:"CLEANUP_INTERVAL"`
	// Redis 键前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// CallerLimitConfig 调用方令牌桶限流配置
type CallerLimitConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 每秒补充速率
	RPS float64 `yaml:"rps" env:"RPS"`
	// 突发容量
	Burst int `yaml:"burst" env:"BURST"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// Prometheus 命名空间
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "SPEECHFLOW",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	// 1. 从默认值开始
	cfg := DefaultConfig()

	// 2. 如果指定了配置文件，从文件加载
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// 3. 从环境变量覆盖
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// 4. 内建校验 + 自定义验证器
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		// 获取 env tag
		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		// 如果是结构体，递归处理
		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		// 获取环境变量值
		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		// 设置字段值
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, "retry.max_attempts must be at least 1")
	}
	if c.Retry.JitterFraction < 0 || c.Retry.JitterFraction > 1 {
		errs = append(errs, "retry.jitter_fraction must be in [0, 1]")
	}

	if c.Cache.Enabled {
		switch c.Cache.Backend {
		case "memory", "redis":
		default:
			errs = append(errs, fmt.Sprintf("unknown cache backend %q", c.Cache.Backend))
		}
	}
	if c.Cache.Backend == "redis" && c.Cache.Enabled && c.Redis.Addr == "" {
		errs = append(errs, "redis cache backend requires redis.addr")
	}

	seen := make(map[string]bool)
	for i, p := range c.Providers {
		if p.Name == "" {
			errs = append(errs, fmt.Sprintf("providers[%d]: name is required", i))
			continue
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Sprintf("duplicate provider name %q", p.Name))
		}
		seen[p.Name] = true

		if len(p.Operations) == 0 {
			errs = append(errs, fmt.Sprintf("provider %q: at least one operation is required", p.Name))
		}
		for _, op := range p.Operations {
			if op != "stt" && op != "tts" {
				errs = append(errs, fmt.Sprintf("provider %q: unknown operation %q", p.Name, op))
			}
		}
		if p.Priority < 0 {
			errs = append(errs, fmt.Sprintf("provider %q: priority must be non-negative", p.Name))
		}
		if p.RateLimit.Limit < 0 {
			errs = append(errs, fmt.Sprintf("provider %q: rate_limit.limit must be non-negative", p.Name))
		}
		if p.Pool.MaxSize < 0 {
			errs = append(errs, fmt.Sprintf("provider %q: pool.max_size must be non-negative", p.Name))
		}
		if p.Breaker.FailureThreshold < 0 {
			errs = append(errs, fmt.Sprintf("provider %q: breaker.failure_threshold must be non-negative", p.Name))
		}
	}

	if c.CallerLimit.Enabled && c.CallerLimit.RPS <= 0 {
		errs = append(errs, "caller_limit.rps must be positive when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}
