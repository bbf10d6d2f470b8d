package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector Prometheus 指标收集器
type Collector struct {
	// 供应商调用指标
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	// 缓存指标
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// 韧性指标
	rateLimitedTotal  *prometheus.CounterVec
	breakerTransition *prometheus.CounterVec
	fallbackTotal     *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
// registerer 为 nil 时注册到默认 registry；测试传独立 registry。
func NewCollector(namespace string, registerer prometheus.Registerer, logger *zap.Logger) *Collector {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.requestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Total number of speech provider requests",
		},
		[]string{"provider", "operation", "outcome"},
	)

	c.requestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_duration_seconds",
			Help:      "Speech provider request duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"provider", "operation"},
	)

	c.cacheHits = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of result cache hits",
		},
		[]string{"operation"},
	)

	c.cacheMisses = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of result cache misses",
		},
		[]string{"operation"},
	)

	c.rateLimitedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Total number of rate limit rejections",
		},
		[]string{"provider", "operation"},
	)

	c.breakerTransition = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Total number of circuit breaker state transitions",
		},
		[]string{"provider", "from_state", "to_state"},
	)

	c.fallbackTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallbacks_total",
			Help:      "Total number of provider fallback switches",
		},
		[]string{"operation", "from_provider", "to_provider"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 指标记录
// =============================================================================

// RecordLatency 实现 Sink.RecordLatency
func (c *Collector) RecordLatency(provider, operation string, duration time.Duration) {
	c.requestDuration.WithLabelValues(provider, operation).Observe(duration.Seconds())
}

// RecordOutcome 实现 Sink.RecordOutcome
func (c *Collector) RecordOutcome(provider, operation, outcome string) {
	c.requestsTotal.WithLabelValues(provider, operation, outcome).Inc()
}

// RecordCacheHit 实现 Sink.RecordCacheHit
func (c *Collector) RecordCacheHit(operation string) {
	c.cacheHits.WithLabelValues(operation).Inc()
}

// RecordCacheMiss 实现 Sink.RecordCacheMiss
func (c *Collector) RecordCacheMiss(operation string) {
	c.cacheMisses.WithLabelValues(operation).Inc()
}

// RecordRateLimited 实现 Sink.RecordRateLimited
func (c *Collector) RecordRateLimited(provider, operation string) {
	c.rateLimitedTotal.WithLabelValues(provider, operation).Inc()
}

// RecordBreakerState 实现 Sink.RecordBreakerState
func (c *Collector) RecordBreakerState(provider, fromState, toState string) {
	c.breakerTransition.WithLabelValues(provider, fromState, toState).Inc()
}

// RecordFallback 实现 Sink.RecordFallback
func (c *Collector) RecordFallback(operation, fromProvider, toProvider string) {
	c.fallbackTotal.WithLabelValues(operation, fromProvider, toProvider).Inc()
}

var _ Sink = (*Collector)(nil)
