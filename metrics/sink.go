// Package metrics provides request outcome and resilience metrics.
package metrics

import "time"

// Sink 指标出口接口
// 编排器只依赖该接口；Prometheus 实现见 Collector，
// 不需要指标时用 Nop。
type Sink interface {
	// RecordLatency 记录单次供应商调用耗时
	RecordLatency(provider, operation string, duration time.Duration)

	// RecordOutcome 记录请求结局（success / error code）
	RecordOutcome(provider, operation, outcome string)

	// RecordCacheHit 记录缓存命中
	RecordCacheHit(operation string)

	// RecordCacheMiss 记录缓存未命中
	RecordCacheMiss(operation string)

	// RecordRateLimited 记录限流拒绝
	RecordRateLimited(provider, operation string)

	// RecordBreakerState 记录熔断器状态迁移
	RecordBreakerState(provider, fromState, toState string)

	// RecordFallback 记录兜底切换（首选供应商失败后换下一家）
	RecordFallback(operation, fromProvider, toProvider string)
}

// Nop 空实现
type Nop struct{}

func (Nop) RecordLatency(string, string, time.Duration) {}
func (Nop) RecordOutcome(string, string, string)        {}
func (Nop) RecordCacheHit(string)                       {}
func (Nop) RecordCacheMiss(string)                      {}
func (Nop) RecordRateLimited(string, string)            {}
func (Nop) RecordBreakerState(string, string, string)   {}
func (Nop) RecordFallback(string, string, string)       {}

var _ Sink = Nop{}
