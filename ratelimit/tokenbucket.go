package ratelimit

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// CallerLimiter 调用方维度的令牌桶限流器
// 供应商限流保护下游配额，这里保护引擎自身不被单个调用方打满。
type CallerLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
	logger   *zap.Logger
}

// NewCallerLimiter 创建调用方令牌桶限流器
// rps 为每秒补充速率，burst 为突发容量。
func NewCallerLimiter(rps float64, burst int, logger *zap.Logger) *CallerLimiter {
	if rps <= 0 {
		rps = 10
	}
	if burst < 1 {
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}

	return &CallerLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
		logger:   logger,
	}
}

// TryAcquire 实现 Limiter.TryAcquire
func (c *CallerLimiter) TryAcquire(ctx context.Context, caller string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	if !c.limiterFor(caller).Allow() {
		if c.logger != nil {
			c.logger.Debug("调用方限流拒绝", zap.String("caller", caller))
		}
		return false, nil
	}
	return true, nil
}

// Close 实现 Limiter.Close
func (c *CallerLimiter) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limiters = make(map[string]*rate.Limiter)
	return nil
}

func (c *CallerLimiter) limiterFor(caller string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.limiters[caller]
	if !ok {
		l = rate.NewLimiter(c.rps, c.burst)
		c.limiters[caller] = l
	}
	return l
}

var _ Limiter = (*CallerLimiter)(nil)
