// Package ratelimit 提供供应商侧与调用方侧的限流实现。
// 供应商限流采用滑动窗口计数，调用方限流采用令牌桶。
package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Limiter 限流器接口
// TryAcquire 非阻塞：窗口有余量立即放行，否则立即拒绝，绝不排队。
type Limiter interface {
	// TryAcquire 尝试获取一个配额，按 key 独立计数
	TryAcquire(ctx context.Context, key string) (bool, error)

	// Close 释放资源
	Close() error
}

// Config 滑动窗口限流配置
type Config struct {
	Limit  int           // 窗口内最大请求数
	Window time.Duration // 窗口长度
}

// DefaultConfig 返回默认限流配置
func DefaultConfig() *Config {
	return &Config{
		Limit:  60,
		Window: time.Minute,
	}
}

// shardCount 分片数，固定为 2 的幂以便按位取模
const shardCount = 16

// windowShard 一组 key 的窗口与其独立锁
type windowShard struct {
	mu      sync.Mutex
	windows map[string][]time.Time
}

// slidingWindowLimiter 进程内滑动窗口限流器
// 每个 key 维护一份窗口内的时间戳序列，取配额时先滚动剔除过期记录。
// key 按哈希分片加锁，不同分片上的 key 互不阻塞。
type slidingWindowLimiter struct {
	config *Config
	shards [shardCount]*windowShard
	logger *zap.Logger
	now    func() time.Time // 测试注入
}

// NewSlidingWindow 创建进程内滑动窗口限流器
func NewSlidingWindow(config *Config, logger *zap.Logger) Limiter {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Limit < 1 {
		config.Limit = 1
	}
	if config.Window <= 0 {
		config.Window = time.Minute
	}

	l := &slidingWindowLimiter{
		config: config,
		logger: logger,
		now:    time.Now,
	}
	for i := range l.shards {
		l.shards[i] = &windowShard{windows: make(map[string][]time.Time)}
	}
	return l
}

// shard 返回 key 所属的分片
func (l *slidingWindowLimiter) shard(key string) *windowShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return l.shards[h.Sum32()&(shardCount-1)]
}

// TryAcquire 实现 Limiter.TryAcquire
func (l *slidingWindowLimiter) TryAcquire(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s := l.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.config.Window)

	// 滚动窗口：丢弃已滑出窗口的时间戳
	window := s.windows[key]
	live := window[:0]
	for _, ts := range window {
		if ts.After(cutoff) {
			live = append(live, ts)
		}
	}

	if len(live) >= l.config.Limit {
		s.windows[key] = live
		if l.logger != nil {
			l.logger.Debug("限流拒绝",
				zap.String("key", key),
				zap.Int("limit", l.config.Limit),
				zap.Duration("window", l.config.Window))
		}
		return false, nil
	}

	s.windows[key] = append(live, now)
	return true, nil
}

// Close 实现 Limiter.Close
func (l *slidingWindowLimiter) Close() error {
	for _, s := range l.shards {
		s.mu.Lock()
		s.windows = make(map[string][]time.Time)
		s.mu.Unlock()
	}
	return nil
}
