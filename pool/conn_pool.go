// Package pool 提供按供应商隔离的有界连接池。
// 容量用加权信号量控制，空闲连接超时由后台回收。
package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/speechflow/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Conn 池中的一个连接槽
// Resource 为 Dial 创建的底层资源（HTTP 客户端、gRPC 连接等），
// 池本身不关心其类型。
type Conn struct {
	ID       string
	Resource any

	createdAt time.Time
	lastUsed  time.Time
}

// Config 连接池配置
type Config struct {
	MaxSize        int           // 最大并发连接数
	AcquireTimeout time.Duration // 获取连接的等待上限
	IdleTimeout    time.Duration // 空闲连接回收阈值
	ReapInterval   time.Duration // 回收循环周期

	// Dial 创建底层资源；为 nil 时连接槽仅作并发配额使用
	Dial func(ctx context.Context) (any, error)

	// CloseResource 释放底层资源；为 nil 时直接丢弃
	CloseResource func(resource any) error
}

// DefaultConfig 返回默认连接池配置
func DefaultConfig() *Config {
	return &Config{
		MaxSize:        4,
		AcquireTimeout: 2 * time.Second,
		IdleTimeout:    60 * time.Second,
		ReapInterval:   15 * time.Second,
	}
}

// Stats 连接池统计信息
type Stats struct {
	Provider  string `json:"provider"`
	InUse     int64  `json:"in_use"`
	Idle      int    `json:"idle"`
	Dials     int64  `json:"dials"`
	Reuses    int64  `json:"reuses"`
	Exhausted int64  `json:"exhausted"`
	Discarded int64  `json:"discarded"`
}

// Pool 有界连接池接口
type Pool interface {
	// Acquire 获取连接，等待超过 AcquireTimeout 返回 POOL_EXHAUSTED
	Acquire(ctx context.Context) (*Conn, error)

	// Release 归还连接；err 非 nil 时视为连接已损坏，销毁而不复用
	Release(conn *Conn, err error)

	// Stats 返回统计信息
	Stats() Stats

	// Close 关闭池并释放全部空闲连接
	Close() error
}

// connPool Pool 的默认实现
type connPool struct {
	provider string
	config   *Config
	sem      *semaphore.Weighted
	logger   *zap.Logger

	mu     sync.Mutex
	idle   []*Conn
	closed bool
	stopCh chan struct{}

	inUse     atomic.Int64
	dials     atomic.Int64
	reuses    atomic.Int64
	exhausted atomic.Int64
	discarded atomic.Int64
}

// New 创建连接池
func New(provider string, config *Config, logger *zap.Logger) Pool {
	if config == nil {
		config = DefaultConfig()
	}

	// 拷贝后再校验，不回写调用方配置
	cfg := *config
	if cfg.MaxSize < 1 {
		cfg.MaxSize = 1
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 2 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = 15 * time.Second
	}

	p := &connPool{
		provider: provider,
		config:   &cfg,
		sem:      semaphore.NewWeighted(int64(cfg.MaxSize)),
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
	go p.reapLoop()
	return p
}

// Acquire 实现 Pool.Acquire
func (p *connPool) Acquire(ctx context.Context) (*Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, types.NewError(types.ErrPoolExhausted, "connection pool is closed").
			WithProvider(p.provider).WithRetryable(false)
	}
	p.mu.Unlock()

	acquireCtx, cancel := context.WithTimeout(ctx, p.config.AcquireTimeout)
	defer cancel()

	if err := p.sem.Acquire(acquireCtx, 1); err != nil {
		// 调用方自身取消要原样上抛，不要伪装成池耗尽
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.exhausted.Add(1)
		if p.logger != nil {
			p.logger.Warn("连接池耗尽",
				zap.String("provider", p.provider),
				zap.Int("max_size", p.config.MaxSize),
				zap.Duration("acquire_timeout", p.config.AcquireTimeout))
		}
		return nil, types.NewError(types.ErrPoolExhausted, "no connection available within acquire timeout").
			WithProvider(p.provider).WithCause(err)
	}

	// 优先复用空闲连接
	p.mu.Lock()
	var conn *Conn
	if n := len(p.idle); n > 0 {
		conn = p.idle[n-1]
		p.idle = p.idle[:n-1]
	}
	p.mu.Unlock()

	if conn != nil {
		p.reuses.Add(1)
		conn.lastUsed = time.Now()
		p.inUse.Add(1)
		return conn, nil
	}

	conn, err := p.dial(ctx)
	if err != nil {
		p.sem.Release(1)
		return nil, err
	}
	p.inUse.Add(1)
	return conn, nil
}

// Release 实现 Pool.Release
func (p *connPool) Release(conn *Conn, err error) {
	if conn == nil {
		return
	}
	defer p.sem.Release(1)
	p.inUse.Add(-1)

	if err != nil {
		p.discard(conn)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.closeResource(conn)
		return
	}
	conn.lastUsed = time.Now()
	p.idle = append(p.idle, conn)
}

// Stats 实现 Pool.Stats
func (p *connPool) Stats() Stats {
	p.mu.Lock()
	idle := len(p.idle)
	p.mu.Unlock()

	return Stats{
		Provider:  p.provider,
		InUse:     p.inUse.Load(),
		Idle:      idle,
		Dials:     p.dials.Load(),
		Reuses:    p.reuses.Load(),
		Exhausted: p.exhausted.Load(),
		Discarded: p.discarded.Load(),
	}
}

// Close 实现 Pool.Close
func (p *connPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	close(p.stopCh)
	p.mu.Unlock()

	for _, conn := range idle {
		p.closeResource(conn)
	}
	return nil
}

func (p *connPool) dial(ctx context.Context) (*Conn, error) {
	var resource any
	if p.config.Dial != nil {
		r, err := p.config.Dial(ctx)
		if err != nil {
			return nil, types.NewError(types.ErrProviderRetryable, "failed to establish provider connection").
				WithProvider(p.provider).WithCause(err)
		}
		resource = r
	}

	p.dials.Add(1)
	now := time.Now()
	return &Conn{
		ID:        uuid.NewString(),
		Resource:  resource,
		createdAt: now,
		lastUsed:  now,
	}, nil
}

func (p *connPool) discard(conn *Conn) {
	p.discarded.Add(1)
	p.closeResource(conn)
}

func (p *connPool) closeResource(conn *Conn) {
	if p.config.CloseResource == nil || conn.Resource == nil {
		return
	}
	if err := p.config.CloseResource(conn.Resource); err != nil && p.logger != nil {
		p.logger.Warn("关闭连接资源失败",
			zap.String("provider", p.provider),
			zap.String("conn_id", conn.ID),
			zap.Error(err))
	}
}

// reapLoop 定期回收超时的空闲连接
func (p *connPool) reapLoop() {
	ticker := time.NewTicker(p.config.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.reap()
		case <-p.stopCh:
			return
		}
	}
}

func (p *connPool) reap() {
	cutoff := time.Now().Add(-p.config.IdleTimeout)

	p.mu.Lock()
	var live, stale []*Conn
	for _, conn := range p.idle {
		if conn.lastUsed.Before(cutoff) {
			stale = append(stale, conn)
		} else {
			live = append(live, conn)
		}
	}
	p.idle = live
	p.mu.Unlock()

	for _, conn := range stale {
		p.closeResource(conn)
	}

	if len(stale) > 0 && p.logger != nil {
		p.logger.Debug("回收空闲连接",
			zap.String("provider", p.provider),
			zap.Int("reaped", len(stale)))
	}
}
