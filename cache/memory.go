package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// entry 单个缓存条目
// 创建后不可变；刷新时整体覆盖。
type entry struct {
	value     []byte
	createdAt time.Time
	ttl       time.Duration
}

func (e *entry) expired(now time.Time) bool {
	return now.After(e.createdAt.Add(e.ttl))
}

// MemoryStore 进程内缓存实现
// 读路径惰性驱逐过期条目，后台清理循环兜底回收。
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*entry
	logger  *zap.Logger
	stopCh  chan struct{}
	closed  bool
}

// NewMemoryStore 创建进程内缓存
// cleanupInterval <= 0 时使用默认 5 分钟。
func NewMemoryStore(cleanupInterval time.Duration, logger *zap.Logger) *MemoryStore {
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}

	s := &MemoryStore{
		entries: make(map[string]*entry),
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
	go s.cleanupLoop(cleanupInterval)
	return s
}

// Get 实现 Store.Get
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, false, ErrClosed
	}
	e, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}

	// 惰性驱逐：过期即未命中
	if e.expired(time.Now()) {
		s.mu.Lock()
		// 二次检查，避免删除刷新后的新条目
		if cur, still := s.entries[key]; still && cur == e {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		return nil, false, nil
	}

	return e.value, true, nil
}

// Set 实现 Store.Set
func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	s.entries[key] = &entry{
		value:     value,
		createdAt: time.Now(),
		ttl:       ttl,
	}
	return nil
}

// Delete 实现 Store.Delete
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	delete(s.entries, key)
	return nil
}

// Close 实现 Store.Close
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	close(s.stopCh)
	return nil
}

// Len 返回当前条目数（含未清理的过期条目），用于测试与统计
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// cleanupLoop 定期清理过期条目
func (s *MemoryStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCh:
			return
		}
	}
}

// cleanup 清理所有过期条目
func (s *MemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	expired := 0
	for key, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, key)
			expired++
		}
	}

	if expired > 0 && s.logger != nil {
		s.logger.Debug("cleaned up expired cache entries",
			zap.Int("expired", expired),
			zap.Int("remaining", len(s.entries)))
	}
}
