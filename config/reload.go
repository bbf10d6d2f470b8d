// 配置热重载实现。
//
// 轮询配置文件修改时间，变更后重新加载并校验，
// 校验失败保留旧配置，成功则原子替换并通知订阅者。
package config

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ReloadCallback 配置重载成功后的回调
// old 为被替换的配置，new 为已通过校验的新配置。
type ReloadCallback func(old, new *Config)

// Reloader 监听配置文件并热重载
// 只有可以在运行期安全变更的字段才应该被订阅者采纳：
// 重试策略、缓存 TTL、调用方限流、日志级别。
// 供应商列表与 Redis 地址的变更需要重启进程。
type Reloader struct {
	mu sync.RWMutex

	path         string
	loader       *Loader
	current      *Config
	lastModTime  time.Time
	pollInterval time.Duration

	callbacks []ReloadCallback
	running   bool
	stopCh    chan struct{}

	logger *zap.Logger
}

// NewReloader 创建配置热重载器
// initial 为当前生效的配置，path 为被监听的文件。
func NewReloader(path string, initial *Config, logger *zap.Logger) *Reloader {
	r := &Reloader{
		path:         path,
		loader:       NewLoader().WithConfigPath(path),
		current:      initial,
		pollInterval: time.Second,
		stopCh:       make(chan struct{}),
		logger:       logger,
	}

	if info, err := os.Stat(path); err == nil {
		r.lastModTime = info.ModTime()
	}
	return r
}

// OnReload 注册重载回调
func (r *Reloader) OnReload(cb ReloadCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, cb)
}

// Current 返回当前生效的配置
func (r *Reloader) Current() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Start 启动监听循环
func (r *Reloader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("reloader already running")
	}
	r.running = true
	r.mu.Unlock()

	go r.pollLoop(ctx)

	r.logger.Info("config reloader started",
		zap.String("path", r.path),
		zap.Duration("poll_interval", r.pollInterval))
	return nil
}

// Stop 停止监听
func (r *Reloader) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return
	}
	close(r.stopCh)
	r.running = false
}

// Reload 立即重载一次（文件未变更也会执行）
func (r *Reloader) Reload() error {
	newCfg, err := r.loader.Load()
	if err != nil {
		// 坏配置不得挤掉正在生效的好配置
		r.logger.Warn("config reload rejected", zap.Error(err))
		return err
	}

	r.mu.Lock()
	old := r.current
	r.current = newCfg
	callbacks := make([]ReloadCallback, len(r.callbacks))
	copy(callbacks, r.callbacks)
	r.mu.Unlock()

	for _, cb := range callbacks {
		cb(old, newCfg)
	}

	r.logger.Info("config reloaded", zap.String("path", r.path))
	return nil
}

func (r *Reloader) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			if r.changed() {
				_ = r.Reload()
			}
		}
	}
}

func (r *Reloader) changed() bool {
	info, err := os.Stat(r.path)
	if err != nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if info.ModTime().After(r.lastModTime) {
		r.lastModTime = info.ModTime()
		return true
	}
	return false
}
