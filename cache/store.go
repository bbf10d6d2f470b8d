// Package cache 提供以请求指纹为键的结果缓存，
// 支持进程内与 Redis 两种后端，按操作类型设置 TTL。
package cache

import (
	"context"
	"errors"
	"time"
)

// Store 缓存后端接口
// 键是请求内容的指纹（见 types.Request.Fingerprint），
// 值是序列化后的结果载荷；条目只会被整体覆盖，不做原地修改。
type Store interface {
	// Get 按键查询；过期条目视为未命中并顺带清除
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set 写入条目并设置 TTL
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete 删除条目
	Delete(ctx context.Context, key string) error

	// Close 释放后端资源
	Close() error
}

// ErrClosed 缓存已关闭
var ErrClosed = errors.New("cache store is closed")
