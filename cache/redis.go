package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore 基于 Redis 的缓存实现
// 多实例部署时共享缓存，TTL 由 Redis 原生过期机制管理。
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	logger    *zap.Logger
}

// RedisOptions Redis 缓存配置
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string // 默认 "speechflow:cache:"
	PoolSize  int
}

// NewRedisStore 创建 Redis 缓存
// 启动时 Ping 校验连通性，连不上直接报错而不是静默降级。
func NewRedisStore(opts *RedisOptions, logger *zap.Logger) (*RedisStore, error) {
	if opts == nil {
		return nil, fmt.Errorf("redis options are required")
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "speechflow:cache:"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: opts.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}

	return &RedisStore{
		client:    client,
		keyPrefix: opts.KeyPrefix,
		logger:    logger,
	}, nil
}

// NewRedisStoreWithClient 复用已有客户端创建 Redis 缓存（测试用）
func NewRedisStoreWithClient(client redis.UniversalClient, keyPrefix string, logger *zap.Logger) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "speechflow:cache:"
	}
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		logger:    logger,
	}
}

// Get 实现 Store.Get
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := s.client.Get(ctx, s.keyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("读取缓存失败: %w", err)
	}
	return data, true, nil
}

// Set 实现 Store.Set
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if err := s.client.Set(ctx, s.keyPrefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("写入缓存失败: %w", err)
	}
	return nil
}

// Delete 实现 Store.Delete
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("删除缓存失败: %w", err)
	}
	return nil
}

// Close 实现 Store.Close
func (s *RedisStore) Close() error {
	return s.client.Close()
}
