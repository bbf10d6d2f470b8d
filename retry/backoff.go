package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/BaSui01/speechflow/types"
	"go.uber.org/zap"
)

// Classifier 判断错误是否可重试
// 分类逻辑由各供应商适配器提供，不在此集中硬编码。
type Classifier func(err error) bool

// Policy 定义重试策略配置
// 遵循 KISS 原则：简单但功能完整的重试策略
type Policy struct {
	MaxAttempts    int                                               // 最大调用次数（含首次，最小为 1）
	BaseDelay      time.Duration                                     // 初始退避延迟
	MaxDelay       time.Duration                                     // 最大退避延迟
	JitterFraction float64                                           // 抖动比例（0-1，0 表示无抖动）
	OnRetry        func(attempt int, err error, delay time.Duration) // 重试回调
}

// DefaultPolicy 返回默认的重试策略
// 适用于大部分语音供应商 API 调用场景
func DefaultPolicy() *Policy {
	return &Policy{
		MaxAttempts:    3,
		BaseDelay:      100 * time.Millisecond,
		MaxDelay:       1 * time.Second,
		JitterFraction: 0.25,
	}
}

// Retryer 重试器接口
type Retryer interface {
	// Do 执行函数，可重试错误按策略退避后重试
	Do(ctx context.Context, retryable Classifier, fn func(ctx context.Context) error) error

	// DoWithResult 执行函数并返回结果
	DoWithResult(ctx context.Context, retryable Classifier, fn func(ctx context.Context) (any, error)) (any, error)
}

// backoffRetryer 基于指数退避的重试器实现
type backoffRetryer struct {
	policy *Policy
	logger *zap.Logger
}

// New 创建指数退避重试器
func New(policy *Policy, logger *zap.Logger) Retryer {
	if policy == nil {
		policy = DefaultPolicy()
	}

	// 拷贝后再校验，不回写调用方策略
	p := *policy
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 100 * time.Millisecond
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.JitterFraction < 0 || p.JitterFraction > 1 {
		p.JitterFraction = 0.25
	}

	return &backoffRetryer{
		policy: &p,
		logger: logger,
	}
}

// Do 实现 Retryer.Do
func (r *backoffRetryer) Do(ctx context.Context, retryable Classifier, fn func(ctx context.Context) error) error {
	_, err := r.DoWithResult(ctx, retryable, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})
	return err
}

// DoWithResult 实现 Retryer.DoWithResult
// 核心重试逻辑：指数退避 + 随机抖动 + 适配器错误分类
func (r *backoffRetryer) DoWithResult(ctx context.Context, retryable Classifier, fn func(ctx context.Context) (any, error)) (any, error) {
	var lastErr error

	for attempt := 0; attempt < r.policy.MaxAttempts; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				r.logger.Info("重试成功", zap.Int("attempt", attempt))
			}
			return result, nil
		}
		lastErr = err

		if !r.isRetryable(retryable, err) {
			r.logger.Debug("错误不可重试", zap.Error(err))
			return nil, err
		}

		// 最后一次尝试失败后不再退避
		if attempt == r.policy.MaxAttempts-1 {
			break
		}

		delay := r.calculateDelay(attempt)

		r.logger.Debug("重试中",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", r.policy.MaxAttempts),
			zap.Duration("delay", delay),
			zap.Error(lastErr),
		)

		if r.policy.OnRetry != nil {
			r.policy.OnRetry(attempt+1, lastErr, delay)
		}

		// 退避期间监听取消：重试预算不得超过调用方的总体截止时间
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("重试被取消: %w", ctx.Err())
		case <-time.After(delay):
		}
	}

	r.logger.Warn("重试次数耗尽",
		zap.Int("attempts", r.policy.MaxAttempts),
		zap.Error(lastErr),
	)

	return nil, fmt.Errorf("重试 %d 次后仍失败: %w", r.policy.MaxAttempts, lastErr)
}

// calculateDelay 计算第 attempt 次失败后的退避延迟
// delay = min(base * 2^attempt, max) * (1 ± jitter)
func (r *backoffRetryer) calculateDelay(attempt int) time.Duration {
	delay := float64(r.policy.BaseDelay) * math.Pow(2, float64(attempt))

	if delay > float64(r.policy.MaxDelay) {
		delay = float64(r.policy.MaxDelay)
	}

	// 随机抖动，防止多个客户端同时重试导致的雪崩效应
	if r.policy.JitterFraction > 0 {
		jitter := delay * r.policy.JitterFraction
		delay = delay + (rand.Float64()*2-1)*jitter
	}

	if delay < 0 {
		delay = 0
	}

	return time.Duration(delay)
}

// isRetryable 判断错误是否可重试
// 熔断打开与请求非法永远不重试，其余交给适配器分类。
func (r *backoffRetryer) isRetryable(retryable Classifier, err error) bool {
	if err == nil {
		return false
	}

	switch types.GetErrorCode(err) {
	case types.ErrCircuitOpen, types.ErrValidation:
		return false
	}

	if retryable == nil {
		return types.IsRetryable(err)
	}
	return retryable(err)
}
