package types

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// 编排层错误码
const (
	// ErrValidation 请求格式非法，永不重试
	ErrValidation ErrorCode = "VALIDATION"
	// ErrRateLimited 提供者限流窗口饱和，跳过候选，不计入熔断失败
	ErrRateLimited ErrorCode = "RATE_LIMITED"
	// ErrCircuitOpen 熔断器打开，立即跳过候选
	ErrCircuitOpen ErrorCode = "CIRCUIT_OPEN"
	// ErrProviderRetryable 提供者瞬时错误（超时/5xx/网络抖动），由重试策略消化
	ErrProviderRetryable ErrorCode = "PROVIDER_RETRYABLE"
	// ErrProviderFatal 提供者致命错误（鉴权失败/非法请求），立即返回
	ErrProviderFatal ErrorCode = "PROVIDER_FATAL"
	// ErrPoolExhausted 连接池耗尽，视为可重试
	ErrPoolExhausted ErrorCode = "POOL_EXHAUSTED"
	// ErrAllProvidersFailed 回退链完全耗尽，唯一面向调用方的聚合失败
	ErrAllProvidersFailed ErrorCode = "ALL_PROVIDERS_FAILED"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Provider  string    `json:"provider,omitempty"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: code == ErrProviderRetryable || code == ErrPoolExhausted,
	}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithProvider sets the provider name.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// IsRetryable 检查错误是否可重试
// 只认 *Error 的 Retryable 字段；未分类的错误一律视为不可重试。
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// AllProvidersFailedError 回退链耗尽时返回给调用方的聚合错误
// 携带每个尝试过的提供者的最后一次失败原因，便于诊断；
// 不包含 API 密钥或请求载荷。
type AllProvidersFailedError struct {
	Operation Operation
	// Attempts 提供者名 -> 该提供者的最后一个错误
	Attempts map[string]error
}

// Error implements the error interface.
func (e *AllProvidersFailedError) Error() string {
	if len(e.Attempts) == 0 {
		return fmt.Sprintf("[%s] %s: no eligible providers", ErrAllProvidersFailed, e.Operation)
	}

	names := make([]string, 0, len(e.Attempts))
	for name := range e.Attempts {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s: all providers failed:", ErrAllProvidersFailed, e.Operation)
	for _, name := range names {
		fmt.Fprintf(&sb, " %s=(%v);", name, e.Attempts[name])
	}
	return sb.String()
}

// Unwrap 按提供者名称排序返回全部尝试错误，
// 供 errors.Is/As 沿错误链逐个匹配。
func (e *AllProvidersFailedError) Unwrap() []error {
	names := make([]string, 0, len(e.Attempts))
	for name := range e.Attempts {
		names = append(names, name)
	}
	sort.Strings(names)

	errs := make([]error, 0, len(names))
	for _, name := range names {
		errs = append(errs, e.Attempts[name])
	}
	return errs
}

// IsAllProvidersFailed 判断错误是否为回退链耗尽
func IsAllProvidersFailed(err error) bool {
	var e *AllProvidersFailedError
	return errors.As(err, &e)
}
