package types

import "time"

// Result 一次编排请求的最终结果
// 每个请求恰好产生一次；返回给调用方并按操作类型的 TTL 写入缓存。
type Result struct {
	// Output TTS 生成的音频字节
	Output []byte `json:"output,omitempty"`

	// Text STT 转写文本
	Text string `json:"text,omitempty"`

	// ProviderUsed 实际服务本次请求的提供者
	ProviderUsed string `json:"provider_used"`

	// Latency 提供者调用耗时（缓存命中时为 0）
	Latency time.Duration `json:"latency"`

	// Cached 是否来自缓存
	Cached bool `json:"cached"`

	// Confidence STT 置信度（0-1，提供者返回时填充）
	Confidence float64 `json:"confidence,omitempty"`

	// Duration 音频时长元数据
	Duration time.Duration `json:"duration,omitempty"`

	// Format 音频格式（TTS）
	Format string `json:"format,omitempty"`

	// CreatedAt 结果产生时间
	CreatedAt time.Time `json:"created_at"`
}

// CachedPayload 缓存中持久化的结果子集
// 不包含 ProviderUsed/Latency 等单次调用的元数据，
// 缓存命中时这些字段由编排器重新填充。
type CachedPayload struct {
	Output     []byte        `json:"output,omitempty"`
	Text       string        `json:"text,omitempty"`
	Confidence float64       `json:"confidence,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	Format     string        `json:"format,omitempty"`
	Provider   string        `json:"provider"` // 首次产生该结果的提供者
}
