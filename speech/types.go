package speech

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/BaSui01/speechflow/types"
)

// ============================================================
// 文字对语言( TTS)
// ============================================================

// TTSRequest代表了文本对语音请求.
type TTSRequest struct {
	Text           string  `json:"text"`
	Model          string  `json:"model,omitempty"`
	Voice          string  `json:"voice,omitempty"`
	Speed          float64 `json:"speed,omitempty"`           // 0.25-4.0
	ResponseFormat string  `json:"response_format,omitempty"` // mp3, opus, aac, flac, wav, pcm
	Language       string  `json:"language,omitempty"`
}

// TTSResponse代表来自TTS请求的回应.
type TTSResponse struct {
	Provider  string        `json:"provider"`
	Model     string        `json:"model"`
	AudioData []byte        `json:"audio_data,omitempty"`
	Format    string        `json:"format"`
	Duration  time.Duration `json:"duration,omitempty"`
	CharCount int           `json:"char_count,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// TTSProvider定义了 TTS 提供者接口.
type TTSProvider interface {
	// 合成将文本转换为语音.
	Synthesize(ctx context.Context, req *TTSRequest) (*TTSResponse, error)

	// 名称返回提供者名称 。
	Name() string
}

// ============================================================
// 语音对文本( STT)
// ============================================================

// STTRequest 代表语音对文本请求.
type STTRequest struct {
	Audio    []byte `json:"-"`
	Format   string `json:"format,omitempty"` // mp3, wav, ogg…
	Model    string `json:"model,omitempty"`
	Language string `json:"language,omitempty"` // ISO-639-1 code
	Prompt   string `json:"prompt,omitempty"`   // Context hint
}

// STTResponse代表来自STT请求的答复.
type STTResponse struct {
	Provider   string        `json:"provider"`
	Model      string        `json:"model"`
	Text       string        `json:"text"`
	Language   string        `json:"language,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	Confidence float64       `json:"confidence,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// STTProvider定义了STT提供者接口.
type STTProvider interface {
	// 将语音转换为文本 。
	Transcribe(ctx context.Context, req *STTRequest) (*STTResponse, error)

	// 名称返回提供者名称 。
	Name() string

	// 支持Formats返回支持的音频格式 。
	SupportedFormats() []string
}

// ============================================================
// 错误分类
// ============================================================

// ErrorClass 适配器错误分类结果
type ErrorClass int

const (
	// ClassRetryable 瞬时错误：超时、5xx、网络抖动，交给重试策略
	ClassRetryable ErrorClass = iota
	// ClassFatal 致命错误：鉴权失败、非法请求，立即返回
	ClassFatal
)

func (c ErrorClass) String() string {
	switch c {
	case ClassRetryable:
		return "Retryable"
	case ClassFatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

// ErrorClassifier 由每个供应商适配器提供的错误分类钩子
// 重试策略据此判断是否重试，不在编排层集中硬编码。
type ErrorClassifier interface {
	ClassifyError(err error) ErrorClass
}

// ClassifyFunc 函数式 ErrorClassifier 适配
type ClassifyFunc func(err error) ErrorClass

// ClassifyError 实现 ErrorClassifier
func (f ClassifyFunc) ClassifyError(err error) ErrorClass {
	return f(err)
}

// baseClassify 各适配器共享的基础分类逻辑
// 适配器自身的 ClassifyError 在此之上叠加供应商特有的判断。
func baseClassify(err error) ErrorClass {
	if err == nil {
		return ClassFatal
	}

	// 已携带编排层错误码的，按其 Retryable 标记分类
	if code := types.GetErrorCode(err); code != "" {
		if types.IsRetryable(err) {
			return ClassRetryable
		}
		return ClassFatal
	}

	// 超时与取消视为瞬时错误
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassRetryable
	}

	// 网络层瞬时错误
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassRetryable
	}

	return ClassFatal
}

// retryableStatus 判断 HTTP 状态码是否为瞬时失败
// 429 是供应商侧限流，与 5xx 同样按瞬时处理。
func retryableStatus(status int) bool {
	return status == 408 || status == 429 || status >= 500
}
