package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

// Operation 语音操作类型
type Operation string

const (
	// OperationSTT 语音转文本
	OperationSTT Operation = "stt"
	// OperationTTS 文本转语音
	OperationTTS Operation = "tts"
)

// Valid 检查操作类型是否合法
func (o Operation) Valid() bool {
	return o == OperationSTT || o == OperationTTS
}

// RequestParams 规范化的请求参数
// 参与指纹计算，因此字段集合必须是确定性的：
// 相同语义的请求必须产生完全相同的参数结构。
type RequestParams struct {
	Language string  `json:"language,omitempty"`
	Voice    string  `json:"voice,omitempty"`
	Format   string  `json:"format,omitempty"`
	Model    string  `json:"model,omitempty"`
	Speed    float64 `json:"speed,omitempty"`
}

// Request 一次语音编排请求
// 创建后不可变；指纹在首次访问时计算一次并缓存。
type Request struct {
	ID        string        `json:"id"`
	Operation Operation     `json:"operation"`
	Caller    string        `json:"caller,omitempty"` // 调用方标识（可选，用于按调用方限流）
	Payload   []byte        `json:"-"`                // STT 音频原始字节
	Text      string        `json:"text,omitempty"`   // TTS 输入文本
	Params    RequestParams `json:"params"`

	fpOnce sync.Once
	fp     string
}

// NewRequest 创建请求并分配请求 ID
func NewRequest(op Operation, payload []byte, text string, params RequestParams) *Request {
	return &Request{
		ID:        uuid.NewString(),
		Operation: op,
		Payload:   payload,
		Text:      text,
		Params:    params,
	}
}

// Validate 校验请求是否格式合法
// 非法请求返回 VALIDATION 错误，永不重试。
func (r *Request) Validate() error {
	if r == nil {
		return NewError(ErrValidation, "request is nil")
	}
	if !r.Operation.Valid() {
		return NewError(ErrValidation, "unknown operation: "+string(r.Operation))
	}
	switch r.Operation {
	case OperationSTT:
		if len(r.Payload) == 0 {
			return NewError(ErrValidation, "stt request requires audio payload")
		}
	case OperationTTS:
		if r.Text == "" {
			return NewError(ErrValidation, "tts request requires text")
		}
	}
	return nil
}

// fingerprintEnvelope 参与指纹计算的确定性字段
// 故意排除 ID 和 Caller：相同内容的请求在不同调用方之间共享缓存。
type fingerprintEnvelope struct {
	Operation Operation     `json:"op"`
	Payload   []byte        `json:"payload,omitempty"`
	Text      string        `json:"text,omitempty"`
	Params    RequestParams `json:"params"`
}

// Fingerprint 返回请求内容的稳定指纹
// SHA-256 覆盖 操作类型 + 载荷 + 规范化参数，计算一次后缓存，
// 作为缓存键与幂等键使用。
func (r *Request) Fingerprint() string {
	r.fpOnce.Do(func() {
		data, err := json.Marshal(fingerprintEnvelope{
			Operation: r.Operation,
			Payload:   r.Payload,
			Text:      r.Text,
			Params:    r.Params,
		})
		if err != nil {
			// json.Marshal 对上述结构不会失败；兜底防止空指纹
			data = append([]byte(r.Operation), r.Payload...)
			data = append(data, r.Text...)
		}
		sum := sha256.Sum256(data)
		r.fp = hex.EncodeToString(sum[:])
	})
	return r.fp
}
