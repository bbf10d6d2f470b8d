package types

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// 指纹是请求内容的纯函数：相同内容必然产生相同指纹，
// 文本内容不同则指纹不同（SHA-256 碰撞在测试范围内可忽略）。
func TestProperty_FingerprintDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("equal content yields equal fingerprints", prop.ForAll(
		func(text, voice, format string, speed float64) bool {
			params := RequestParams{Voice: voice, Format: format, Speed: speed}
			a := NewRequest(OperationTTS, nil, text, params)
			b := NewRequest(OperationTTS, nil, text, params)
			return a.Fingerprint() == b.Fingerprint()
		},
		gen.AnyString(),
		gen.Identifier(),
		gen.Identifier(),
		gen.Float64Range(0.25, 4.0),
	))

	properties.Property("different text yields different fingerprints", prop.ForAll(
		func(text, suffix string) bool {
			if suffix == "" {
				return true
			}
			a := NewRequest(OperationTTS, nil, text, RequestParams{})
			b := NewRequest(OperationTTS, nil, text+suffix, RequestParams{})
			return a.Fingerprint() != b.Fingerprint()
		},
		gen.AnyString(),
		gen.Identifier(),
	))

	properties.TestingRun(t)
}
