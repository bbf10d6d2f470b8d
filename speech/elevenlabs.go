package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/speechflow/internal/tlsutil"
	"github.com/BaSui01/speechflow/types"
)

// ElevenLabsProvider使用ElevenLabs API执行TTS.
type ElevenLabsProvider struct {
	cfg    ElevenLabsConfig
	client *http.Client
}

// NewElevenLabsProvider 创建新的 ElevenLabs TTS 供应商.
func NewElevenLabsProvider(cfg ElevenLabsConfig) *ElevenLabsProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.elevenlabs.io"
	}
	if cfg.Model == "" {
		cfg.Model = "eleven_multilingual_v2"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	return &ElevenLabsProvider{
		cfg:    cfg,
		client: tlsutil.SecureHTTPClient(timeout),
	}
}

func (p *ElevenLabsProvider) Name() string { return "elevenlabs" }

// ClassifyError 实现 ErrorClassifier
func (p *ElevenLabsProvider) ClassifyError(err error) ErrorClass {
	return baseClassify(err)
}

type elevenLabsTTSRequest struct {
	Text    string `json:"text"`
	ModelID string `json:"model_id"`
}

// 合成将文本转换为语音.
func (p *ElevenLabsProvider) Synthesize(ctx context.Context, req *TTSRequest) (*TTSResponse, error) {
	if req.Text == "" {
		return nil, types.NewError(types.ErrProviderFatal, "text input is required").WithProvider(p.Name())
	}

	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}
	voiceID := req.Voice
	if voiceID == "" {
		voiceID = p.cfg.VoiceID
	}
	if voiceID == "" {
		voiceID = "21m00Tcm4TlvDq8ikWAM" // Rachel - default voice
	}

	format := req.ResponseFormat
	if format == "" {
		format = "mp3_44100_128"
	}

	body := elevenLabsTTSRequest{
		Text:    req.Text,
		ModelID: model,
	}
	payload, _ := json.Marshal(body)

	endpoint := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=%s",
		strings.TrimRight(p.cfg.BaseURL, "/"), voiceID, format)

	httpReq, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, types.NewError(types.ErrProviderFatal, "failed to create request").
			WithProvider(p.Name()).WithCause(err)
	}
	httpReq.Header.Set("xi-api-key", p.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, types.NewError(types.ErrProviderRetryable, "elevenlabs request failed").
			WithProvider(p.Name()).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		code := types.ErrProviderFatal
		if retryableStatus(resp.StatusCode) {
			code = types.ErrProviderRetryable
		}
		return nil, types.NewError(code,
			fmt.Sprintf("elevenlabs error: status=%d body=%s", resp.StatusCode, string(errBody))).
			WithProvider(p.Name())
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.NewError(types.ErrProviderRetryable, "failed to read audio body").
			WithProvider(p.Name()).WithCause(err)
	}

	return &TTSResponse{
		Provider:  p.Name(),
		Model:     model,
		AudioData: audio,
		Format:    format,
		CharCount: len(req.Text),
		CreatedAt: time.Now(),
	}, nil
}
