package speechflow

import (
	"context"
	"testing"

	"github.com/BaSui01/speechflow/config"
	"github.com/BaSui01/speechflow/metrics"
	"github.com/BaSui01/speechflow/orchestrator"
	"github.com/BaSui01/speechflow/speech"
	"github.com/BaSui01/speechflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubSTT struct{ text string }

func (s *stubSTT) Transcribe(ctx context.Context, req *speech.STTRequest) (*speech.STTResponse, error) {
	return &speech.STTResponse{Provider: "stub", Text: s.text}, nil
}
func (s *stubSTT) Name() string               { return "stub" }
func (s *stubSTT) SupportedFormats() []string { return []string{"wav"} }

func quietConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Metrics.Enabled = false
	cfg.Telemetry.Enabled = false
	return cfg
}

func TestNew_NoProvidersYieldsAllProvidersFailed(t *testing.T) {
	client, err := New(
		WithConfig(quietConfig()),
		WithLogger(zap.NewNop()),
		WithMetrics(metrics.Nop{}),
	)
	require.NoError(t, err)
	defer client.Close(context.Background())

	req := types.NewRequest(types.OperationSTT, []byte("audio"), "", types.RequestParams{})
	_, err = client.Process(context.Background(), req)
	require.Error(t, err)
	assert.True(t, types.IsAllProvidersFailed(err))
}

func TestNew_CustomProviderBinding(t *testing.T) {
	client, err := New(
		WithConfig(quietConfig()),
		WithLogger(zap.NewNop()),
		WithMetrics(metrics.Nop{}),
		WithProvider(orchestrator.ProviderBinding{
			Name:     "stub",
			Priority: 1,
			STT:      &stubSTT{text: "hello"},
		}),
	)
	require.NoError(t, err)
	defer client.Close(context.Background())

	req := types.NewRequest(types.OperationSTT, []byte("audio"), "", types.RequestParams{})
	result, err := client.Process(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "hello", result.Text)
	assert.Equal(t, "stub", result.ProviderUsed)
}

func TestNew_UnknownBuiltinProviderRejected(t *testing.T) {
	cfg := quietConfig()
	cfg.Providers = []config.ProviderConfig{
		{Name: "acme-voice", Operations: []string{"stt"}},
	}

	_, err := New(WithConfig(cfg), WithLogger(zap.NewNop()), WithMetrics(metrics.Nop{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown built-in provider")
}

func TestNew_BuiltinProvidersFromConfig(t *testing.T) {
	cfg := quietConfig()
	cfg.Providers = []config.ProviderConfig{
		{Name: "openai", Operations: []string{"stt", "tts"}, Priority: 1, APIKey: "sk-test"},
		{Name: "deepgram", Operations: []string{"stt"}, Priority: 2, APIKey: "dg-test"},
		{Name: "elevenlabs", Operations: []string{"tts"}, Priority: 2, APIKey: "el-test"},
	}

	client, err := New(WithConfig(cfg), WithLogger(zap.NewNop()), WithMetrics(metrics.Nop{}))
	require.NoError(t, err)
	defer client.Close(context.Background())

	assert.Len(t, client.Health(), 3)
}

func TestClient_HealthSnapshot(t *testing.T) {
	client, err := New(
		WithConfig(quietConfig()),
		WithLogger(zap.NewNop()),
		WithMetrics(metrics.Nop{}),
		WithProvider(orchestrator.ProviderBinding{Name: "stub", STT: &stubSTT{}}),
	)
	require.NoError(t, err)
	defer client.Close(context.Background())

	health := client.Health()
	require.Len(t, health, 1)
	assert.Equal(t, "stub", health[0].Provider)
}
