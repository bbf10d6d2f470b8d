package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/BaSui01/speechflow"
	"github.com/BaSui01/speechflow/config"
	"github.com/BaSui01/speechflow/retry"
	"github.com/BaSui01/speechflow/types"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 SpeechFlow 的 HTTP 服务器
type Server struct {
	cfg        *config.Config
	client     *speechflow.Client
	reloader   *config.Reloader
	listenAddr string
	logger     *zap.Logger
}

// NewServer 创建服务器实例
func NewServer(cfg *config.Config, configPath, listenAddr string) (*Server, error) {
	client, err := speechflow.New(speechflow.WithConfig(cfg))
	if err != nil {
		return nil, err
	}

	logger, _ := zap.NewProduction()

	reloader := config.NewReloader(configPath, cfg, logger)
	// 重试策略支持热重载；供应商与 Redis 变更需要重启
	reloader.OnReload(func(old, new *config.Config) {
		client.Engine().SetRetryPolicy(&retry.Policy{
			MaxAttempts:    new.Retry.MaxAttempts,
			BaseDelay:      new.Retry.BaseDelay,
			MaxDelay:       new.Retry.MaxDelay,
			JitterFraction: new.Retry.JitterFraction,
		})
		logger.Info("retry policy reloaded",
			zap.Int("max_attempts", new.Retry.MaxAttempts))
	})

	return &Server{
		cfg:        cfg,
		client:     client,
		reloader:   reloader,
		listenAddr: listenAddr,
		logger:     logger,
	}, nil
}

// Run 启动服务并阻塞到 ctx 取消
func (s *Server) Run(ctx context.Context) error {
	if err := s.reloader.Start(ctx); err != nil {
		return err
	}
	defer s.reloader.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/stt", s.handleSTT)
	mux.HandleFunc("POST /v1/tts", s.handleTTS)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              s.listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.listenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return s.client.Close(shutdownCtx)
}

// =============================================================================
// 🎙️ 请求处理
// =============================================================================

// handleSTT 处理语音转文本
// 请求体为音频原始字节，参数通过查询串传递。
func (s *Server) handleSTT(w http.ResponseWriter, r *http.Request) {
	audio, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 32<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, types.NewError(types.ErrValidation, "failed to read audio body"))
		return
	}

	q := r.URL.Query()
	req := types.NewRequest(types.OperationSTT, audio, "", types.RequestParams{
		Format:   q.Get("format"),
		Language: q.Get("language"),
		Model:    q.Get("model"),
	})
	req.Caller = q.Get("caller")

	result, err := s.client.Process(r.Context(), req)
	if err != nil {
		writeProcessError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"text":       result.Text,
		"provider":   result.ProviderUsed,
		"cached":     result.Cached,
		"confidence": result.Confidence,
		"latency_ms": result.Latency.Milliseconds(),
	})
}

// ttsPayload TTS 请求体
type ttsPayload struct {
	Text     string  `json:"text"`
	Voice    string  `json:"voice,omitempty"`
	Format   string  `json:"format,omitempty"`
	Model    string  `json:"model,omitempty"`
	Speed    float64 `json:"speed,omitempty"`
	Language string  `json:"language,omitempty"`
	Caller   string  `json:"caller,omitempty"`
}

// handleTTS 处理文本转语音
func (s *Server) handleTTS(w http.ResponseWriter, r *http.Request) {
	var payload ttsPayload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, types.NewError(types.ErrValidation, "invalid json body"))
		return
	}

	req := types.NewRequest(types.OperationTTS, nil, payload.Text, types.RequestParams{
		Voice:    payload.Voice,
		Format:   payload.Format,
		Model:    payload.Model,
		Speed:    payload.Speed,
		Language: payload.Language,
	})
	req.Caller = payload.Caller

	result, err := s.client.Process(r.Context(), req)
	if err != nil {
		writeProcessError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"audio":      base64.StdEncoding.EncodeToString(result.Output),
		"format":     result.Format,
		"provider":   result.ProviderUsed,
		"cached":     result.Cached,
		"latency_ms": result.Latency.Milliseconds(),
	})
}

// handleHealth 返回供应商熔断健康快照
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.client.Health()

	status := http.StatusOK
	degraded := 0
	for _, h := range health {
		if h.State.String() != "Closed" {
			degraded++
		}
	}
	// 所有供应商都不可用时报 503
	if len(health) > 0 && degraded == len(health) {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, map[string]any{
		"status":    http.StatusText(status),
		"providers": health,
	})
}

// =============================================================================
// 🔧 响应辅助
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err *types.Error) {
	writeJSON(w, status, map[string]any{
		"error":   err.Code,
		"message": err.Message,
	})
}

// writeProcessError 把编排错误映射为 HTTP 状态码
func writeProcessError(w http.ResponseWriter, err error) {
	switch {
	case types.IsAllProvidersFailed(err):
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":   types.ErrAllProvidersFailed,
			"message": err.Error(),
		})
	case types.GetErrorCode(err) == types.ErrValidation:
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":   types.ErrValidation,
			"message": err.Error(),
		})
	case types.GetErrorCode(err) == types.ErrRateLimited:
		w.Header().Set("Retry-After", strconv.Itoa(1))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":   types.ErrRateLimited,
			"message": err.Error(),
		})
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusRequestTimeout, map[string]any{
			"error":   "REQUEST_CANCELLED",
			"message": err.Error(),
		})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":   "INTERNAL",
			"message": fmt.Sprintf("unexpected error: %v", err),
		})
	}
}
