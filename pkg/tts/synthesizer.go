// Package tts turns answer text into audio and manages its playback
// toward the client device.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pxlames/dify-voice-agent/pkg/errorsx"
	"github.com/pxlames/dify-voice-agent/pkg/logging"
	"github.com/pxlames/dify-voice-agent/pkg/resilience"
)

// Synth produces one audio payload for one piece of text.
type Synth interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
	// MIME describes the payloads Synthesize returns.
	MIME() string
}

type SynthConfig struct {
	Endpoint string
	APIKey   string
	Model    string
	Voice    string
	Format   string
	Timeout  time.Duration
	Retry    resilience.RetryPolicy
	Breaker  *resilience.CircuitBreaker
}

func (c SynthConfig) withDefaults() SynthConfig {
	if c.Model == "" {
		c.Model = "tts-1"
	}
	if c.Voice == "" {
		c.Voice = "alloy"
	}
	if c.Format == "" {
		c.Format = "mp3"
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

// Synthesizer speaks the OpenAI-compatible speech API: JSON request with
// bearer auth, raw audio bytes back.
type Synthesizer struct {
	cfg    SynthConfig
	http   *http.Client
	logger *slog.Logger
}

func NewSynthesizer(cfg SynthConfig) *Synthesizer {
	cfg = cfg.withDefaults()
	return &Synthesizer{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logging.NewComponentLogger(slog.Default(), "tts_synth"),
	}
}

func (s *Synthesizer) MIME() string {
	switch s.cfg.Format {
	case "mp3":
		return "audio/mpeg"
	case "wav":
		return "audio/wav"
	case "opus":
		return "audio/ogg;codecs=opus"
	default:
		return "application/octet-stream"
	}
}

type synthRequest struct {
	Model          string `json:"model"`
	Input          string `json:"input"`
	Voice          string `json:"voice"`
	ResponseFormat string `json:"response_format"`
}

func (s *Synthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if s.cfg.Breaker != nil && !s.cfg.Breaker.Allow() {
		return nil, errorsx.Wrap(fmt.Errorf("tts circuit open"), errorsx.ReasonTTSService)
	}

	var audio []byte
	err := s.cfg.Retry.Do(ctx, func() error {
		var attemptErr error
		audio, attemptErr = s.synthesizeOnce(ctx, text)
		return attemptErr
	}, errorsx.IsRetryable)
	if s.cfg.Breaker != nil {
		if err != nil {
			s.cfg.Breaker.OnError(err)
		} else {
			s.cfg.Breaker.OnSuccess()
		}
	}
	if err != nil {
		return nil, err
	}
	return audio, nil
}

func (s *Synthesizer) synthesizeOnce(ctx context.Context, text string) ([]byte, error) {
	payload, err := json.Marshal(synthRequest{
		Model:          s.cfg.Model,
		Input:          text,
		Voice:          s.cfg.Voice,
		ResponseFormat: s.cfg.Format,
	})
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonTTSService)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonTTSNetwork)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)

	start := time.Now()
	resp, err := s.http.Do(req)
	if err != nil {
		if ctx.Err() == context.Canceled {
			return nil, errorsx.Wrap(err, errorsx.ReasonCancelled)
		}
		s.logger.Warn("synthesis request failed", slog.String("error", err.Error()))
		return nil, errorsx.Wrap(err, errorsx.ReasonTTSNetwork)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, resilience.RateLimitError{Provider: "tts", Message: resp.Status}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, errorsx.Wrap(
			fmt.Errorf("tts returned %s: %s", resp.Status, strings.TrimSpace(string(raw))),
			errorsx.ReasonTTSService)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() == context.Canceled {
			return nil, errorsx.Wrap(err, errorsx.ReasonCancelled)
		}
		return nil, errorsx.Wrap(err, errorsx.ReasonTTSNetwork)
	}
	if len(audio) == 0 {
		return nil, errorsx.Wrap(fmt.Errorf("tts returned empty audio"), errorsx.ReasonTTSService)
	}

	s.logger.Debug("synthesis complete",
		slog.Duration("elapsed", time.Since(start)),
		slog.Int("bytes", len(audio)))
	return audio, nil
}
