// Package dify implements the stt.Client contract against the Dify-fronted
// /transcribe endpoint.
package dify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/pxlames/dify-voice-agent/pkg/errorsx"
	"github.com/pxlames/dify-voice-agent/pkg/logging"
	"github.com/pxlames/dify-voice-agent/pkg/recorder"
	"github.com/pxlames/dify-voice-agent/pkg/resilience"
)

type Config struct {
	BaseURL         string
	Language        string
	Timeout         time.Duration
	MaxPayloadBytes int64
	Retry           resilience.RetryPolicy
}

func (c Config) withDefaults() Config {
	if c.Language == "" {
		c.Language = "auto"
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = 25 << 20
	}
	return c
}

// Client posts recorded clips to POST {base}/transcribe as multipart form
// data and decodes the {success, text, error} response.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

type transcribeResponse struct {
	Success bool   `json:"success"`
	Text    string `json:"text"`
	RawText string `json:"raw_text"`
	Error   string `json:"error"`
}

func New(cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logging.NewComponentLogger(slog.Default(), "stt_dify"),
	}
}

func (c *Client) Name() string { return "dify_stt" }

// Transcribe uploads the clip and returns the processed text. Oversized
// clips fail fast locally without a network call. Transient network
// failures are retried with linearly increasing delay; service errors are
// surfaced immediately.
func (c *Client) Transcribe(ctx context.Context, clip recorder.Clip) (string, error) {
	if int64(len(clip.Data)) > c.cfg.MaxPayloadBytes {
		c.logger.Warn("clip exceeds payload limit",
			slog.Int("size", len(clip.Data)),
			slog.Int64("limit", c.cfg.MaxPayloadBytes))
		return "", errorsx.Wrap(
			fmt.Errorf("clip size %d exceeds limit %d", len(clip.Data), c.cfg.MaxPayloadBytes),
			errorsx.ReasonSTTPayload)
	}

	var text string
	err := c.cfg.Retry.Do(ctx, func() error {
		var attemptErr error
		text, attemptErr = c.transcribeOnce(ctx, clip)
		return attemptErr
	}, errorsx.IsRetryable)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

func (c *Client) transcribeOnce(ctx context.Context, clip recorder.Clip) (string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", `form-data; name="audio"; filename="utterance`+extensionFor(clip.MIME)+`"`)
	header.Set("Content-Type", clip.MIME)
	part, err := writer.CreatePart(header)
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonSTTEncoding)
	}
	if _, err := part.Write(clip.Data); err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonSTTEncoding)
	}
	if err := writer.WriteField("language", c.cfg.Language); err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonSTTEncoding)
	}
	if err := writer.Close(); err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonSTTEncoding)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/transcribe"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonSTTNetwork)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() == context.Canceled {
			return "", errorsx.Wrap(err, errorsx.ReasonCancelled)
		}
		c.logger.Warn("transcribe request failed", slog.String("error", err.Error()))
		return "", errorsx.Wrap(err, errorsx.ReasonSTTNetwork)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonSTTNetwork)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", resilience.RateLimitError{Provider: "dify_stt", Message: resp.Status}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", errorsx.Wrap(
			fmt.Errorf("transcribe returned %s: %s", resp.Status, truncate(string(raw), 200)),
			errorsx.ReasonSTTService)
	}

	var decoded transcribeResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", errorsx.Wrap(fmt.Errorf("malformed transcribe response: %w", err), errorsx.ReasonSTTService)
	}
	if !decoded.Success {
		return "", errorsx.Wrap(
			fmt.Errorf("transcribe rejected: %s", decoded.Error),
			errorsx.ReasonSTTService)
	}

	c.logger.Debug("transcription complete",
		slog.Duration("elapsed", time.Since(start)),
		slog.Int("chars", len(decoded.Text)))
	return decoded.Text, nil
}

func extensionFor(mime string) string {
	switch {
	case strings.HasPrefix(mime, "audio/wav"):
		return ".wav"
	case strings.HasPrefix(mime, "audio/ogg"):
		return ".ogg"
	case strings.HasPrefix(mime, "audio/webm"):
		return ".webm"
	case strings.HasPrefix(mime, "audio/mp4"):
		return ".m4a"
	default:
		return ".bin"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
