// Package deepgram implements the stt.Client contract over the Deepgram
// live websocket API. Each clip opens a short-lived connection, streams
// the PCM, and aggregates the final transcript segments.
package deepgram

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pxlames/dify-voice-agent/pkg/errorsx"
	"github.com/pxlames/dify-voice-agent/pkg/logging"
	"github.com/pxlames/dify-voice-agent/pkg/recorder"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

const wavHeaderSize = 44

type Config struct {
	APIKey     string
	Model      string
	Language   string
	SampleRate int
	Timeout    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = "nova-2"
	}
	if c.Language == "" {
		c.Language = "en"
	}
	if c.SampleRate == 0 {
		c.SampleRate = 16000
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

// ClipTranscriber transcribes one finalized clip per call. Unlike a
// streaming session there is no keepalive: the connection lives only as
// long as the clip takes to drain.
type ClipTranscriber struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *ClipTranscriber {
	return &ClipTranscriber{
		cfg:    cfg.withDefaults(),
		logger: logging.NewComponentLogger(slog.Default(), "deepgram_stt"),
	}
}

func (t *ClipTranscriber) Name() string { return "deepgram_stt" }

func (t *ClipTranscriber) Transcribe(ctx context.Context, clip recorder.Clip) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	clientOptions := &interfaces.ClientOptions{}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          t.cfg.Model,
		Language:       t.cfg.Language,
		Encoding:       "linear16",
		SampleRate:     t.cfg.SampleRate,
		InterimResults: false,
		SmartFormat:    true,
	}

	cb := newCollector(t.logger)
	dgClient, err := client.NewWSUsingCallback(ctx, t.cfg.APIKey, clientOptions, transcriptOptions, cb)
	if err != nil {
		return "", errorsx.Wrap(fmt.Errorf("deepgram client create: %w", err), errorsx.ReasonSTTService)
	}

	if connected := dgClient.Connect(); !connected {
		return "", errorsx.Wrap(fmt.Errorf("deepgram connection failed"), errorsx.ReasonSTTNetwork)
	}

	start := time.Now()
	if err := dgClient.Stream(bytes.NewReader(pcmPayload(clip))); err != nil && ctx.Err() == nil {
		dgClient.Stop()
		return "", errorsx.Wrap(fmt.Errorf("deepgram stream: %w", err), errorsx.ReasonSTTNetwork)
	}

	// Stop flushes the remaining audio server-side and closes the socket,
	// which is what releases the final transcript segments.
	dgClient.Stop()

	select {
	case <-cb.done:
	case <-ctx.Done():
		if ctx.Err() == context.Canceled {
			return "", errorsx.Wrap(ctx.Err(), errorsx.ReasonCancelled)
		}
		return "", errorsx.Wrap(fmt.Errorf("deepgram transcription timed out"), errorsx.ReasonSTTNetwork)
	}

	if err := cb.err(); err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonSTTService)
	}

	text := cb.transcript()
	t.logger.Debug("transcription complete",
		slog.Duration("elapsed", time.Since(start)),
		slog.Int("chars", len(text)))
	return text, nil
}

// pcmPayload strips the RIFF header off WAV clips; the live socket is
// configured for raw linear16.
func pcmPayload(clip recorder.Clip) []byte {
	if strings.HasPrefix(clip.MIME, "audio/wav") && len(clip.Data) > wavHeaderSize {
		return clip.Data[wavHeaderSize:]
	}
	return clip.Data
}

// collector aggregates final transcript segments from the live callbacks.
type collector struct {
	logger *slog.Logger

	mu       sync.Mutex
	parts    []string
	lastErr  error
	done     chan struct{}
	doneOnce sync.Once
}

func newCollector(logger *slog.Logger) *collector {
	return &collector{logger: logger, done: make(chan struct{})}
}

func (c *collector) transcript() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.TrimSpace(strings.Join(c.parts, " "))
}

func (c *collector) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *collector) finish() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *collector) Open(or *msginterfaces.OpenResponse) error {
	c.logger.Debug("deepgram_connection_opened")
	return nil
}

func (c *collector) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	transcript := mr.Channel.Alternatives[0].Transcript
	if transcript == "" {
		return nil
	}
	if !mr.IsFinal && !mr.SpeechFinal {
		return nil
	}
	c.mu.Lock()
	c.parts = append(c.parts, transcript)
	c.mu.Unlock()
	c.logger.Debug("final_segment_received", slog.Int("chars", len(transcript)))
	return nil
}

func (c *collector) Metadata(md *msginterfaces.MetadataResponse) error {
	c.logger.Debug("deepgram_metadata_received", slog.String("request_id", md.RequestID))
	return nil
}

func (c *collector) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	return nil
}

func (c *collector) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	return nil
}

func (c *collector) Close(cr *msginterfaces.CloseResponse) error {
	c.logger.Debug("deepgram_connection_closed")
	c.finish()
	return nil
}

func (c *collector) Error(er *msginterfaces.ErrorResponse) error {
	c.mu.Lock()
	c.lastErr = fmt.Errorf("deepgram error %s: %s", er.ErrCode, er.ErrMsg)
	c.mu.Unlock()
	c.finish()
	return nil
}

func (c *collector) UnhandledEvent(byData []byte) error {
	c.logger.Debug("deepgram_unhandled_event", slog.String("data", string(byData)))
	return nil
}
