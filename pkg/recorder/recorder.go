// Package recorder captures the encoded audio clip for one detected
// utterance, including pre-roll recovered from before the detector's
// confirmation point.
package recorder

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/pxlames/dify-voice-agent/pkg/audio"
	"github.com/pxlames/dify-voice-agent/pkg/errorsx"
	"github.com/pxlames/dify-voice-agent/pkg/logging"
)

// ErrEmptyRecording signals that an utterance produced no audio at all,
// for example when it was shorter than one capture interval. It is a valid
// "nothing to do" outcome, not a failure.
var ErrEmptyRecording = errors.New("recorder: empty recording")

var errNotRecording = errors.New("recorder: not recording")

// Clip is one finalized utterance recording.
type Clip struct {
	Data []byte
	MIME string
}

// Recorder accumulates chunks between Begin and Stop and encodes them into
// a single clip. At most one recording may be active at a time.
type Recorder struct {
	mu        sync.Mutex
	encoder   Encoder
	recording bool
	pcm       []byte
	logger    *slog.Logger
}

// New creates a recorder using the given encoder (see SelectEncoder).
func New(encoder Encoder) *Recorder {
	return &Recorder{
		encoder: encoder,
		logger:  logging.NewComponentLogger(slog.Default(), "recorder"),
	}
}

// Recording reports whether an utterance capture is in progress.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

// Begin starts a new capture, seeding it with pre-roll chunks pulled from
// the rolling buffer. A capture already in progress is discarded first; the
// detector only starts a new utterance after the previous one ended, so a
// leftover capture means the prior turn was torn down by an interrupt.
func (r *Recorder) Begin(preRoll []audio.Chunk) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recording {
		r.logger.Warn("discarding unfinished recording", slog.Int("bytes", len(r.pcm)))
	}
	r.pcm = r.pcm[:0]
	for _, c := range preRoll {
		r.pcm = append(r.pcm, c.Data...)
	}
	r.recording = true
	r.logger.Debug("recording started", slog.Int("preroll_bytes", len(r.pcm)))
}

// Append adds a live chunk to the active capture. Chunks arriving while no
// capture is active are dropped; the rolling buffer keeps them for pre-roll.
func (r *Recorder) Append(c audio.Chunk) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return
	}
	r.pcm = append(r.pcm, c.Data...)
}

// Abort discards the active capture without producing a clip.
func (r *Recorder) Abort() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recording = false
	r.pcm = r.pcm[:0]
}

// Stop finalizes the capture and returns the encoded clip. An utterance that
// captured no bytes yields ErrEmptyRecording; encoder failures carry the
// encoding reason so the coordinator can reset to listening.
func (r *Recorder) Stop() (Clip, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return Clip{}, errNotRecording
	}
	r.recording = false
	if len(r.pcm) == 0 {
		return Clip{}, ErrEmptyRecording
	}
	data, err := r.encoder.Encode(r.pcm)
	r.pcm = r.pcm[:0]
	if err != nil {
		r.logger.Error("clip encoding failed", slog.String("error", err.Error()))
		return Clip{}, errorsx.Wrap(err, errorsx.ReasonSTTEncoding)
	}
	r.logger.Debug("recording finalized",
		slog.Int("bytes", len(data)),
		slog.String("mime", r.encoder.MIME()))
	return Clip{Data: data, MIME: r.encoder.MIME()}, nil
}
