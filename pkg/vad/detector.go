// Package vad implements the energy-threshold voice activity detector that
// decides utterance boundaries and raises the early barge-in cue.
package vad

import (
	"log/slog"
	"math"
	"time"

	"github.com/pxlames/dify-voice-agent/pkg/audio"
	"github.com/pxlames/dify-voice-agent/pkg/logging"
)

// State is the detector's position in the utterance lifecycle.
type State int

const (
	StateIdle State = iota
	StateVoiceSuspected
	StateRecording
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateVoiceSuspected:
		return "VOICE_SUSPECTED"
	case StateRecording:
		return "RECORDING"
	default:
		return "UNKNOWN"
	}
}

// EventType identifies a detector signal.
type EventType int

const (
	// EventUtteranceStart fires when voice has been confirmed for
	// VoiceConfirmFrames consecutive ticks.
	EventUtteranceStart EventType = iota
	// EventUtteranceEnd fires on confirmed silence or force timeout.
	EventUtteranceEnd
	// EventInterruptRequested is the early cue raised on the very first
	// above-threshold tick while the host reports itself busy. It may fire
	// even though the voice is never confirmed as a full utterance.
	EventInterruptRequested
)

func (t EventType) String() string {
	switch t {
	case EventUtteranceStart:
		return "utterance_start"
	case EventUtteranceEnd:
		return "utterance_end"
	case EventInterruptRequested:
		return "interrupt_requested"
	default:
		return "unknown"
	}
}

// EndReason distinguishes a normal silence-confirmed end from a forced one.
type EndReason int

const (
	EndReasonNone EndReason = iota
	EndReasonSilence
	EndReasonTimeout
)

func (r EndReason) String() string {
	switch r {
	case EndReasonSilence:
		return "silence"
	case EndReasonTimeout:
		return "timeout"
	default:
		return "none"
	}
}

// Event is one detector signal.
type Event struct {
	Type      EventType
	Timestamp time.Time
	// VoiceStart is the instant of the first above-threshold tick, carried
	// on utterance-start so the caller can pull pre-roll audio.
	VoiceStart time.Time
	Reason     EndReason
}

// Config holds the detector tunables. Every value is overridable from the
// configuration surface; none of them is a hard-coded constant.
type Config struct {
	// VoiceThreshold is the loudness above which a tick counts as voice.
	VoiceThreshold float64
	// DetectionInterval is the polling tick period.
	DetectionInterval time.Duration
	// VoiceConfirmFrames consecutive above-threshold ticks confirm speech.
	VoiceConfirmFrames int
	// SilenceThreshold is the silence span that ends an utterance. It is
	// converted to a tick count with ceil(SilenceThreshold/DetectionInterval).
	SilenceThreshold time.Duration
	// MaxUtteranceDuration force-ends a runaway recording.
	MaxUtteranceDuration time.Duration
}

func (c Config) withDefaults() Config {
	if c.VoiceThreshold <= 0 {
		c.VoiceThreshold = 0.12
	}
	if c.DetectionInterval <= 0 {
		c.DetectionInterval = 100 * time.Millisecond
	}
	if c.VoiceConfirmFrames <= 0 {
		c.VoiceConfirmFrames = 3
	}
	if c.SilenceThreshold <= 0 {
		c.SilenceThreshold = 2 * time.Second
	}
	if c.MaxUtteranceDuration <= 0 {
		c.MaxUtteranceDuration = 30 * time.Second
	}
	return c
}

// SilenceConfirmFrames is the derived tick count for silence confirmation.
func (c Config) SilenceConfirmFrames() int {
	c = c.withDefaults()
	return int(math.Ceil(float64(c.SilenceThreshold) / float64(c.DetectionInterval)))
}

// BusyFunc reports whether the host system is processing or speaking. The
// detector does not track that itself; the coordinator supplies it.
type BusyFunc func() bool

// Detector is the per-tick voice activity state machine. It is not
// goroutine-safe on its own; Run drives it from a single loop.
type Detector struct {
	cfg            Config
	silenceConfirm int
	busy           BusyFunc

	state         State
	voiceFrames   int
	silenceFrames int
	voiceStart    time.Time

	logger *slog.Logger
}

// NewDetector creates a detector. busy may be nil, in which case the
// interrupt side-channel never fires.
func NewDetector(cfg Config, busy BusyFunc) *Detector {
	cfg = cfg.withDefaults()
	return &Detector{
		cfg:            cfg,
		silenceConfirm: cfg.SilenceConfirmFrames(),
		busy:           busy,
		state:          StateIdle,
		logger:         logging.NewComponentLogger(slog.Default(), "vad"),
	}
}

// State returns the current detector state.
func (d *Detector) State() State { return d.state }

// Reset returns the detector to Idle and clears all counters.
func (d *Detector) Reset() {
	d.state = StateIdle
	d.voiceFrames = 0
	d.silenceFrames = 0
	d.voiceStart = time.Time{}
}

// Process evaluates one loudness sample and returns the events it produced.
// Confirmation counts use >=, so exactly VoiceConfirmFrames qualifying ticks
// are sufficient.
func (d *Detector) Process(s audio.LoudnessSample) []Event {
	var events []Event

	switch d.state {
	case StateIdle, StateVoiceSuspected:
		if s.Value > d.cfg.VoiceThreshold {
			if d.voiceFrames == 0 {
				d.voiceStart = s.Timestamp
				if d.busy != nil && d.busy() {
					events = append(events, Event{
						Type:      EventInterruptRequested,
						Timestamp: s.Timestamp,
					})
				}
			}
			d.voiceFrames++
			d.state = StateVoiceSuspected
			// Hold in VoiceSuspected while the host is still tearing down
			// interrupted work; the counter keeps accumulating so the start
			// fires on the first tick the host is free.
			if d.voiceFrames >= d.cfg.VoiceConfirmFrames && (d.busy == nil || !d.busy()) {
				d.state = StateRecording
				d.silenceFrames = 0
				events = append(events, Event{
					Type:       EventUtteranceStart,
					Timestamp:  s.Timestamp,
					VoiceStart: d.voiceStart,
				})
				d.logger.Debug("utterance confirmed",
					slog.Time("voice_start", d.voiceStart),
					slog.Int("confirm_frames", d.voiceFrames))
			}
		} else {
			// The blip was noise, not speech.
			d.voiceFrames = 0
			d.voiceStart = time.Time{}
			d.state = StateIdle
		}

	case StateRecording:
		if s.Value <= d.cfg.VoiceThreshold {
			d.silenceFrames++
		} else {
			d.silenceFrames = 0
		}
		if s.Timestamp.Sub(d.voiceStart) > d.cfg.MaxUtteranceDuration {
			events = append(events, d.endUtterance(s.Timestamp, EndReasonTimeout))
		} else if d.silenceFrames >= d.silenceConfirm {
			events = append(events, d.endUtterance(s.Timestamp, EndReasonSilence))
		}
	}

	return events
}

func (d *Detector) endUtterance(now time.Time, reason EndReason) Event {
	ev := Event{
		Type:       EventUtteranceEnd,
		Timestamp:  now,
		VoiceStart: d.voiceStart,
		Reason:     reason,
	}
	d.logger.Debug("utterance ended",
		slog.String("reason", reason.String()),
		slog.Duration("duration", now.Sub(d.voiceStart)))
	d.Reset()
	return ev
}
