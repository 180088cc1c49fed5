package tts

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pxlames/dify-voice-agent/pkg/errorsx"
	"github.com/pxlames/dify-voice-agent/pkg/logging"
)

// Device receives synthesized audio for playback. The websocket transport
// is the production device; tests use in-memory fakes.
type Device interface {
	// Play starts playback of one payload and returns a handle tracking it.
	Play(ctx context.Context, audio []byte, mime string) (Handle, error)
}

// Handle tracks one in-flight playback.
type Handle interface {
	// Done is closed when playback finishes, fails, or is stopped.
	Done() <-chan struct{}
	// Err reports the device failure after Done; nil for a normal end or
	// an explicit stop.
	Err() error
	// Stop halts playback. Idempotent.
	Stop()
}

// Outcome classifies how one Speak call completed.
type Outcome int

const (
	// OutcomeEnded means playback ran to completion (or TTS is disabled and
	// there was nothing to play).
	OutcomeEnded Outcome = iota
	// OutcomeCancelled means Stop (or a superseding Speak) halted it.
	OutcomeCancelled
	// OutcomeSynthesisFailed means no audio was produced.
	OutcomeSynthesisFailed
	// OutcomeDeviceFailed means the device rejected or aborted playback.
	OutcomeDeviceFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeEnded:
		return "ended"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeSynthesisFailed:
		return "synthesis_failed"
	case OutcomeDeviceFailed:
		return "device_failed"
	default:
		return "unknown"
	}
}

// Result is the exactly-once completion of one Speak call.
type Result struct {
	Outcome Outcome
	Err     error
}

type playback struct {
	cancel context.CancelFunc
}

// Player enforces at-most-one active playback. Starting a new Speak while
// one is active cancels the previous one first; its waiter resolves with
// OutcomeCancelled.
type Player struct {
	synth   Synth
	device  Device
	enabled bool
	logger  *slog.Logger

	mu     sync.Mutex
	active *playback
}

func NewPlayer(synth Synth, device Device, enabled bool) *Player {
	return &Player{
		synth:   synth,
		device:  device,
		enabled: enabled,
		logger:  logging.NewComponentLogger(slog.Default(), "tts_player"),
	}
}

// Playing reports whether a playback (including its synthesis phase) is
// in flight.
func (p *Player) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active != nil
}

// Speak synthesizes text and plays it. The returned channel delivers
// exactly one Result and is buffered, so the caller may abandon it. With
// TTS disabled Speak completes immediately with OutcomeEnded.
func (p *Player) Speak(ctx context.Context, text string) <-chan Result {
	out := make(chan Result, 1)
	if !p.enabled {
		p.logger.Debug("tts disabled, skipping playback")
		out <- Result{Outcome: OutcomeEnded}
		return out
	}

	pctx, cancel := context.WithCancel(ctx)
	pb := &playback{cancel: cancel}

	p.mu.Lock()
	if prev := p.active; prev != nil {
		prev.cancel()
	}
	p.active = pb
	p.mu.Unlock()

	go func() {
		defer p.clear(pb)
		defer cancel()
		out <- p.run(pctx, text)
	}()
	return out
}

// Stop cancels the active playback, if any. Idempotent; safe concurrently
// with Speak.
func (p *Player) Stop() {
	p.mu.Lock()
	pb := p.active
	p.mu.Unlock()
	if pb != nil {
		pb.cancel()
	}
}

func (p *Player) clear(pb *playback) {
	p.mu.Lock()
	if p.active == pb {
		p.active = nil
	}
	p.mu.Unlock()
}

func (p *Player) run(ctx context.Context, text string) Result {
	audio, err := p.synth.Synthesize(ctx, text)
	if err != nil {
		if ctx.Err() != nil || errorsx.IsCancelled(err) {
			return Result{Outcome: OutcomeCancelled}
		}
		p.logger.Error("synthesis failed", slog.String("error", err.Error()))
		return Result{Outcome: OutcomeSynthesisFailed, Err: err}
	}

	handle, err := p.device.Play(ctx, audio, p.synth.MIME())
	if err != nil {
		if ctx.Err() != nil {
			return Result{Outcome: OutcomeCancelled}
		}
		p.logger.Error("playback start failed", slog.String("error", err.Error()))
		return Result{Outcome: OutcomeDeviceFailed, Err: errorsx.Wrap(err, errorsx.ReasonTTSPlayback)}
	}

	select {
	case <-handle.Done():
		if ctx.Err() != nil {
			return Result{Outcome: OutcomeCancelled}
		}
		if err := handle.Err(); err != nil {
			p.logger.Error("playback failed", slog.String("error", err.Error()))
			return Result{Outcome: OutcomeDeviceFailed, Err: errorsx.Wrap(err, errorsx.ReasonTTSPlayback)}
		}
		return Result{Outcome: OutcomeEnded}
	case <-ctx.Done():
		handle.Stop()
		<-handle.Done()
		return Result{Outcome: OutcomeCancelled}
	}
}
