package vad

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/pxlames/dify-voice-agent/pkg/audio"
)

// Runner drives a Detector from a periodic ticker and publishes its events
// on a channel. The ticker replaces recursive timer rescheduling: cancelling
// the context stops the loop atomically, so no stray callback survives
// teardown.
type Runner struct {
	detector *Detector
	meter    audio.Meter
	interval time.Duration
	events   chan Event
	logger   *slog.Logger
}

// NewRunner wires a detector to a meter. The polling interval comes from the
// detector config.
func NewRunner(detector *Detector, meter audio.Meter) *Runner {
	return &Runner{
		detector: detector,
		meter:    meter,
		interval: detector.cfg.DetectionInterval,
		events:   make(chan Event, 16),
		logger:   detector.logger,
	}
}

// Events returns the detector signal channel. It is closed when Run returns.
func (r *Runner) Events() <-chan Event { return r.events }

// Run polls the meter once per tick until the context is cancelled or the
// meter reports terminal unavailability. A closed meter returns
// audio.ErrMeterClosed so the caller can distinguish device loss from a
// normal shutdown.
func (r *Runner) Run(ctx context.Context) error {
	defer close(r.events)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			sample, err := r.meter.Sample()
			if err != nil {
				if errors.Is(err, audio.ErrMeterClosed) {
					r.logger.Warn("audio meter unavailable, stopping detection")
					return err
				}
				r.logger.Error("meter sample failed", slog.String("error", err.Error()))
				return err
			}
			for _, ev := range r.detector.Process(sample) {
				select {
				case r.events <- ev:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}
