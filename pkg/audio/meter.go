package audio

import (
	"errors"
	"sync"
	"time"
)

// ErrMeterClosed is the terminal signal a Meter returns once its source
// stream has been torn down. Callers treat it as "device gone", not a bug.
var ErrMeterClosed = errors.New("audio: meter closed")

// Meter reports a normalized loudness scalar for a live audio input.
type Meter interface {
	// Sample returns the current loudness in [0,1]. After the underlying
	// source is closed it returns ErrMeterClosed instead of panicking.
	Sample() (LoudnessSample, error)
}

// PCMMeter computes loudness from 16-bit little-endian PCM pushed to it by
// the capture transport. The level is the mean absolute sample magnitude
// over the most recent analysis window, divided by the maximum representable
// magnitude, which lands it in [0,1].
type PCMMeter struct {
	mu         sync.Mutex
	windowSize int
	window     []int16
	filled     int
	pos        int
	closed     bool
	now        func() time.Time
}

// NewPCMMeter creates a meter with the given analysis window size in
// samples. A non-positive size falls back to 1024.
func NewPCMMeter(windowSize int) *PCMMeter {
	if windowSize <= 0 {
		windowSize = 1024
	}
	return &PCMMeter{
		windowSize: windowSize,
		window:     make([]int16, windowSize),
		now:        time.Now,
	}
}

// Write feeds raw PCM bytes into the analysis window. Odd trailing bytes are
// ignored. Writing to a closed meter is a no-op so a late chunk from a dying
// capture session cannot corrupt state.
func (m *PCMMeter) Write(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	for i := 0; i+1 < len(data); i += 2 {
		s := int16(data[i]) | int16(data[i+1])<<8
		m.window[m.pos] = s
		m.pos = (m.pos + 1) % m.windowSize
		if m.filled < m.windowSize {
			m.filled++
		}
	}
}

// Sample returns the current normalized loudness.
func (m *PCMMeter) Sample() (LoudnessSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return LoudnessSample{}, ErrMeterClosed
	}
	sample := LoudnessSample{Timestamp: m.now()}
	if m.filled == 0 {
		return sample, nil
	}
	var sum float64
	for i := 0; i < m.filled; i++ {
		v := m.window[i]
		if v < 0 {
			// Avoid overflow on math.MinInt16.
			sum += -float64(v)
		} else {
			sum += float64(v)
		}
	}
	sample.Value = sum / float64(m.filled) / 32768.0
	return sample, nil
}

// Close marks the meter's source as torn down. Idempotent.
func (m *PCMMeter) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}
