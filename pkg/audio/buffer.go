package audio

import (
	"sync"
	"time"
)

// RollingBuffer retains the most recent span of captured audio so the
// recorder can recover pre-roll from before the detector's confirmation
// point. Entries are kept in arrival order; everything older than the
// configured duration relative to the newest entry is dropped on append.
type RollingBuffer struct {
	mu       sync.Mutex
	duration time.Duration
	entries  []Chunk
}

// NewRollingBuffer creates a buffer retaining the last d of audio.
// A non-positive duration falls back to 3 seconds.
func NewRollingBuffer(d time.Duration) *RollingBuffer {
	if d <= 0 {
		d = 3 * time.Second
	}
	return &RollingBuffer{duration: d}
}

// Append stores a chunk and trims entries that have aged out.
func (b *RollingBuffer) Append(c Chunk) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, c)
	b.trimLocked(c.Timestamp)
}

func (b *RollingBuffer) trimLocked(now time.Time) {
	cutoff := now.Add(-b.duration)
	drop := 0
	for drop < len(b.entries) && b.entries[drop].Timestamp.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		remaining := len(b.entries) - drop
		copy(b.entries, b.entries[drop:])
		b.entries = b.entries[:remaining]
	}
}

// Since returns all retained chunks with Timestamp >= t in temporal order.
// It is a pure read; the returned slice is a copy.
func (b *RollingBuffer) Since(t time.Time) []Chunk {
	b.mu.Lock()
	defer b.mu.Unlock()
	start := len(b.entries)
	for i, c := range b.entries {
		if !c.Timestamp.Before(t) {
			start = i
			break
		}
	}
	out := make([]Chunk, len(b.entries)-start)
	copy(out, b.entries[start:])
	return out
}

// Len reports the number of retained chunks.
func (b *RollingBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
