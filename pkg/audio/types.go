package audio

import "time"

// Chunk is one captured slice of raw audio with its arrival timestamp.
type Chunk struct {
	Data      []byte
	Timestamp time.Time
}

// LoudnessSample is a normalized loudness reading in [0,1] taken at a
// single analysis tick.
type LoudnessSample struct {
	Value     float64
	Timestamp time.Time
}
