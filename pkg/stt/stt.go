// Package stt defines the speech-to-text client contract. The remote
// service is an opaque collaborator; a blank transcript means "no speech
// detected" and is returned as an empty string with a nil error.
package stt

import (
	"context"

	"github.com/pxlames/dify-voice-agent/pkg/recorder"
)

// Client transcribes one recorded utterance clip.
type Client interface {
	// Name returns the provider name for logging/metrics.
	Name() string
	// Transcribe sends the clip and returns the recognized text. An empty
	// or whitespace-only result is returned as "" with a nil error.
	Transcribe(ctx context.Context, clip recorder.Clip) (string, error)
}
