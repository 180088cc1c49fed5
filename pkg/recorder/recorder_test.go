package recorder

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/pxlames/dify-voice-agent/pkg/audio"
)

func chunk(ms int, data ...byte) audio.Chunk {
	return audio.Chunk{
		Data:      data,
		Timestamp: time.Unix(0, 0).Add(time.Duration(ms) * time.Millisecond),
	}
}

func TestClipIncludesPreRollBeforeLiveChunks(t *testing.T) {
	r := New(WAVEncoder{SampleRate: 16000})
	r.Begin([]audio.Chunk{chunk(0, 1, 2), chunk(10, 3, 4)})
	r.Append(chunk(20, 5, 6))
	clip, err := r.Stop()
	if err != nil {
		t.Fatalf("stop error: %v", err)
	}
	if clip.MIME != "audio/wav" {
		t.Fatalf("expected audio/wav, got %s", clip.MIME)
	}
	payload := clip.Data[44:]
	if !bytes.Equal(payload, []byte{1, 2, 3, 4, 5, 6}) {
		t.Fatalf("pre-roll must precede live audio, got %v", payload)
	}
}

func TestEmptyRecordingIsExplicitOutcome(t *testing.T) {
	r := New(WAVEncoder{SampleRate: 16000})
	r.Begin(nil)
	_, err := r.Stop()
	if !errors.Is(err, ErrEmptyRecording) {
		t.Fatalf("expected ErrEmptyRecording, got %v", err)
	}
}

func TestChunksOutsideRecordingAreDropped(t *testing.T) {
	r := New(WAVEncoder{SampleRate: 16000})
	r.Append(chunk(0, 9, 9))
	r.Begin(nil)
	r.Append(chunk(10, 1, 2))
	clip, err := r.Stop()
	if err != nil {
		t.Fatalf("stop error: %v", err)
	}
	if !bytes.Equal(clip.Data[44:], []byte{1, 2}) {
		t.Fatalf("chunk appended before Begin must not leak into the clip")
	}
}

func TestAbortDiscardsCapture(t *testing.T) {
	r := New(WAVEncoder{SampleRate: 16000})
	r.Begin([]audio.Chunk{chunk(0, 1, 2)})
	r.Abort()
	if r.Recording() {
		t.Fatalf("expected recorder idle after abort")
	}
	if _, err := r.Stop(); err == nil {
		t.Fatalf("stop after abort must fail")
	}
}

func TestWAVHeaderDeclaresPCMFormat(t *testing.T) {
	r := New(WAVEncoder{SampleRate: 8000})
	r.Begin(nil)
	r.Append(chunk(0, 0x01, 0x00, 0x02, 0x00))
	clip, err := r.Stop()
	if err != nil {
		t.Fatalf("stop error: %v", err)
	}
	if string(clip.Data[0:4]) != "RIFF" || string(clip.Data[8:12]) != "WAVE" {
		t.Fatalf("missing RIFF/WAVE magic")
	}
	sampleRate := binary.LittleEndian.Uint32(clip.Data[24:28])
	if sampleRate != 8000 {
		t.Fatalf("expected sample rate 8000, got %d", sampleRate)
	}
	dataSize := binary.LittleEndian.Uint32(clip.Data[40:44])
	if int(dataSize) != len(clip.Data)-44 {
		t.Fatalf("data chunk size mismatch: header %d, actual %d", dataSize, len(clip.Data)-44)
	}
}

type fakeOpus struct{ ok bool }

func (f fakeOpus) MIME() string                { return "audio/ogg;codecs=opus" }
func (f fakeOpus) Available() bool             { return f.ok }
func (f fakeOpus) Encode(p []byte) ([]byte, error) { return p, nil }

func TestSelectEncoderPrefersAvailableCompressedCodec(t *testing.T) {
	enc := SelectEncoder(16000, fakeOpus{ok: true})
	if enc.MIME() != "audio/ogg;codecs=opus" {
		t.Fatalf("expected compressed codec preferred, got %s", enc.MIME())
	}
	enc = SelectEncoder(16000, fakeOpus{ok: false})
	if enc.MIME() != "audio/wav" {
		t.Fatalf("expected WAV fallback, got %s", enc.MIME())
	}
}
