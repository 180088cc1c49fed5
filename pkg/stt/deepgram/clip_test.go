package deepgram

import (
	"log/slog"
	"testing"

	"github.com/pxlames/dify-voice-agent/pkg/recorder"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
)

func TestPCMPayloadStripsWAVHeader(t *testing.T) {
	data := make([]byte, wavHeaderSize+4)
	copy(data, "RIFF")
	copy(data[wavHeaderSize:], []byte{1, 2, 3, 4})

	got := pcmPayload(recorder.Clip{Data: data, MIME: "audio/wav"})
	if len(got) != 4 || got[0] != 1 {
		t.Fatalf("expected header stripped, got %d bytes", len(got))
	}

	raw := pcmPayload(recorder.Clip{Data: data, MIME: "audio/ogg;codecs=opus"})
	if len(raw) != len(data) {
		t.Fatalf("non-wav clips must pass through untouched")
	}
}

func TestCollectorErrorUnblocksWaiter(t *testing.T) {
	c := newCollector(slog.Default())
	er := &msginterfaces.ErrorResponse{}
	er.ErrCode = "1011"
	er.ErrMsg = "internal"
	if err := c.Error(er); err != nil {
		t.Fatalf("callback error: %v", err)
	}

	select {
	case <-c.done:
	default:
		t.Fatalf("error callback must close done")
	}
	if c.err() == nil {
		t.Fatalf("expected recorded error")
	}
	// Close after error must not panic on a second finish.
	if err := c.Close(&msginterfaces.CloseResponse{}); err != nil {
		t.Fatalf("close error: %v", err)
	}
}

func TestCollectorJoinsFinalSegments(t *testing.T) {
	c := newCollector(slog.Default())
	c.mu.Lock()
	c.parts = append(c.parts, "hello", "world")
	c.mu.Unlock()
	if got := c.transcript(); got != "hello world" {
		t.Fatalf("expected joined transcript, got %q", got)
	}
}
