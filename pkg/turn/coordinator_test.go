package turn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pxlames/dify-voice-agent/pkg/audio"
	"github.com/pxlames/dify-voice-agent/pkg/chat"
	"github.com/pxlames/dify-voice-agent/pkg/errorsx"
	"github.com/pxlames/dify-voice-agent/pkg/recorder"
	"github.com/pxlames/dify-voice-agent/pkg/tts"
	"github.com/pxlames/dify-voice-agent/pkg/vad"
)

type fakeSTT struct {
	mu    sync.Mutex
	calls int
	text  string
	err   error
}

func (f *fakeSTT) Name() string { return "fake_stt" }

func (f *fakeSTT) Transcribe(ctx context.Context, clip recorder.Clip) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.text, f.err
}

func (f *fakeSTT) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeStream struct {
	events    chan chat.Event
	mu        sync.Mutex
	cancelled bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan chat.Event, 16)}
}

func (s *fakeStream) Events() <-chan chat.Event { return s.events }

func (s *fakeStream) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cancelled {
		s.cancelled = true
		close(s.events)
	}
}

func (s *fakeStream) emit(ev chat.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cancelled {
		s.events <- ev
	}
}

func (s *fakeStream) isCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

type fakeChat struct {
	mu      sync.Mutex
	streams []*fakeStream
	convIDs []string
	err     error
}

func (f *fakeChat) Send(ctx context.Context, query, conversationID string) (AnswerStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s := newFakeStream()
	f.streams = append(f.streams, s)
	f.convIDs = append(f.convIDs, conversationID)
	return s, nil
}

func (f *fakeChat) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streams)
}

func (f *fakeChat) lastStream() *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.streams) == 0 {
		return nil
	}
	return f.streams[len(f.streams)-1]
}

type fakeSpeech struct {
	mu      sync.Mutex
	texts   []string
	pending chan tts.Result
	stops   int
}

func (f *fakeSpeech) Speak(ctx context.Context, text string) <-chan tts.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	f.pending = make(chan tts.Result, 1)
	return f.pending
}

func (f *fakeSpeech) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	if f.pending != nil {
		select {
		case f.pending <- tts.Result{Outcome: tts.OutcomeCancelled}:
		default:
		}
		f.pending = nil
	}
}

func (f *fakeSpeech) finish(r tts.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending != nil {
		f.pending <- r
		f.pending = nil
	}
}

func (f *fakeSpeech) spoken() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func (f *fakeSpeech) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

type captureSink struct {
	mu       sync.Mutex
	statuses []string
	answers  []string
}

func (c *captureSink) Status(text string) {
	c.mu.Lock()
	c.statuses = append(c.statuses, text)
	c.mu.Unlock()
}
func (c *captureSink) Partial(string) {}
func (c *captureSink) Answer(text string) {
	c.mu.Lock()
	c.answers = append(c.answers, text)
	c.mu.Unlock()
}

func (c *captureSink) statusCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.statuses)
}

type harness struct {
	coord  *Coordinator
	stt    *fakeSTT
	chat   *fakeChat
	speech *fakeSpeech
	sink   *captureSink
	cancel context.CancelFunc
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		stt:    &fakeSTT{text: "hello"},
		chat:   &fakeChat{},
		speech: &fakeSpeech{},
		sink:   &captureSink{},
	}
	h.coord = NewCoordinator(Deps{
		Buffer:   audio.NewRollingBuffer(3 * time.Second),
		Recorder: recorder.New(recorder.WAVEncoder{SampleRate: 16000}),
		STT:      h.stt,
		Chat:     h.chat,
		Speech:   h.speech,
		Status:   h.sink,
	})
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go h.coord.Run(ctx)
	t.Cleanup(cancel)
	return h
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.coord.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("state never reached %s, stuck at %s", want, h.coord.State())
}

func (h *harness) speakUtterance(t *testing.T) {
	t.Helper()
	now := time.Now()
	h.coord.OnVADEvent(vad.Event{Type: vad.EventUtteranceStart, Timestamp: now, VoiceStart: now})
	h.waitState(t, StateAwaitingUtterance)
	h.coord.OnAudioChunk(audio.Chunk{Data: []byte{1, 0, 2, 0}, Timestamp: now})
	h.coord.OnVADEvent(vad.Event{Type: vad.EventUtteranceEnd, Timestamp: now, Reason: vad.EndReasonSilence})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestFullTurnReachesSpeakingAndReturnsToListening(t *testing.T) {
	h := newHarness(t)
	h.speakUtterance(t)

	waitFor(t, "chat request", func() bool { return h.chat.sendCount() == 1 })
	stream := h.chat.lastStream()
	stream.emit(chat.Event{Type: chat.EventSessionStarted, ConversationID: "conv-1"})
	stream.emit(chat.Event{Type: chat.EventPartialAnswer, Text: "Hi"})
	stream.emit(chat.Event{Type: chat.EventFinalAnswer, Text: "Hi there", ConversationID: "conv-1"})

	h.waitState(t, StateSpeaking)
	if spoken := h.speech.spoken(); len(spoken) != 1 || spoken[0] != "Hi there" {
		t.Fatalf("expected final answer spoken, got %v", spoken)
	}

	h.speech.finish(tts.Result{Outcome: tts.OutcomeEnded})
	h.waitState(t, StateListening)

	// Conversation continuity: the next turn carries the assigned id.
	h.speakUtterance(t)
	waitFor(t, "second chat request", func() bool { return h.chat.sendCount() == 2 })
	h.chat.mu.Lock()
	secondConv := h.chat.convIDs[1]
	h.chat.mu.Unlock()
	if secondConv != "conv-1" {
		t.Fatalf("expected conversation id carried over, got %q", secondConv)
	}
}

func TestWhitespaceTranscriptShortCircuits(t *testing.T) {
	h := newHarness(t)
	h.stt.mu.Lock()
	h.stt.text = ""
	h.stt.mu.Unlock()

	h.speakUtterance(t)
	h.waitState(t, StateListening)

	waitFor(t, "stt call", func() bool { return h.stt.callCount() == 1 })
	if h.chat.sendCount() != 0 {
		t.Fatalf("empty transcript must not reach the chat client")
	}
	waitFor(t, "status message", func() bool { return h.sink.statusCount() > 0 })
}

func TestInterruptDuringStreamCancelsAndIgnoresLateEvents(t *testing.T) {
	h := newHarness(t)
	h.speakUtterance(t)

	waitFor(t, "chat request", func() bool { return h.chat.sendCount() == 1 })
	stream := h.chat.lastStream()
	stream.emit(chat.Event{Type: chat.EventSessionStarted, ConversationID: "conv-1"})
	stream.emit(chat.Event{Type: chat.EventPartialAnswer, Text: "Hi"})
	h.waitState(t, StateAwaitingAnswer)

	// Barge-in before workflow_finished.
	h.coord.OnVADEvent(vad.Event{Type: vad.EventInterruptRequested, Timestamp: time.Now()})
	h.waitState(t, StateListening)
	waitFor(t, "stream cancellation", stream.isCancelled)

	// A late final answer from the torn-down stream must be ignored: the
	// emit goes nowhere (stream closed), and even a directly posted stale
	// completion must not start playback.
	stream.emit(chat.Event{Type: chat.EventFinalAnswer, Text: "Hi there"})
	time.Sleep(20 * time.Millisecond)
	if len(h.speech.spoken()) != 0 {
		t.Fatalf("cancelled stream must never reach TTS")
	}
	if h.coord.State() != StateListening {
		t.Fatalf("expected Listening after interrupt, got %s", h.coord.State())
	}
}

func TestInterruptDuringPlaybackStopsSpeech(t *testing.T) {
	h := newHarness(t)
	h.speakUtterance(t)

	waitFor(t, "chat request", func() bool { return h.chat.sendCount() == 1 })
	stream := h.chat.lastStream()
	stream.emit(chat.Event{Type: chat.EventFinalAnswer, Text: "Hello"})
	h.waitState(t, StateSpeaking)

	// New confirmed utterance while speaking: teardown, then record.
	now := time.Now()
	h.coord.OnVADEvent(vad.Event{Type: vad.EventUtteranceStart, Timestamp: now, VoiceStart: now})
	h.waitState(t, StateAwaitingUtterance)

	waitFor(t, "speech stop", func() bool { return h.speech.stopCount() >= 1 })
	// The cancelled playback's result must not bounce the new utterance
	// back to Listening.
	time.Sleep(20 * time.Millisecond)
	if h.coord.State() != StateAwaitingUtterance {
		t.Fatalf("stale playback completion corrupted state: %s", h.coord.State())
	}
}

func TestSTTFailureRoutesBackToListening(t *testing.T) {
	h := newHarness(t)
	h.stt.mu.Lock()
	h.stt.err = errorsx.Wrap(errors.New("connection refused"), errorsx.ReasonSTTNetwork)
	h.stt.mu.Unlock()

	h.speakUtterance(t)
	h.waitState(t, StateListening)
	waitFor(t, "status message", func() bool { return h.sink.statusCount() > 0 })
	if h.chat.sendCount() != 0 {
		t.Fatalf("failed transcription must not reach the chat client")
	}
}

func TestChatOpenFailureRoutesBackToListening(t *testing.T) {
	h := newHarness(t)
	h.chat.mu.Lock()
	h.chat.err = errorsx.Wrap(errors.New("bad gateway"), errorsx.ReasonChatService)
	h.chat.mu.Unlock()

	h.speakUtterance(t)
	h.waitState(t, StateListening)
	waitFor(t, "status message", func() bool { return h.sink.statusCount() > 0 })
}

func TestDeviceLossIsTerminal(t *testing.T) {
	h := newHarness(t)
	h.coord.OnDeviceLost(audio.ErrMeterClosed)
	h.waitState(t, StateUnavailable)

	// No further utterances are accepted.
	now := time.Now()
	h.coord.OnVADEvent(vad.Event{Type: vad.EventUtteranceStart, Timestamp: now, VoiceStart: now})
	time.Sleep(20 * time.Millisecond)
	if h.coord.State() != StateUnavailable {
		t.Fatalf("Unavailable must be terminal, got %s", h.coord.State())
	}
}

func TestEmptyRecordingReturnsToListening(t *testing.T) {
	h := newHarness(t)
	now := time.Now()
	h.coord.OnVADEvent(vad.Event{Type: vad.EventUtteranceStart, Timestamp: now, VoiceStart: now})
	h.waitState(t, StateAwaitingUtterance)
	// No audio chunks at all before the end event.
	h.coord.OnVADEvent(vad.Event{Type: vad.EventUtteranceEnd, Timestamp: now, Reason: vad.EndReasonSilence})
	h.waitState(t, StateListening)
	if h.stt.callCount() != 0 {
		t.Fatalf("empty recording must not reach STT")
	}
}
