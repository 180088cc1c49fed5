package turn

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pxlames/dify-voice-agent/pkg/audio"
	"github.com/pxlames/dify-voice-agent/pkg/chat"
	"github.com/pxlames/dify-voice-agent/pkg/errorsx"
	"github.com/pxlames/dify-voice-agent/pkg/logging"
	"github.com/pxlames/dify-voice-agent/pkg/metrics"
	"github.com/pxlames/dify-voice-agent/pkg/recorder"
	"github.com/pxlames/dify-voice-agent/pkg/stt"
	"github.com/pxlames/dify-voice-agent/pkg/tts"
	"github.com/pxlames/dify-voice-agent/pkg/vad"
)

// AnswerStream is one cancellable in-flight answer exchange.
type AnswerStream interface {
	Events() <-chan chat.Event
	Cancel()
}

// AnswerClient opens answer streams. *chat.Client is the production
// implementation, adapted via NewAnswerClient.
type AnswerClient interface {
	Send(ctx context.Context, query, conversationID string) (AnswerStream, error)
}

type chatAnswerClient struct{ c *chat.Client }

func (a chatAnswerClient) Send(ctx context.Context, query, conversationID string) (AnswerStream, error) {
	s, err := a.c.Send(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// NewAnswerClient adapts a chat client to the coordinator's contract.
func NewAnswerClient(c *chat.Client) AnswerClient {
	return chatAnswerClient{c: c}
}

// Speech is the playback surface. *tts.Player is the production
// implementation.
type Speech interface {
	Speak(ctx context.Context, text string) <-chan tts.Result
	Stop()
}

// StatusSink receives the user-visible conversation surface: short status
// strings on failures and the answer text as it streams in.
type StatusSink interface {
	Status(text string)
	Partial(text string)
	Answer(text string)
}

// NoopSink discards all status output.
type NoopSink struct{}

func (NoopSink) Status(string)  {}
func (NoopSink) Partial(string) {}
func (NoopSink) Answer(string)  {}

// Deps are the collaborators one coordinator owns. The coordinator is the
// only component allowed to drive their lifecycles.
type Deps struct {
	Buffer   *audio.RollingBuffer
	Recorder *recorder.Recorder
	STT      stt.Client
	Chat     AnswerClient
	Speech   Speech
	Observer metrics.Observer
	Status   StatusSink
}

// Coordinator serializes all turn decisions in a single event loop
// goroutine. Async completions (transcripts, stream events, playback
// results) are posted back into the loop carrying the epoch they were
// started under; a teardown bumps the epoch, so late completions of
// cancelled work are ignored instead of corrupting the current turn.
type Coordinator struct {
	deps   Deps
	fsm    *stateMachine
	logger *slog.Logger

	cmds chan func()
	quit chan struct{}

	epoch atomic.Uint64

	// Loop-owned turn context.
	runCtx         context.Context
	stream         AnswerStream
	turnID         string
	conversationID string
}

func NewCoordinator(deps Deps) *Coordinator {
	if deps.Observer == nil {
		deps.Observer = metrics.NoopObserver{}
	}
	if deps.Status == nil {
		deps.Status = NoopSink{}
	}
	return &Coordinator{
		deps:   deps,
		fsm:    newStateMachine(),
		logger: logging.NewComponentLogger(slog.Default(), "coordinator"),
		cmds:   make(chan func(), 64),
		quit:   make(chan struct{}),
	}
}

// State returns the current coordinator state.
func (c *Coordinator) State() State { return c.fsm.State() }

// AddStateListener registers a state change listener.
func (c *Coordinator) AddStateListener(l StateListener) { c.fsm.AddListener(l) }

// ConversationID returns the id of the ongoing conversation, empty before
// the first answer stream starts.
func (c *Coordinator) ConversationID() string {
	done := make(chan string, 1)
	if !c.post(func() { done <- c.conversationID }) {
		return ""
	}
	select {
	case id := <-done:
		return id
	case <-c.quit:
		return ""
	}
}

// Busy reports whether the host is processing or speaking. It is the busy
// predicate handed to the voice activity detector.
func (c *Coordinator) Busy() bool {
	switch c.fsm.State() {
	case StateTranscribing, StateAwaitingAnswer, StateSpeaking:
		return true
	default:
		return false
	}
}

// OnAudioChunk feeds one captured chunk into the rolling buffer and, when a
// recording is active, the recorder. Called from the transport's read
// goroutine; both collaborators are internally synchronized.
func (c *Coordinator) OnAudioChunk(chunk audio.Chunk) {
	c.deps.Buffer.Append(chunk)
	c.deps.Recorder.Append(chunk)
}

// OnVADEvent enqueues a detector signal for the event loop.
func (c *Coordinator) OnVADEvent(ev vad.Event) {
	c.post(func() { c.handleVADEvent(ev) })
}

// OnDeviceLost moves the coordinator to the terminal Unavailable state.
func (c *Coordinator) OnDeviceLost(err error) {
	c.post(func() { c.handleDeviceLost(err) })
}

// Run processes events until the context is cancelled. It must be running
// before audio starts flowing.
func (c *Coordinator) Run(ctx context.Context) error {
	c.runCtx = ctx
	defer close(c.quit)
	for {
		select {
		case <-ctx.Done():
			c.teardown("shutdown")
			return ctx.Err()
		case cmd := <-c.cmds:
			cmd()
		}
	}
}

func (c *Coordinator) post(cmd func()) bool {
	select {
	case c.cmds <- cmd:
		return true
	case <-c.quit:
		return false
	}
}

// --- event loop handlers ---

func (c *Coordinator) handleVADEvent(ev vad.Event) {
	switch ev.Type {
	case vad.EventInterruptRequested:
		if !c.Busy() {
			return
		}
		c.logger.Info("barge_in_requested", slog.String("state", c.fsm.State().String()))
		c.record(metrics.EventInterrupt)
		c.teardown("interrupt_requested")
		c.toListening("interrupt_requested")

	case vad.EventUtteranceStart:
		if c.fsm.State() == StateUnavailable {
			return
		}
		if c.Busy() {
			// Early interrupt did not fire (host was free at the first tick
			// but is busy now); tear down before starting the new utterance.
			c.record(metrics.EventInterrupt)
			c.teardown("utterance_start")
		}
		c.turnID = uuid.NewString()
		preRoll := c.deps.Buffer.Since(ev.VoiceStart)
		c.deps.Recorder.Begin(preRoll)
		c.transition(StateAwaitingUtterance, "utterance_start")
		c.record(metrics.EventUtteranceStart)
		c.logger.Info("utterance_started",
			slog.String("turn_id", c.turnID),
			slog.Int("preroll_chunks", len(preRoll)))

	case vad.EventUtteranceEnd:
		if c.fsm.State() != StateAwaitingUtterance {
			return
		}
		c.record(metrics.EventUtteranceEnd)
		clip, err := c.deps.Recorder.Stop()
		if err != nil {
			if errors.Is(err, recorder.ErrEmptyRecording) {
				c.deps.Status.Status("Didn't catch that.")
				c.toListening("empty_recording")
				return
			}
			c.logger.Error("clip finalize failed", slog.String("error", err.Error()))
			c.deps.Status.Status("Could not process your audio.")
			c.toListening("recorder_error")
			return
		}
		c.transition(StateTranscribing, "utterance_end")
		epoch := c.epoch.Load()
		go func() {
			text, terr := c.deps.STT.Transcribe(c.runCtx, clip)
			c.post(func() { c.onTranscript(epoch, text, terr) })
		}()
	}
}

func (c *Coordinator) onTranscript(epoch uint64, text string, err error) {
	if c.stale(epoch, "transcript") {
		return
	}
	if err != nil {
		if errorsx.IsCancelled(err) {
			return
		}
		if errorsx.IsDevice(err) {
			c.handleDeviceLost(err)
			return
		}
		c.logger.Error("transcription failed", slog.String("error", err.Error()))
		c.deps.Status.Status("Could not transcribe your speech.")
		c.toListening("stt_error")
		return
	}
	if text == "" {
		c.deps.Status.Status("Didn't catch that.")
		c.toListening("empty_transcript")
		return
	}

	c.record(metrics.EventSTTFinal)
	c.transition(StateAwaitingAnswer, "transcript_ready")
	go func() {
		stream, serr := c.deps.Chat.Send(c.runCtx, text, c.conversationID)
		c.post(func() { c.onStreamOpened(epoch, stream, serr) })
	}()
}

func (c *Coordinator) onStreamOpened(epoch uint64, stream AnswerStream, err error) {
	if c.stale(epoch, "stream_open") {
		if stream != nil {
			stream.Cancel()
		}
		return
	}
	if err != nil {
		if errorsx.IsCancelled(err) {
			return
		}
		c.logger.Error("answer stream failed to open", slog.String("error", err.Error()))
		c.deps.Status.Status("Could not reach the assistant.")
		c.toListening("chat_error")
		return
	}
	c.stream = stream
	go func() {
		for ev := range stream.Events() {
			ev := ev
			c.post(func() { c.onChatEvent(epoch, ev) })
		}
	}()
}

func (c *Coordinator) onChatEvent(epoch uint64, ev chat.Event) {
	if c.stale(epoch, "chat_event") {
		return
	}
	switch ev.Type {
	case chat.EventSessionStarted:
		c.conversationID = ev.ConversationID
		c.record(metrics.EventChatFirstEvent)

	case chat.EventPartialAnswer:
		c.deps.Status.Partial(ev.Text)

	case chat.EventFinalAnswer:
		c.record(metrics.EventChatFinal)
		if ev.ConversationID != "" {
			c.conversationID = ev.ConversationID
		}
		c.stream = nil
		c.deps.Status.Answer(ev.Text)
		if ev.Text == "" {
			c.toListening("empty_answer")
			return
		}
		c.transition(StateSpeaking, "final_answer")
		c.record(metrics.EventTTSFirstAudio)
		results := c.deps.Speech.Speak(c.runCtx, ev.Text)
		go func() {
			r := <-results
			c.post(func() { c.onSpeechDone(epoch, r) })
		}()

	case chat.EventError:
		c.stream = nil
		if errorsx.IsCancelled(ev.Err) {
			return
		}
		c.logger.Error("answer stream failed", slog.String("error", ev.Err.Error()))
		c.deps.Status.Status("The assistant ran into a problem.")
		c.toListening("chat_error")
	}
}

func (c *Coordinator) onSpeechDone(epoch uint64, r tts.Result) {
	if c.stale(epoch, "speech_done") {
		return
	}
	switch r.Outcome {
	case tts.OutcomeCancelled:
		// The interrupt path already handled the transition.
		return
	case tts.OutcomeSynthesisFailed:
		c.logger.Error("speech synthesis failed", slog.String("error", r.Err.Error()))
		c.deps.Status.Status("Could not speak the answer.")
	case tts.OutcomeDeviceFailed:
		c.logger.Error("speech playback failed", slog.String("error", r.Err.Error()))
		c.deps.Status.Status("Audio playback failed.")
	}
	c.record(metrics.EventTurnDone)
	c.toListening("speech_complete")
}

func (c *Coordinator) handleDeviceLost(err error) {
	if c.fsm.State() == StateUnavailable {
		return
	}
	c.logger.Error("audio device lost", slog.String("error", errString(err)))
	c.teardown("device_lost")
	if terr := c.fsm.Transition(StateUnavailable, "device_lost"); terr != nil {
		c.logger.Warn("transition rejected", slog.String("error", terr.Error()))
	}
	c.deps.Status.Status("Microphone unavailable. Please reload.")
}

// teardown cancels all in-flight work for the current turn. It runs
// synchronously in the event loop, so by the time any new stream or
// playback starts the cancellation has already been issued; the epoch bump
// makes the cancelled work's late completions no-ops.
func (c *Coordinator) teardown(reason string) {
	c.epoch.Add(1)
	if c.stream != nil {
		c.stream.Cancel()
		c.stream = nil
	}
	c.deps.Speech.Stop()
	c.deps.Recorder.Abort()
	c.logger.Debug("turn torn down",
		slog.String("reason", reason),
		slog.Uint64("epoch", c.epoch.Load()))
}

func (c *Coordinator) stale(epoch uint64, kind string) bool {
	if epoch == c.epoch.Load() {
		return false
	}
	c.logger.Debug("ignoring stale completion",
		slog.String("kind", kind),
		slog.Uint64("epoch", epoch),
		slog.Uint64("current", c.epoch.Load()))
	return true
}

func (c *Coordinator) toListening(reason string) {
	if c.fsm.State() == StateListening {
		return
	}
	c.transition(StateListening, reason)
}

func (c *Coordinator) transition(state State, reason string) {
	if err := c.fsm.Transition(state, reason); err != nil {
		c.logger.Warn("transition rejected",
			slog.String("error", err.Error()),
			slog.String("reason", reason))
	}
}

func (c *Coordinator) record(name string) {
	c.deps.Observer.RecordEvent(metrics.MetricsEvent{
		Name: name,
		Time: time.Now(),
		Tags: map[string]string{"turn_id": c.turnID},
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
