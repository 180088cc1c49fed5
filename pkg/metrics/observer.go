package metrics

import "time"

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type Flusher interface {
	Flush() error
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// Event names emitted across the voice turn lifecycle.
const (
	EventUtteranceStart = "vad_utterance_start"
	EventUtteranceEnd   = "vad_utterance_end"
	EventInterrupt      = "vad_interrupt"
	EventSTTFinal       = "stt_final"
	EventChatFirstEvent = "chat_first_event"
	EventChatFinal      = "chat_final"
	EventTTSFirstAudio  = "tts_first_audio"
	EventTurnDone       = "turn_done"
)
