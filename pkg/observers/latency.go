package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/pxlames/dify-voice-agent/pkg/metrics"
)

// LatencyObserver stitches the per-turn pipeline timestamps together and
// logs one latency line when the turn completes.
type LatencyObserver struct {
	mu     sync.Mutex
	traces map[string]*trace
	log    *slog.Logger
}

type trace struct {
	utteranceEnd time.Time
	sttFinal     time.Time
	chatFirst    time.Time
	chatFinal    time.Time
	ttsFirst     time.Time
	done         time.Time
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		traces: make(map[string]*trace),
		log:    log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	turnID := ""
	if ev.Tags != nil {
		turnID = ev.Tags["turn_id"]
	}
	if turnID == "" {
		return
	}
	o.mu.Lock()
	t := o.traces[turnID]
	if t == nil {
		t = &trace{}
		o.traces[turnID] = t
	}
	switch ev.Name {
	case metrics.EventUtteranceEnd:
		if t.utteranceEnd.IsZero() {
			t.utteranceEnd = ev.Time
		}
	case metrics.EventSTTFinal:
		if t.sttFinal.IsZero() {
			t.sttFinal = ev.Time
		}
	case metrics.EventChatFirstEvent:
		if t.chatFirst.IsZero() {
			t.chatFirst = ev.Time
		}
	case metrics.EventChatFinal:
		if t.chatFinal.IsZero() {
			t.chatFinal = ev.Time
		}
	case metrics.EventTTSFirstAudio:
		if t.ttsFirst.IsZero() {
			t.ttsFirst = ev.Time
		}
	case metrics.EventTurnDone:
		t.done = ev.Time
	}
	if !t.done.IsZero() {
		o.logTurnLocked(turnID, t)
		delete(o.traces, turnID)
	}
	o.mu.Unlock()
}

func (o *LatencyObserver) logTurnLocked(turnID string, t *trace) {
	o.log.Info("latency",
		"turn_id", turnID,
		"stt_ms", durationMs(t.utteranceEnd, t.sttFinal),
		"chat_first_ms", durationMs(t.sttFinal, t.chatFirst),
		"chat_final_ms", durationMs(t.sttFinal, t.chatFinal),
		"tts_first_audio_ms", durationMs(t.chatFinal, t.ttsFirst),
		"ttfb_ms", durationMs(t.utteranceEnd, t.ttsFirst),
	)
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}
