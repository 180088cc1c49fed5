package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pxlames/dify-voice-agent/pkg/errorsx"
)

func streamServer(t *testing.T, lines ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad chat request: %v", err)
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Fatalf("flusher unsupported")
		}
		for _, line := range lines {
			fmt.Fprintf(w, "%s\n", line)
			flusher.Flush()
		}
	}))
}

func collectEvents(t *testing.T, s *Stream) []Event {
	t.Helper()
	var out []Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out waiting for events, got %d so far", len(out))
		}
	}
}

func TestStreamEmitsOrderedEvents(t *testing.T) {
	srv := streamServer(t,
		`data: {"event": "workflow_started", "conversation_id": "conv-1", "message_id": "msg-1"}`,
		`event: ping`,
		`data: {"event": "message", "answer_part": "Hello", "complete_answer": "Hello"}`,
		`data: {"event": "message", "answer_part": " world", "complete_answer": "Hello world"}`,
		`data: {"event": "workflow_finished", "final_answer": "Hello world", "conversation_id": "conv-1"}`,
		`data: [DONE]`,
	)
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	s, err := c.Send(context.Background(), "hi", "")
	if err != nil {
		t.Fatalf("send error: %v", err)
	}
	events := collectEvents(t, s)

	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d: %+v", len(events), events)
	}
	if events[0].Type != EventSessionStarted || events[0].ConversationID != "conv-1" {
		t.Fatalf("expected session started first, got %+v", events[0])
	}
	if events[1].Type != EventPartialAnswer || events[1].Text != "Hello" {
		t.Fatalf("unexpected first partial: %+v", events[1])
	}
	if events[2].Type != EventPartialAnswer || events[2].Text != " world" {
		t.Fatalf("unexpected second partial: %+v", events[2])
	}
	last := events[3]
	if last.Type != EventFinalAnswer || last.Text != "Hello world" || last.ConversationID != "conv-1" {
		t.Fatalf("unexpected final event: %+v", last)
	}
}

func TestDoneWithoutFinishYieldsAccumulatedAnswer(t *testing.T) {
	srv := streamServer(t,
		`data: {"event": "workflow_started", "conversation_id": "conv-2"}`,
		`data: {"event": "message", "answer_part": "partial", "complete_answer": "partial"}`,
		`data: [DONE]`,
	)
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	s, err := c.Send(context.Background(), "hi", "")
	if err != nil {
		t.Fatalf("send error: %v", err)
	}
	events := collectEvents(t, s)
	last := events[len(events)-1]
	if last.Type != EventFinalAnswer || last.Text != "partial" || last.ConversationID != "conv-2" {
		t.Fatalf("expected accumulated final, got %+v", last)
	}
}

func TestServerErrorEventTerminatesStream(t *testing.T) {
	srv := streamServer(t,
		`data: {"event": "workflow_started", "conversation_id": "conv-3"}`,
		`data: {"event": "error", "error": "upstream exploded"}`,
	)
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	s, err := c.Send(context.Background(), "hi", "")
	if err != nil {
		t.Fatalf("send error: %v", err)
	}
	events := collectEvents(t, s)
	last := events[len(events)-1]
	if last.Type != EventError || !errorsx.HasReason(last.Err, errorsx.ReasonChatService) {
		t.Fatalf("expected service error event, got %+v", last)
	}
}

func TestTruncatedStreamIsAStreamError(t *testing.T) {
	srv := streamServer(t,
		`data: {"event": "workflow_started", "conversation_id": "conv-4"}`,
		`data: {"event": "message", "answer_part": "half", "complete_answer": "half"}`,
	)
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	s, err := c.Send(context.Background(), "hi", "")
	if err != nil {
		t.Fatalf("send error: %v", err)
	}
	events := collectEvents(t, s)
	last := events[len(events)-1]
	if last.Type != EventError || !errorsx.HasReason(last.Err, errorsx.ReasonChatStream) {
		t.Fatalf("expected stream error on truncation, got %+v", last)
	}
}

func TestSendFailsOnServiceStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "agent unavailable", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	_, err := c.Send(context.Background(), "hi", "")
	if !errorsx.HasReason(err, errorsx.ReasonChatService) {
		t.Fatalf("expected chat service reason, got %v", err)
	}
}

func TestCancelMidStream(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		fmt.Fprintf(w, "data: {\"event\": \"workflow_started\", \"conversation_id\": \"conv-5\"}\n")
		flusher.Flush()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	c := New(Config{BaseURL: srv.URL})
	s, err := c.Send(context.Background(), "hi", "")
	if err != nil {
		t.Fatalf("send error: %v", err)
	}

	select {
	case ev := <-s.Events():
		if ev.Type != EventSessionStarted {
			t.Fatalf("expected session started, got %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for session start")
	}

	s.Cancel()
	s.Cancel() // idempotent

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return
			}
			if ev.Type == EventError && !errorsx.IsCancelled(ev.Err) {
				t.Fatalf("expected cancelled error after Cancel, got %v", ev.Err)
			}
		case <-deadline:
			t.Fatalf("stream did not terminate after cancel")
		}
	}
}
