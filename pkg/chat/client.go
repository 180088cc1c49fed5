// Package chat streams answers from the Dify-backed /chat endpoint. The
// server replies with newline-delimited "data: {json}" events; a stream
// terminates on a workflow_finished event or a "data: [DONE]" sentinel.
package chat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pxlames/dify-voice-agent/pkg/errorsx"
	"github.com/pxlames/dify-voice-agent/pkg/logging"
	"github.com/pxlames/dify-voice-agent/pkg/resilience"
)

const (
	dataPrefix   = "data: "
	doneSentinel = "[DONE]"
)

// EventType enumerates the events a Stream can emit.
type EventType int

const (
	// EventSessionStarted carries the conversation id assigned (or echoed)
	// by the backend. Emitted at most once, before any answer text.
	EventSessionStarted EventType = iota
	// EventPartialAnswer carries one incremental answer fragment.
	EventPartialAnswer
	// EventFinalAnswer carries the complete answer and terminates the stream.
	EventFinalAnswer
	// EventError terminates the stream with a failure.
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventSessionStarted:
		return "session_started"
	case EventPartialAnswer:
		return "partial_answer"
	case EventFinalAnswer:
		return "final_answer"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one item on the stream's event channel.
type Event struct {
	Type           EventType
	ConversationID string
	MessageID      string
	Text           string
	Err            error
}

type wireEvent struct {
	Event          string `json:"event"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	AnswerPart     string `json:"answer_part"`
	CompleteAnswer string `json:"complete_answer"`
	FinalAnswer    string `json:"final_answer"`
	Error          string `json:"error"`
}

type Config struct {
	BaseURL string
	Timeout time.Duration
	Retry   resilience.RetryPolicy
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	return c
}

// Client issues streaming chat requests. Retries apply to establishing the
// stream only; once the first byte of the body is being read a failure
// surfaces as an EventError, never as a silent reconnect.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

func New(cfg Config) *Client {
	return &Client{
		cfg:    cfg.withDefaults(),
		http:   &http.Client{},
		logger: logging.NewComponentLogger(slog.Default(), "chat"),
	}
}

type chatRequest struct {
	Query          string `json:"query"`
	ConversationID string `json:"conversation_id"`
}

// Stream is one in-flight chat exchange. Events() yields events in order
// and is closed after the terminal event. Cancel is safe to call from any
// goroutine, any number of times.
type Stream struct {
	events chan Event
	cancel context.CancelFunc
	body   io.ReadCloser
	once   sync.Once
}

// Events returns the ordered event channel. It is closed after the first
// terminal event (final answer or error).
func (s *Stream) Events() <-chan Event { return s.events }

// Cancel aborts the exchange. The reader goroutine drains out with an
// EventError carrying the cancelled reason, unless a terminal event was
// already emitted.
func (s *Stream) Cancel() {
	s.once.Do(func() {
		s.cancel()
		s.body.Close()
	})
}

// Send opens a streaming exchange for one user query. An empty
// conversationID starts a new conversation; the backend's assigned id
// arrives in the EventSessionStarted event.
func (c *Client) Send(ctx context.Context, query, conversationID string) (*Stream, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)

	payload, err := json.Marshal(chatRequest{Query: query, ConversationID: conversationID})
	if err != nil {
		cancel()
		return nil, errorsx.Wrap(err, errorsx.ReasonChatService)
	}
	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat"

	var resp *http.Response
	err = c.cfg.Retry.Do(ctx, func() error {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if reqErr != nil {
			return errorsx.Wrap(reqErr, errorsx.ReasonChatNetwork)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, reqErr = c.http.Do(req)
		if reqErr != nil {
			if ctx.Err() == context.Canceled {
				return errorsx.Wrap(reqErr, errorsx.ReasonCancelled)
			}
			return errorsx.Wrap(reqErr, errorsx.ReasonChatNetwork)
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			return resilience.RateLimitError{Provider: "chat", Message: resp.Status}
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return errorsx.Wrap(
				fmt.Errorf("chat returned %s: %s", resp.Status, strings.TrimSpace(string(raw))),
				errorsx.ReasonChatService)
		}
		return nil
	}, errorsx.IsRetryable)
	if err != nil {
		cancel()
		return nil, err
	}

	s := &Stream{
		events: make(chan Event, 16),
		cancel: cancel,
		body:   resp.Body,
	}
	go c.readLoop(ctx, s)
	return s, nil
}

func (c *Client) readLoop(ctx context.Context, s *Stream) {
	defer close(s.events)
	defer s.Cancel()

	scanner := bufio.NewScanner(s.body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)

	var (
		sessionSent bool
		lastAnswer  string
		lastConvID  string
	)

	// send never blocks past cancellation: an abandoned consumer must not
	// pin this goroutine.
	send := func(ev Event) bool {
		select {
		case s.events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	emitError := func(err error) {
		send(Event{Type: EventError, Err: err})
	}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "event:") {
			// Keepalive pings arrive as "event: ping" lines.
			continue
		}
		if !strings.HasPrefix(line, dataPrefix) {
			continue
		}
		data := strings.TrimPrefix(line, dataPrefix)
		if data == doneSentinel {
			// A [DONE] without workflow_finished still yields the answer
			// accumulated so far.
			send(Event{Type: EventFinalAnswer, Text: lastAnswer, ConversationID: lastConvID})
			return
		}

		var ev wireEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			c.logger.Warn("skipping malformed stream event", slog.String("error", err.Error()))
			continue
		}

		switch ev.Event {
		case "workflow_started":
			lastConvID = ev.ConversationID
			if !sessionSent {
				sessionSent = true
				if !send(Event{
					Type:           EventSessionStarted,
					ConversationID: ev.ConversationID,
					MessageID:      ev.MessageID,
				}) {
					return
				}
			}
		case "message":
			lastAnswer = ev.CompleteAnswer
			if ev.AnswerPart != "" {
				if !send(Event{Type: EventPartialAnswer, Text: ev.AnswerPart}) {
					return
				}
			}
		case "workflow_finished":
			if ev.ConversationID != "" {
				lastConvID = ev.ConversationID
			}
			send(Event{Type: EventFinalAnswer, Text: ev.FinalAnswer, ConversationID: lastConvID})
			return
		case "error":
			emitError(errorsx.Wrap(fmt.Errorf("chat stream error: %s", ev.Error), errorsx.ReasonChatService))
			return
		default:
			c.logger.Debug("ignoring unknown stream event", slog.String("event", ev.Event))
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			emitError(errorsx.Wrap(ctx.Err(), errorsx.ReasonCancelled))
			return
		}
		emitError(errorsx.Wrap(err, errorsx.ReasonChatStream))
		return
	}
	if ctx.Err() != nil {
		emitError(errorsx.Wrap(ctx.Err(), errorsx.ReasonCancelled))
		return
	}
	// EOF without a terminal event means the server hung up mid-answer.
	emitError(errorsx.Wrap(fmt.Errorf("chat stream ended without final answer"), errorsx.ReasonChatStream))
}
