// Package browser serves the web front-end over a websocket: the client
// pushes raw 16-bit PCM as binary messages and receives JSON status plus
// synthesized audio for playback. It doubles as the playback device and
// the status sink for the coordinator.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pxlames/dify-voice-agent/pkg/audio"
	"github.com/pxlames/dify-voice-agent/pkg/logging"
	"github.com/pxlames/dify-voice-agent/pkg/tts"
	"github.com/pxlames/dify-voice-agent/pkg/turn"
)

type Config struct {
	ServerAddr     string   `mapstructure:"server_addr"`
	WebsocketPath  string   `mapstructure:"ws_path"`
	AllowAnyOrigin bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = "/ws"
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// serverMessage is the JSON envelope pushed to the client. Audio payloads
// follow their envelope as one binary websocket message.
type serverMessage struct {
	Event string `json:"event"`
	Text  string `json:"text,omitempty"`
	ID    string `json:"id,omitempty"`
	MIME  string `json:"mime,omitempty"`
	State string `json:"state,omitempty"`
}

// clientMessage is a JSON control message from the browser.
type clientMessage struct {
	Event string `json:"event"`
	ID    string `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
}

// Transport serves one browser client at a time; a new connection replaces
// the previous one. It implements tts.Device and turn.StatusSink so the
// player and coordinator talk to whichever session is current.
type Transport struct {
	cfg      Config
	server   *http.Server
	upgrader websocket.Upgrader
	logger   *slog.Logger

	coord *turn.Coordinator
	meter *audio.PCMMeter

	mu      sync.Mutex
	session *session

	draining atomic.Bool
}

func New(cfg Config) *Transport {
	cfg = cfg.withDefaults()
	t := &Transport{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger: logging.NewComponentLogger(slog.Default(), "browser_transport"),
	}
	t.upgrader.CheckOrigin = t.checkOrigin
	return t
}

func (t *Transport) Name() string { return "browser" }

// Bind attaches the coordinator and meter. Must be called before Start.
func (t *Transport) Bind(coord *turn.Coordinator, meter *audio.PCMMeter) {
	t.coord = coord
	t.meter = meter
}

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	mux := http.NewServeMux()
	mux.Handle(t.cfg.WebsocketPath, t)
	mux.HandleFunc("/health", t.handleHealth)
	t.server = &http.Server{
		Addr:              t.cfg.ServerAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           mux,
	}
	go func() {
		<-ctx.Done()
		_ = t.server.Close()
	}()
	go func() {
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("transport_server_error", slog.String("error", err.Error()))
		}
	}()
	return nil
}

func (t *Transport) Stop() error {
	t.draining.Store(true)
	if t.server != nil {
		_ = t.server.Close()
	}
	t.mu.Lock()
	sess := t.session
	t.session = nil
	t.mu.Unlock()
	if sess != nil {
		sess.close()
	}
	return nil
}

// Handler exposes the mux for tests driving the transport through
// httptest instead of a real listener.
func (t *Transport) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(t.cfg.WebsocketPath, t)
	mux.HandleFunc("/health", t.handleHealth)
	return mux
}

func (t *Transport) handleHealth(w http.ResponseWriter, r *http.Request) {
	t.mu.Lock()
	connected := t.session != nil
	t.mu.Unlock()
	state := ""
	if t.coord != nil {
		state = t.coord.State().String()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"state":     state,
		"connected": connected,
	})
}

func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sess := newSession(conn, t.logger)
	t.mu.Lock()
	old := t.session
	t.session = sess
	t.mu.Unlock()
	if old != nil {
		old.close()
	}
	t.logger.Info("client_connected", slog.String("session_id", sess.id))
	sess.send(serverMessage{Event: "ready", ID: sess.id})

	t.readLoop(sess)

	t.mu.Lock()
	if t.session == sess {
		t.session = nil
	}
	t.mu.Unlock()
	sess.close()
	t.logger.Info("client_disconnected", slog.String("session_id", sess.id))
}

func (t *Transport) readLoop(sess *session) {
	for {
		msgType, payload, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}
		switch msgType {
		case websocket.BinaryMessage:
			if t.meter != nil {
				t.meter.Write(payload)
			}
			if t.coord != nil {
				data := make([]byte, len(payload))
				copy(data, payload)
				t.coord.OnAudioChunk(audio.Chunk{Data: data, Timestamp: time.Now()})
			}
		case websocket.TextMessage:
			var msg clientMessage
			if err := json.Unmarshal(payload, &msg); err != nil {
				continue
			}
			switch msg.Event {
			case "playback_done":
				sess.finishPlayback(msg.ID, nil)
			case "playback_error":
				sess.finishPlayback(msg.ID, errors.New(msg.Error))
			}
		}
	}
}

func (t *Transport) current() *session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session
}

// --- tts.Device ---

// Play pushes one audio payload to the connected client and returns a
// handle resolved by the client's playback acknowledgement.
func (t *Transport) Play(ctx context.Context, audioData []byte, mime string) (tts.Handle, error) {
	sess := t.current()
	if sess == nil {
		return nil, errors.New("no client connected")
	}
	return sess.play(audioData, mime)
}

// --- turn.StatusSink ---

func (t *Transport) Status(text string) { t.push(serverMessage{Event: "status", Text: text}) }

func (t *Transport) Partial(text string) { t.push(serverMessage{Event: "partial", Text: text}) }

func (t *Transport) Answer(text string) { t.push(serverMessage{Event: "answer", Text: text}) }

// OnStateChange lets the transport double as a state listener so the UI
// can mirror the coordinator.
func (t *Transport) OnStateChange(ev turn.StateChange) {
	t.push(serverMessage{Event: "state", State: ev.ToState.String()})
}

func (t *Transport) push(msg serverMessage) {
	if sess := t.current(); sess != nil {
		sess.send(msg)
	}
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	if t.cfg.AllowAnyOrigin {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range t.cfg.AllowedOrigins {
		if allowed == origin {
			return true
		}
	}
	return false
}

// session is one connected browser client. Writes are serialized through
// a single writer goroutine; the websocket connection does not allow
// concurrent writers.
type session struct {
	id     string
	conn   *websocket.Conn
	sendCh chan outbound
	logger *slog.Logger
	closed atomic.Bool

	mu       sync.Mutex
	playback *playbackHandle
}

type outbound struct {
	msg   *serverMessage
	audio []byte
}

func newSession(conn *websocket.Conn, logger *slog.Logger) *session {
	s := &session{
		id:     uuid.NewString(),
		conn:   conn,
		sendCh: make(chan outbound, 64),
		logger: logger,
	}
	go s.writeLoop()
	return s
}

func (s *session) writeLoop() {
	for out := range s.sendCh {
		if out.msg != nil {
			b, err := json.Marshal(out.msg)
			if err != nil {
				continue
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		}
		if out.audio != nil {
			if err := s.conn.WriteMessage(websocket.BinaryMessage, out.audio); err != nil {
				return
			}
		}
	}
}

func (s *session) send(msg serverMessage) {
	if s.closed.Load() {
		return
	}
	select {
	case s.sendCh <- outbound{msg: &msg}:
	default:
		s.logger.Warn("session_send_buffer_full", slog.String("session_id", s.id))
	}
}

func (s *session) play(audioData []byte, mime string) (tts.Handle, error) {
	h := &playbackHandle{
		id:   uuid.NewString(),
		sess: s,
		done: make(chan struct{}),
	}
	s.mu.Lock()
	if prev := s.playback; prev != nil {
		// The player guarantees at most one playback; a leftover handle
		// means its teardown ack never arrived. Resolve it as stopped.
		prev.finish(nil)
	}
	s.playback = h
	s.mu.Unlock()

	if s.closed.Load() {
		return nil, errors.New("session closed")
	}
	select {
	case s.sendCh <- outbound{
		msg:   &serverMessage{Event: "audio", ID: h.id, MIME: mime},
		audio: audioData,
	}:
	default:
		return nil, errors.New("session send buffer full")
	}
	return h, nil
}

func (s *session) finishPlayback(id string, err error) {
	s.mu.Lock()
	h := s.playback
	if h != nil && (id == "" || h.id == id) {
		s.playback = nil
	} else {
		h = nil
	}
	s.mu.Unlock()
	if h != nil {
		h.finish(err)
	}
}

func (s *session) close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	close(s.sendCh)
	_ = s.conn.Close()
	// An in-flight playback can never be acknowledged now.
	s.finishPlayback("", errors.New("client disconnected"))
}

// playbackHandle tracks one pushed audio payload until the client
// acknowledges it.
type playbackHandle struct {
	id   string
	sess *session
	done chan struct{}
	once sync.Once
	err  error
}

func (h *playbackHandle) Done() <-chan struct{} { return h.done }

func (h *playbackHandle) Err() error { return h.err }

func (h *playbackHandle) Stop() {
	h.sess.send(serverMessage{Event: "audio_stop", ID: h.id})
	h.sess.finishPlayback(h.id, nil)
}

func (h *playbackHandle) finish(err error) {
	h.once.Do(func() {
		h.err = err
		close(h.done)
	})
}
