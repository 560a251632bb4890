// Package ws streams session events to WebSocket clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hugo-lorenzo-mato/verdict/internal/events"
	"github.com/hugo-lorenzo-mato/verdict/internal/metrics"
	"github.com/hugo-lorenzo-mato/verdict/internal/web/sse"
)

// Message is the JSON frame exchanged in both directions.
type Message struct {
	Type    string          `json:"type"` // "subscribe", "ping" from clients; event types from the server
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is a frame sent by the server.
type Response struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// SubscribePayload changes the session filter of a live connection.
type SubscribePayload struct {
	Session string `json:"session"`
}

const writeWait = 10 * time.Second

// Stream upgrades connections and forwards bus events. The query
// parameters are the same as the SSE endpoint's.
type Stream struct {
	bus          *events.EventBus
	metrics      *metrics.Metrics
	logger       *slog.Logger
	upgrader     websocket.Upgrader
	pingInterval time.Duration
}

// NewStream creates a stream handler. Browser origins must appear in
// allowedOrigins ("*" allows any); requests without an Origin are accepted.
func NewStream(bus *events.EventBus, m *metrics.Metrics, logger *slog.Logger, allowedOrigins []string) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return &Stream{
		bus:          bus,
		metrics:      m,
		logger:       logger,
		pingInterval: 30 * time.Second,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || allowed["*"] || allowed[origin]
			},
		},
	}
}

// SetPingInterval sets how often the server pings idle clients.
func (s *Stream) SetPingInterval(d time.Duration) {
	s.pingInterval = d
}

// filter is the per-connection session filter; the reader goroutine may
// change it while the writer reads it.
type filter struct {
	mu      sync.RWMutex
	session string
}

func (f *filter) set(session string) {
	f.mu.Lock()
	f.session = session
	f.mu.Unlock()
}

func (f *filter) allows(e events.Event) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.session == "" || e.SessionID() == f.session
}

// ServeHTTP implements http.Handler.
func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	s.metrics.StreamClientConnected(1)
	defer s.metrics.StreamClientConnected(-1)

	q := r.URL.Query()
	f := &filter{session: q.Get("session")}
	eventCh := s.bus.Subscribe(sse.ParseTypes(q.Get("types"), q.Get("decisions") == "true")...)
	defer s.bus.Unsubscribe(eventCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	replies := make(chan Response, 8)
	go s.readLoop(ctx, cancel, conn, f, replies)

	if err := write(conn, Response{Type: "connected", Payload: map[string]string{"session": f.session}}); err != nil {
		return
	}

	ping := time.NewTicker(s.pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case resp := <-replies:
			if err := write(conn, resp); err != nil {
				return
			}
		case e, ok := <-eventCh:
			if !ok {
				return
			}
			if !f.allows(e) {
				continue
			}
			if err := write(conn, Response{Type: e.EventType(), Payload: e}); err != nil {
				s.logger.Debug("websocket write failed", "error", err)
				return
			}
		}
	}
}

// readLoop handles client frames until the connection fails, then cancels
// the writer.
func (s *Stream) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, f *filter, replies chan<- Response) {
	defer cancel()
	reply := func(r Response) {
		select {
		case replies <- r:
		case <-ctx.Done():
		}
	}

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read error", "error", err)
			}
			return
		}

		switch msg.Type {
		case "subscribe":
			var p SubscribePayload
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				reply(errorResponse("invalid subscribe payload"))
				continue
			}
			f.set(p.Session)
			reply(Response{Type: "subscribed", Payload: map[string]string{"session": p.Session}})
		case "ping":
			reply(Response{Type: "pong", Payload: map[string]string{"status": "ok"}})
		default:
			reply(errorResponse("unknown message type: " + msg.Type))
		}
	}
}

func write(conn *websocket.Conn, r Response) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(r)
}

func errorResponse(message string) Response {
	return Response{Type: "error", Payload: map[string]string{"error": message}}
}
