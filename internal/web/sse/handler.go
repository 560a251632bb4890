// Package sse streams session events to web clients as Server-Sent Events.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/verdict/internal/events"
	"github.com/hugo-lorenzo-mato/verdict/internal/metrics"
)

// Handler streams events from the EventBus to connected SSE clients.
//
// Query parameters narrow the stream: session=<id> keeps one session's
// events, types=a,b keeps the listed event types and decisions=true is
// shorthand for the two decision types.
type Handler struct {
	bus           *events.EventBus
	metrics       *metrics.Metrics
	mu            sync.RWMutex
	clients       map[*client]struct{}
	heartbeatFreq time.Duration
}

type client struct {
	id      string
	done    chan struct{}
	session string
	closed  bool
}

// NewHandler creates a new SSE handler connected to the given EventBus.
// m may be nil.
func NewHandler(bus *events.EventBus, m *metrics.Metrics) *Handler {
	return &Handler{
		bus:           bus,
		metrics:       m,
		clients:       make(map[*client]struct{}),
		heartbeatFreq: 30 * time.Second,
	}
}

// SetHeartbeatFrequency sets the interval between heartbeat comments.
func (h *Handler) SetHeartbeatFrequency(d time.Duration) {
	h.heartbeatFreq = d
}

// ServeHTTP implements http.Handler for SSE connections.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}
	// The stream outlives the server's write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	q := r.URL.Query()
	types := ParseTypes(q.Get("types"), q.Get("decisions") == "true")
	c := &client{
		id:      fmt.Sprintf("%d", time.Now().UnixNano()),
		done:    make(chan struct{}),
		session: q.Get("session"),
	}

	h.addClient(c)
	defer h.removeClient(c)

	eventCh := h.bus.Subscribe(types...)
	defer h.bus.Unsubscribe(eventCh)

	h.sendEvent(w, flusher, "connected", map[string]interface{}{
		"client_id": c.id,
		"session":   c.session,
		"types":     types,
	})

	heartbeat := time.NewTicker(h.heartbeatFreq)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-heartbeat.C:
			h.sendComment(w, flusher, "heartbeat")
		case event, ok := <-eventCh:
			if !ok {
				return
			}
			if c.session != "" && event.SessionID() != c.session {
				continue
			}
			h.sendEvent(w, flusher, event.EventType(), event)
		}
	}
}

// ParseTypes turns a comma separated type list into bus filter types.
// An empty result subscribes to everything.
func ParseTypes(list string, decisionsOnly bool) []string {
	if decisionsOnly {
		return events.DecisionTypes()
	}
	var out []string
	for _, t := range strings.Split(list, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func (h *Handler) sendEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data interface{}) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, jsonData)
	flusher.Flush()
}

// sendComment sends an SSE comment (used for heartbeats).
func (h *Handler) sendComment(w http.ResponseWriter, flusher http.Flusher, comment string) {
	fmt.Fprintf(w, ": %s\n\n", comment)
	flusher.Flush()
}

func (h *Handler) addClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	h.metrics.StreamClientConnected(1)
}

func (h *Handler) removeClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		h.metrics.StreamClientConnected(-1)
	}
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}

// ClientCount returns the number of connected clients.
func (h *Handler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown disconnects all clients.
func (h *Handler) Shutdown(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		if !c.closed {
			c.closed = true
			close(c.done)
		}
		h.metrics.StreamClientConnected(-1)
	}
	h.clients = make(map[*client]struct{})
	return nil
}
