package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"

	"github.com/hugo-lorenzo-mato/verdict/internal/events"
	"github.com/hugo-lorenzo-mato/verdict/internal/web/ws"
)

// StreamURL turns a server base URL into its WebSocket event endpoint.
func StreamURL(base, session string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("parsing server url: %w", err)
	}
	switch u.Scheme {
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path += "/api/v1/ws"
	if session != "" {
		u.RawQuery = url.Values{"session": {session}}.Encode()
	}
	return u.String(), nil
}

// RemoteSource reads events from a running server's WebSocket stream.
type RemoteSource struct {
	conn  *websocket.Conn
	msgCh chan tea.Msg
	done  chan struct{}
	once  sync.Once
}

// DialRemote connects to a stream URL as returned by StreamURL.
func DialRemote(ctx context.Context, streamURL string) (*RemoteSource, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, streamURL, nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", streamURL, err)
	}
	s := &RemoteSource{conn: conn, msgCh: make(chan tea.Msg, 100), done: make(chan struct{})}
	go s.run()
	return s, nil
}

// Messages implements Source.
func (s *RemoteSource) Messages() <-chan tea.Msg {
	return s.msgCh
}

// Close ends the connection; the message channel closes after it.
func (s *RemoteSource) Close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = s.conn.Close()
	})
}

func (s *RemoteSource) run() {
	defer close(s.msgCh)
	for {
		var frame ws.Message
		if err := s.conn.ReadJSON(&frame); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				err = nil
			}
			s.send(ConnMsg{Connected: false, Err: err})
			return
		}
		if frame.Type == "connected" {
			s.send(ConnMsg{Connected: true})
			continue
		}
		e, err := decodeEvent(frame.Type, frame.Payload)
		if err != nil || e == nil {
			continue
		}
		if msg := FromEvent(e); msg != nil {
			s.send(msg)
		}
	}
}

func (s *RemoteSource) send(msg tea.Msg) {
	select {
	case s.msgCh <- msg:
	case <-s.done:
	}
}

// decodeEvent rebuilds a bus event from its wire form. Frames that are not
// session events yield nil.
func decodeEvent(eventType string, payload json.RawMessage) (events.Event, error) {
	var err error
	switch eventType {
	case events.TypeSessionOpened:
		var e events.SessionOpenedEvent
		err = json.Unmarshal(payload, &e)
		return e, err
	case events.TypeVoteCast:
		var e events.VoteCastEvent
		err = json.Unmarshal(payload, &e)
		return e, err
	case events.TypeVoteRejected:
		var e events.VoteRejectedEvent
		err = json.Unmarshal(payload, &e)
		return e, err
	case events.TypeSessionDecided, events.TypeSessionEscalated:
		var e events.DecisionEvent
		err = json.Unmarshal(payload, &e)
		return e, err
	case events.TypeSessionClosed:
		var e events.SessionClosedEvent
		err = json.Unmarshal(payload, &e)
		return e, err
	default:
		return nil, nil
	}
}
