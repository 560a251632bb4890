package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// PlainPrinter writes one line per event for pipes, CI logs and --plain.
type PlainPrinter struct {
	w    io.Writer
	json bool
}

// NewPlainPrinter creates a printer; asJSON switches to JSON lines.
func NewPlainPrinter(w io.Writer, asJSON bool) *PlainPrinter {
	return &PlainPrinter{w: w, json: asJSON}
}

// jsonLine is the JSON-lines record.
type jsonLine struct {
	Event   string      `json:"event"`
	Session string      `json:"session_id,omitempty"`
	At      time.Time   `json:"at"`
	Data    interface{} `json:"data"`
}

// Print writes msg. Messages that are not session activity are ignored.
func (p *PlainPrinter) Print(msg tea.Msg) error {
	var (
		event, session, text string
		at                   time.Time
	)
	switch m := msg.(type) {
	case SessionOpenedMsg:
		event, session, at = "opened", m.SessionID, m.At
		text = fmt.Sprintf("%s/%s voters=%d deadline=%s", m.SubjectType, m.SubjectID, m.RosterSize, m.Deadline.UTC().Format(time.RFC3339))
	case VoteMsg:
		event, session, at = "vote", m.SessionID, m.At
		text = fmt.Sprintf("agent=%s vote=%s confidence=%.2f approve=%.2f reject=%.2f escalate=%.2f",
			m.AgentID, m.VoteType, m.Confidence, m.Tallies.Approve, m.Tallies.Reject, m.Tallies.Escalate)
	case RejectedMsg:
		event, session, at = "rejected", m.SessionID, m.At
		text = fmt.Sprintf("agent=%s code=%s", m.AgentID, m.Code)
	case DecisionMsg:
		event, session, at = "decision", m.SessionID, m.At
		text = fmt.Sprintf("decision=%s reason=%s approve=%.2f reject=%.2f escalate=%.2f",
			m.Decision, m.Reason, m.Tallies.Approve, m.Tallies.Reject, m.Tallies.Escalate)
	case ClosedMsg:
		event, session, at = "closed", m.SessionID, m.At
	case ConnMsg:
		event = "disconnected"
		if m.Connected {
			event = "connected"
		} else if m.Err != nil {
			text = m.Err.Error()
		}
	default:
		return nil
	}

	if p.json {
		return json.NewEncoder(p.w).Encode(jsonLine{Event: event, Session: session, At: at, Data: msg})
	}
	line := event
	if session != "" {
		line += " " + session
	}
	if text != "" {
		line += " " + text
	}
	if !at.IsZero() {
		line = at.UTC().Format(time.RFC3339) + " " + line
	}
	_, err := fmt.Fprintln(p.w, strings.TrimSpace(line))
	return err
}

// RunPlain prints src until it closes or ctx ends.
func RunPlain(ctx context.Context, src Source, p *PlainPrinter) error {
	defer src.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-src.Messages():
			if !ok {
				return nil
			}
			if err := p.Print(msg); err != nil {
				return err
			}
		}
	}
}
