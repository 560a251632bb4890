package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hugo-lorenzo-mato/verdict/internal/core"
	"github.com/hugo-lorenzo-mato/verdict/internal/events"
)

// SessionOpenedMsg adds a session to the view.
type SessionOpenedMsg struct {
	SessionID   string
	SubjectType string
	SubjectID   string
	RosterSize  int
	Deadline    time.Time
	At          time.Time
}

// VoteMsg records an accepted vote.
type VoteMsg struct {
	SessionID  string
	AgentID    string
	VoteType   string
	Confidence float64
	Tallies    core.Tallies
	At         time.Time
}

// RejectedMsg records a refused vote.
type RejectedMsg struct {
	SessionID string
	AgentID   string
	Code      string
	At        time.Time
}

// DecisionMsg marks a session decided or escalated.
type DecisionMsg struct {
	SessionID   string
	SubjectType string
	SubjectID   string
	Decision    core.Decision
	Reason      core.DecisionReason
	Tallies     core.Tallies
	At          time.Time
}

// ClosedMsg marks a session closed.
type ClosedMsg struct {
	SessionID string
	At        time.Time
}

// SeedMsg loads sessions that existed before the stream started.
type SeedMsg struct {
	Sessions []core.Session
}

// ConnMsg reports the state of the event source.
type ConnMsg struct {
	Connected bool
	Err       error
}

// FromEvent converts a bus event into a view message. Unknown events
// yield nil.
func FromEvent(e events.Event) tea.Msg {
	switch ev := e.(type) {
	case events.SessionOpenedEvent:
		return SessionOpenedMsg{
			SessionID:   ev.SessionID(),
			SubjectType: ev.SubjectType,
			SubjectID:   ev.SubjectID,
			RosterSize:  ev.RosterSize,
			Deadline:    ev.VotingDeadline,
			At:          ev.Timestamp(),
		}
	case events.VoteCastEvent:
		return VoteMsg{
			SessionID:  ev.SessionID(),
			AgentID:    ev.AgentID,
			VoteType:   ev.VoteType,
			Confidence: ev.Confidence,
			Tallies:    ev.Tallies,
			At:         ev.Timestamp(),
		}
	case events.VoteRejectedEvent:
		return RejectedMsg{
			SessionID: ev.SessionID(),
			AgentID:   ev.AgentID,
			Code:      ev.Code,
			At:        ev.Timestamp(),
		}
	case events.DecisionEvent:
		return DecisionMsg{
			SessionID:   ev.SessionID(),
			SubjectType: ev.SubjectType,
			SubjectID:   ev.SubjectID,
			Decision:    ev.Decision,
			Reason:      ev.Reason,
			Tallies:     ev.Tallies,
			At:          ev.DecidedAt,
		}
	case events.SessionClosedEvent:
		return ClosedMsg{SessionID: ev.SessionID(), At: ev.ClosedAt}
	default:
		return nil
	}
}
