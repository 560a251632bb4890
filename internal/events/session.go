package events

import (
	"time"

	"github.com/hugo-lorenzo-mato/verdict/internal/core"
)

// Event type constants for session lifecycle events.
const (
	TypeSessionOpened    = "session_opened"
	TypeVoteCast         = "vote_cast"
	TypeVoteRejected     = "vote_rejected"
	TypeSessionDecided   = "session_decided"
	TypeSessionEscalated = "session_escalated"
	TypeSessionClosed    = "session_closed"
)

// DecisionTypes lists the event types emitted on a terminal transition.
func DecisionTypes() []string {
	return []string{TypeSessionDecided, TypeSessionEscalated}
}

// SessionOpenedEvent is emitted when a session starts accepting votes.
type SessionOpenedEvent struct {
	BaseEvent
	SubjectType    string    `json:"subject_type"`
	SubjectID      string    `json:"subject_id"`
	RosterSize     int       `json:"roster_size"`
	VotingDeadline time.Time `json:"voting_deadline"`
}

// NewSessionOpenedEvent creates a new session opened event.
func NewSessionOpenedEvent(s *core.Session, rosterSize int) SessionOpenedEvent {
	return SessionOpenedEvent{
		BaseEvent:      NewBaseEvent(TypeSessionOpened, string(s.ID)),
		SubjectType:    s.SubjectType,
		SubjectID:      s.SubjectID,
		RosterSize:     rosterSize,
		VotingDeadline: s.VotingDeadline,
	}
}

// VoteCastEvent is emitted for every accepted vote.
type VoteCastEvent struct {
	BaseEvent
	AgentID    string       `json:"agent_id"`
	VoteType   string       `json:"vote_type"`
	Confidence float64      `json:"confidence"`
	Tallies    core.Tallies `json:"tallies"`
}

// NewVoteCastEvent creates a new vote cast event.
func NewVoteCastEvent(v *core.Vote, tallies core.Tallies) VoteCastEvent {
	return VoteCastEvent{
		BaseEvent:  NewBaseEvent(TypeVoteCast, string(v.SessionID)),
		AgentID:    string(v.AgentID),
		VoteType:   string(v.Type),
		Confidence: v.Confidence,
		Tallies:    tallies,
	}
}

// VoteRejectedEvent is emitted when a vote is refused.
type VoteRejectedEvent struct {
	BaseEvent
	AgentID string `json:"agent_id"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewVoteRejectedEvent creates a new vote rejected event.
func NewVoteRejectedEvent(sessionID core.SessionID, agentID core.AgentID, code, message string) VoteRejectedEvent {
	return VoteRejectedEvent{
		BaseEvent: NewBaseEvent(TypeVoteRejected, string(sessionID)),
		AgentID:   string(agentID),
		Code:      code,
		Message:   message,
	}
}

// DecisionEvent is emitted exactly once per session on reaching DECIDED or
// ESCALATED. Notification and dashboard collaborators consume it.
type DecisionEvent struct {
	BaseEvent
	SubjectType string              `json:"subject_type"`
	SubjectID   string              `json:"subject_id"`
	Decision    core.Decision       `json:"decision"`
	Reason      core.DecisionReason `json:"reason"`
	Tallies     core.Tallies        `json:"tallies"`
	DecidedAt   time.Time           `json:"decided_at"`
}

// NewDecisionEvent creates a decision event for a session that just reached
// a terminal state.
func NewDecisionEvent(s *core.Session, v core.Verdict, decidedAt time.Time) DecisionEvent {
	eventType := TypeSessionDecided
	if v.Decision == core.DecisionEscalated {
		eventType = TypeSessionEscalated
	}
	return DecisionEvent{
		BaseEvent:   NewBaseEvent(eventType, string(s.ID)),
		SubjectType: s.SubjectType,
		SubjectID:   s.SubjectID,
		Decision:    v.Decision,
		Reason:      v.Reason,
		Tallies:     v.Tallies,
		DecidedAt:   decidedAt,
	}
}

// SessionClosedEvent is emitted when a decided session is closed.
type SessionClosedEvent struct {
	BaseEvent
	ClosedAt time.Time `json:"closed_at"`
}

// NewSessionClosedEvent creates a new session closed event.
func NewSessionClosedEvent(sessionID core.SessionID, closedAt time.Time) SessionClosedEvent {
	return SessionClosedEvent{
		BaseEvent: NewBaseEvent(TypeSessionClosed, string(sessionID)),
		ClosedAt:  closedAt,
	}
}
