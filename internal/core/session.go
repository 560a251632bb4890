package core

import (
	"time"
)

// SessionID identifies a review session.
type SessionID string

// SnapshotID identifies a persisted roster snapshot.
type SnapshotID string

// SessionStatus is the state of a review session. Transitions only move forward.
type SessionStatus string

const (
	StatusPending   SessionStatus = "PENDING"
	StatusVoting    SessionStatus = "VOTING"
	StatusDecided   SessionStatus = "DECIDED"
	StatusEscalated SessionStatus = "ESCALATED"
	StatusClosed    SessionStatus = "CLOSED"
)

// IsTerminal reports whether the session has reached a decision.
// CLOSED is terminal as well.
func (s SessionStatus) IsTerminal() bool {
	return s == StatusDecided || s == StatusEscalated || s == StatusClosed
}

var validTransitions = map[SessionStatus][]SessionStatus{
	StatusPending:   {StatusVoting},
	StatusVoting:    {StatusDecided, StatusEscalated},
	StatusDecided:   {StatusClosed},
	StatusEscalated: {StatusClosed},
}

// CanTransition reports whether moving from s to next is permitted.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// AgentRef is a roster member as frozen in a snapshot.
type AgentRef struct {
	ID     AgentID `json:"id"`
	Role   Role    `json:"role"`
	Weight float64 `json:"weight"`
}

// RosterSnapshot is the immutable voter set of a session.
type RosterSnapshot struct {
	ID            SnapshotID `json:"id"`
	RosterVersion int64      `json:"roster_version"`
	TakenAt       time.Time  `json:"taken_at"`
	Agents        []AgentRef `json:"agents"`
}

// Size returns the number of agents in the snapshot.
func (s *RosterSnapshot) Size() int {
	return len(s.Agents)
}

// TotalWeight sums the voting weight of every member.
func (s *RosterSnapshot) TotalWeight() float64 {
	var total float64
	for _, a := range s.Agents {
		total += a.Weight
	}
	return total
}

// Member returns the snapshot entry for id.
func (s *RosterSnapshot) Member(id AgentID) (AgentRef, bool) {
	for _, a := range s.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return AgentRef{}, false
}

// Decision is a session outcome.
type Decision string

const (
	DecisionApproved  Decision = "approved"
	DecisionRejected  Decision = "rejected"
	DecisionEscalated Decision = "escalated"
)

// DecisionReason explains how an outcome was reached.
type DecisionReason string

const (
	ReasonQuorum      DecisionReason = "quorum"
	ReasonNoConsensus DecisionReason = "no_consensus"
	ReasonTieBreak    DecisionReason = "tie_break"
	ReasonTimeout     DecisionReason = "timeout"
)

// TerminalStatus maps a decision to the session status it produces.
func (d Decision) TerminalStatus() SessionStatus {
	if d == DecisionEscalated {
		return StatusEscalated
	}
	return StatusDecided
}

// Tallies is the weighted vote count at the moment of evaluation.
type Tallies struct {
	Approve      float64 `json:"approve"`
	Reject       float64 `json:"reject"`
	Escalate     float64 `json:"escalate"`
	Votes        int     `json:"votes"`
	RosterSize   int     `json:"roster_size"`
	TotalWeight  float64 `json:"total_weight"`
	QuorumNeeded float64 `json:"quorum_needed"`
}

// Verdict is a decision together with its reason and tallies.
type Verdict struct {
	Decision Decision       `json:"decision"`
	Reason   DecisionReason `json:"reason"`
	Tallies  Tallies        `json:"tallies"`
}

// Session is one adjudication of a subject.
type Session struct {
	ID               SessionID      `json:"id"`
	SubjectType      string         `json:"subject_type"`
	SubjectID        string         `json:"subject_id"`
	RosterSnapshotID SnapshotID     `json:"roster_snapshot_id"`
	Rule             ConsensusRule  `json:"rule"`
	Status           SessionStatus  `json:"status"`
	OpenedAt         time.Time      `json:"opened_at"`
	VotingDeadline   time.Time      `json:"voting_deadline"`
	Decision         Decision       `json:"decision,omitempty"`
	Reason           DecisionReason `json:"reason,omitempty"`
	Tallies          *Tallies       `json:"tallies,omitempty"`
	DecidedAt        *time.Time     `json:"decided_at,omitempty"`
	ClosedAt         *time.Time     `json:"closed_at,omitempty"`
}

// Verdict returns the recorded verdict, if the session has one.
func (s *Session) Verdict() (Verdict, bool) {
	if s.Decision == "" {
		return Verdict{}, false
	}
	v := Verdict{Decision: s.Decision, Reason: s.Reason}
	if s.Tallies != nil {
		v.Tallies = *s.Tallies
	}
	return v, true
}

// Expired reports whether the voting deadline has passed at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.VotingDeadline)
}

// SessionFilter narrows session listings.
type SessionFilter struct {
	Status      SessionStatus
	SubjectType string
	SubjectID   string
	Limit       int
}

// TransitionPatch carries the fields written together with a status change.
type TransitionPatch struct {
	Verdict   *Verdict
	DecidedAt *time.Time
	ClosedAt  *time.Time
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	c := *s
	c.Rule = s.Rule.Clone()
	if s.Tallies != nil {
		t := *s.Tallies
		c.Tallies = &t
	}
	if s.DecidedAt != nil {
		t := *s.DecidedAt
		c.DecidedAt = &t
	}
	if s.ClosedAt != nil {
		t := *s.ClosedAt
		c.ClosedAt = &t
	}
	return &c
}

// Clone returns a deep copy of the snapshot.
func (s *RosterSnapshot) Clone() *RosterSnapshot {
	c := *s
	c.Agents = append([]AgentRef(nil), s.Agents...)
	return &c
}
