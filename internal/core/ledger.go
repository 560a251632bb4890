package core

import (
	"encoding/json"
	"time"
)

// LedgerEventType names a session lifecycle event.
type LedgerEventType string

const (
	EventSessionOpened    LedgerEventType = "session_opened"
	EventVoteCast         LedgerEventType = "vote_cast"
	EventVoteRejected     LedgerEventType = "vote_rejected"
	EventSessionDecided   LedgerEventType = "session_decided"
	EventSessionEscalated LedgerEventType = "session_escalated"
	EventSessionClosed    LedgerEventType = "session_closed"
)

// LedgerEntry is one append-only audit record. SequenceNo and the hash chain
// are assigned by the ledger, never by the caller.
type LedgerEntry struct {
	SessionID  SessionID       `json:"session_id"`
	SequenceNo int64           `json:"sequence_no"`
	EventType  LedgerEventType `json:"event_type"`
	Payload    json.RawMessage `json:"payload"`
	RecordedAt time.Time       `json:"recorded_at"`
	PrevHash   string          `json:"prev_hash"`
	Hash       string          `json:"hash"`
}

// SessionOpenedPayload is recorded when a session starts voting.
type SessionOpenedPayload struct {
	SubjectType      string        `json:"subject_type"`
	SubjectID        string        `json:"subject_id"`
	RosterSnapshotID SnapshotID    `json:"roster_snapshot_id"`
	RosterSize       int           `json:"roster_size"`
	Rule             ConsensusRule `json:"rule"`
	VotingDeadline   time.Time     `json:"voting_deadline"`
}

// VoteCastPayload is recorded for every accepted vote.
type VoteCastPayload struct {
	AgentID    AgentID   `json:"agent_id"`
	VoteType   VoteType  `json:"vote_type"`
	Confidence float64   `json:"confidence"`
	VotedAt    time.Time `json:"voted_at"`
}

// VoteRejectedPayload is recorded for state-conflict rejections.
type VoteRejectedPayload struct {
	AgentID  AgentID  `json:"agent_id"`
	VoteType VoteType `json:"vote_type"`
	Code     string   `json:"code"`
	Message  string   `json:"message"`
}

// SessionDecidedPayload is recorded on the terminal transition.
type SessionDecidedPayload struct {
	Verdict   Verdict   `json:"verdict"`
	DecidedAt time.Time `json:"decided_at"`
}

// SessionClosedPayload is recorded when post-processing is acknowledged.
type SessionClosedPayload struct {
	ClosedAt time.Time `json:"closed_at"`
	AckedBy  string    `json:"acked_by,omitempty"`
}
