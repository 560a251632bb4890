package core

import (
	"fmt"
	"math"
	"time"
)

// VoteType is the position an agent takes.
type VoteType string

const (
	VoteApprove  VoteType = "approve"
	VoteReject   VoteType = "reject"
	VoteEscalate VoteType = "escalate"
)

// ParseVoteType parses a vote type name.
func ParseVoteType(s string) (VoteType, error) {
	switch VoteType(s) {
	case VoteApprove, VoteReject, VoteEscalate:
		return VoteType(s), nil
	default:
		return "", ErrInvalidVote(fmt.Sprintf("unknown vote type %q", s))
	}
}

// Vote is a write-once ballot. At most one exists per (session, agent).
type Vote struct {
	SessionID  SessionID `json:"session_id"`
	AgentID    AgentID   `json:"agent_id"`
	Type       VoteType  `json:"vote_type"`
	Confidence float64   `json:"confidence"`
	VotedAt    time.Time `json:"voted_at"`
}

// ValidateConfidence checks that confidence is a finite value in [0,1].
func ValidateConfidence(c float64) error {
	if math.IsNaN(c) || c < 0 || c > 1 {
		return ErrInvalidVote(fmt.Sprintf("confidence %v must be within [0,1]", c)).
			WithDetail("confidence", c)
	}
	return nil
}
