package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// TieBreakPolicy decides the outcome when every roster member has voted
// and no category reached quorum.
type TieBreakPolicy string

const (
	// TieBreakEscalate routes the case to human review (no consensus).
	TieBreakEscalate TieBreakPolicy = "escalate"
	// TieBreakReject fails closed and rejects the subject.
	TieBreakReject TieBreakPolicy = "reject"
)

// Weighting selects how voting power is assigned in a roster snapshot.
type Weighting string

const (
	// WeightingHeadcount gives every agent a weight of 1.
	WeightingHeadcount Weighting = "headcount"
	// WeightingAgent uses each agent's configured weight.
	WeightingAgent Weighting = "agent"
	// WeightingRole looks up the weight by role in RoleWeights.
	WeightingRole Weighting = "role"
)

// DefaultQuorumFraction is the supermajority needed for a binding decision.
// Any value above one half makes two categories crossing quorum impossible.
const DefaultQuorumFraction = 2.0 / 3.0

// ConsensusRule parameterises the consensus evaluation of one session.
// It is copied into the session at creation so later rule changes never
// affect open sessions.
type ConsensusRule struct {
	QuorumFraction float64          `json:"quorum_fraction"`
	MinRosterSize  int              `json:"min_roster_size"`
	TieBreak       TieBreakPolicy   `json:"tie_break_policy"`
	VotingWindow   time.Duration    `json:"voting_window"`
	Weighting      Weighting        `json:"weighting"`
	RoleWeights    map[Role]float64 `json:"role_weights,omitempty"`
}

// DefaultConsensusRule returns the default rule: 2/3 quorum, headcount weighting,
// escalation on deadlock and a one hour voting window.
func DefaultConsensusRule() ConsensusRule {
	return ConsensusRule{
		QuorumFraction: DefaultQuorumFraction,
		MinRosterSize:  3,
		TieBreak:       TieBreakEscalate,
		VotingWindow:   time.Hour,
		Weighting:      WeightingHeadcount,
	}
}

// Normalize fills zero-valued optional fields with defaults.
func (r ConsensusRule) Normalize() ConsensusRule {
	if r.TieBreak == "" {
		r.TieBreak = TieBreakEscalate
	}
	if r.Weighting == "" {
		r.Weighting = WeightingHeadcount
	}
	if r.MinRosterSize == 0 {
		r.MinRosterSize = 1
	}
	return r
}

// Validate checks the rule, returning an InvalidRule error on the first problem.
func (r ConsensusRule) Validate() error {
	if !(r.QuorumFraction > 0.5 && r.QuorumFraction <= 1.0) {
		return ErrInvalidRule(fmt.Sprintf("quorum fraction %.4f must be in (0.5, 1.0]", r.QuorumFraction)).
			WithDetail("quorum_fraction", r.QuorumFraction)
	}
	if r.MinRosterSize < 1 {
		return ErrInvalidRule(fmt.Sprintf("min roster size %d must be >= 1", r.MinRosterSize))
	}
	if r.VotingWindow <= 0 {
		return ErrInvalidRule(fmt.Sprintf("voting window %s must be positive", r.VotingWindow))
	}
	switch r.TieBreak {
	case TieBreakEscalate, TieBreakReject:
	default:
		return ErrInvalidRule(fmt.Sprintf("unknown tie-break policy %q", r.TieBreak))
	}
	switch r.Weighting {
	case WeightingHeadcount, WeightingAgent:
	case WeightingRole:
		if len(r.RoleWeights) == 0 {
			return ErrInvalidRule("role weighting requires role weights")
		}
		for role, w := range r.RoleWeights {
			if !role.Valid() {
				return ErrInvalidRule(fmt.Sprintf("unknown role %q in role weights", role))
			}
			if w < 0 {
				return ErrInvalidRule(fmt.Sprintf("role %s has negative weight", role))
			}
		}
	default:
		return ErrInvalidRule(fmt.Sprintf("unknown weighting %q", r.Weighting))
	}
	return nil
}

// WeightFor resolves the voting weight of an agent under this rule.
func (r ConsensusRule) WeightFor(a Agent) float64 {
	switch r.Weighting {
	case WeightingAgent:
		return a.Weight
	case WeightingRole:
		return r.RoleWeights[a.Role]
	default:
		return 1
	}
}

// Clone returns a copy that shares no map with r.
func (r ConsensusRule) Clone() ConsensusRule {
	if r.RoleWeights != nil {
		w := make(map[Role]float64, len(r.RoleWeights))
		for k, v := range r.RoleWeights {
			w[k] = v
		}
		r.RoleWeights = w
	}
	return r
}

// ruleJSON stores the voting window as a Go duration string.
type ruleJSON struct {
	QuorumFraction float64          `json:"quorum_fraction"`
	MinRosterSize  int              `json:"min_roster_size"`
	TieBreak       TieBreakPolicy   `json:"tie_break_policy"`
	VotingWindow   string           `json:"voting_window"`
	Weighting      Weighting        `json:"weighting"`
	RoleWeights    map[Role]float64 `json:"role_weights,omitempty"`
}

// MarshalJSON encodes the voting window as a duration string ("1h30m").
func (r ConsensusRule) MarshalJSON() ([]byte, error) {
	return json.Marshal(ruleJSON{
		QuorumFraction: r.QuorumFraction,
		MinRosterSize:  r.MinRosterSize,
		TieBreak:       r.TieBreak,
		VotingWindow:   r.VotingWindow.String(),
		Weighting:      r.Weighting,
		RoleWeights:    r.RoleWeights,
	})
}

// UnmarshalJSON accepts the voting window as a duration string.
func (r *ConsensusRule) UnmarshalJSON(data []byte) error {
	var raw ruleJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var window time.Duration
	if raw.VotingWindow != "" {
		d, err := time.ParseDuration(raw.VotingWindow)
		if err != nil {
			return fmt.Errorf("parsing voting window: %w", err)
		}
		window = d
	}
	*r = ConsensusRule{
		QuorumFraction: raw.QuorumFraction,
		MinRosterSize:  raw.MinRosterSize,
		TieBreak:       raw.TieBreak,
		VotingWindow:   window,
		Weighting:      raw.Weighting,
		RoleWeights:    raw.RoleWeights,
	}
	return nil
}
