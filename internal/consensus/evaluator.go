// Package consensus computes session outcomes from a vote log.
//
// Evaluate is a pure function: it performs no I/O, reads no clock and holds
// no state, so replaying a session's ledger always reproduces its decision.
package consensus

import (
	"math"
	"sort"

	"github.com/hugo-lorenzo-mato/verdict/internal/core"
)

// quorumEpsilon absorbs float rounding in quorumFraction*totalWeight
// (2/3 of 33 must be 22, not 23).
const quorumEpsilon = 1e-9

// Outcome is the result of one evaluation.
type Outcome struct {
	Decided bool
	Verdict core.Verdict
}

// Pending reports whether more votes (or the timeout) are needed.
func (o Outcome) Pending() bool {
	return !o.Decided
}

// QuorumNeeded returns ceil(fraction * totalWeight), tolerant of float error.
func QuorumNeeded(fraction, totalWeight float64) float64 {
	return math.Ceil(fraction*totalWeight - quorumEpsilon)
}

// Tally computes weighted tallies for the votes of snapshot members.
// Votes of non-members and repeated votes of one agent are ignored.
func Tally(votes []core.Vote, roster core.RosterSnapshot, rule core.ConsensusRule) core.Tallies {
	total := roster.TotalWeight()
	t := core.Tallies{
		RosterSize:   roster.Size(),
		TotalWeight:  total,
		QuorumNeeded: QuorumNeeded(rule.QuorumFraction, total),
	}

	seen := make(map[core.AgentID]bool, len(votes))
	for _, v := range canonical(votes) {
		member, ok := roster.Member(v.AgentID)
		if !ok || seen[v.AgentID] {
			continue
		}
		seen[v.AgentID] = true
		t.Votes++
		switch v.Type {
		case core.VoteApprove:
			t.Approve += member.Weight
		case core.VoteReject:
			t.Reject += member.Weight
		case core.VoteEscalate:
			t.Escalate += member.Weight
		}
	}
	return t
}

// Evaluate decides a session from its vote log, roster snapshot and rule.
//
// Only approve and reject can reach quorum; escalate ballots count toward
// participation but never decide a session on their own. Approve is checked
// before reject, and with a quorum fraction above one half at most one of
// them can reach quorum. When every member has voted without quorum the
// tie-break policy applies. Otherwise the session stays pending.
func Evaluate(votes []core.Vote, roster core.RosterSnapshot, rule core.ConsensusRule) Outcome {
	t := Tally(votes, roster, rule)

	// A zero-weight roster can never produce a binding vote.
	if t.TotalWeight <= 0 || t.QuorumNeeded <= 0 {
		return Outcome{Verdict: core.Verdict{Tallies: t}}
	}

	decide := func(d core.Decision, r core.DecisionReason) Outcome {
		return Outcome{Decided: true, Verdict: core.Verdict{Decision: d, Reason: r, Tallies: t}}
	}

	switch {
	case t.Approve >= t.QuorumNeeded:
		return decide(core.DecisionApproved, core.ReasonQuorum)
	case t.Reject >= t.QuorumNeeded:
		return decide(core.DecisionRejected, core.ReasonQuorum)
	}

	if t.Votes == roster.Size() {
		if rule.TieBreak == core.TieBreakReject {
			return decide(core.DecisionRejected, core.ReasonTieBreak)
		}
		return decide(core.DecisionEscalated, core.ReasonNoConsensus)
	}

	return Outcome{Verdict: core.Verdict{Tallies: t}}
}

// Timeout returns the forced escalation verdict for an expired session,
// carrying the tallies at the moment of expiry.
func Timeout(votes []core.Vote, roster core.RosterSnapshot, rule core.ConsensusRule) core.Verdict {
	return core.Verdict{
		Decision: core.DecisionEscalated,
		Reason:   core.ReasonTimeout,
		Tallies:  Tally(votes, roster, rule),
	}
}

// canonical returns a copy of votes in a fixed order so that the first vote
// kept for an agent never depends on arrival order.
func canonical(votes []core.Vote) []core.Vote {
	out := make([]core.Vote, len(votes))
	copy(out, votes)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.AgentID != b.AgentID {
			return a.AgentID < b.AgentID
		}
		if !a.VotedAt.Equal(b.VotedAt) {
			return a.VotedAt.Before(b.VotedAt)
		}
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		return a.Confidence < b.Confidence
	})
	return out
}
