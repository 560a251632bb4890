package consensus

import (
	"encoding/json"
	"fmt"

	"github.com/hugo-lorenzo-mato/verdict/internal/core"
)

// ReplayResult is the outcome of re-evaluating a session from its ledger.
type ReplayResult struct {
	Rule     core.ConsensusRule
	Votes    []core.Vote
	Outcome  Outcome
	Recorded *core.Verdict
}

// Consistent reports whether the recorded verdict matches what the vote log
// produces. A timeout escalation is consistent only when the votes alone
// leave the session pending.
func (r ReplayResult) Consistent() bool {
	if r.Recorded == nil {
		return r.Outcome.Pending()
	}
	if r.Recorded.Reason == core.ReasonTimeout {
		return r.Outcome.Pending()
	}
	return r.Outcome.Decided &&
		r.Outcome.Verdict.Decision == r.Recorded.Decision &&
		r.Outcome.Verdict.Reason == r.Recorded.Reason
}

// Records reports whether the ledger carries the terminal entry for the
// stored session. A session can be decided in storage without one when the
// ledger append failed after the status transition.
func (r ReplayResult) Records(s *core.Session) bool {
	if s.Decision == "" {
		return r.Recorded == nil
	}
	return r.Recorded != nil &&
		r.Recorded.Decision == s.Decision &&
		r.Recorded.Reason == s.Reason
}

// Replay rebuilds the vote log and rule from ledger entries and evaluates it
// against the session's roster snapshot.
func Replay(entries []core.LedgerEntry, roster core.RosterSnapshot) (ReplayResult, error) {
	var res ReplayResult
	ruleSeen := false

	for _, e := range entries {
		switch e.EventType {
		case core.EventSessionOpened:
			var p core.SessionOpenedPayload
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				return res, fmt.Errorf("decoding entry %d: %w", e.SequenceNo, err)
			}
			res.Rule = p.Rule
			ruleSeen = true
		case core.EventVoteCast:
			var p core.VoteCastPayload
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				return res, fmt.Errorf("decoding entry %d: %w", e.SequenceNo, err)
			}
			res.Votes = append(res.Votes, core.Vote{
				SessionID:  e.SessionID,
				AgentID:    p.AgentID,
				Type:       p.VoteType,
				Confidence: p.Confidence,
				VotedAt:    p.VotedAt,
			})
		case core.EventSessionDecided, core.EventSessionEscalated:
			var p core.SessionDecidedPayload
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				return res, fmt.Errorf("decoding entry %d: %w", e.SequenceNo, err)
			}
			v := p.Verdict
			res.Recorded = &v
		}
	}

	if !ruleSeen {
		return res, core.ErrState(core.CodeLedgerCorrupted, "ledger has no session_opened entry")
	}
	res.Outcome = Evaluate(res.Votes, roster, res.Rule)
	return res, nil
}
