package consensus

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/verdict/internal/core"
)

func entry(t *testing.T, seq int64, et core.LedgerEventType, payload interface{}) core.LedgerEntry {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return core.LedgerEntry{SessionID: "s1", SequenceNo: seq, EventType: et, Payload: data, RecordedAt: t0}
}

func TestReplay_ReproducesDecision(t *testing.T) {
	snap := roster(3)
	rule := core.DefaultConsensusRule()

	entries := []core.LedgerEntry{
		entry(t, 1, core.EventSessionOpened, core.SessionOpenedPayload{Rule: rule, RosterSize: 3}),
	}
	for i, v := range votes(2, 0, 0) {
		entries = append(entries, entry(t, int64(i+2), core.EventVoteCast, core.VoteCastPayload{
			AgentID: v.AgentID, VoteType: v.Type, Confidence: v.Confidence, VotedAt: v.VotedAt,
		}))
	}
	recorded := Evaluate(votes(2, 0, 0), snap, rule).Verdict
	entries = append(entries, entry(t, 4, core.EventSessionDecided, core.SessionDecidedPayload{Verdict: recorded}))

	res, err := Replay(entries, snap)
	require.NoError(t, err)
	assert.Len(t, res.Votes, 2)
	assert.True(t, res.Outcome.Decided)
	assert.True(t, res.Consistent())
}

func TestReplay_TimeoutConsistentOnlyWhenPending(t *testing.T) {
	snap := roster(33)
	rule := core.DefaultConsensusRule()

	entries := []core.LedgerEntry{
		entry(t, 1, core.EventSessionOpened, core.SessionOpenedPayload{Rule: rule}),
		entry(t, 2, core.EventVoteCast, core.VoteCastPayload{AgentID: agentID(0), VoteType: core.VoteApprove, VotedAt: t0}),
		entry(t, 3, core.EventSessionEscalated, core.SessionDecidedPayload{
			Verdict: core.Verdict{Decision: core.DecisionEscalated, Reason: core.ReasonTimeout},
		}),
	}

	res, err := Replay(entries, snap)
	require.NoError(t, err)
	assert.True(t, res.Consistent())

	// A recorded approval that the votes cannot support is flagged.
	entries[2] = entry(t, 3, core.EventSessionDecided, core.SessionDecidedPayload{
		Verdict: core.Verdict{Decision: core.DecisionApproved, Reason: core.ReasonQuorum},
	})
	res, err = Replay(entries, snap)
	require.NoError(t, err)
	assert.False(t, res.Consistent())
}

func TestReplay_RequiresOpenedEntry(t *testing.T) {
	_, err := Replay(nil, roster(3))
	assert.True(t, core.IsCode(err, core.CodeLedgerCorrupted))
}

func TestReplay_RecordsFlagsMissingTerminalEntry(t *testing.T) {
	snap := roster(33)
	rule := core.DefaultConsensusRule()

	entries := []core.LedgerEntry{
		entry(t, 1, core.EventSessionOpened, core.SessionOpenedPayload{Rule: rule}),
		entry(t, 2, core.EventVoteCast, core.VoteCastPayload{AgentID: agentID(0), VoteType: core.VoteApprove, VotedAt: t0}),
	}
	escalated := &core.Session{
		Status:   core.StatusEscalated,
		Decision: core.DecisionEscalated,
		Reason:   core.ReasonTimeout,
	}

	res, err := Replay(entries, snap)
	require.NoError(t, err)
	// The votes alone look pending, so only the stored status shows the gap.
	assert.True(t, res.Consistent())
	assert.False(t, res.Records(escalated))
	assert.True(t, res.Records(&core.Session{Status: core.StatusVoting}))

	entries = append(entries, entry(t, 3, core.EventSessionEscalated, core.SessionDecidedPayload{
		Verdict: core.Verdict{Decision: core.DecisionEscalated, Reason: core.ReasonTimeout},
	}))
	res, err = Replay(entries, snap)
	require.NoError(t, err)
	assert.True(t, res.Records(escalated))
}
