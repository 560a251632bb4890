package vote

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/verdict/internal/adapters/state"
	"github.com/hugo-lorenzo-mato/verdict/internal/core"
	"github.com/hugo-lorenzo-mato/verdict/internal/ledger"
	"github.com/hugo-lorenzo-mato/verdict/internal/roster"
	"github.com/hugo-lorenzo-mato/verdict/internal/session"
	"github.com/hugo-lorenzo-mato/verdict/internal/testutil"
)

type harness struct {
	collector *Collector
	sessions  *session.Manager
	roster    *roster.Registry
	ledger    *ledger.Ledger
	clock     *testutil.FakeClock
	sess      *core.Session
}

func newHarness(t *testing.T, agents int) *harness {
	t.Helper()
	ctx := context.Background()
	store := state.NewMemoryStore()
	clock := testutil.NewFakeClock(testutil.Epoch)
	reg := roster.New(store, clock, nil)
	for _, a := range testutil.Agents(agents) {
		_, err := reg.Register(ctx, a)
		require.NoError(t, err)
	}
	l := ledger.New(store, clock, nil)
	mgr := session.NewManager(session.Options{Store: store, Roster: reg, Ledger: l, Clock: clock})
	sess, err := mgr.OpenSession(ctx, "incident", "INC-9", testutil.Rule(time.Minute))
	require.NoError(t, err)

	return &harness{
		collector: NewCollector(mgr, store, nil, nil, nil),
		sessions:  mgr,
		roster:    reg,
		ledger:    l,
		clock:     clock,
		sess:      sess,
	}
}

func (h *harness) cast(i int, vt core.VoteType) (*Receipt, error) {
	return h.collector.CastVote(context.Background(), Ballot{
		SessionID: h.sess.ID, AgentID: testutil.AgentID(i), Type: vt, Confidence: 0.7,
	})
}

func (h *harness) ledgerTypes(t *testing.T) []core.LedgerEventType {
	t.Helper()
	entries, err := h.ledger.ReadAll(context.Background(), h.sess.ID)
	require.NoError(t, err)
	require.NoError(t, ledger.Verify(entries))
	out := make([]core.LedgerEventType, len(entries))
	for i, e := range entries {
		out[i] = e.EventType
	}
	return out
}

func count(types []core.LedgerEventType, want core.LedgerEventType) int {
	n := 0
	for _, t := range types {
		if t == want {
			n++
		}
	}
	return n
}

func TestCastVote_QuorumDecides(t *testing.T) {
	h := newHarness(t, 33)

	for i := 0; i < 21; i++ {
		r, err := h.cast(i, core.VoteApprove)
		require.NoError(t, err)
		assert.False(t, r.Decided)
	}

	r, err := h.cast(21, core.VoteApprove)
	require.NoError(t, err)
	require.True(t, r.Decided)
	assert.Equal(t, core.DecisionApproved, r.Verdict.Decision)
	assert.Equal(t, core.ReasonQuorum, r.Verdict.Reason)
	assert.Equal(t, core.StatusDecided, r.Session.Status)

	_, err = h.cast(22, core.VoteReject)
	assert.True(t, core.IsCode(err, core.CodeSessionNotOpen))

	types := h.ledgerTypes(t)
	assert.Equal(t, core.EventVoteCast, types[22])
	assert.Equal(t, core.EventSessionDecided, types[23])
	assert.Equal(t, core.EventVoteRejected, types[24])
	assert.Equal(t, 22, count(types, core.EventVoteCast))
}

func TestCastVote_NoDoubleVoting(t *testing.T) {
	h := newHarness(t, 5)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		dupes    int
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			vt := core.VoteApprove
			if i%2 == 1 {
				vt = core.VoteReject
			}
			_, err := h.cast(0, vt)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case core.IsCode(err, core.CodeDuplicateVote):
				dupes++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, accepted)
	assert.Equal(t, 11, dupes)

	votes, err := h.sessions.Votes(context.Background(), h.sess.ID)
	require.NoError(t, err)
	assert.Len(t, votes, 1)
	assert.Equal(t, 1, count(h.ledgerTypes(t), core.EventVoteCast))
	assert.Equal(t, 11, count(h.ledgerTypes(t), core.EventVoteRejected))
}

func TestCastVote_AfterDeadlineForcesTimeout(t *testing.T) {
	h := newHarness(t, 33)
	for i := 0; i < 10; i++ {
		_, err := h.cast(i, core.VoteApprove)
		require.NoError(t, err)
	}

	h.clock.Advance(time.Minute)
	_, err := h.cast(10, core.VoteApprove)
	require.True(t, core.IsCode(err, core.CodeSessionNotOpen))

	got, err := h.sessions.GetStatus(context.Background(), h.sess.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusEscalated, got.Status)
	assert.Equal(t, core.ReasonTimeout, got.Reason)
	assert.Equal(t, 10.0, got.Tallies.Approve)

	votes, err := h.sessions.Votes(context.Background(), h.sess.ID)
	require.NoError(t, err)
	assert.Len(t, votes, 10)

	types := h.ledgerTypes(t)
	assert.Equal(t, core.EventSessionEscalated, types[11])
	assert.Equal(t, core.EventVoteRejected, types[12])
}

func TestCastVote_ValidationOrder(t *testing.T) {
	h := newHarness(t, 3)

	_, err := h.collector.CastVote(context.Background(), Ballot{
		SessionID: h.sess.ID, AgentID: "stranger", Type: core.VoteApprove, Confidence: 2,
	})
	assert.True(t, core.IsCode(err, core.CodeIneligibleAgent), "eligibility is checked before fields")

	_, err = h.collector.CastVote(context.Background(), Ballot{
		SessionID: h.sess.ID, AgentID: testutil.AgentID(0), Type: core.VoteApprove, Confidence: 1.5,
	})
	assert.True(t, core.IsCode(err, core.CodeInvalidVote))

	_, err = h.collector.CastVote(context.Background(), Ballot{
		SessionID: h.sess.ID, AgentID: testutil.AgentID(0), Type: "maybe", Confidence: 0.5,
	})
	assert.True(t, core.IsCode(err, core.CodeInvalidVote))

	_, err = h.collector.CastVote(context.Background(), Ballot{SessionID: "nope", AgentID: testutil.AgentID(0)})
	assert.True(t, core.IsCode(err, core.CodeSessionNotFound))

	// Input errors never reach the ledger.
	types := h.ledgerTypes(t)
	assert.Equal(t, 1, count(types, core.EventVoteRejected))
	assert.Equal(t, 0, count(types, core.EventVoteCast))
}

func TestCastVote_ClosedLedgerIsFinal(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()

	_, err := h.cast(0, core.VoteEscalate)
	require.NoError(t, err)
	_, err = h.cast(1, core.VoteEscalate)
	require.NoError(t, err)
	r, err := h.cast(2, core.VoteApprove)
	require.NoError(t, err)
	require.True(t, r.Decided)

	_, err = h.sessions.Close(ctx, h.sess.ID, "oncall")
	require.NoError(t, err)
	before := h.ledgerTypes(t)

	_, err = h.cast(2, core.VoteReject)
	assert.True(t, core.IsCode(err, core.CodeSessionNotOpen))
	assert.Equal(t, before, h.ledgerTypes(t))
	assert.Equal(t, core.EventSessionClosed, before[len(before)-1])
}

func TestCastVote_RosterChangesDoNotAffectOpenSession(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()

	_, err := h.cast(0, core.VoteApprove)
	require.NoError(t, err)

	_, err = h.roster.Deactivate(ctx, testutil.AgentID(0))
	require.NoError(t, err)
	_, err = h.roster.Register(ctx, testutil.Agents(4)[3])
	require.NoError(t, err)

	snap, err := h.sessions.Snapshot(ctx, h.sess.RosterSnapshotID)
	require.NoError(t, err)
	assert.Equal(t, 3, snap.Size())
	_, frozen := snap.Member(testutil.AgentID(0))
	assert.True(t, frozen)

	// Registered after the session opened.
	_, err = h.cast(3, core.VoteApprove)
	assert.True(t, core.IsCode(err, core.CodeIneligibleAgent))

	r, err := h.cast(1, core.VoteApprove)
	require.NoError(t, err)
	require.True(t, r.Decided)
	assert.Equal(t, core.DecisionApproved, r.Verdict.Decision)
	assert.Equal(t, core.ReasonQuorum, r.Verdict.Reason)
	assert.Equal(t, 2.0, r.Verdict.Tallies.Approve)
	assert.Equal(t, 2.0, r.Verdict.Tallies.QuorumNeeded)
	assert.Equal(t, 3.0, r.Verdict.Tallies.TotalWeight)

	votes, err := h.sessions.Votes(ctx, h.sess.ID)
	require.NoError(t, err)
	assert.Len(t, votes, 2)
}
