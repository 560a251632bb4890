package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/verdict/internal/adapters/state"
	"github.com/hugo-lorenzo-mato/verdict/internal/consensus"
	"github.com/hugo-lorenzo-mato/verdict/internal/core"
	"github.com/hugo-lorenzo-mato/verdict/internal/ledger"
	"github.com/hugo-lorenzo-mato/verdict/internal/roster"
	"github.com/hugo-lorenzo-mato/verdict/internal/session"
	"github.com/hugo-lorenzo-mato/verdict/internal/testutil"
	"github.com/hugo-lorenzo-mato/verdict/internal/vote"
)

type engine struct {
	store     *state.MemoryStore
	clock     *testutil.FakeClock
	ledger    *ledger.Ledger
	sessions  *session.Manager
	collector *vote.Collector
	sched     *Scheduler
}

func newEngine(t *testing.T, agents int, attach bool) *engine {
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
	sched := New(Config{}, mgr, clock, nil)
	if attach {
		mgr.SetScheduler(sched)
	}
	t.Cleanup(sched.Stop)

	return &engine{
		store:     store,
		clock:     clock,
		ledger:    l,
		sessions:  mgr,
		collector: vote.NewCollector(mgr, store, nil, nil, nil),
		sched:     sched,
	}
}

func (e *engine) open(t *testing.T, window time.Duration) *core.Session {
	t.Helper()
	sess, err := e.sessions.OpenSession(context.Background(), "change", "CHG-42", testutil.Rule(window))
	require.NoError(t, err)
	return sess
}

func (e *engine) status(t *testing.T, id core.SessionID) *core.Session {
	t.Helper()
	s, err := e.sessions.GetStatus(context.Background(), id)
	require.NoError(t, err)
	return s
}

func terminalEntries(t *testing.T, l *ledger.Ledger, id core.SessionID) int {
	t.Helper()
	entries, err := l.ReadAll(context.Background(), id)
	require.NoError(t, err)
	require.NoError(t, ledger.Verify(entries))
	n := 0
	for _, e := range entries {
		if e.EventType == core.EventSessionDecided || e.EventType == core.EventSessionEscalated {
			n++
		}
	}
	return n
}

func TestTimeout_EscalatesPartialVote(t *testing.T) {
	e := newEngine(t, 33, true)
	sess := e.open(t, 30*time.Minute)
	require.Equal(t, 1, e.sched.Pending())

	for i := 0; i < 10; i++ {
		_, err := e.collector.CastVote(context.Background(), vote.Ballot{
			SessionID: sess.ID, AgentID: testutil.AgentID(i), Type: core.VoteApprove, Confidence: 0.9,
		})
		require.NoError(t, err)
	}

	e.clock.Advance(29 * time.Minute)
	assert.Equal(t, core.StatusVoting, e.status(t, sess.ID).Status)

	e.clock.Advance(time.Minute)
	got := e.status(t, sess.ID)
	assert.Equal(t, core.StatusEscalated, got.Status)
	assert.Equal(t, core.DecisionEscalated, got.Decision)
	assert.Equal(t, core.ReasonTimeout, got.Reason)
	require.NotNil(t, got.Tallies)
	assert.Equal(t, 10.0, got.Tallies.Approve)
	assert.Equal(t, 10, got.Tallies.Votes)
	assert.Equal(t, 0, e.sched.Pending())
	assert.Equal(t, 1, terminalEntries(t, e.ledger, sess.ID))
}

func TestDecisionCancelsTimer(t *testing.T) {
	e := newEngine(t, 3, true)
	sess := e.open(t, time.Minute)

	for i := 0; i < 2; i++ {
		_, err := e.collector.CastVote(context.Background(), vote.Ballot{
			SessionID: sess.ID, AgentID: testutil.AgentID(i), Type: core.VoteReject, Confidence: 0.6,
		})
		require.NoError(t, err)
	}
	assert.Equal(t, 0, e.sched.Pending())
	assert.Equal(t, 0, e.clock.Pending())

	e.clock.Advance(time.Hour)
	got := e.status(t, sess.ID)
	assert.Equal(t, core.DecisionRejected, got.Decision)
	assert.Equal(t, 1, terminalEntries(t, e.ledger, sess.ID))
}

func TestVoteTimeoutRace_SingleTerminalState(t *testing.T) {
	for round := 0; round < 20; round++ {
		e := newEngine(t, 33, true)
		sess := e.open(t, time.Minute)

		var wg sync.WaitGroup
		for i := 0; i < 33; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := e.collector.CastVote(context.Background(), vote.Ballot{
					SessionID: sess.ID, AgentID: testutil.AgentID(i), Type: core.VoteApprove, Confidence: 1,
				})
				if err != nil {
					assert.True(t, core.IsCode(err, core.CodeSessionNotOpen), "unexpected error: %v", err)
				}
			}(i)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.clock.Advance(time.Minute)
		}()
		wg.Wait()

		got := e.status(t, sess.ID)
		require.True(t, got.Status.IsTerminal())
		require.Equal(t, 1, terminalEntries(t, e.ledger, sess.ID))

		entries, err := e.ledger.ReadAll(context.Background(), sess.ID)
		require.NoError(t, err)
		snap, err := e.sessions.Snapshot(context.Background(), sess.RosterSnapshotID)
		require.NoError(t, err)
		replayed, err := consensus.Replay(entries, *snap)
		require.NoError(t, err)
		assert.True(t, replayed.Consistent(), "round %d: ledger does not reproduce %s/%s", round, got.Decision, got.Reason)

		votes, err := e.sessions.Votes(context.Background(), sess.ID)
		require.NoError(t, err)
		assert.Len(t, replayed.Votes, len(votes))
	}
}

func TestStart_RehydratesOpenSessions(t *testing.T) {
	e := newEngine(t, 3, false)
	first := e.open(t, time.Minute)
	second := e.open(t, time.Hour)
	assert.Equal(t, 0, e.sched.Pending())

	require.NoError(t, e.sched.Start(context.Background()))
	assert.Equal(t, 2, e.sched.Pending())

	e.clock.Advance(time.Minute)
	assert.Equal(t, core.StatusEscalated, e.status(t, first.ID).Status)
	assert.Equal(t, core.StatusVoting, e.status(t, second.ID).Status)
}

func TestStart_PastDeadlineFiresImmediately(t *testing.T) {
	e := newEngine(t, 3, false)
	sess := e.open(t, time.Minute)
	e.clock.Advance(time.Hour)

	require.NoError(t, e.sched.Start(context.Background()))
	assert.Equal(t, core.StatusEscalated, e.status(t, sess.ID).Status)
	assert.Equal(t, 0, e.sched.Pending())
}

func TestSweep_ResolvesMissedDeadlines(t *testing.T) {
	e := newEngine(t, 3, false)
	expired := e.open(t, time.Minute)
	live := e.open(t, time.Hour)
	e.clock.Advance(2 * time.Minute)

	n, err := e.sched.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, core.StatusEscalated, e.status(t, expired.ID).Status)
	assert.Equal(t, core.StatusVoting, e.status(t, live.ID).Status)

	n, err = e.sched.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestClosedSessionReadsAreStable(t *testing.T) {
	e := newEngine(t, 3, true)
	sess := e.open(t, time.Minute)
	e.clock.Advance(time.Minute)

	closed, err := e.sessions.Close(context.Background(), sess.ID, "oncall")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		e.clock.Advance(time.Hour)
		got := e.status(t, sess.ID)
		assert.Equal(t, closed.Status, got.Status)
		assert.Equal(t, closed.Decision, got.Decision)
		assert.Equal(t, closed.Reason, got.Reason)
		assert.Equal(t, closed.ClosedAt.UTC(), got.ClosedAt.UTC())
	}
}

func TestStop_IgnoresLaterSchedules(t *testing.T) {
	e := newEngine(t, 3, true)
	e.sched.Stop()
	sess := e.open(t, time.Minute)
	assert.Equal(t, 0, e.sched.Pending())

	e.clock.Advance(time.Hour)
	assert.Equal(t, core.StatusVoting, e.status(t, sess.ID).Status)
}
