package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/verdict/internal/adapters/state"
	"github.com/hugo-lorenzo-mato/verdict/internal/core"
	"github.com/hugo-lorenzo-mato/verdict/internal/events"
	"github.com/hugo-lorenzo-mato/verdict/internal/ledger"
	"github.com/hugo-lorenzo-mato/verdict/internal/roster"
	"github.com/hugo-lorenzo-mato/verdict/internal/testutil"
)

type recordingScheduler struct {
	mu        sync.Mutex
	scheduled map[core.SessionID]time.Time
	cancelled []core.SessionID
}

func (r *recordingScheduler) Schedule(id core.SessionID, deadline time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scheduled[id] = deadline
}

func (r *recordingScheduler) Cancel(id core.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = append(r.cancelled, id)
}

type fixture struct {
	mgr    *Manager
	store  *state.MemoryStore
	clock  *testutil.FakeClock
	ledger *ledger.Ledger
	bus    *events.EventBus
	sched  *recordingScheduler
}

func newFixture(t *testing.T, agents int) *fixture {
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
	bus := events.New(64)
	t.Cleanup(bus.Close)

	mgr := NewManager(Options{Store: store, Roster: reg, Ledger: l, Bus: bus, Clock: clock})
	sched := &recordingScheduler{scheduled: make(map[core.SessionID]time.Time)}
	mgr.SetScheduler(sched)
	return &fixture{mgr: mgr, store: store, clock: clock, ledger: l, bus: bus, sched: sched}
}

func (f *fixture) open(t *testing.T) *core.Session {
	t.Helper()
	sess, err := f.mgr.OpenSession(context.Background(), "incident", "INC-1", testutil.Rule(time.Minute))
	require.NoError(t, err)
	return sess
}

func (f *fixture) vote(t *testing.T, sid core.SessionID, i int, vt core.VoteType) {
	t.Helper()
	require.NoError(t, f.store.InsertVote(context.Background(), &core.Vote{
		SessionID: sid, AgentID: testutil.AgentID(i), Type: vt, Confidence: 0.8, VotedAt: f.clock.Now(),
	}))
}

func eventTypes(t *testing.T, l *ledger.Ledger, sid core.SessionID) []core.LedgerEventType {
	t.Helper()
	entries, err := l.ReadAll(context.Background(), sid)
	require.NoError(t, err)
	require.NoError(t, ledger.Verify(entries))
	out := make([]core.LedgerEventType, len(entries))
	for i, e := range entries {
		out[i] = e.EventType
	}
	return out
}

func TestOpenSession(t *testing.T) {
	f := newFixture(t, 5)
	opened := f.bus.Subscribe(events.TypeSessionOpened)

	sess := f.open(t)
	assert.Equal(t, core.StatusVoting, sess.Status)
	assert.Equal(t, testutil.Epoch.Add(time.Minute), sess.VotingDeadline)
	assert.Equal(t, sess.VotingDeadline, f.sched.scheduled[sess.ID])

	stored, err := f.mgr.GetStatus(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusVoting, stored.Status)

	snap, err := f.mgr.Snapshot(context.Background(), sess.RosterSnapshotID)
	require.NoError(t, err)
	assert.Equal(t, 5, snap.Size())

	assert.Equal(t, []core.LedgerEventType{core.EventSessionOpened}, eventTypes(t, f.ledger, sess.ID))

	select {
	case ev := <-opened:
		assert.Equal(t, string(sess.ID), ev.SessionID())
	case <-time.After(time.Second):
		t.Fatal("no session_opened event")
	}
}

func TestOpenSession_Rejections(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	_, err := f.mgr.OpenSession(ctx, "", "x", testutil.Rule(time.Minute))
	assert.True(t, core.IsCode(err, core.CodeInvalidSubject))

	bad := testutil.Rule(time.Minute)
	bad.QuorumFraction = 0.5
	_, err = f.mgr.OpenSession(ctx, "incident", "x", bad)
	assert.True(t, core.IsCode(err, core.CodeInvalidRule))

	_, err = f.mgr.OpenSession(ctx, "incident", "x", testutil.Rule(time.Minute))
	assert.True(t, core.IsCode(err, core.CodeRosterTooSmall))

	sessions, err := f.mgr.ListSessions(ctx, core.SessionFilter{})
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestDecide_ExactlyOneWinner(t *testing.T) {
	f := newFixture(t, 3)
	sess := f.open(t)
	decided := f.bus.SubscribePriority(events.DecisionTypes()...)

	verdicts := []core.Verdict{
		{Decision: core.DecisionApproved, Reason: core.ReasonQuorum},
		{Decision: core.DecisionEscalated, Reason: core.ReasonTimeout},
	}

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := f.mgr.Decide(context.Background(), sess.ID, verdicts[i%2])
			assert.NoError(t, err)
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)

	types := eventTypes(t, f.ledger, sess.ID)
	require.Len(t, types, 2)
	assert.Contains(t, []core.LedgerEventType{core.EventSessionDecided, core.EventSessionEscalated}, types[1])
	assert.Equal(t, []core.SessionID{sess.ID}, f.sched.cancelled)

	select {
	case ev := <-decided:
		assert.Equal(t, string(sess.ID), ev.SessionID())
	case <-time.After(time.Second):
		t.Fatal("no decision event")
	}
}

func TestExpire_EscalatesWithTallies(t *testing.T) {
	f := newFixture(t, 33)
	sess := f.open(t)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		f.vote(t, sess.ID, i, core.VoteApprove)
	}

	ok, err := f.mgr.Expire(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, ok, "deadline not reached")

	f.clock.Advance(time.Minute)
	ok, err = f.mgr.Expire(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := f.mgr.GetStatus(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusEscalated, got.Status)
	assert.Equal(t, core.ReasonTimeout, got.Reason)
	require.NotNil(t, got.Tallies)
	assert.Equal(t, 10.0, got.Tallies.Approve)
	assert.Equal(t, 22.0, got.Tallies.QuorumNeeded)

	ok, err = f.mgr.Expire(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []core.LedgerEventType{core.EventSessionOpened, core.EventSessionEscalated}, eventTypes(t, f.ledger, sess.ID))
}

func TestExpire_PrefersDecisiveVotes(t *testing.T) {
	f := newFixture(t, 3)
	sess := f.open(t)
	f.vote(t, sess.ID, 0, core.VoteReject)
	f.vote(t, sess.ID, 1, core.VoteReject)

	f.clock.Advance(2 * time.Minute)
	ok, err := f.mgr.Expire(context.Background(), sess.ID)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := f.mgr.GetStatus(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusDecided, got.Status)
	assert.Equal(t, core.DecisionRejected, got.Decision)
	assert.Equal(t, core.ReasonQuorum, got.Reason)
}

func TestClose(t *testing.T) {
	f := newFixture(t, 3)
	sess := f.open(t)
	ctx := context.Background()

	_, err := f.mgr.Close(ctx, sess.ID, "oncall")
	assert.True(t, core.IsCode(err, core.CodeInvalidState))

	_, err = f.mgr.Decide(ctx, sess.ID, core.Verdict{Decision: core.DecisionApproved, Reason: core.ReasonQuorum})
	require.NoError(t, err)

	f.clock.Advance(time.Second)
	closed, err := f.mgr.Close(ctx, sess.ID, "oncall")
	require.NoError(t, err)
	assert.Equal(t, core.StatusClosed, closed.Status)
	require.NotNil(t, closed.ClosedAt)

	again, err := f.mgr.Close(ctx, sess.ID, "someone-else")
	require.NoError(t, err)
	assert.Equal(t, closed.ClosedAt.UTC(), again.ClosedAt.UTC())
	assert.Equal(t, core.DecisionApproved, again.Decision)

	written, err := f.mgr.AppendUnlessClosed(ctx, sess.ID, core.EventVoteRejected, core.VoteRejectedPayload{
		AgentID: testutil.AgentID(2), Code: core.CodeSessionNotOpen,
	})
	require.NoError(t, err)
	assert.False(t, written)

	assert.Equal(t, []core.LedgerEventType{
		core.EventSessionOpened, core.EventSessionDecided, core.EventSessionClosed,
	}, eventTypes(t, f.ledger, sess.ID))
}

func TestWithin_UnknownSession(t *testing.T) {
	f := newFixture(t, 3)
	err := f.mgr.Within(context.Background(), "missing", func(*Guard) error {
		t.Fatal("callback ran for unknown session")
		return nil
	})
	assert.True(t, core.IsCode(err, core.CodeSessionNotFound))
}

// held reports how many session mutexes and roster snapshots are in memory.
func (m *Manager) held() (locks, snapshots int) {
	m.locksMu.Lock()
	locks = len(m.locks)
	m.locksMu.Unlock()
	m.snapMu.RLock()
	snapshots = len(m.snapshots)
	m.snapMu.RUnlock()
	return locks, snapshots
}

func TestClose_ReleasesSessionState(t *testing.T) {
	f := newFixture(t, 3)
	sess := f.open(t)
	ctx := context.Background()

	locks, snaps := f.mgr.held()
	assert.Equal(t, 0, locks)
	assert.Equal(t, 1, snaps)

	_, err := f.mgr.Decide(ctx, sess.ID, core.Verdict{Decision: core.DecisionApproved, Reason: core.ReasonQuorum})
	require.NoError(t, err)
	locks, snaps = f.mgr.held()
	assert.Equal(t, 1, locks)
	assert.Equal(t, 0, snaps, "terminal sessions do not keep their snapshot")

	_, err = f.mgr.Close(ctx, sess.ID, "oncall")
	require.NoError(t, err)
	locks, _ = f.mgr.held()
	assert.Equal(t, 0, locks)

	// Later reads still work and leave nothing behind.
	_, err = f.mgr.Close(ctx, sess.ID, "oncall")
	require.NoError(t, err)
	snap, err := f.mgr.Snapshot(ctx, sess.RosterSnapshotID)
	require.NoError(t, err)
	assert.Equal(t, 3, snap.Size())
	_ = f.mgr.Within(ctx, "missing", func(*Guard) error { return nil })

	locks, snaps = f.mgr.held()
	assert.Equal(t, 0, locks)
	assert.Equal(t, 0, snaps)
}

func TestDecide_SlowPrioritySubscriberDoesNotHoldSession(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	stalled := f.bus.SubscribePriority(events.DecisionTypes()...)
	approve := core.Verdict{Decision: core.DecisionApproved, Reason: core.ReasonQuorum}

	// Fill the priority buffer so the next decision blocks on delivery.
	for i := 0; i < cap(stalled); i++ {
		sess, err := f.mgr.OpenSession(ctx, "incident", fmt.Sprintf("INC-%d", i), testutil.Rule(time.Minute))
		require.NoError(t, err)
		_, err = f.mgr.Decide(ctx, sess.ID, approve)
		require.NoError(t, err)
	}

	last := f.open(t)
	decided := make(chan struct{})
	go func() {
		defer close(decided)
		ok, err := f.mgr.Decide(ctx, last.ID, approve)
		assert.NoError(t, err)
		assert.True(t, ok)
	}()

	require.Eventually(t, func() bool {
		got, err := f.mgr.GetStatus(ctx, last.ID)
		return err == nil && got.Status == core.StatusDecided
	}, time.Second, 5*time.Millisecond)

	closed := make(chan error, 1)
	go func() {
		_, err := f.mgr.Close(ctx, last.ID, "oncall")
		closed <- err
	}()
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("close blocked behind an undelivered decision event")
	}

	for i := 0; i <= cap(stalled); i++ {
		<-stalled
	}
	<-decided
}

// failingLedgerStore refuses ledger entries of one event type.
type failingLedgerStore struct {
	*state.MemoryStore
	refuse core.LedgerEventType
}

func (s *failingLedgerStore) AppendEntry(ctx context.Context, sid core.SessionID, seal core.LedgerSealer) (*core.LedgerEntry, error) {
	return s.MemoryStore.AppendEntry(ctx, sid, func(head *core.LedgerEntry) (*core.LedgerEntry, error) {
		e, err := seal(head)
		if err == nil && e.EventType == s.refuse {
			return nil, errors.New("disk full")
		}
		return e, err
	})
}

func TestDecide_LedgerFailureStillAnnounces(t *testing.T) {
	f := newFixture(t, 3)
	sess := f.open(t)
	ctx := context.Background()
	decided := f.bus.SubscribePriority(events.DecisionTypes()...)

	broken := ledger.New(&failingLedgerStore{MemoryStore: f.store, refuse: core.EventSessionDecided}, f.clock, nil)
	mgr := NewManager(Options{Store: f.store, Roster: f.mgr.roster, Ledger: broken, Bus: f.bus, Clock: f.clock})

	ok, err := mgr.Decide(ctx, sess.ID, core.Verdict{Decision: core.DecisionApproved, Reason: core.ReasonQuorum})
	assert.True(t, ok)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decided but not recorded")

	got, err := mgr.GetStatus(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusDecided, got.Status)
	assert.Equal(t, []core.LedgerEventType{core.EventSessionOpened}, eventTypes(t, f.ledger, sess.ID))

	select {
	case ev := <-decided:
		assert.Equal(t, string(sess.ID), ev.SessionID())
	case <-time.After(time.Second):
		t.Fatal("no decision event")
	}
}
