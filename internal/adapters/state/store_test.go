package state

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/verdict/internal/core"
)

var (
	testNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	testSeq int64
)

// uniqueSuffix keeps ids distinct across runs against a shared database.
func uniqueSuffix() string {
	return fmt.Sprintf("%d-%d", time.Now().UnixNano(), atomic.AddInt64(&testSeq, 1))
}

// backends returns every store the conformance tests run against.
func backends(t *testing.T) map[string]core.Store {
	t.Helper()

	stores := map[string]core.Store{
		"memory": NewMemoryStore(),
	}

	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "verdict.db"))
	require.NoError(t, err)
	stores["sqlite"] = sqlite

	if dsn := os.Getenv("VERDICT_TEST_POSTGRES_DSN"); dsn != "" {
		pg, err := NewPostgresStore(context.Background(), dsn)
		require.NoError(t, err)
		stores["postgres"] = pg
	}

	t.Cleanup(func() {
		for _, s := range stores {
			_ = s.Close()
		}
	})
	return stores
}

// seedSession stores a snapshot and a VOTING session with a unique id.
func seedSession(t *testing.T, s core.Store) *core.Session {
	t.Helper()
	ctx := context.Background()
	suffix := uniqueSuffix()

	snap := &core.RosterSnapshot{
		ID:      core.SnapshotID("snap-" + suffix),
		TakenAt: testNow,
		Agents: []core.AgentRef{
			{ID: "a1", Role: core.RoleGuardian, Weight: 1},
			{ID: "a2", Role: core.RoleArbiter, Weight: 1},
		},
	}
	require.NoError(t, s.SaveSnapshot(ctx, snap))

	sess := &core.Session{
		ID:               core.SessionID("sess-" + suffix),
		SubjectType:      "incident",
		SubjectID:        "INC-" + suffix,
		RosterSnapshotID: snap.ID,
		Rule:             core.DefaultConsensusRule(),
		Status:           core.StatusPending,
		OpenedAt:         testNow,
		VotingDeadline:   testNow.Add(time.Hour),
	}
	require.NoError(t, s.CreateSession(ctx, sess))
	ok, err := s.TransitionSession(ctx, sess.ID, core.StatusPending, core.StatusVoting, core.TransitionPatch{})
	require.NoError(t, err)
	require.True(t, ok)
	sess.Status = core.StatusVoting
	return sess
}

func TestStore_AgentsRoundTrip(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			suffix := uniqueSuffix()
			a := &core.Agent{
				ID:          core.AgentID("guardian-" + suffix),
				DisplayName: "Guardian",
				Role:        core.RoleGuardian,
				ProviderRef: "random",
				Weight:      2,
				Active:      true,
				CreatedAt:   testNow,
				UpdatedAt:   testNow,
			}
			require.NoError(t, s.SaveAgent(ctx, a))

			a.Active = false
			a.UpdatedAt = testNow.Add(time.Minute)
			require.NoError(t, s.SaveAgent(ctx, a))

			agents, err := s.ListAgents(ctx)
			require.NoError(t, err)

			var found *core.Agent
			for i := range agents {
				if agents[i].ID == a.ID {
					require.Nil(t, found, "agent listed twice")
					found = &agents[i]
				}
			}
			require.NotNil(t, found)
			assert.False(t, found.Active)
			assert.Equal(t, "random", found.ProviderRef)
			assert.Equal(t, 2.0, found.Weight)
			assert.True(t, found.UpdatedAt.Equal(testNow.Add(time.Minute)))
		})
	}
}

func TestStore_SnapshotRoundTrip(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			sess := seedSession(t, s)
			snap, err := s.LoadSnapshot(context.Background(), sess.RosterSnapshotID)
			require.NoError(t, err)
			assert.Len(t, snap.Agents, 2)
			assert.Equal(t, core.RoleArbiter, snap.Agents[1].Role)

			_, err = s.LoadSnapshot(context.Background(), "missing")
			assert.True(t, core.IsCategory(err, core.ErrCatNotFound))
		})
	}
}

func TestStore_GetSession(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			sess := seedSession(t, s)

			got, err := s.GetSession(context.Background(), sess.ID)
			require.NoError(t, err)
			assert.Equal(t, core.StatusVoting, got.Status)
			assert.Equal(t, sess.SubjectID, got.SubjectID)
			assert.Equal(t, sess.Rule, got.Rule)
			assert.True(t, got.VotingDeadline.Equal(sess.VotingDeadline))
			assert.Nil(t, got.Tallies)

			_, err = s.GetSession(context.Background(), "nope")
			assert.True(t, core.IsCode(err, core.CodeSessionNotFound))
		})
	}
}

func TestStore_TransitionIsCompareAndSwap(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sess := seedSession(t, s)

			var wins int32
			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					to := core.StatusDecided
					v := core.Verdict{Decision: core.DecisionApproved, Reason: core.ReasonQuorum}
					if i%2 == 0 {
						to = core.StatusEscalated
						v = core.Verdict{Decision: core.DecisionEscalated, Reason: core.ReasonTimeout}
					}
					at := testNow.Add(time.Minute)
					ok, err := s.TransitionSession(ctx, sess.ID, core.StatusVoting, to,
						core.TransitionPatch{Verdict: &v, DecidedAt: &at})
					assert.NoError(t, err)
					if ok {
						atomic.AddInt32(&wins, 1)
					}
				}(i)
			}
			wg.Wait()
			assert.Equal(t, int32(1), wins)

			got, err := s.GetSession(ctx, sess.ID)
			require.NoError(t, err)
			require.NotNil(t, got.Tallies)
			require.NotNil(t, got.DecidedAt)
			assert.Equal(t, got.Decision.TerminalStatus(), got.Status)
		})
	}
}

func TestStore_TransitionRejectsBackwardMoves(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			sess := seedSession(t, s)
			_, err := s.TransitionSession(context.Background(), sess.ID, core.StatusVoting, core.StatusPending, core.TransitionPatch{})
			assert.True(t, core.IsCode(err, core.CodeInvalidState))

			_, err = s.TransitionSession(context.Background(), "nope", core.StatusVoting, core.StatusDecided, core.TransitionPatch{})
			assert.True(t, core.IsCode(err, core.CodeSessionNotFound))
		})
	}
}

func TestStore_InsertVote(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sess := seedSession(t, s)

			v := &core.Vote{SessionID: sess.ID, AgentID: "a1", Type: core.VoteApprove, Confidence: 0.8, VotedAt: testNow}
			require.NoError(t, s.InsertVote(ctx, v))

			err := s.InsertVote(ctx, &core.Vote{SessionID: sess.ID, AgentID: "a1", Type: core.VoteReject, VotedAt: testNow})
			assert.True(t, core.IsCode(err, core.CodeDuplicateVote), "got %v", err)

			votes, err := s.ListVotes(ctx, sess.ID)
			require.NoError(t, err)
			require.Len(t, votes, 1)
			assert.Equal(t, core.VoteApprove, votes[0].Type)
			assert.Equal(t, 0.8, votes[0].Confidence)

			ok, err := s.TransitionSession(ctx, sess.ID, core.StatusVoting, core.StatusEscalated, core.TransitionPatch{})
			require.NoError(t, err)
			require.True(t, ok)

			err = s.InsertVote(ctx, &core.Vote{SessionID: sess.ID, AgentID: "a2", Type: core.VoteApprove, VotedAt: testNow})
			assert.True(t, core.IsCode(err, core.CodeSessionNotOpen), "got %v", err)

			err = s.InsertVote(ctx, &core.Vote{SessionID: "nope", AgentID: "a2", Type: core.VoteApprove, VotedAt: testNow})
			assert.True(t, core.IsCode(err, core.CodeSessionNotFound), "got %v", err)
		})
	}
}

func TestStore_ConcurrentVotesOneWinnerPerAgent(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sess := seedSession(t, s)

			var accepted int32
			var wg sync.WaitGroup
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					err := s.InsertVote(ctx, &core.Vote{SessionID: sess.ID, AgentID: "a1", Type: core.VoteApprove, VotedAt: testNow})
					if err == nil {
						atomic.AddInt32(&accepted, 1)
						return
					}
					assert.True(t, core.IsCode(err, core.CodeDuplicateVote), "got %v", err)
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), accepted)
		})
	}
}

func TestStore_AppendEntrySequence(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sid := core.SessionID("ledger-" + uniqueSuffix())

			seal := func(head *core.LedgerEntry) (*core.LedgerEntry, error) {
				e := &core.LedgerEntry{SessionID: sid, SequenceNo: 1, EventType: core.EventVoteCast,
					Payload: []byte(`{"n":1}`), RecordedAt: testNow}
				if head != nil {
					e.SequenceNo = head.SequenceNo + 1
					e.PrevHash = head.Hash
				}
				e.Hash = fmt.Sprintf("h%d", e.SequenceNo)
				return e, nil
			}

			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := s.AppendEntry(ctx, sid, seal)
					assert.NoError(t, err)
				}()
			}
			wg.Wait()

			entries, err := s.ListEntries(ctx, sid)
			require.NoError(t, err)
			require.Len(t, entries, 20)
			for i, e := range entries {
				assert.Equal(t, int64(i+1), e.SequenceNo)
				assert.Equal(t, `{"n":1}`, string(e.Payload))
				if i > 0 {
					assert.Equal(t, entries[i-1].Hash, e.PrevHash)
				}
			}
		})
	}
}

func TestStore_ListSessionsFilter(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a := seedSession(t, s)
			b := seedSession(t, s)
			ok, err := s.TransitionSession(ctx, b.ID, core.StatusVoting, core.StatusEscalated, core.TransitionPatch{})
			require.NoError(t, err)
			require.True(t, ok)

			voting, err := s.ListSessions(ctx, core.SessionFilter{Status: core.StatusVoting, SubjectID: a.SubjectID})
			require.NoError(t, err)
			require.Len(t, voting, 1)
			assert.Equal(t, a.ID, voting[0].ID)

			limited, err := s.ListSessions(ctx, core.SessionFilter{Limit: 1})
			require.NoError(t, err)
			assert.Len(t, limited, 1)
		})
	}
}

// The UNIQUE constraint backs the duplicate check even when the store API
// is bypassed.
func TestSQLiteStore_UniqueVoteConstraint(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "verdict.db"))
	require.NoError(t, err)
	defer s.Close()

	sess := seedSession(t, s)
	ctx := context.Background()
	insert := `INSERT INTO votes (session_id, agent_id, vote_type, confidence, voted_at) VALUES (?, 'a1', 'approve', 1, ?)`

	require.NoError(t, s.exec(ctx, insert, string(sess.ID), formatTime(testNow)))
	err = s.exec(ctx, insert, string(sess.ID), formatTime(testNow))
	require.Error(t, err)
	assert.True(t, isUniqueViolation(err))
}

func TestSQLiteStore_ReopenKeepsState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "verdict.db")
	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	sess := seedSession(t, s)
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusVoting, got.Status)
}

func TestOpen_Backends(t *testing.T) {
	ctx := context.Background()

	mem, err := Open(ctx, Options{Backend: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, mem)

	sq, err := Open(ctx, Options{Path: filepath.Join(t.TempDir(), "state.sqlite")})
	require.NoError(t, err)
	defer sq.Close()
	assert.Equal(t, ".db", filepath.Ext(sq.(*SQLiteStore).Path()))

	_, err = Open(ctx, Options{Backend: "postgres"})
	assert.Error(t, err)

	_, err = Open(ctx, Options{Backend: "mongo"})
	assert.Error(t, err)
}
