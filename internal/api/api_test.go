package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/verdict/internal/adapters/state"
	"github.com/hugo-lorenzo-mato/verdict/internal/config"
	"github.com/hugo-lorenzo-mato/verdict/internal/core"
	"github.com/hugo-lorenzo-mato/verdict/internal/logging"
	"github.com/hugo-lorenzo-mato/verdict/internal/panel"
	"github.com/hugo-lorenzo-mato/verdict/internal/service"
	"github.com/hugo-lorenzo-mato/verdict/internal/testutil"
	"github.com/hugo-lorenzo-mato/verdict/internal/vote"
)

type fixture struct {
	engine *service.Engine
	store  *state.MemoryStore
	clock  *testutil.FakeClock
	ts     *httptest.Server
}

func newFixture(t *testing.T, agents int) *fixture {
	t.Helper()
	ctx := context.Background()
	store := state.NewMemoryStore()
	clock := testutil.NewFakeClock(testutil.Epoch)
	cfg := &config.Config{
		Consensus: config.ConsensusConfig{QuorumFraction: 2.0 / 3.0, MinRosterSize: 3, VotingWindow: "10m"},
		Events:    config.EventsConfig{BufferSize: 16},
	}
	e, err := service.New(ctx, cfg,
		service.WithStore(store),
		service.WithClock(clock),
		service.WithLogger(logging.NewNop()),
		service.WithProviders(panel.Static{Ballot: panel.Ballot{Type: core.VoteApprove, Confidence: 0.9}}),
	)
	require.NoError(t, err)
	require.NoError(t, e.Start(ctx))
	for _, a := range testutil.Agents(agents) {
		_, err := e.Roster.Register(ctx, a)
		require.NoError(t, err)
	}

	ts := httptest.NewServer(NewServer(e, WithLogger(logging.NewNop().Slog())).Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = e.Close(ctx)
	})
	return &fixture{engine: e, store: store, clock: clock, ts: ts}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.ts.URL+"/api/v1"+path, r)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (f *fixture) open(t *testing.T) core.SessionID {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/sessions", OpenSessionRequest{SubjectType: "model_release", SubjectID: "m-7b"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[SessionResponse](t, resp).ID
}

func (f *fixture) castVote(t *testing.T, id core.SessionID, agent core.AgentID, voteType string) *http.Response {
	t.Helper()
	return f.do(t, http.MethodPost, "/sessions/"+string(id)+"/votes", CastVoteRequest{
		AgentID: string(agent), VoteType: voteType, Confidence: 0.8,
	})
}

func TestOpenSession(t *testing.T) {
	f := newFixture(t, 3)
	window := "30m"
	resp := f.do(t, http.MethodPost, "/sessions", OpenSessionRequest{
		SubjectType: "incident",
		SubjectID:   "INC-42",
		Rule:        &RuleOverrides{VotingWindow: &window},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Location"))

	got := decode[SessionResponse](t, resp)
	assert.Equal(t, core.StatusVoting, got.Status)
	assert.Equal(t, 3, got.RosterSize)
	assert.Equal(t, 30*time.Minute, got.Rule.VotingWindow)
	assert.Equal(t, testutil.Epoch.Add(30*time.Minute), got.VotingDeadline.UTC())
	assert.Zero(t, got.Tallies.Votes)
}

func TestOpenSession_Errors(t *testing.T) {
	f := newFixture(t, 3)

	tests := []struct {
		name   string
		body   interface{}
		status int
		code   string
	}{
		{"missing subject", OpenSessionRequest{SubjectType: "incident"}, http.StatusUnprocessableEntity, core.CodeInvalidSubject},
		{"bad window", map[string]interface{}{
			"subject_type": "incident", "subject_id": "x", "rule": map[string]string{"voting_window": "soon"},
		}, http.StatusUnprocessableEntity, core.CodeInvalidRule},
		{"roster too small", map[string]interface{}{
			"subject_type": "incident", "subject_id": "x", "rule": map[string]int{"min_roster_size": 5},
		}, http.StatusPreconditionFailed, core.CodeRosterTooSmall},
		{"unknown field", map[string]string{"subject": "x"}, http.StatusBadRequest, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.do(t, http.MethodPost, "/sessions", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			if tt.code != "" {
				assert.Equal(t, tt.code, decode[ErrorResponse](t, resp).Code)
			}
		})
	}
}

func TestCastVote_DecidesSession(t *testing.T) {
	f := newFixture(t, 3)
	id := f.open(t)

	resp := f.castVote(t, id, testutil.AgentID(0), "approve")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	first := decode[vote.Receipt](t, resp)
	assert.False(t, first.Decided)
	assert.Equal(t, 1.0, first.Tallies.Approve)

	resp = f.castVote(t, id, testutil.AgentID(1), "approve")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	second := decode[vote.Receipt](t, resp)
	assert.True(t, second.Decided)
	require.NotNil(t, second.Verdict)
	assert.Equal(t, core.DecisionApproved, second.Verdict.Decision)

	resp = f.do(t, http.MethodGet, "/sessions/"+string(id), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, core.StatusDecided, decode[SessionResponse](t, resp).Status)

	resp = f.do(t, http.MethodGet, "/sessions/"+string(id)+"/votes", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]core.Vote](t, resp), 2)
}

func TestCastVote_Rejections(t *testing.T) {
	f := newFixture(t, 4)
	id := f.open(t)
	require.Equal(t, http.StatusCreated, f.castVote(t, id, testutil.AgentID(0), "reject").StatusCode)

	// Registered after the snapshot was taken.
	late := testutil.Agents(5)[4]
	_, err := f.engine.Roster.Register(context.Background(), late)
	require.NoError(t, err)

	tests := []struct {
		name   string
		agent  core.AgentID
		vtype  string
		status int
		code   string
	}{
		{"duplicate", testutil.AgentID(0), "approve", http.StatusConflict, core.CodeDuplicateVote},
		{"ineligible", late.ID, "approve", http.StatusForbidden, core.CodeIneligibleAgent},
		{"unknown agent", "ghost", "approve", http.StatusForbidden, core.CodeIneligibleAgent},
		{"invalid type", testutil.AgentID(1), "maybe", http.StatusUnprocessableEntity, core.CodeInvalidVote},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.castVote(t, id, tt.agent, tt.vtype)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.code, decode[ErrorResponse](t, resp).Code)
		})
	}

	resp := f.do(t, http.MethodPost, "/sessions/"+string(id)+"/votes", CastVoteRequest{
		AgentID: string(testutil.AgentID(2)), VoteType: "approve", Confidence: 1.5,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestCastVote_UnknownSession(t *testing.T) {
	f := newFixture(t, 3)
	resp := f.castVote(t, "missing", testutil.AgentID(0), "approve")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, core.CodeSessionNotFound, decode[ErrorResponse](t, resp).Code)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/sessions/missing", nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/sessions/missing/ledger", nil).StatusCode)
}

func TestCastVote_AfterDeadlineEscalates(t *testing.T) {
	f := newFixture(t, 3)
	id := f.open(t)
	require.Equal(t, http.StatusCreated, f.castVote(t, id, testutil.AgentID(0), "approve").StatusCode)

	f.clock.Advance(11 * time.Minute)

	resp := f.castVote(t, id, testutil.AgentID(1), "approve")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, core.CodeSessionNotOpen, decode[ErrorResponse](t, resp).Code)

	resp = f.do(t, http.MethodGet, "/sessions/"+string(id), nil)
	got := decode[SessionResponse](t, resp)
	assert.Equal(t, core.StatusEscalated, got.Status)
	assert.Equal(t, core.ReasonTimeout, got.Reason)
}

func TestCloseSession(t *testing.T) {
	f := newFixture(t, 3)
	id := f.open(t)

	resp := f.do(t, http.MethodPost, "/sessions/"+string(id)+"/close", CloseSessionRequest{AckedBy: "oncall"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, core.CodeInvalidState, decode[ErrorResponse](t, resp).Code)

	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusCreated, f.castVote(t, id, testutil.AgentID(i), "reject").StatusCode)
	}

	resp = f.do(t, http.MethodPost, "/sessions/"+string(id)+"/close", CloseSessionRequest{AckedBy: "oncall"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	closed := decode[core.Session](t, resp)
	assert.Equal(t, core.StatusClosed, closed.Status)
	assert.Equal(t, core.DecisionRejected, closed.Decision)

	// Closing again is a no-op, and an empty body is accepted.
	resp = f.do(t, http.MethodPost, "/sessions/"+string(id)+"/close", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.castVote(t, id, testutil.AgentID(2), "approve")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestListSessions(t *testing.T) {
	f := newFixture(t, 3)
	decided := f.open(t)
	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusCreated, f.castVote(t, decided, testutil.AgentID(i), "approve").StatusCode)
	}
	f.open(t)

	resp := f.do(t, http.MethodGet, "/sessions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]core.Session](t, resp), 2)

	resp = f.do(t, http.MethodGet, "/sessions?status=voting", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	voting := decode[[]core.Session](t, resp)
	require.Len(t, voting, 1)
	assert.NotEqual(t, decided, voting[0].ID)

	assert.Equal(t, http.StatusUnprocessableEntity, f.do(t, http.MethodGet, "/sessions?status=bogus", nil).StatusCode)
	assert.Equal(t, http.StatusUnprocessableEntity, f.do(t, http.MethodGet, "/sessions?limit=-1", nil).StatusCode)
}

func TestLedgerEndpoints(t *testing.T) {
	f := newFixture(t, 3)
	id := f.open(t)
	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusCreated, f.castVote(t, id, testutil.AgentID(i), "approve").StatusCode)
	}

	resp := f.do(t, http.MethodGet, "/sessions/"+string(id)+"/ledger", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	led := decode[LedgerResponse](t, resp)
	require.Len(t, led.Entries, 4)
	assert.Equal(t, core.EventSessionOpened, led.Entries[0].EventType)
	assert.Equal(t, core.EventSessionDecided, led.Entries[3].EventType)

	resp = f.do(t, http.MethodGet, "/sessions/"+string(id)+"/ledger/verify", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rep := decode[map[string]interface{}](t, resp)
	assert.Equal(t, true, rep["valid"])
	assert.EqualValues(t, 4, rep["entries"])

	f.store.TamperEntry(id, 1, func(e *core.LedgerEntry) {
		e.Payload = json.RawMessage(`{"agent_id":"agent-00","vote_type":"reject"}`)
	})
	resp = f.do(t, http.MethodGet, "/sessions/"+string(id)+"/ledger/verify", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rep = decode[map[string]interface{}](t, resp)
	assert.Equal(t, false, rep["valid"])
	assert.NotEmpty(t, rep["error"])
}

func TestReport(t *testing.T) {
	f := newFixture(t, 3)
	id := f.open(t)
	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusCreated, f.castVote(t, id, testutil.AgentID(i), "approve").StatusCode)
	}

	resp := f.do(t, http.MethodGet, "/sessions/"+string(id)+"/report", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/markdown"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "# Review "+string(id))
	assert.Contains(t, string(body), "Hash chain: **valid**")

	resp = f.do(t, http.MethodGet, "/sessions/"+string(id)+"/report?format=json", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/sessions/missing/report", nil).StatusCode)
}

func TestConvenePanel(t *testing.T) {
	f := newFixture(t, 3)
	id := f.open(t)

	resp := f.do(t, http.MethodPost, "/sessions/"+string(id)+"/panel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	summary := decode[panel.Summary](t, resp)
	assert.Equal(t, id, summary.SessionID)
	assert.GreaterOrEqual(t, summary.Cast, 2)

	resp = f.do(t, http.MethodGet, "/sessions/"+string(id), nil)
	got := decode[SessionResponse](t, resp)
	assert.Equal(t, core.StatusDecided, got.Status)
	assert.Equal(t, core.DecisionApproved, got.Decision)

	resp = f.do(t, http.MethodPost, "/sessions/"+string(id)+"/panel", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAgents(t *testing.T) {
	f := newFixture(t, 3)

	resp := f.do(t, http.MethodPost, "/agents", RegisterAgentRequest{
		ID: "reviewer-1", DisplayName: "Dana", Role: "human_reviewer",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[core.Agent](t, resp)
	assert.Equal(t, core.RoleHumanReviewer, created.Role)
	assert.Equal(t, 1.0, created.Weight)
	assert.True(t, created.Active)

	resp = f.do(t, http.MethodPost, "/agents", RegisterAgentRequest{ID: "reviewer-1", Role: "arbiter"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, core.CodeAgentExists, decode[ErrorResponse](t, resp).Code)

	resp = f.do(t, http.MethodPost, "/agents", RegisterAgentRequest{ID: "x", Role: "oracle"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/agents/reviewer-1/deactivate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, decode[core.Agent](t, resp).Active)

	resp = f.do(t, http.MethodGet, "/agents?active=true", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]core.Agent](t, resp), 3)

	resp = f.do(t, http.MethodGet, "/agents", nil)
	assert.Len(t, decode[[]core.Agent](t, resp), 4)

	resp = f.do(t, http.MethodPost, "/agents/reviewer-1/activate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[core.Agent](t, resp).Active)

	resp = f.do(t, http.MethodGet, "/agents/reviewer-1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = f.do(t, http.MethodGet, "/agents/nobody", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, core.CodeAgentNotFound, decode[ErrorResponse](t, resp).Code)
}
