package tui

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/verdict/internal/core"
	"github.com/hugo-lorenzo-mato/verdict/internal/events"
	"github.com/hugo-lorenzo-mato/verdict/internal/web/ws"
)

func receive(t *testing.T, src Source) tea.Msg {
	t.Helper()
	select {
	case msg, ok := <-src.Messages():
		require.True(t, ok, "source closed")
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func session(id string) *core.Session {
	return &core.Session{ID: core.SessionID(id), SubjectType: "incident", SubjectID: "INC-" + id, VotingDeadline: t0.Add(time.Hour)}
}

func TestBusSource(t *testing.T) {
	bus := events.New(16)
	defer bus.Close()

	src := NewBusSource(bus)
	assert.Equal(t, ConnMsg{Connected: true}, receive(t, src))

	bus.Publish(events.NewSessionOpenedEvent(session("a"), 3))
	got, ok := receive(t, src).(SessionOpenedMsg)
	require.True(t, ok)
	assert.Equal(t, "a", got.SessionID)
	assert.Equal(t, 3, got.RosterSize)

	bus.PublishPriority(events.NewDecisionEvent(session("a"), core.Verdict{
		Decision: core.DecisionApproved, Reason: core.ReasonQuorum,
	}, t0))
	dec, ok := receive(t, src).(DecisionMsg)
	require.True(t, ok)
	assert.Equal(t, core.DecisionApproved, dec.Decision)

	src.Close()
	for range src.Messages() {
	}
	assert.Equal(t, 0, bus.SubscriberCount())
}

func TestBusSource_ClosedBusEndsStream(t *testing.T) {
	bus := events.New(16)
	src := NewBusSource(bus)
	receive(t, src)

	bus.Close()
	select {
	case _, ok := <-src.Messages():
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("source did not end")
	}
}

func TestRemoteSource(t *testing.T) {
	bus := events.New(16)
	ts := httptest.NewServer(ws.NewStream(bus, nil, nil, nil))
	defer func() {
		ts.Close()
		bus.Close()
	}()

	url, err := StreamURL(ts.URL, "")
	require.NoError(t, err)
	src, err := DialRemote(context.Background(), url)
	require.NoError(t, err)
	defer src.Close()

	assert.Equal(t, ConnMsg{Connected: true}, receive(t, src))

	v := &core.Vote{SessionID: "a", AgentID: "agent-01", Type: core.VoteReject, Confidence: 0.7}
	bus.Publish(events.NewVoteCastEvent(v, core.Tallies{Reject: 1, Votes: 1, RosterSize: 3}))
	vote, ok := receive(t, src).(VoteMsg)
	require.True(t, ok)
	assert.Equal(t, "agent-01", vote.AgentID)
	assert.Equal(t, "reject", vote.VoteType)
	assert.Equal(t, 3, vote.Tallies.RosterSize)

	bus.PublishPriority(events.NewDecisionEvent(session("a"), core.Verdict{
		Decision: core.DecisionEscalated, Reason: core.ReasonNoConsensus,
	}, t0))
	dec, ok := receive(t, src).(DecisionMsg)
	require.True(t, ok)
	assert.Equal(t, core.DecisionEscalated, dec.Decision)
	assert.Equal(t, "INC-a", dec.SubjectID)
}

func TestStreamURL(t *testing.T) {
	tests := []struct {
		base, session, want string
		wantErr             bool
	}{
		{"http://127.0.0.1:8088", "", "ws://127.0.0.1:8088/api/v1/ws", false},
		{"https://verdict.example/", "s1", "wss://verdict.example/api/v1/ws?session=s1", false},
		{"ftp://host", "", "", true},
	}
	for _, tt := range tests {
		got, err := StreamURL(tt.base, tt.session)
		if tt.wantErr {
			assert.Error(t, err)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}
