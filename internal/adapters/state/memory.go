package state

import (
	"context"
	"sync"

	"github.com/hugo-lorenzo-mato/verdict/internal/core"
)

// MemoryStore is an in-process core.Store. It is used by tests and by
// single-shot CLI runs that do not need durable state.
type MemoryStore struct {
	mu sync.RWMutex

	agents     map[core.AgentID]core.Agent
	agentOrder []core.AgentID
	snapshots  map[core.SnapshotID]*core.RosterSnapshot

	sessions     map[core.SessionID]*core.Session
	sessionOrder []core.SessionID

	votes  map[core.SessionID][]core.Vote
	ledger map[core.SessionID][]core.LedgerEntry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:    make(map[core.AgentID]core.Agent),
		snapshots: make(map[core.SnapshotID]*core.RosterSnapshot),
		sessions:  make(map[core.SessionID]*core.Session),
		votes:     make(map[core.SessionID][]core.Vote),
		ledger:    make(map[core.SessionID][]core.LedgerEntry),
	}
}

var _ core.Store = (*MemoryStore)(nil)

// SaveAgent inserts or updates an agent.
func (m *MemoryStore) SaveAgent(_ context.Context, agent *core.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.agents[agent.ID]; !ok {
		m.agentOrder = append(m.agentOrder, agent.ID)
	}
	m.agents[agent.ID] = *agent
	return nil
}

// ListAgents returns every agent in registration order.
func (m *MemoryStore) ListAgents(_ context.Context) ([]core.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]core.Agent, 0, len(m.agentOrder))
	for _, id := range m.agentOrder {
		out = append(out, m.agents[id])
	}
	return out, nil
}

// SaveSnapshot stores an immutable snapshot.
func (m *MemoryStore) SaveSnapshot(_ context.Context, snapshot *core.RosterSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.snapshots[snapshot.ID]; ok {
		return core.ErrConflict(core.CodeInvalidState, "snapshot already exists: "+string(snapshot.ID))
	}
	m.snapshots[snapshot.ID] = snapshot.Clone()
	return nil
}

// LoadSnapshot returns a copy of a stored snapshot.
func (m *MemoryStore) LoadSnapshot(_ context.Context, id core.SnapshotID) (*core.RosterSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap, ok := m.snapshots[id]
	if !ok {
		return nil, core.ErrNotFound(core.CodeSnapshotMissing, "roster snapshot", string(id))
	}
	return snap.Clone(), nil
}

// CreateSession inserts a new session.
func (m *MemoryStore) CreateSession(_ context.Context, session *core.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[session.ID]; ok {
		return core.ErrConflict(core.CodeInvalidState, "session already exists: "+string(session.ID))
	}
	m.sessions[session.ID] = session.Clone()
	m.sessionOrder = append(m.sessionOrder, session.ID)
	return nil
}

// GetSession returns a copy of a session.
func (m *MemoryStore) GetSession(_ context.Context, id core.SessionID) (*core.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, core.ErrSessionNotFound(id)
	}
	return s.Clone(), nil
}

// ListSessions returns matching sessions in creation order.
func (m *MemoryStore) ListSessions(_ context.Context, filter core.SessionFilter) ([]core.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []core.Session
	for _, id := range m.sessionOrder {
		s := m.sessions[id]
		if !matchesFilter(s, filter) {
			continue
		}
		out = append(out, *s.Clone())
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// TransitionSession applies a compare-and-swap status change.
func (m *MemoryStore) TransitionSession(_ context.Context, id core.SessionID, from, to core.SessionStatus, patch core.TransitionPatch) (bool, error) {
	if !from.CanTransition(to) {
		return false, core.ErrState(core.CodeInvalidState, "invalid transition "+string(from)+" -> "+string(to))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return false, core.ErrSessionNotFound(id)
	}
	if s.Status != from {
		return false, nil
	}
	s.Status = to
	applyPatch(s, patch)
	return true, nil
}

// InsertVote appends a vote if the session is VOTING and the agent has not
// voted yet.
func (m *MemoryStore) InsertVote(_ context.Context, vote *core.Vote) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[vote.SessionID]
	if !ok {
		return core.ErrSessionNotFound(vote.SessionID)
	}
	if s.Status != core.StatusVoting {
		return core.ErrSessionNotOpen(vote.SessionID, s.Status)
	}
	for _, v := range m.votes[vote.SessionID] {
		if v.AgentID == vote.AgentID {
			return core.ErrDuplicateVote(vote.SessionID, vote.AgentID)
		}
	}
	m.votes[vote.SessionID] = append(m.votes[vote.SessionID], *vote)
	return nil
}

// ListVotes returns a session's votes in insertion order.
func (m *MemoryStore) ListVotes(_ context.Context, sessionID core.SessionID) ([]core.Vote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]core.Vote(nil), m.votes[sessionID]...), nil
}

// AppendEntry seals and stores the next ledger entry under the store lock.
func (m *MemoryStore) AppendEntry(_ context.Context, sessionID core.SessionID, seal core.LedgerSealer) (*core.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var head *core.LedgerEntry
	if entries := m.ledger[sessionID]; len(entries) > 0 {
		h := entries[len(entries)-1]
		head = &h
	}
	entry, err := seal(head)
	if err != nil {
		return nil, err
	}
	m.ledger[sessionID] = append(m.ledger[sessionID], *entry)
	return entry, nil
}

// ListEntries returns the session's ledger in sequence order.
func (m *MemoryStore) ListEntries(_ context.Context, sessionID core.SessionID) ([]core.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]core.LedgerEntry(nil), m.ledger[sessionID]...), nil
}

// TamperEntry overwrites a stored ledger entry. Only tests use it, to prove
// that verification catches edits made behind the ledger's back.
func (m *MemoryStore) TamperEntry(sessionID core.SessionID, index int, mutate func(*core.LedgerEntry)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mutate(&m.ledger[sessionID][index])
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

func matchesFilter(s *core.Session, f core.SessionFilter) bool {
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if f.SubjectType != "" && s.SubjectType != f.SubjectType {
		return false
	}
	if f.SubjectID != "" && s.SubjectID != f.SubjectID {
		return false
	}
	return true
}

func applyPatch(s *core.Session, p core.TransitionPatch) {
	if p.Verdict != nil {
		s.Decision = p.Verdict.Decision
		s.Reason = p.Verdict.Reason
		t := p.Verdict.Tallies
		s.Tallies = &t
	}
	if p.DecidedAt != nil {
		t := *p.DecidedAt
		s.DecidedAt = &t
	}
	if p.ClosedAt != nil {
		t := *p.ClosedAt
		s.ClosedAt = &t
	}
}
