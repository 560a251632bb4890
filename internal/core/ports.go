package core

import (
	"context"
	"time"
)

// =============================================================================
// Storage Ports
// =============================================================================

// RosterStore persists agents and roster snapshots.
type RosterStore interface {
	// SaveAgent inserts or updates an agent row.
	SaveAgent(ctx context.Context, agent *Agent) error

	// ListAgents returns every agent ever registered, active or not.
	ListAgents(ctx context.Context) ([]Agent, error)

	// SaveSnapshot persists an immutable roster snapshot.
	SaveSnapshot(ctx context.Context, snapshot *RosterSnapshot) error

	// LoadSnapshot loads a snapshot by id.
	LoadSnapshot(ctx context.Context, id SnapshotID) (*RosterSnapshot, error)
}

// SessionStore persists sessions and their state machine.
type SessionStore interface {
	// CreateSession inserts a new session row.
	CreateSession(ctx context.Context, session *Session) error

	// GetSession loads a session. Unknown ids yield a SESSION_NOT_FOUND error.
	GetSession(ctx context.Context, id SessionID) (*Session, error)

	// ListSessions returns sessions matching the filter, oldest first.
	ListSessions(ctx context.Context, filter SessionFilter) ([]Session, error)

	// TransitionSession moves a session from one status to another only if it
	// is still in the from status (compare-and-swap). It reports whether the
	// transition was applied.
	TransitionSession(ctx context.Context, id SessionID, from, to SessionStatus, patch TransitionPatch) (bool, error)
}

// VoteStore persists votes.
type VoteStore interface {
	// InsertVote appends a vote. It fails with DUPLICATE_VOTE if the agent
	// already voted in the session and with SESSION_NOT_OPEN if the session is
	// no longer VOTING at write time.
	InsertVote(ctx context.Context, vote *Vote) error

	// ListVotes returns a session's votes in insertion order.
	ListVotes(ctx context.Context, sessionID SessionID) ([]Vote, error)
}

// LedgerSealer builds the next entry given the current head of a session's
// ledger (nil for an empty ledger).
type LedgerSealer func(head *LedgerEntry) (*LedgerEntry, error)

// LedgerStore persists ledger entries.
type LedgerStore interface {
	// AppendEntry reads the session's ledger head and stores the entry built
	// by seal, atomically with respect to other appenders.
	AppendEntry(ctx context.Context, sessionID SessionID, seal LedgerSealer) (*LedgerEntry, error)

	// ListEntries returns the session's ledger ordered by sequence number.
	ListEntries(ctx context.Context, sessionID SessionID) ([]LedgerEntry, error)
}

// Store aggregates every persistence port.
type Store interface {
	RosterStore
	SessionStore
	VoteStore
	LedgerStore
	Close() error
}

// =============================================================================
// Clock Port
// =============================================================================

// Timer is a cancellable scheduled callback.
type Timer interface {
	Stop() bool
}

// Clock abstracts wall-clock time so deadlines can be simulated in tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// SystemClock is the real wall clock.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// AfterFunc schedules f on the runtime timer.
func (SystemClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
