// Package session manages the lifecycle of review sessions.
//
// The Manager is the only writer of session status. Every status change
// happens inside the session's critical section (a per-session mutex) and is
// additionally applied as a compare-and-swap in storage, so a racing vote and
// deadline, or two engine nodes sharing a database, can never produce two
// terminal transitions.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hugo-lorenzo-mato/verdict/internal/consensus"
	"github.com/hugo-lorenzo-mato/verdict/internal/core"
	"github.com/hugo-lorenzo-mato/verdict/internal/events"
	"github.com/hugo-lorenzo-mato/verdict/internal/ledger"
	"github.com/hugo-lorenzo-mato/verdict/internal/metrics"
	"github.com/hugo-lorenzo-mato/verdict/internal/roster"
)

// DeadlineScheduler is notified of voting deadlines.
type DeadlineScheduler interface {
	Schedule(id core.SessionID, deadline time.Time)
	Cancel(id core.SessionID)
}

// Options configures a Manager.
type Options struct {
	Store   core.Store
	Roster  *roster.Registry
	Ledger  *ledger.Ledger
	Bus     *events.EventBus
	Metrics *metrics.Metrics
	Clock   core.Clock
	Logger  *slog.Logger
}

// Manager opens, decides and closes sessions.
type Manager struct {
	store   core.Store
	roster  *roster.Registry
	ledger  *ledger.Ledger
	bus     *events.EventBus
	metrics *metrics.Metrics
	clock   core.Clock
	logger  *slog.Logger

	schedMu   sync.RWMutex
	scheduler DeadlineScheduler

	locksMu sync.Mutex
	locks   map[core.SessionID]*sync.Mutex

	snapMu    sync.RWMutex
	snapshots map[core.SnapshotID]*core.RosterSnapshot
}

// NewManager creates a session manager.
func NewManager(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = core.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		store:     opts.Store,
		roster:    opts.Roster,
		ledger:    opts.Ledger,
		bus:       opts.Bus,
		metrics:   opts.Metrics,
		clock:     opts.Clock,
		logger:    opts.Logger.With("component", "session"),
		locks:     make(map[core.SessionID]*sync.Mutex),
		snapshots: make(map[core.SnapshotID]*core.RosterSnapshot),
	}
}

// SetScheduler wires the deadline scheduler. The scheduler itself depends on
// the manager, so it is attached after construction.
func (m *Manager) SetScheduler(s DeadlineScheduler) {
	m.schedMu.Lock()
	defer m.schedMu.Unlock()
	m.scheduler = s
}

func (m *Manager) deadlines() DeadlineScheduler {
	m.schedMu.RLock()
	defer m.schedMu.RUnlock()
	return m.scheduler
}

// Clock returns the manager's clock.
func (m *Manager) Clock() core.Clock { return m.clock }

// OpenSession validates the rule, freezes the roster and starts voting.
func (m *Manager) OpenSession(ctx context.Context, subjectType, subjectID string, rule core.ConsensusRule) (*core.Session, error) {
	subjectType = strings.TrimSpace(subjectType)
	subjectID = strings.TrimSpace(subjectID)
	if subjectType == "" || subjectID == "" {
		return nil, core.ErrValidation(core.CodeInvalidSubject, "subject type and subject id are required")
	}
	rule = rule.Normalize()
	if err := rule.Validate(); err != nil {
		return nil, err
	}

	snap, err := m.roster.Snapshot(ctx, rule)
	if err != nil {
		return nil, err
	}
	m.cacheSnapshot(snap)

	now := m.clock.Now()
	sess := &core.Session{
		ID:               core.SessionID(uuid.NewString()),
		SubjectType:      subjectType,
		SubjectID:        subjectID,
		RosterSnapshotID: snap.ID,
		Rule:             rule.Clone(),
		Status:           core.StatusPending,
		OpenedAt:         now,
		VotingDeadline:   now.Add(rule.VotingWindow),
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}

	ok, err := m.store.TransitionSession(ctx, sess.ID, core.StatusPending, core.StatusVoting, core.TransitionPatch{})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, core.ErrState(core.CodeInvalidState, "session left PENDING before voting opened")
	}
	sess.Status = core.StatusVoting

	if _, err := m.ledger.Append(ctx, sess.ID, core.EventSessionOpened, core.SessionOpenedPayload{
		SubjectType:      sess.SubjectType,
		SubjectID:        sess.SubjectID,
		RosterSnapshotID: snap.ID,
		RosterSize:       snap.Size(),
		Rule:             sess.Rule,
		VotingDeadline:   sess.VotingDeadline,
	}); err != nil {
		return nil, err
	}

	m.metrics.SessionOpened(ctx, sess.SubjectType)
	if m.bus != nil {
		m.bus.Publish(events.NewSessionOpenedEvent(sess, snap.Size()))
	}
	if s := m.deadlines(); s != nil {
		s.Schedule(sess.ID, sess.VotingDeadline)
	}

	m.logger.Info("session opened",
		"session_id", sess.ID,
		"subject_type", sess.SubjectType,
		"subject_id", sess.SubjectID,
		"roster_size", snap.Size(),
		"deadline", sess.VotingDeadline)
	return sess, nil
}

// GetStatus returns the current state of a session.
func (m *Manager) GetStatus(ctx context.Context, id core.SessionID) (*core.Session, error) {
	return m.store.GetSession(ctx, id)
}

// ListSessions returns sessions matching filter.
func (m *Manager) ListSessions(ctx context.Context, filter core.SessionFilter) ([]core.Session, error) {
	return m.store.ListSessions(ctx, filter)
}

// Votes returns a session's accepted votes.
func (m *Manager) Votes(ctx context.Context, id core.SessionID) ([]core.Vote, error) {
	return m.store.ListVotes(ctx, id)
}

// Snapshot returns a roster snapshot. Snapshots of VOTING sessions are held
// in memory; others are loaded from storage on every call.
func (m *Manager) Snapshot(ctx context.Context, id core.SnapshotID) (*core.RosterSnapshot, error) {
	return m.snapshot(ctx, id, false)
}

func (m *Manager) snapshot(ctx context.Context, id core.SnapshotID, keep bool) (*core.RosterSnapshot, error) {
	m.snapMu.RLock()
	snap, ok := m.snapshots[id]
	m.snapMu.RUnlock()
	if ok {
		return snap, nil
	}

	snap, err := m.store.LoadSnapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	if keep {
		m.cacheSnapshot(snap)
	}
	return snap, nil
}

func (m *Manager) cacheSnapshot(snap *core.RosterSnapshot) {
	m.snapMu.Lock()
	m.snapshots[snap.ID] = snap.Clone()
	m.snapMu.Unlock()
}

func (m *Manager) dropSnapshot(id core.SnapshotID) {
	m.snapMu.Lock()
	delete(m.snapshots, id)
	m.snapMu.Unlock()
}

// Decide moves a VOTING session to the terminal status of verdict. It
// reports whether this call performed the transition; a session that is
// already terminal is left untouched and false is returned.
func (m *Manager) Decide(ctx context.Context, id core.SessionID, verdict core.Verdict) (bool, error) {
	var applied bool
	err := m.Within(ctx, id, func(g *Guard) error {
		var err error
		applied, err = g.Decide(ctx, verdict)
		return err
	})
	return applied, err
}

// Expire forces the timeout escalation of a session whose deadline has
// passed. Sessions still inside their window, or no longer VOTING, are left
// alone.
func (m *Manager) Expire(ctx context.Context, id core.SessionID) (bool, error) {
	var applied bool
	err := m.Within(ctx, id, func(g *Guard) error {
		if g.Session().Status != core.StatusVoting || !g.Session().Expired(m.clock.Now()) {
			return nil
		}
		var err error
		applied, err = g.ForceTimeout(ctx)
		return err
	})
	return applied, err
}

// Close acknowledges a decided or escalated session. Closing a closed
// session is a no-op that returns it unchanged.
func (m *Manager) Close(ctx context.Context, id core.SessionID, ackedBy string) (*core.Session, error) {
	var out *core.Session
	err := m.Within(ctx, id, func(g *Guard) error {
		sess := g.Session()
		switch {
		case sess.Status == core.StatusClosed:
			g.release = true
			out = sess
			return nil
		case !sess.Status.CanTransition(core.StatusClosed):
			return core.ErrState(core.CodeInvalidState,
				fmt.Sprintf("session %s is %s; only decided or escalated sessions can be closed", id, sess.Status)).
				WithDetail("status", string(sess.Status))
		}

		now := m.clock.Now()
		ok, err := m.store.TransitionSession(ctx, id, sess.Status, core.StatusClosed, core.TransitionPatch{ClosedAt: &now})
		if err != nil {
			return err
		}
		if ok {
			if _, err := m.ledger.Append(ctx, id, core.EventSessionClosed, core.SessionClosedPayload{
				ClosedAt: now,
				AckedBy:  ackedBy,
			}); err != nil {
				return err
			}
			if m.bus != nil {
				m.bus.Publish(events.NewSessionClosedEvent(id, now))
			}
			m.logger.Info("session closed", "session_id", id, "acked_by", ackedBy)
		}
		out, err = m.store.GetSession(ctx, id)
		if err == nil && out.Status == core.StatusClosed {
			g.release = true
		}
		return err
	})
	return out, err
}

// AppendUnlessClosed records a ledger entry for a session unless it is
// CLOSED. It reports whether the entry was written.
func (m *Manager) AppendUnlessClosed(ctx context.Context, id core.SessionID, eventType core.LedgerEventType, payload interface{}) (bool, error) {
	var written bool
	err := m.Within(ctx, id, func(g *Guard) error {
		if g.Session().Status == core.StatusClosed {
			return nil
		}
		if err := g.Append(ctx, eventType, payload); err != nil {
			return err
		}
		written = true
		return nil
	})
	return written, err
}

// Within runs fn inside the session's critical section. The guard carries
// the session as loaded after the lock was taken. Priority events raised by
// the guard are published after the lock is released, so a slow priority
// subscriber never stalls other callers on the same session.
func (m *Manager) Within(ctx context.Context, id core.SessionID, fn func(g *Guard) error) error {
	mu := m.lockFor(id)
	g, err := m.within(ctx, mu, id, fn)

	if g == nil || g.release {
		m.releaseLock(id, mu)
	}
	if g != nil {
		for _, ev := range g.priority {
			m.bus.PublishPriority(ev)
		}
	}
	return err
}

func (m *Manager) within(ctx context.Context, mu *sync.Mutex, id core.SessionID, fn func(g *Guard) error) (*Guard, error) {
	mu.Lock()
	defer mu.Unlock()

	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	g := &Guard{m: m, session: sess}
	return g, fn(g)
}

func (m *Manager) lockFor(id core.SessionID) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	mu, ok := m.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		m.locks[id] = mu
	}
	return mu
}

// releaseLock forgets the mutex of a session that is CLOSED or unknown.
// Every guarded write is a no-op on a CLOSED session, so a caller still
// holding the forgotten mutex cannot race a writer.
func (m *Manager) releaseLock(id core.SessionID, mu *sync.Mutex) {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	if m.locks[id] == mu {
		delete(m.locks, id)
	}
}

// Guard exposes session writes to code running inside Within.
type Guard struct {
	m       *Manager
	session *core.Session

	priority []events.Event
	release  bool
}

// Session returns the session as of entering the critical section, updated
// by any transition the guard performed.
func (g *Guard) Session() *core.Session { return g.session }

// Append writes a ledger entry for the guarded session.
func (g *Guard) Append(ctx context.Context, eventType core.LedgerEventType, payload interface{}) error {
	_, err := g.m.ledger.Append(ctx, g.session.ID, eventType, payload)
	return err
}

// Decide performs the terminal transition for verdict. It is a no-op
// returning false unless the session is VOTING.
func (g *Guard) Decide(ctx context.Context, verdict core.Verdict) (bool, error) {
	m := g.m
	sess := g.session
	if sess.Status != core.StatusVoting {
		return false, nil
	}

	to := verdict.Decision.TerminalStatus()
	now := m.clock.Now()
	ok, err := m.store.TransitionSession(ctx, sess.ID, core.StatusVoting, to, core.TransitionPatch{
		Verdict:   &verdict,
		DecidedAt: &now,
	})
	if err != nil {
		return false, err
	}
	if !ok {
		// Another node won the race in storage.
		m.logger.Debug("decision lost compare-and-swap", "session_id", sess.ID)
		if fresh, err := m.store.GetSession(ctx, sess.ID); err == nil {
			g.session = fresh
		}
		return false, nil
	}

	sess.Status = to
	sess.Decision = verdict.Decision
	sess.Reason = verdict.Reason
	t := verdict.Tallies
	sess.Tallies = &t
	sess.DecidedAt = &now

	if s := m.deadlines(); s != nil {
		s.Cancel(sess.ID)
	}
	m.dropSnapshot(sess.RosterSnapshotID)

	// The transition already happened, so a failed append is reported but
	// does not stop the decision from being announced. Audits flag the
	// missing entry.
	eventType := core.EventSessionDecided
	if to == core.StatusEscalated {
		eventType = core.EventSessionEscalated
	}
	var recordErr error
	if _, err := m.ledger.Append(ctx, sess.ID, eventType, core.SessionDecidedPayload{
		Verdict:   verdict,
		DecidedAt: now,
	}); err != nil {
		m.logger.Error("decision not recorded in ledger", "session_id", sess.ID, "error", err)
		recordErr = fmt.Errorf("session %s decided but not recorded: %w", sess.ID, err)
	}

	m.metrics.SessionDecided(ctx, string(verdict.Decision), string(verdict.Reason), now.Sub(sess.OpenedAt))
	if m.bus != nil {
		g.priority = append(g.priority, events.NewDecisionEvent(sess, verdict, now))
	}

	m.logger.Info("session decided",
		"session_id", sess.ID,
		"decision", verdict.Decision,
		"reason", verdict.Reason,
		"approve", verdict.Tallies.Approve,
		"reject", verdict.Tallies.Reject,
		"escalate", verdict.Tallies.Escalate,
		"quorum_needed", verdict.Tallies.QuorumNeeded)
	return true, recordErr
}

// ForceTimeout resolves an expired session. Votes that already reached a
// decision before the deadline win, which covers a crash between recording
// the deciding vote and deciding; otherwise the session escalates with
// reason timeout.
func (g *Guard) ForceTimeout(ctx context.Context) (bool, error) {
	if g.session.Status != core.StatusVoting {
		return false, nil
	}
	outcome, snap, err := g.Evaluate(ctx)
	if err != nil {
		return false, err
	}
	verdict := outcome.Verdict
	if !outcome.Decided {
		votes, err := g.m.store.ListVotes(ctx, g.session.ID)
		if err != nil {
			return false, err
		}
		verdict = consensus.Timeout(votes, *snap, g.session.Rule)
	}
	return g.Decide(ctx, verdict)
}

// Evaluate runs the consensus evaluator over the session's stored votes.
func (g *Guard) Evaluate(ctx context.Context) (consensus.Outcome, *core.RosterSnapshot, error) {
	snap, err := g.m.snapshot(ctx, g.session.RosterSnapshotID, g.session.Status == core.StatusVoting)
	if err != nil {
		return consensus.Outcome{}, nil, err
	}
	votes, err := g.m.store.ListVotes(ctx, g.session.ID)
	if err != nil {
		return consensus.Outcome{}, nil, err
	}
	return consensus.Evaluate(votes, *snap, g.session.Rule), snap, nil
}
