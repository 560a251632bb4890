package state

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hugo-lorenzo-mato/verdict/internal/core"
)

//go:embed migrations/001_init.sql
var sqliteMigrationV1 string

// SQLiteStore implements core.Store on an embedded SQLite database.
type SQLiteStore struct {
	dbPath string
	db     *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at dbPath and runs
// pending migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
			return nil, fmt.Errorf("creating state directory: %w", err)
		}
	}

	// WAL for concurrent readers; busy_timeout so a second process waits
	// instead of failing on a locked database.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single connection serializes writers inside this process.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{dbPath: dbPath, db: db}
	if err := s.migrate(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("running migrations: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

var _ core.Store = (*SQLiteStore)(nil)

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.dbPath }

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStore) migrate() error {
	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		// Table doesn't exist yet.
		version = 0
	}
	if version < 1 {
		if _, err := s.db.Exec(sqliteMigrationV1); err != nil {
			return fmt.Errorf("applying migration v1: %w", err)
		}
	}
	return nil
}

// =============================================================================
// Roster
// =============================================================================

// SaveAgent upserts an agent row.
func (s *SQLiteStore) SaveAgent(ctx context.Context, a *core.Agent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, display_name, role, provider_ref, weight, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			role = excluded.role,
			provider_ref = excluded.provider_ref,
			weight = excluded.weight,
			active = excluded.active,
			updated_at = excluded.updated_at
	`, string(a.ID), a.DisplayName, string(a.Role), nullableString(a.ProviderRef),
		a.Weight, a.Active, formatTime(a.CreatedAt), formatTime(a.UpdatedAt))
	if err != nil {
		return fmt.Errorf("saving agent %s: %w", a.ID, err)
	}
	return nil
}

// ListAgents returns every agent in registration order.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]core.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, display_name, role, provider_ref, weight, active, created_at, updated_at
		FROM agents ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	defer rows.Close()

	var out []core.Agent
	for rows.Next() {
		var (
			a                core.Agent
			id, role         string
			provider         sql.NullString
			created, updated string
		)
		if err := rows.Scan(&id, &a.DisplayName, &role, &provider, &a.Weight, &a.Active, &created, &updated); err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		a.ID = core.AgentID(id)
		a.Role = core.Role(role)
		a.ProviderRef = provider.String
		a.CreatedAt = parseTime(created)
		a.UpdatedAt = parseTime(updated)
		out = append(out, a)
	}
	return out, rows.Err()
}

// SaveSnapshot stores an immutable roster snapshot.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap *core.RosterSnapshot) error {
	agents, err := json.Marshal(snap.Agents)
	if err != nil {
		return fmt.Errorf("marshaling snapshot agents: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO roster_snapshots (id, roster_version, taken_at, agents) VALUES (?, ?, ?, ?)`,
		string(snap.ID), snap.RosterVersion, formatTime(snap.TakenAt), string(agents))
	if err != nil {
		return fmt.Errorf("saving snapshot %s: %w", snap.ID, err)
	}
	return nil
}

// LoadSnapshot loads a roster snapshot by id.
func (s *SQLiteStore) LoadSnapshot(ctx context.Context, id core.SnapshotID) (*core.RosterSnapshot, error) {
	var (
		snap          core.RosterSnapshot
		takenAt, data string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT roster_version, taken_at, agents FROM roster_snapshots WHERE id = ?`, string(id)).
		Scan(&snap.RosterVersion, &takenAt, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound(core.CodeSnapshotMissing, "roster snapshot", string(id))
	}
	if err != nil {
		return nil, fmt.Errorf("loading snapshot %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(data), &snap.Agents); err != nil {
		return nil, fmt.Errorf("unmarshaling snapshot agents: %w", err)
	}
	snap.ID = id
	snap.TakenAt = parseTime(takenAt)
	return &snap, nil
}

// =============================================================================
// Sessions
// =============================================================================

const sessionColumns = `id, subject_type, subject_id, roster_snapshot_id, rule, status,
	opened_at, voting_deadline, decision, reason, tallies, decided_at, closed_at`

// CreateSession inserts a new session row.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *core.Session) error {
	rule, err := json.Marshal(sess.Rule)
	if err != nil {
		return fmt.Errorf("marshaling rule: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, subject_type, subject_id, roster_snapshot_id, rule, status, opened_at, voting_deadline)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(sess.ID), sess.SubjectType, sess.SubjectID, string(sess.RosterSnapshotID),
		string(rule), string(sess.Status), formatTime(sess.OpenedAt), formatTime(sess.VotingDeadline))
	if err != nil {
		return fmt.Errorf("creating session %s: %w", sess.ID, err)
	}
	return nil
}

// GetSession loads a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, id core.SessionID) (*core.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, string(id))
	sess, err := scanSession(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrSessionNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading session %s: %w", id, err)
	}
	return sess, nil
}

// ListSessions returns matching sessions, oldest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, f core.SessionFilter) ([]core.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE 1=1`
	var args []interface{}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.SubjectType != "" {
		query += ` AND subject_type = ?`
		args = append(args, f.SubjectType)
	}
	if f.SubjectID != "" {
		query += ` AND subject_id = ?`
		args = append(args, f.SubjectID)
	}
	query += ` ORDER BY seq`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []core.Session
	for rows.Next() {
		sess, err := scanSession(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

// TransitionSession is a conditional update: it only applies while the row
// still holds the from status.
func (s *SQLiteStore) TransitionSession(ctx context.Context, id core.SessionID, from, to core.SessionStatus, p core.TransitionPatch) (bool, error) {
	if !from.CanTransition(to) {
		return false, core.ErrState(core.CodeInvalidState, "invalid transition "+string(from)+" -> "+string(to))
	}

	var decision, reason, tallies sql.NullString
	if p.Verdict != nil {
		data, err := json.Marshal(p.Verdict.Tallies)
		if err != nil {
			return false, fmt.Errorf("marshaling tallies: %w", err)
		}
		decision = nullableString(string(p.Verdict.Decision))
		reason = nullableString(string(p.Verdict.Reason))
		tallies = nullableString(string(data))
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET
			status = ?,
			decision = COALESCE(?, decision),
			reason = COALESCE(?, reason),
			tallies = COALESCE(?, tallies),
			decided_at = COALESCE(?, decided_at),
			closed_at = COALESCE(?, closed_at)
		WHERE id = ? AND status = ?`,
		string(to), decision, reason, tallies,
		nullableTime(p.DecidedAt), nullableTime(p.ClosedAt),
		string(id), string(from))
	if err != nil {
		return false, fmt.Errorf("transitioning session %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transitioning session %s: %w", id, err)
	}
	if n == 0 {
		// Distinguish a lost race from an unknown id.
		if _, err := s.GetSession(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// =============================================================================
// Votes
// =============================================================================

// InsertVote inserts a vote only while the session is VOTING. The UNIQUE
// (session_id, agent_id) constraint rejects a second vote of the same agent.
func (s *SQLiteStore) InsertVote(ctx context.Context, v *core.Vote) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO votes (session_id, agent_id, vote_type, confidence, voted_at)
		SELECT ?, ?, ?, ?, ?
		WHERE EXISTS (SELECT 1 FROM sessions WHERE id = ? AND status = ?)`,
		string(v.SessionID), string(v.AgentID), string(v.Type), v.Confidence, formatTime(v.VotedAt),
		string(v.SessionID), string(core.StatusVoting))
	if err != nil {
		if isUniqueViolation(err) {
			return core.ErrDuplicateVote(v.SessionID, v.AgentID)
		}
		return fmt.Errorf("inserting vote: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		sess, err := s.GetSession(ctx, v.SessionID)
		if err != nil {
			return err
		}
		return core.ErrSessionNotOpen(v.SessionID, sess.Status)
	}
	return nil
}

// ListVotes returns a session's votes in insertion order.
func (s *SQLiteStore) ListVotes(ctx context.Context, sessionID core.SessionID) ([]core.Vote, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, vote_type, confidence, voted_at FROM votes WHERE session_id = ? ORDER BY seq`,
		string(sessionID))
	if err != nil {
		return nil, fmt.Errorf("listing votes: %w", err)
	}
	defer rows.Close()

	var out []core.Vote
	for rows.Next() {
		var agentID, voteType, votedAt string
		v := core.Vote{SessionID: sessionID}
		if err := rows.Scan(&agentID, &voteType, &v.Confidence, &votedAt); err != nil {
			return nil, fmt.Errorf("scanning vote: %w", err)
		}
		v.AgentID = core.AgentID(agentID)
		v.Type = core.VoteType(voteType)
		v.VotedAt = parseTime(votedAt)
		out = append(out, v)
	}
	return out, rows.Err()
}

// =============================================================================
// Ledger
// =============================================================================

// AppendEntry reads the ledger head and inserts the sealed entry in one
// transaction.
func (s *SQLiteStore) AppendEntry(ctx context.Context, sessionID core.SessionID, seal core.LedgerSealer) (*core.LedgerEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT session_id, sequence_no, event_type, payload, recorded_at, prev_hash, hash
		FROM ledger_entries WHERE session_id = ? ORDER BY sequence_no DESC LIMIT 1`, string(sessionID))
	head, err := scanEntry(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		head = nil
	} else if err != nil {
		return nil, fmt.Errorf("reading ledger head: %w", err)
	}

	entry, err := seal(head)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (session_id, sequence_no, event_type, payload, recorded_at, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(entry.SessionID), entry.SequenceNo, string(entry.EventType), string(entry.Payload),
		formatTime(entry.RecordedAt), entry.PrevHash, entry.Hash)
	if err != nil {
		return nil, fmt.Errorf("inserting ledger entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing ledger entry: %w", err)
	}
	return entry, nil
}

// ListEntries returns the session's ledger ordered by sequence number.
func (s *SQLiteStore) ListEntries(ctx context.Context, sessionID core.SessionID) ([]core.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, sequence_no, event_type, payload, recorded_at, prev_hash, hash
		FROM ledger_entries WHERE session_id = ? ORDER BY sequence_no`, string(sessionID))
	if err != nil {
		return nil, fmt.Errorf("listing ledger entries: %w", err)
	}
	defer rows.Close()

	var out []core.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning ledger entry: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// exec runs a raw statement. Tests use it to bypass the store API.
func (s *SQLiteStore) exec(ctx context.Context, query string, args ...interface{}) error {
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

// =============================================================================
// Helpers
// =============================================================================

type scanFunc func(dest ...interface{}) error

func scanSession(scan scanFunc) (*core.Session, error) {
	var (
		sess                      core.Session
		id, snapID, rule, status  string
		openedAt, deadline        string
		decision, reason, tallies sql.NullString
		decidedAt, closedAt       sql.NullString
	)
	if err := scan(&id, &sess.SubjectType, &sess.SubjectID, &snapID, &rule, &status,
		&openedAt, &deadline, &decision, &reason, &tallies, &decidedAt, &closedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(rule), &sess.Rule); err != nil {
		return nil, fmt.Errorf("unmarshaling rule: %w", err)
	}
	sess.ID = core.SessionID(id)
	sess.RosterSnapshotID = core.SnapshotID(snapID)
	sess.Status = core.SessionStatus(status)
	sess.OpenedAt = parseTime(openedAt)
	sess.VotingDeadline = parseTime(deadline)
	sess.Decision = core.Decision(decision.String)
	sess.Reason = core.DecisionReason(reason.String)
	if tallies.Valid {
		var t core.Tallies
		if err := json.Unmarshal([]byte(tallies.String), &t); err != nil {
			return nil, fmt.Errorf("unmarshaling tallies: %w", err)
		}
		sess.Tallies = &t
	}
	sess.DecidedAt = parseNullTime(decidedAt)
	sess.ClosedAt = parseNullTime(closedAt)
	return &sess, nil
}

func scanEntry(scan scanFunc) (*core.LedgerEntry, error) {
	var (
		e                             core.LedgerEntry
		sessionID, eventType, payload string
		recordedAt                    string
	)
	if err := scan(&sessionID, &e.SequenceNo, &eventType, &payload, &recordedAt, &e.PrevHash, &e.Hash); err != nil {
		return nil, err
	}
	e.SessionID = core.SessionID(sessionID)
	e.EventType = core.LedgerEventType(eventType)
	e.Payload = []byte(payload)
	e.RecordedAt = parseTime(recordedAt)
	return &e, nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Timestamps are stored as RFC 3339 text so they round-trip exactly.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}
