package state

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hugo-lorenzo-mato/verdict/internal/core"
)

//go:embed migrations/postgres/*.sql
var postgresMigrations embed.FS

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// PostgresStore implements core.Store on PostgreSQL. Several engine nodes may
// share one database; every state change is a conditional statement so the
// database arbitrates races between nodes.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and runs pending migrations.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres DSN required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres DSN: %w", err)
	}
	cfg.MaxConns = 20
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

var _ core.Store = (*PostgresStore)(nil)

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	applied := make(map[int]bool)
	if rows, err := s.pool.Query(ctx, `SELECT version FROM schema_migrations`); err == nil {
		for rows.Next() {
			var v int
			if err := rows.Scan(&v); err != nil {
				break
			}
			applied[v] = true
		}
		rows.Close()
	}

	type migration struct {
		version int
		sql     string
	}
	var pending []migration
	files, err := postgresMigrations.ReadDir("migrations/postgres")
	if err != nil {
		return err
	}
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".sql") {
			continue
		}
		v, err := strconv.Atoi(strings.SplitN(f.Name(), "_", 2)[0])
		if err != nil || applied[v] {
			continue
		}
		body, err := postgresMigrations.ReadFile("migrations/postgres/" + f.Name())
		if err != nil {
			return err
		}
		pending = append(pending, migration{v, string(body)})
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].version < pending[j].version })

	for _, m := range pending {
		if _, err := s.pool.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT (version) DO NOTHING`, m.version); err != nil {
			return err
		}
	}
	return nil
}

// SaveAgent upserts an agent row.
func (s *PostgresStore) SaveAgent(ctx context.Context, a *core.Agent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agents (id, display_name, role, provider_ref, weight, active, created_at, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			role = EXCLUDED.role,
			provider_ref = EXCLUDED.provider_ref,
			weight = EXCLUDED.weight,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at`,
		string(a.ID), a.DisplayName, string(a.Role), a.ProviderRef, a.Weight, a.Active, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("saving agent %s: %w", a.ID, err)
	}
	return nil
}

// ListAgents returns every agent in registration order.
func (s *PostgresStore) ListAgents(ctx context.Context) ([]core.Agent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, display_name, role, COALESCE(provider_ref, ''), weight, active, created_at, updated_at
		FROM agents ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	defer rows.Close()

	var out []core.Agent
	for rows.Next() {
		var a core.Agent
		var id, role string
		if err := rows.Scan(&id, &a.DisplayName, &role, &a.ProviderRef, &a.Weight, &a.Active, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		a.ID = core.AgentID(id)
		a.Role = core.Role(role)
		a.CreatedAt = a.CreatedAt.UTC()
		a.UpdatedAt = a.UpdatedAt.UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

// SaveSnapshot stores an immutable roster snapshot.
func (s *PostgresStore) SaveSnapshot(ctx context.Context, snap *core.RosterSnapshot) error {
	agents, err := json.Marshal(snap.Agents)
	if err != nil {
		return fmt.Errorf("marshaling snapshot agents: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO roster_snapshots (id, roster_version, taken_at, agents) VALUES ($1, $2, $3, $4)`,
		string(snap.ID), snap.RosterVersion, snap.TakenAt, string(agents))
	if err != nil {
		return fmt.Errorf("saving snapshot %s: %w", snap.ID, err)
	}
	return nil
}

// LoadSnapshot loads a roster snapshot by id.
func (s *PostgresStore) LoadSnapshot(ctx context.Context, id core.SnapshotID) (*core.RosterSnapshot, error) {
	snap := core.RosterSnapshot{ID: id}
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT roster_version, taken_at, agents FROM roster_snapshots WHERE id = $1`, string(id)).
		Scan(&snap.RosterVersion, &snap.TakenAt, &data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.ErrNotFound(core.CodeSnapshotMissing, "roster snapshot", string(id))
	}
	if err != nil {
		return nil, fmt.Errorf("loading snapshot %s: %w", id, err)
	}
	if err := json.Unmarshal(data, &snap.Agents); err != nil {
		return nil, fmt.Errorf("unmarshaling snapshot agents: %w", err)
	}
	snap.TakenAt = snap.TakenAt.UTC()
	return &snap, nil
}

// CreateSession inserts a new session row.
func (s *PostgresStore) CreateSession(ctx context.Context, sess *core.Session) error {
	rule, err := json.Marshal(sess.Rule)
	if err != nil {
		return fmt.Errorf("marshaling rule: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO sessions (id, subject_type, subject_id, roster_snapshot_id, rule, status, opened_at, voting_deadline)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		string(sess.ID), sess.SubjectType, sess.SubjectID, string(sess.RosterSnapshotID),
		string(rule), string(sess.Status), sess.OpenedAt, sess.VotingDeadline)
	if err != nil {
		return fmt.Errorf("creating session %s: %w", sess.ID, err)
	}
	return nil
}

// GetSession loads a session by id.
func (s *PostgresStore) GetSession(ctx context.Context, id core.SessionID) (*core.Session, error) {
	sess, err := scanPgSession(s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.ErrSessionNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading session %s: %w", id, err)
	}
	return sess, nil
}

// ListSessions returns matching sessions, oldest first.
func (s *PostgresStore) ListSessions(ctx context.Context, f core.SessionFilter) ([]core.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE 1=1`
	var args []interface{}
	add := func(clause string, v interface{}) {
		args = append(args, v)
		query += fmt.Sprintf(" AND %s = $%d", clause, len(args))
	}
	if f.Status != "" {
		add("status", string(f.Status))
	}
	if f.SubjectType != "" {
		add("subject_type", f.SubjectType)
	}
	if f.SubjectID != "" {
		add("subject_id", f.SubjectID)
	}
	query += ` ORDER BY seq`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []core.Session
	for rows.Next() {
		sess, err := scanPgSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

// TransitionSession is a conditional update on the current status.
func (s *PostgresStore) TransitionSession(ctx context.Context, id core.SessionID, from, to core.SessionStatus, p core.TransitionPatch) (bool, error) {
	if !from.CanTransition(to) {
		return false, core.ErrState(core.CodeInvalidState, "invalid transition "+string(from)+" -> "+string(to))
	}

	var decision, reason, tallies *string
	if p.Verdict != nil {
		data, err := json.Marshal(p.Verdict.Tallies)
		if err != nil {
			return false, fmt.Errorf("marshaling tallies: %w", err)
		}
		d, r, t := string(p.Verdict.Decision), string(p.Verdict.Reason), string(data)
		decision, reason, tallies = &d, &r, &t
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET
			status = $1,
			decision = COALESCE($2, decision),
			reason = COALESCE($3, reason),
			tallies = COALESCE($4::jsonb, tallies),
			decided_at = COALESCE($5, decided_at),
			closed_at = COALESCE($6, closed_at)
		WHERE id = $7 AND status = $8`,
		string(to), decision, reason, tallies, p.DecidedAt, p.ClosedAt, string(id), string(from))
	if err != nil {
		return false, fmt.Errorf("transitioning session %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetSession(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// InsertVote inserts a vote only while the session is VOTING.
func (s *PostgresStore) InsertVote(ctx context.Context, v *core.Vote) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO votes (session_id, agent_id, vote_type, confidence, voted_at)
		SELECT $1::text, $2::text, $3::text, $4::double precision, $5::timestamptz
		WHERE EXISTS (SELECT 1 FROM sessions WHERE id = $1::text AND status = $6::text)`,
		string(v.SessionID), string(v.AgentID), string(v.Type), v.Confidence, v.VotedAt, string(core.StatusVoting))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return core.ErrDuplicateVote(v.SessionID, v.AgentID)
		}
		return fmt.Errorf("inserting vote: %w", err)
	}
	if tag.RowsAffected() == 0 {
		sess, err := s.GetSession(ctx, v.SessionID)
		if err != nil {
			return err
		}
		return core.ErrSessionNotOpen(v.SessionID, sess.Status)
	}
	return nil
}

// ListVotes returns a session's votes in insertion order.
func (s *PostgresStore) ListVotes(ctx context.Context, sessionID core.SessionID) ([]core.Vote, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT agent_id, vote_type, confidence, voted_at FROM votes WHERE session_id = $1 ORDER BY seq`,
		string(sessionID))
	if err != nil {
		return nil, fmt.Errorf("listing votes: %w", err)
	}
	defer rows.Close()

	var out []core.Vote
	for rows.Next() {
		var agentID, voteType string
		v := core.Vote{SessionID: sessionID}
		if err := rows.Scan(&agentID, &voteType, &v.Confidence, &v.VotedAt); err != nil {
			return nil, fmt.Errorf("scanning vote: %w", err)
		}
		v.AgentID = core.AgentID(agentID)
		v.Type = core.VoteType(voteType)
		v.VotedAt = v.VotedAt.UTC()
		out = append(out, v)
	}
	return out, rows.Err()
}

// AppendEntry serializes appenders of one session with a transaction-scoped
// advisory lock, then reads the head and inserts the sealed entry.
func (s *PostgresStore) AppendEntry(ctx context.Context, sessionID core.SessionID, seal core.LedgerSealer) (*core.LedgerEntry, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1::text))`, string(sessionID)); err != nil {
		return nil, fmt.Errorf("locking ledger: %w", err)
	}

	head, err := scanPgEntry(tx.QueryRow(ctx, `
		SELECT session_id, sequence_no, event_type, payload, recorded_at, prev_hash, hash
		FROM ledger_entries WHERE session_id = $1 ORDER BY sequence_no DESC LIMIT 1`, string(sessionID)))
	if errors.Is(err, pgx.ErrNoRows) {
		head = nil
	} else if err != nil {
		return nil, fmt.Errorf("reading ledger head: %w", err)
	}

	entry, err := seal(head)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO ledger_entries (session_id, sequence_no, event_type, payload, recorded_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		string(entry.SessionID), entry.SequenceNo, string(entry.EventType), string(entry.Payload),
		entry.RecordedAt, entry.PrevHash, entry.Hash); err != nil {
		return nil, fmt.Errorf("inserting ledger entry: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing ledger entry: %w", err)
	}
	return entry, nil
}

// ListEntries returns the session's ledger ordered by sequence number.
func (s *PostgresStore) ListEntries(ctx context.Context, sessionID core.SessionID) ([]core.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT session_id, sequence_no, event_type, payload, recorded_at, prev_hash, hash
		FROM ledger_entries WHERE session_id = $1 ORDER BY sequence_no`, string(sessionID))
	if err != nil {
		return nil, fmt.Errorf("listing ledger entries: %w", err)
	}
	defer rows.Close()

	var out []core.LedgerEntry
	for rows.Next() {
		e, err := scanPgEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning ledger entry: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func scanPgSession(row pgx.Row) (*core.Session, error) {
	var (
		sess                core.Session
		id, snapID, status  string
		rule, tallies       []byte
		decision, reason    *string
		decidedAt, closedAt *time.Time
	)
	if err := row.Scan(&id, &sess.SubjectType, &sess.SubjectID, &snapID, &rule, &status,
		&sess.OpenedAt, &sess.VotingDeadline, &decision, &reason, &tallies, &decidedAt, &closedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(rule, &sess.Rule); err != nil {
		return nil, fmt.Errorf("unmarshaling rule: %w", err)
	}
	sess.ID = core.SessionID(id)
	sess.RosterSnapshotID = core.SnapshotID(snapID)
	sess.Status = core.SessionStatus(status)
	sess.OpenedAt = sess.OpenedAt.UTC()
	sess.VotingDeadline = sess.VotingDeadline.UTC()
	if decision != nil {
		sess.Decision = core.Decision(*decision)
	}
	if reason != nil {
		sess.Reason = core.DecisionReason(*reason)
	}
	if tallies != nil {
		var t core.Tallies
		if err := json.Unmarshal(tallies, &t); err != nil {
			return nil, fmt.Errorf("unmarshaling tallies: %w", err)
		}
		sess.Tallies = &t
	}
	if decidedAt != nil {
		t := decidedAt.UTC()
		sess.DecidedAt = &t
	}
	if closedAt != nil {
		t := closedAt.UTC()
		sess.ClosedAt = &t
	}
	return &sess, nil
}

func scanPgEntry(row pgx.Row) (*core.LedgerEntry, error) {
	var (
		e                             core.LedgerEntry
		sessionID, eventType, payload string
	)
	if err := row.Scan(&sessionID, &e.SequenceNo, &eventType, &payload, &e.RecordedAt, &e.PrevHash, &e.Hash); err != nil {
		return nil, err
	}
	e.SessionID = core.SessionID(sessionID)
	e.EventType = core.LedgerEventType(eventType)
	e.Payload = []byte(payload)
	e.RecordedAt = e.RecordedAt.UTC()
	return &e, nil
}
