package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/renameio/v2"

	"github.com/hugo-lorenzo-mato/verdict/internal/core"
)

// Export is the on-disk form of a session's ledger.
type Export struct {
	SessionID  core.SessionID     `json:"session_id"`
	ExportedAt time.Time          `json:"exported_at"`
	Report     Report             `json:"verification"`
	Entries    []core.LedgerEntry `json:"entries"`
}

// Export writes the session's ledger and its verification report to path.
// The file is replaced atomically so readers never observe a partial export.
func (l *Ledger) Export(ctx context.Context, sessionID core.SessionID, path string) (*Export, error) {
	entries, err := l.ReadAll(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, core.ErrSessionNotFound(sessionID)
	}

	rep := Report{SessionID: sessionID, Entries: len(entries), Valid: true, HeadHash: entries[len(entries)-1].Hash}
	if err := Verify(entries); err != nil {
		rep.Valid = false
		rep.Error = err.Error()
	}

	exp := &Export{
		SessionID:  sessionID,
		ExportedAt: l.clock.Now().UTC(),
		Report:     rep,
		Entries:    entries,
	}
	data, err := json.Marshal(exp)
	if err != nil {
		return nil, fmt.Errorf("encoding export: %w", err)
	}
	if err := renameio.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return nil, fmt.Errorf("writing export %s: %w", path, err)
	}

	l.logger.Info("ledger exported", "session_id", sessionID, "path", path, "entries", len(entries))
	return exp, nil
}
