package ledger

import (
	"context"
	"fmt"

	"github.com/hugo-lorenzo-mato/verdict/internal/core"
)

// Report summarizes a verification run.
type Report struct {
	SessionID core.SessionID `json:"session_id"`
	Entries   int            `json:"entries"`
	HeadHash  string         `json:"head_hash"`
	Valid     bool           `json:"valid"`
	Error     string         `json:"error,omitempty"`
}

// Verify checks that entries form an unbroken chain: sequence numbers start
// at 1 without gaps, every prevHash matches its predecessor and every hash
// matches the entry's content.
func Verify(entries []core.LedgerEntry) error {
	prev := GenesisHash
	for i := range entries {
		e := &entries[i]
		want := int64(i + 1)
		if e.SequenceNo != want {
			return corrupted(e, fmt.Sprintf("expected sequence %d, found %d", want, e.SequenceNo))
		}
		if i > 0 && e.SessionID != entries[0].SessionID {
			return corrupted(e, "entry belongs to session "+string(e.SessionID))
		}
		if e.PrevHash != prev {
			return corrupted(e, "prev_hash does not match the preceding entry")
		}
		if Hash(e) != e.Hash {
			return corrupted(e, "hash does not match entry content")
		}
		prev = e.Hash
	}
	return nil
}

// VerifySession reads a session's ledger and verifies it.
func (l *Ledger) VerifySession(ctx context.Context, sessionID core.SessionID) (Report, error) {
	entries, err := l.ReadAll(ctx, sessionID)
	if err != nil {
		return Report{}, err
	}
	rep := Report{SessionID: sessionID, Entries: len(entries), Valid: true}
	if len(entries) > 0 {
		rep.HeadHash = entries[len(entries)-1].Hash
	}
	if err := Verify(entries); err != nil {
		rep.Valid = false
		rep.Error = err.Error()
		l.logger.Warn("ledger verification failed", "session_id", sessionID, "error", err)
	}
	return rep, nil
}

func corrupted(e *core.LedgerEntry, msg string) error {
	return core.ErrState(core.CodeLedgerCorrupted, fmt.Sprintf("entry %d: %s", e.SequenceNo, msg)).
		WithDetail("session_id", string(e.SessionID)).
		WithDetail("sequence_no", e.SequenceNo)
}
