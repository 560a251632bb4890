// Package ledger is the append-only, per-session audit trail.
//
// Entries are sealed into a SHA3-256 hash chain: each entry commits to its
// predecessor's hash, so any edit, reorder or deletion of stored rows is
// detected by Verify.
package ledger

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/hugo-lorenzo-mato/verdict/internal/core"
)

// GenesisHash is the prevHash of the first entry of every session.
const GenesisHash = ""

// Ledger appends and reads audit entries through a LedgerStore.
type Ledger struct {
	store  core.LedgerStore
	clock  core.Clock
	logger *slog.Logger
}

// New creates a ledger over store.
func New(store core.LedgerStore, clock core.Clock, logger *slog.Logger) *Ledger {
	if clock == nil {
		clock = core.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, clock: clock, logger: logger}
}

// Append records an event for a session. The sequence number, timestamp and
// hash chain are assigned here inside the store's append transaction.
func (l *Ledger) Append(ctx context.Context, sessionID core.SessionID, eventType core.LedgerEventType, payload interface{}) (*core.LedgerEntry, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", eventType, err)
	}

	entry, err := l.store.AppendEntry(ctx, sessionID, func(head *core.LedgerEntry) (*core.LedgerEntry, error) {
		e := &core.LedgerEntry{
			SessionID:  sessionID,
			SequenceNo: 1,
			EventType:  eventType,
			Payload:    data,
			// Microsecond precision survives every backend's timestamp type.
			RecordedAt: l.clock.Now().UTC().Truncate(time.Microsecond),
			PrevHash:   GenesisHash,
		}
		if head != nil {
			e.SequenceNo = head.SequenceNo + 1
			e.PrevHash = head.Hash
		}
		e.Hash = Hash(e)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("appending %s to ledger of %s: %w", eventType, sessionID, err)
	}

	l.logger.Debug("ledger entry appended",
		"session_id", sessionID,
		"sequence_no", entry.SequenceNo,
		"event_type", eventType)
	return entry, nil
}

// ReadAll returns the session's entries ordered by sequence number.
func (l *Ledger) ReadAll(ctx context.Context, sessionID core.SessionID) ([]core.LedgerEntry, error) {
	entries, err := l.store.ListEntries(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("reading ledger of %s: %w", sessionID, err)
	}
	return entries, nil
}

// Hash computes the chained digest of an entry. The Hash field itself is
// not part of the input.
func Hash(e *core.LedgerEntry) string {
	h := sha3.New256()
	write := func(s string) {
		h.Write([]byte(strconv.Itoa(len(s))))
		h.Write([]byte{':'})
		h.Write([]byte(s))
	}
	write(string(e.SessionID))
	write(strconv.FormatInt(e.SequenceNo, 10))
	write(string(e.EventType))
	write(e.RecordedAt.UTC().Format(time.RFC3339Nano))
	write(e.PrevHash)
	write(string(e.Payload))
	return hex.EncodeToString(h.Sum(nil))
}
