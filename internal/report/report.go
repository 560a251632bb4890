// Package report builds the audit report of a review session: the verdict,
// every ballot, the ledger and the result of re-checking both.
package report

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hugo-lorenzo-mato/verdict/internal/consensus"
	"github.com/hugo-lorenzo-mato/verdict/internal/core"
	"github.com/hugo-lorenzo-mato/verdict/internal/ledger"
	"github.com/hugo-lorenzo-mato/verdict/internal/session"
)

// Audit is everything the report shows about one session.
type Audit struct {
	Session      *core.Session
	Roster       *core.RosterSnapshot
	Votes        []core.Vote
	Entries      []core.LedgerEntry
	Verification ledger.Report
	Replay       *consensus.ReplayResult
	ReplayError  string
	GeneratedAt  time.Time
}

// Consistent reports whether the ledger verified and replaying it reproduced
// the recorded outcome.
func (a *Audit) Consistent() bool {
	return a.Verification.Valid && a.Replay != nil && a.Replay.Consistent() && a.Replay.Records(a.Session)
}

// Build collects the audit of a session.
func Build(ctx context.Context, sessions *session.Manager, led *ledger.Ledger, id core.SessionID) (*Audit, error) {
	s, err := sessions.GetStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	snap, err := sessions.Snapshot(ctx, s.RosterSnapshotID)
	if err != nil {
		return nil, fmt.Errorf("loading roster snapshot: %w", err)
	}
	votes, err := sessions.Votes(ctx, id)
	if err != nil {
		return nil, err
	}
	entries, err := led.ReadAll(ctx, id)
	if err != nil {
		return nil, err
	}

	a := &Audit{
		Session:     s,
		Roster:      snap,
		Votes:       votes,
		Entries:     entries,
		GeneratedAt: sessions.Clock().Now().UTC(),
		Verification: ledger.Report{
			SessionID: id,
			Entries:   len(entries),
			Valid:     true,
		},
	}
	if len(entries) > 0 {
		a.Verification.HeadHash = entries[len(entries)-1].Hash
	}
	if err := ledger.Verify(entries); err != nil {
		a.Verification.Valid = false
		a.Verification.Error = err.Error()
	}

	res, err := consensus.Replay(entries, *snap)
	if err != nil {
		a.ReplayError = err.Error()
	} else {
		a.Replay = &res
	}
	return a, nil
}

// frontmatter is serialized in field order.
type frontmatter struct {
	Session     string  `yaml:"session"`
	Subject     string  `yaml:"subject"`
	Status      string  `yaml:"status"`
	Decision    string  `yaml:"decision,omitempty"`
	Reason      string  `yaml:"reason,omitempty"`
	Quorum      float64 `yaml:"quorum_fraction"`
	RosterSize  int     `yaml:"roster_size"`
	Votes       int     `yaml:"votes"`
	LedgerValid bool    `yaml:"ledger_valid"`
	Consistent  bool    `yaml:"replay_consistent"`
	Generated   string  `yaml:"generated_at"`
}

// Markdown renders the audit as a Markdown document with YAML front matter.
func Markdown(a *Audit) (string, error) {
	s := a.Session
	fm, err := yaml.Marshal(frontmatter{
		Session:     string(s.ID),
		Subject:     s.SubjectType + "/" + s.SubjectID,
		Status:      string(s.Status),
		Decision:    string(s.Decision),
		Reason:      string(s.Reason),
		Quorum:      roundTo(s.Rule.QuorumFraction, 4),
		RosterSize:  a.Roster.Size(),
		Votes:       len(a.Votes),
		LedgerValid: a.Verification.Valid,
		Consistent:  a.Consistent(),
		Generated:   a.GeneratedAt.Format(time.RFC3339),
	})
	if err != nil {
		return "", fmt.Errorf("encoding front matter: %w", err)
	}

	var sb strings.Builder
	sb.WriteString("---\n")
	sb.Write(fm)
	sb.WriteString("---\n\n")

	fmt.Fprintf(&sb, "# Review %s\n\n", s.ID)
	fmt.Fprintf(&sb, "**%s** `%s` is **%s**", s.SubjectType, s.SubjectID, statusLabel(s))
	if s.Reason != "" {
		fmt.Fprintf(&sb, " (%s)", reasonLabel(s.Reason))
	}
	sb.WriteString(".\n\n")

	writeSummary(&sb, a)
	writeTallies(&sb, a)
	writeVotes(&sb, a)
	writeAbsent(&sb, a)
	writeLedger(&sb, a)
	writeIntegrity(&sb, a)

	return sb.String(), nil
}

func writeSummary(sb *strings.Builder, a *Audit) {
	s := a.Session
	sb.WriteString("## Summary\n\n")
	sb.WriteString("| Field | Value |\n|---|---|\n")
	row(sb, "Opened", s.OpenedAt.Format(time.RFC3339))
	row(sb, "Voting deadline", s.VotingDeadline.Format(time.RFC3339))
	if s.DecidedAt != nil {
		row(sb, "Decided", fmt.Sprintf("%s (after %s)", s.DecidedAt.Format(time.RFC3339), s.DecidedAt.Sub(s.OpenedAt).Round(time.Second)))
	}
	if s.ClosedAt != nil {
		row(sb, "Closed", s.ClosedAt.Format(time.RFC3339))
	}
	row(sb, "Quorum", fmt.Sprintf("%.2f%% (%s weighting)", s.Rule.QuorumFraction*100, s.Rule.Weighting))
	row(sb, "Tie-break", string(s.Rule.TieBreak))
	row(sb, "Voting window", s.Rule.VotingWindow.String())
	row(sb, "Roster snapshot", fmt.Sprintf("`%s` (version %d, %d agents)", a.Roster.ID, a.Roster.RosterVersion, a.Roster.Size()))
	sb.WriteString("\n")
}

func writeTallies(sb *strings.Builder, a *Audit) {
	var t core.Tallies
	switch {
	case a.Session.Tallies != nil:
		t = *a.Session.Tallies
	default:
		t = consensus.Tally(a.Votes, *a.Roster, a.Session.Rule)
	}
	sb.WriteString("## Tallies\n\n")
	sb.WriteString("| Approve | Reject | Escalate | Votes | Total weight | Quorum needed |\n")
	sb.WriteString("|---|---|---|---|---|---|\n")
	fmt.Fprintf(sb, "| %s | %s | %s | %d/%d | %s | %s |\n\n",
		weight(t.Approve), weight(t.Reject), weight(t.Escalate),
		t.Votes, t.RosterSize, weight(t.TotalWeight), weight(t.QuorumNeeded))
}

func writeVotes(sb *strings.Builder, a *Audit) {
	sb.WriteString("## Votes\n\n")
	if len(a.Votes) == 0 {
		sb.WriteString("_No votes were cast._\n\n")
		return
	}
	sb.WriteString("| # | Agent | Role | Weight | Vote | Confidence | Cast at |\n")
	sb.WriteString("|---|---|---|---|---|---|---|\n")
	for i, v := range a.Votes {
		ref, _ := a.Roster.Member(v.AgentID)
		fmt.Fprintf(sb, "| %d | %s | %s | %s | %s | %.2f | %s |\n",
			i+1, v.AgentID, ref.Role, weight(ref.Weight), v.Type, v.Confidence, v.VotedAt.Format(time.RFC3339))
	}
	sb.WriteString("\n")
}

func writeAbsent(sb *strings.Builder, a *Audit) {
	voted := make(map[core.AgentID]bool, len(a.Votes))
	for _, v := range a.Votes {
		voted[v.AgentID] = true
	}
	var absent []string
	for _, ref := range a.Roster.Agents {
		if !voted[ref.ID] {
			absent = append(absent, string(ref.ID))
		}
	}
	if len(absent) == 0 {
		return
	}
	sort.Strings(absent)
	fmt.Fprintf(sb, "## Did not vote (%d)\n\n", len(absent))
	for _, id := range absent {
		fmt.Fprintf(sb, "- %s\n", id)
	}
	sb.WriteString("\n")
}

func writeLedger(sb *strings.Builder, a *Audit) {
	sb.WriteString("## Ledger\n\n")
	sb.WriteString("| Seq | Event | Recorded | Hash |\n|---|---|---|---|\n")
	for _, e := range a.Entries {
		fmt.Fprintf(sb, "| %d | %s | %s | `%s` |\n",
			e.SequenceNo, e.EventType, e.RecordedAt.Format(time.RFC3339Nano), shortHash(e.Hash))
	}
	sb.WriteString("\n")
}

func writeIntegrity(sb *strings.Builder, a *Audit) {
	sb.WriteString("## Integrity\n\n")
	if a.Verification.Valid {
		fmt.Fprintf(sb, "- Hash chain: **valid** (%d entries, head `%s`)\n", a.Verification.Entries, shortHash(a.Verification.HeadHash))
	} else {
		fmt.Fprintf(sb, "- Hash chain: **BROKEN** (%s)\n", a.Verification.Error)
	}
	switch {
	case a.Replay == nil:
		fmt.Fprintf(sb, "- Replay: **failed** (%s)\n", a.ReplayError)
	case !a.Replay.Records(a.Session):
		fmt.Fprintf(sb, "- Replay: **INCONSISTENT**, the session is %s but the ledger has no matching decision entry\n", statusLabel(a.Session))
	case a.Replay.Consistent():
		sb.WriteString("- Replay: **consistent** with the recorded outcome\n")
	default:
		got := "pending"
		if a.Replay.Outcome.Decided {
			got = fmt.Sprintf("%s/%s", a.Replay.Outcome.Verdict.Decision, a.Replay.Outcome.Verdict.Reason)
		}
		fmt.Fprintf(sb, "- Replay: **INCONSISTENT**, the votes produce %s\n", got)
	}
}

func row(sb *strings.Builder, k, v string) {
	fmt.Fprintf(sb, "| %s | %s |\n", k, v)
}

func statusLabel(s *core.Session) string {
	if s.Decision != "" {
		return strings.ToUpper(string(s.Decision))
	}
	return "still " + strings.ToLower(string(s.Status))
}

func reasonLabel(r core.DecisionReason) string {
	switch r {
	case core.ReasonQuorum:
		return "quorum reached"
	case core.ReasonNoConsensus:
		return "no consensus after every vote"
	case core.ReasonTieBreak:
		return "tie-break policy"
	case core.ReasonTimeout:
		return "voting deadline passed"
	default:
		return string(r)
	}
}

func weight(w float64) string {
	if w == float64(int64(w)) {
		return fmt.Sprintf("%d", int64(w))
	}
	return fmt.Sprintf("%.2f", w)
}

func roundTo(v float64, places int) float64 {
	p := 1.0
	for i := 0; i < places; i++ {
		p *= 10
	}
	return float64(int64(v*p+0.5)) / p
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
