// Package vote accepts ballots from agents.
package vote

import (
	"context"
	"log/slog"
	"time"

	"github.com/hugo-lorenzo-mato/verdict/internal/core"
	"github.com/hugo-lorenzo-mato/verdict/internal/events"
	"github.com/hugo-lorenzo-mato/verdict/internal/metrics"
	"github.com/hugo-lorenzo-mato/verdict/internal/session"
)

// Ballot is a vote submission.
type Ballot struct {
	SessionID  core.SessionID
	AgentID    core.AgentID
	Type       core.VoteType
	Confidence float64
}

// Receipt describes an accepted vote.
type Receipt struct {
	Vote    core.Vote     `json:"vote"`
	Tallies core.Tallies  `json:"tallies"`
	Decided bool          `json:"decided"`
	Verdict *core.Verdict `json:"verdict,omitempty"`
	Session *core.Session `json:"session"`
}

// Collector validates votes and triggers evaluation.
type Collector struct {
	sessions *session.Manager
	store    core.VoteStore
	bus      *events.EventBus
	metrics  *metrics.Metrics
	clock    core.Clock
	logger   *slog.Logger
}

// NewCollector creates a collector bound to a session manager.
func NewCollector(sessions *session.Manager, store core.VoteStore, bus *events.EventBus, m *metrics.Metrics, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		sessions: sessions,
		store:    store,
		bus:      bus,
		metrics:  m,
		clock:    sessions.Clock(),
		logger:   logger.With("component", "vote"),
	}
}

// CastVote records a ballot.
//
// Checks run in a fixed order so that concurrent callers observe the same
// rejection reason: session open, agent eligible, first ballot, then the
// ballot's own fields. The vote write, its ledger entry, evaluation and any
// resulting decision all happen inside the session's critical section, so
// no vote is accepted after a terminal transition and the ledger lists the
// deciding vote before the decision.
func (c *Collector) CastVote(ctx context.Context, b Ballot) (*Receipt, error) {
	var receipt *Receipt
	err := c.sessions.Within(ctx, b.SessionID, func(g *session.Guard) error {
		sess := g.Session()
		now := c.clock.Now()

		if sess.Status == core.StatusVoting && sess.Expired(now) {
			// The deadline passed before the timer fired.
			if _, err := g.ForceTimeout(ctx); err != nil {
				return err
			}
			sess = g.Session()
		}
		if sess.Status != core.StatusVoting {
			return c.reject(ctx, g, b, core.ErrSessionNotOpen(sess.ID, sess.Status))
		}

		snap, err := c.sessions.Snapshot(ctx, sess.RosterSnapshotID)
		if err != nil {
			return err
		}
		if _, ok := snap.Member(b.AgentID); !ok {
			return c.reject(ctx, g, b, core.ErrIneligibleAgent(sess.ID, b.AgentID))
		}

		existing, err := c.store.ListVotes(ctx, sess.ID)
		if err != nil {
			return err
		}
		for _, v := range existing {
			if v.AgentID == b.AgentID {
				return c.reject(ctx, g, b, core.ErrDuplicateVote(sess.ID, b.AgentID))
			}
		}

		if err := validateBallot(b); err != nil {
			c.metrics.VoteRejected(ctx, core.GetCode(err))
			c.logger.Warn("invalid ballot", "session_id", sess.ID, "agent_id", b.AgentID, "error", err)
			return err
		}

		v := core.Vote{
			SessionID:  sess.ID,
			AgentID:    b.AgentID,
			Type:       b.Type,
			Confidence: b.Confidence,
			VotedAt:    now.Truncate(time.Microsecond),
		}
		if err := c.store.InsertVote(ctx, &v); err != nil {
			if core.IsStateConflict(err) {
				return c.reject(ctx, g, b, err)
			}
			return err
		}
		if err := g.Append(ctx, core.EventVoteCast, core.VoteCastPayload{
			AgentID:    v.AgentID,
			VoteType:   v.Type,
			Confidence: v.Confidence,
			VotedAt:    v.VotedAt,
		}); err != nil {
			return err
		}

		outcome, _, err := g.Evaluate(ctx)
		if err != nil {
			return err
		}
		c.metrics.VoteAccepted(ctx, string(v.Type))
		if c.bus != nil {
			c.bus.Publish(events.NewVoteCastEvent(&v, outcome.Verdict.Tallies))
		}
		c.logger.Debug("vote accepted",
			"session_id", v.SessionID,
			"agent_id", v.AgentID,
			"vote_type", v.Type,
			"votes", outcome.Verdict.Tallies.Votes)

		receipt = &Receipt{Vote: v, Tallies: outcome.Verdict.Tallies}
		if outcome.Decided {
			applied, err := g.Decide(ctx, outcome.Verdict)
			if err != nil {
				return err
			}
			if applied {
				verdict := outcome.Verdict
				receipt.Decided = true
				receipt.Verdict = &verdict
			}
		}
		receipt.Session = g.Session()
		return nil
	})
	return receipt, err
}

// reject records a state-conflict rejection and returns err. Rejections are
// written to the ledger unless the session is closed, whose ledger is final.
func (c *Collector) reject(ctx context.Context, g *session.Guard, b Ballot, err error) error {
	code := core.GetCode(err)
	c.metrics.VoteRejected(ctx, code)
	c.logger.Info("vote rejected",
		"session_id", b.SessionID,
		"agent_id", b.AgentID,
		"code", code)

	if c.bus != nil {
		c.bus.Publish(events.NewVoteRejectedEvent(b.SessionID, b.AgentID, code, err.Error()))
	}
	if g.Session().Status == core.StatusClosed {
		return err
	}
	if appendErr := g.Append(ctx, core.EventVoteRejected, core.VoteRejectedPayload{
		AgentID:  b.AgentID,
		VoteType: b.Type,
		Code:     code,
		Message:  err.Error(),
	}); appendErr != nil {
		c.logger.Error("recording rejection failed", "session_id", b.SessionID, "error", appendErr)
	}
	return err
}

func validateBallot(b Ballot) error {
	if _, err := core.ParseVoteType(string(b.Type)); err != nil {
		return err
	}
	return core.ValidateConfidence(b.Confidence)
}
