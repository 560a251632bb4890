// Package panel asks the automated agents of a session's roster for their
// votes concurrently and submits them through the vote collector.
//
// The panel sits outside the engine: it is just another vote source, and
// everything it submits goes through the same validation as external votes.
package panel

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hugo-lorenzo-mato/verdict/internal/core"
	"github.com/hugo-lorenzo-mato/verdict/internal/events"
	"github.com/hugo-lorenzo-mato/verdict/internal/metrics"
	"github.com/hugo-lorenzo-mato/verdict/internal/roster"
	"github.com/hugo-lorenzo-mato/verdict/internal/session"
	"github.com/hugo-lorenzo-mato/verdict/internal/vote"
)

// Config configures a panel.
type Config struct {
	// Concurrency bounds simultaneous provider calls (default: 8).
	Concurrency int
	// Timeout bounds one agent's provider call including retries.
	Timeout time.Duration
	Retry   *RetryPolicy
	Limits  RateLimiterConfig
}

// Summary reports what happened to each agent of a convened panel.
type Summary struct {
	SessionID core.SessionID `json:"session_id"`
	Cast      int            `json:"cast"`
	Abstained int            `json:"abstained"`
	Late      int            `json:"late"`
	Skipped   int            `json:"skipped"`
	Session   *core.Session  `json:"session"`
}

// Panel fans provider calls out across a session's roster.
type Panel struct {
	cfg       Config
	providers map[string]Provider
	roster    *roster.Registry
	sessions  *session.Manager
	collector *vote.Collector
	bus       *events.EventBus
	metrics   *metrics.Metrics
	limiters  *limiters
	logger    *slog.Logger
}

// New creates a panel. Agents whose provider is not registered are skipped,
// which is how human reviewers are left to vote on their own.
func New(cfg Config, providers []Provider, reg *roster.Registry, sessions *session.Manager,
	collector *vote.Collector, bus *events.EventBus, m *metrics.Metrics, logger *slog.Logger,
) *Panel {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.Retry == nil {
		cfg.Retry = DefaultRetryPolicy()
	}
	if logger == nil {
		logger = slog.Default()
	}
	byName := make(map[string]Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	return &Panel{
		cfg:       cfg,
		providers: byName,
		roster:    reg,
		sessions:  sessions,
		collector: collector,
		bus:       bus,
		metrics:   m,
		limiters:  newLimiters(cfg.Limits),
		logger:    logger.With("component", "panel"),
	}
}

// Convene asks every automated agent of the session for a vote. It returns
// once every call finished or the session reached a decision, whichever
// comes first. Provider failures are abstentions and never fail Convene.
func (p *Panel) Convene(ctx context.Context, id core.SessionID) (*Summary, error) {
	sess, err := p.sessions.GetStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status != core.StatusVoting {
		return nil, core.ErrSessionNotOpen(id, sess.Status)
	}
	snap, err := p.sessions.Snapshot(ctx, sess.RosterSnapshotID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopWatch := p.cancelOnDecision(id, cancel)
	defer stopWatch()

	var cast, abstained, late, skipped int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)

	for _, ref := range snap.Agents {
		agent, err := p.roster.Get(ref.ID)
		if err != nil {
			atomic.AddInt64(&skipped, 1)
			continue
		}
		provider, ok := p.providers[agent.ProviderRef]
		if !ok {
			atomic.AddInt64(&skipped, 1)
			continue
		}

		g.Go(func() error {
			if gctx.Err() != nil {
				atomic.AddInt64(&late, 1)
				return nil
			}
			ballot, err := p.ask(gctx, provider, Request{
				SessionID:   sess.ID,
				SubjectType: sess.SubjectType,
				SubjectID:   sess.SubjectID,
				Agent:       agent,
			})
			if err != nil {
				if gctx.Err() != nil {
					atomic.AddInt64(&late, 1)
				} else {
					atomic.AddInt64(&abstained, 1)
				}
				return nil
			}

			_, err = p.collector.CastVote(gctx, vote.Ballot{
				SessionID:  sess.ID,
				AgentID:    agent.ID,
				Type:       ballot.Type,
				Confidence: ballot.Confidence,
			})
			switch {
			case err == nil:
				atomic.AddInt64(&cast, 1)
			case core.IsCode(err, core.CodeSessionNotOpen) || errors.Is(err, context.Canceled):
				atomic.AddInt64(&late, 1)
			default:
				atomic.AddInt64(&abstained, 1)
				p.logger.Warn("panel vote refused", "session_id", sess.ID, "agent_id", agent.ID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	// The caller's context may be cancelled; the summary still reports the
	// latest state.
	final, err := p.sessions.GetStatus(context.WithoutCancel(ctx), id)
	if err != nil {
		return nil, err
	}
	sum := &Summary{
		SessionID: id,
		Cast:      int(cast),
		Abstained: int(abstained),
		Late:      int(late),
		Skipped:   int(skipped),
		Session:   final,
	}
	p.logger.Info("panel finished",
		"session_id", id,
		"cast", sum.Cast,
		"abstained", sum.Abstained,
		"late", sum.Late,
		"skipped", sum.Skipped,
		"status", final.Status)
	return sum, nil
}

// ask calls one provider with pacing, a timeout and retries.
func (p *Panel) ask(ctx context.Context, provider Provider, req Request) (Ballot, error) {
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	var ballot Ballot
	err := p.cfg.Retry.Execute(ctx, func(ctx context.Context) error {
		if err := p.limiters.get(provider.Name()).Acquire(ctx); err != nil {
			return err
		}
		b, err := provider.Vote(ctx, req)
		if err != nil {
			return err
		}
		ballot = b
		return nil
	})

	outcome := "vote"
	if err != nil {
		outcome = "abstain"
		p.logger.Warn("provider abstained",
			"session_id", req.SessionID,
			"agent_id", req.Agent.ID,
			"provider", provider.Name(),
			"error", err)
	}
	p.metrics.ProviderCall(ctx, provider.Name(), outcome, time.Since(start))
	return ballot, err
}

// cancelOnDecision cancels the panel once the session is decided. The
// returned func unsubscribes.
func (p *Panel) cancelOnDecision(id core.SessionID, cancel context.CancelFunc) func() {
	if p.bus == nil {
		return func() {}
	}
	ch := p.bus.Subscribe(events.DecisionTypes()...)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			if ev.SessionID() == string(id) {
				cancel()
			}
		}
	}()
	return func() {
		p.bus.Unsubscribe(ch)
		<-done
	}
}
