// Package scheduler enforces voting deadlines.
//
// Each open session gets one clock timer that fires at its deadline. A
// periodic sweep backs the timers up so that a session whose timer was lost
// (process restart, clock jump) is still escalated.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/verdict/internal/core"
)

// Config configures the deadline scheduler.
type Config struct {
	// SweepInterval is how often open sessions are scanned for missed
	// deadlines (default: 30s). Zero disables the sweep.
	SweepInterval time.Duration

	// ExpireTimeout bounds one expiry, including its storage writes
	// (default: 10s).
	ExpireTimeout time.Duration
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		SweepInterval: 30 * time.Second,
		ExpireTimeout: 10 * time.Second,
	}
}

// Expirer resolves expired sessions.
type Expirer interface {
	Expire(ctx context.Context, id core.SessionID) (bool, error)
	ListSessions(ctx context.Context, filter core.SessionFilter) ([]core.Session, error)
}

type deadline struct {
	gen   uint64
	timer core.Timer
}

// Scheduler fires session timeouts.
type Scheduler struct {
	config  Config
	expirer Expirer
	clock   core.Clock
	logger  *slog.Logger

	mu       sync.Mutex
	timers   map[core.SessionID]*deadline
	gen      uint64
	stopped  bool
	cancel   context.CancelFunc
	sweepers sync.WaitGroup
}

// New creates a scheduler.
func New(config Config, expirer Expirer, clock core.Clock, logger *slog.Logger) *Scheduler {
	if config.ExpireTimeout <= 0 {
		config.ExpireTimeout = DefaultConfig().ExpireTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		config:  config,
		expirer: expirer,
		clock:   clock,
		logger:  logger.With("component", "scheduler"),
		timers:  make(map[core.SessionID]*deadline),
	}
}

// Start schedules every session still VOTING in storage and starts the
// sweep loop.
func (s *Scheduler) Start(ctx context.Context) error {
	open, err := s.expirer.ListSessions(ctx, core.SessionFilter{Status: core.StatusVoting})
	if err != nil {
		return err
	}
	for _, sess := range open {
		s.Schedule(sess.ID, sess.VotingDeadline)
	}
	if len(open) > 0 {
		s.logger.Info("rehydrated session deadlines", "count", len(open))
	}

	if s.config.SweepInterval <= 0 {
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.sweepers.Add(1)
	go s.sweepLoop(loopCtx)
	return nil
}

// Stop cancels all timers and the sweep loop. Deadlines scheduled after
// Stop are ignored.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for id, d := range s.timers {
		if d.timer != nil {
			d.timer.Stop()
		}
		delete(s.timers, id)
	}
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.sweepers.Wait()
}

// Schedule arms the timeout of a session, replacing any earlier deadline.
// A deadline in the past fires immediately.
func (s *Scheduler) Schedule(id core.SessionID, at time.Time) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if old, ok := s.timers[id]; ok && old.timer != nil {
		old.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.timers[id] = &deadline{gen: gen}
	s.mu.Unlock()

	// AfterFunc may run the callback before returning, so it is armed
	// without holding the lock.
	t := s.clock.AfterFunc(at.Sub(s.clock.Now()), func() { s.fire(id, gen) })

	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.timers[id]; ok && d.gen == gen {
		d.timer = t
		return
	}
	t.Stop()
}

// Cancel disarms a session's timeout.
func (s *Scheduler) Cancel(id core.SessionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.timers[id]; ok {
		if d.timer != nil {
			d.timer.Stop()
		}
		delete(s.timers, id)
	}
}

// Pending returns the number of armed deadlines.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *Scheduler) fire(id core.SessionID, gen uint64) {
	s.mu.Lock()
	d, ok := s.timers[id]
	if !ok || d.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.timers, id)
	s.mu.Unlock()

	s.expire(id)
}

func (s *Scheduler) expire(id core.SessionID) bool {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ExpireTimeout)
	defer cancel()

	applied, err := s.expirer.Expire(ctx, id)
	if err != nil {
		s.logger.Error("expiring session failed", "session_id", id, "error", err)
		return false
	}
	if applied {
		s.logger.Info("voting deadline reached", "session_id", id)
	}
	return applied
}

// Sweep expires every VOTING session whose deadline has passed and returns
// how many it resolved.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	open, err := s.expirer.ListSessions(ctx, core.SessionFilter{Status: core.StatusVoting})
	if err != nil {
		return 0, err
	}
	now := s.clock.Now()
	resolved := 0
	for i := range open {
		if !open[i].Expired(now) {
			continue
		}
		if s.expire(open[i].ID) {
			resolved++
		}
	}
	return resolved, nil
}

func (s *Scheduler) sweepLoop(ctx context.Context) {
	defer s.sweepers.Done()

	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				s.logger.Warn("deadline sweep failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Warn("sweep resolved sessions with missed timers", "count", n)
			}
		}
	}
}
