package panel

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/verdict/internal/core"
)

// Request is what a provider sees when asked for a vote.
type Request struct {
	SessionID   core.SessionID
	SubjectType string
	SubjectID   string
	Agent       core.Agent
}

// Ballot is a provider's answer.
type Ballot struct {
	Type       core.VoteType
	Confidence float64
}

// Provider produces votes on behalf of agents. Implementations must honor
// ctx cancellation; a provider error means the agent abstains.
type Provider interface {
	Name() string
	Vote(ctx context.Context, req Request) (Ballot, error)
}

// Static always returns the same ballot.
type Static struct {
	Ballot Ballot
}

// Name implements Provider.
func (Static) Name() string { return "static" }

// Vote implements Provider.
func (s Static) Vote(ctx context.Context, _ Request) (Ballot, error) {
	if err := ctx.Err(); err != nil {
		return Ballot{}, err
	}
	return s.Ballot, nil
}

// RandomConfig configures the random demo provider.
type RandomConfig struct {
	Seed int64
	// ApproveBias shifts the vote distribution toward approve (0..1).
	ApproveBias float64
	// FailureRate is the probability of a transient failure per call.
	FailureRate float64
	MinLatency  time.Duration
	MaxLatency  time.Duration
}

// Random simulates an unreliable automated reviewer. It is the only place
// randomness enters the system; the engine itself is deterministic.
type Random struct {
	cfg RandomConfig
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandom creates a random provider. A zero seed uses the current time.
func NewRandom(cfg RandomConfig) *Random {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Random{cfg: cfg, rng: rand.New(rand.NewSource(seed))}
}

// Name implements Provider.
func (r *Random) Name() string { return "random" }

// Vote implements Provider.
func (r *Random) Vote(ctx context.Context, req Request) (Ballot, error) {
	r.mu.Lock()
	latency := r.cfg.MinLatency
	if span := r.cfg.MaxLatency - r.cfg.MinLatency; span > 0 {
		latency += time.Duration(r.rng.Int63n(int64(span)))
	}
	fail := r.rng.Float64() < r.cfg.FailureRate
	roll := r.rng.Float64()
	confidence := 0.5 + r.rng.Float64()/2
	r.mu.Unlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Ballot{}, ctx.Err()
		case <-timer.C:
		}
	}
	if fail {
		return Ballot{}, core.ErrProviderFailed(r.Name(), fmt.Sprintf("simulated outage for %s", req.Agent.ID), true)
	}

	approve := 0.5 + r.cfg.ApproveBias/2
	switch {
	case roll < approve:
		return Ballot{Type: core.VoteApprove, Confidence: confidence}, nil
	case roll < approve+(1-approve)*0.7:
		return Ballot{Type: core.VoteReject, Confidence: confidence}, nil
	default:
		return Ballot{Type: core.VoteEscalate, Confidence: confidence}, nil
	}
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc struct {
	ID string
	Fn func(ctx context.Context, req Request) (Ballot, error)
}

// Name implements Provider.
func (p ProviderFunc) Name() string { return p.ID }

// Vote implements Provider.
func (p ProviderFunc) Vote(ctx context.Context, req Request) (Ballot, error) {
	return p.Fn(ctx, req)
}
