// Package roster owns the set of review agents eligible to vote.
//
// The registry keeps agents in a stable slice (the arena) plus an id→index
// map. Agents are never removed from the arena, only deactivated, so an
// index stays valid for the life of the process. Sessions never hold
// references into the arena: they vote against an immutable snapshot.
package roster

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/hugo-lorenzo-mato/verdict/internal/core"
)

// Registry is the agent roster.
type Registry struct {
	mu      sync.RWMutex
	agents  []core.Agent
	index   map[core.AgentID]int
	version int64

	store  core.RosterStore
	clock  core.Clock
	logger *slog.Logger
}

// New creates an empty registry backed by store.
func New(store core.RosterStore, clock core.Clock, logger *slog.Logger) *Registry {
	if clock == nil {
		clock = core.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		index:  make(map[core.AgentID]int),
		store:  store,
		clock:  clock,
		logger: logger,
	}
}

// Load hydrates the registry from the store, replacing its contents.
func (r *Registry) Load(ctx context.Context) error {
	agents, err := r.store.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("loading roster: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.agents = make([]core.Agent, 0, len(agents))
	r.index = make(map[core.AgentID]int, len(agents))
	for _, a := range agents {
		r.index[a.ID] = len(r.agents)
		r.agents = append(r.agents, a)
	}
	r.version++
	r.logger.Debug("roster loaded", "agents", len(agents))
	return nil
}

// Register adds a new active agent.
func (r *Registry) Register(ctx context.Context, agent core.Agent) (core.Agent, error) {
	if err := agent.Validate(); err != nil {
		return core.Agent{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.index[agent.ID]; exists {
		return core.Agent{}, core.ErrConflict(core.CodeAgentExists, "agent already registered: "+string(agent.ID)).
			WithDetail("agent_id", string(agent.ID))
	}

	now := r.clock.Now()
	agent.Active = true
	agent.CreatedAt = now
	agent.UpdatedAt = now
	if err := r.store.SaveAgent(ctx, &agent); err != nil {
		return core.Agent{}, err
	}

	r.index[agent.ID] = len(r.agents)
	r.agents = append(r.agents, agent)
	r.version++

	r.logger.Info("agent registered", "agent_id", agent.ID, "role", agent.Role, "weight", agent.Weight)
	return agent, nil
}

// Deactivate removes an agent from future snapshots. Open sessions keep
// their snapshot and are unaffected.
func (r *Registry) Deactivate(ctx context.Context, id core.AgentID) (core.Agent, error) {
	return r.setActive(ctx, id, false)
}

// Activate re-admits a deactivated agent to future snapshots.
func (r *Registry) Activate(ctx context.Context, id core.AgentID) (core.Agent, error) {
	return r.setActive(ctx, id, true)
}

func (r *Registry) setActive(ctx context.Context, id core.AgentID, active bool) (core.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i, ok := r.index[id]
	if !ok {
		return core.Agent{}, core.ErrAgentNotFound(id)
	}
	if r.agents[i].Active == active {
		return r.agents[i], nil
	}

	updated := r.agents[i]
	updated.Active = active
	updated.UpdatedAt = r.clock.Now()
	if err := r.store.SaveAgent(ctx, &updated); err != nil {
		return core.Agent{}, err
	}
	r.agents[i] = updated
	r.version++

	r.logger.Info("agent active state changed", "agent_id", id, "active", active)
	return updated, nil
}

// update replaces the mutable fields of an existing agent and activates it.
// Caller holds r.mu.
func (r *Registry) update(ctx context.Context, i int, want core.Agent) error {
	updated := r.agents[i]
	updated.DisplayName = want.DisplayName
	updated.Role = want.Role
	updated.ProviderRef = want.ProviderRef
	updated.Weight = want.Weight
	updated.Active = true
	updated.UpdatedAt = r.clock.Now()
	if err := r.store.SaveAgent(ctx, &updated); err != nil {
		return err
	}
	r.agents[i] = updated
	return nil
}

// Get returns an agent by id.
func (r *Registry) Get(id core.AgentID) (core.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i, ok := r.index[id]
	if !ok {
		return core.Agent{}, core.ErrAgentNotFound(id)
	}
	return r.agents[i], nil
}

// List returns every agent, active or not, in registration order.
func (r *Registry) List() []core.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]core.Agent(nil), r.agents...)
}

// IDs returns every registered agent id.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.agents))
	for i, a := range r.agents {
		out[i] = string(a.ID)
	}
	return out
}

// Version increases on every roster mutation.
func (r *Registry) Version() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// Snapshot freezes the active agents, with weights resolved by rule, into a
// persisted immutable snapshot. It fails with ROSTER_TOO_SMALL when fewer
// than rule.MinRosterSize agents are active or their total weight is zero.
func (r *Registry) Snapshot(ctx context.Context, rule core.ConsensusRule) (*core.RosterSnapshot, error) {
	r.mu.RLock()
	snap := &core.RosterSnapshot{
		ID:            core.SnapshotID(uuid.NewString()),
		RosterVersion: r.version,
		TakenAt:       r.clock.Now(),
	}
	for _, a := range r.agents {
		if !a.Active {
			continue
		}
		snap.Agents = append(snap.Agents, core.AgentRef{ID: a.ID, Role: a.Role, Weight: rule.WeightFor(a)})
	}
	r.mu.RUnlock()

	if snap.Size() < rule.MinRosterSize {
		return nil, core.ErrRosterTooSmall(snap.Size(), rule.MinRosterSize)
	}
	if snap.TotalWeight() <= 0 {
		return nil, core.ErrRosterTooSmall(snap.Size(), rule.MinRosterSize).
			WithDetail("total_weight", snap.TotalWeight())
	}

	if err := r.store.SaveSnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("saving roster snapshot: %w", err)
	}
	return snap, nil
}
