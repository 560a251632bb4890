package roster

import (
	"context"
	"fmt"

	"github.com/hugo-lorenzo-mato/verdict/internal/core"
)

// SyncResult lists the changes a Sync applied.
type SyncResult struct {
	Added       []core.AgentID `json:"added"`
	Updated     []core.AgentID `json:"updated"`
	Deactivated []core.AgentID `json:"deactivated"`
}

// Changed reports whether the sync modified the roster.
func (s SyncResult) Changed() bool {
	return len(s.Added)+len(s.Updated)+len(s.Deactivated) > 0
}

// Sync reconciles the roster with a desired agent list: unknown agents are
// registered, changed or inactive agents are updated and activated, and
// agents missing from the list are deactivated.
func (r *Registry) Sync(ctx context.Context, desired []core.Agent) (SyncResult, error) {
	var res SyncResult

	want := make(map[core.AgentID]bool, len(desired))
	for i := range desired {
		if err := desired[i].Validate(); err != nil {
			return res, err
		}
		if want[desired[i].ID] {
			return res, core.ErrValidation(core.CodeInvalidAgent, "duplicate agent id in roster: "+string(desired[i].ID))
		}
		want[desired[i].ID] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	for _, a := range desired {
		i, ok := r.index[a.ID]
		if !ok {
			a.Active = true
			a.CreatedAt = now
			a.UpdatedAt = now
			if err := r.store.SaveAgent(ctx, &a); err != nil {
				return res, fmt.Errorf("registering %s: %w", a.ID, err)
			}
			r.index[a.ID] = len(r.agents)
			r.agents = append(r.agents, a)
			res.Added = append(res.Added, a.ID)
			continue
		}
		if sameDefinition(r.agents[i], a) && r.agents[i].Active {
			continue
		}
		if err := r.update(ctx, i, a); err != nil {
			return res, fmt.Errorf("updating %s: %w", a.ID, err)
		}
		res.Updated = append(res.Updated, a.ID)
	}

	for i := range r.agents {
		cur := r.agents[i]
		if want[cur.ID] || !cur.Active {
			continue
		}
		cur.Active = false
		cur.UpdatedAt = now
		if err := r.store.SaveAgent(ctx, &cur); err != nil {
			return res, fmt.Errorf("deactivating %s: %w", cur.ID, err)
		}
		r.agents[i] = cur
		res.Deactivated = append(res.Deactivated, cur.ID)
	}

	if res.Changed() {
		r.version++
		r.logger.Info("roster synced",
			"added", len(res.Added),
			"updated", len(res.Updated),
			"deactivated", len(res.Deactivated))
	}
	return res, nil
}

func sameDefinition(a, b core.Agent) bool {
	return a.DisplayName == b.DisplayName &&
		a.Role == b.Role &&
		a.ProviderRef == b.ProviderRef &&
		a.Weight == b.Weight
}
