package testutil

import (
	"fmt"
	"time"

	"github.com/hugo-lorenzo-mato/verdict/internal/core"
)

// Epoch is the fixed start time used by engine tests.
var Epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// AgentID returns the id of the i-th fixture agent.
func AgentID(i int) core.AgentID {
	return core.AgentID(fmt.Sprintf("agent-%02d", i))
}

// Agents builds n active guardian agents of weight 1.
func Agents(n int) []core.Agent {
	out := make([]core.Agent, n)
	for i := range out {
		out[i] = core.Agent{
			ID:          AgentID(i),
			DisplayName: fmt.Sprintf("Agent %02d", i),
			Role:        core.RoleGuardian,
			ProviderRef: "static",
			Weight:      1,
			Active:      true,
			CreatedAt:   Epoch,
			UpdatedAt:   Epoch,
		}
	}
	return out
}

// Rule returns the default consensus rule with the given voting window.
func Rule(window time.Duration) core.ConsensusRule {
	r := core.DefaultConsensusRule()
	r.VotingWindow = window
	return r
}
