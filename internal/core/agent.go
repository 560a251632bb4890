package core

import (
	"fmt"
	"strings"
	"time"
)

// AgentID identifies a review agent on the roster.
type AgentID string

// Role is the function an agent serves on the review panel.
type Role string

const (
	RoleGuardian      Role = "guardian"
	RoleArbiter       Role = "arbiter"
	RoleScribe        Role = "scribe"
	RoleHumanReviewer Role = "humanReviewer"
)

// AllRoles returns all valid roles.
func AllRoles() []Role {
	return []Role{RoleGuardian, RoleArbiter, RoleScribe, RoleHumanReviewer}
}

// ParseRole parses a role name, accepting the snake_case spelling of humanReviewer.
func ParseRole(s string) (Role, error) {
	switch strings.TrimSpace(s) {
	case "guardian":
		return RoleGuardian, nil
	case "arbiter":
		return RoleArbiter, nil
	case "scribe":
		return RoleScribe, nil
	case "humanReviewer", "human_reviewer", "human":
		return RoleHumanReviewer, nil
	default:
		return "", fmt.Errorf("unknown role: %s", s)
	}
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleGuardian, RoleArbiter, RoleScribe, RoleHumanReviewer:
		return true
	default:
		return false
	}
}

// Agent is an eligible voter. Agents are never deleted, only deactivated,
// so that recorded votes stay attributable.
type Agent struct {
	ID          AgentID   `json:"id" yaml:"id"`
	DisplayName string    `json:"display_name" yaml:"display_name"`
	Role        Role      `json:"role" yaml:"role"`
	ProviderRef string    `json:"provider_ref" yaml:"provider"`
	Weight      float64   `json:"weight" yaml:"weight"`
	Active      bool      `json:"active" yaml:"active"`
	CreatedAt   time.Time `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time `json:"updated_at" yaml:"-"`
}

// Validate checks the agent's fields.
func (a *Agent) Validate() error {
	if strings.TrimSpace(string(a.ID)) == "" {
		return ErrValidation(CodeInvalidAgent, "agent id required")
	}
	if !a.Role.Valid() {
		return ErrValidation(CodeInvalidAgent, fmt.Sprintf("agent %s has unknown role %q", a.ID, a.Role))
	}
	if a.Weight < 0 {
		return ErrValidation(CodeInvalidAgent, fmt.Sprintf("agent %s has negative weight %.2f", a.ID, a.Weight))
	}
	return nil
}

// IsHuman reports whether the agent's votes come from a human reviewer UI
// rather than an automated provider.
func (a *Agent) IsHuman() bool {
	return a.Role == RoleHumanReviewer || a.ProviderRef == "" || a.ProviderRef == "human"
}
