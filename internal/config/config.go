package config

import (
	"fmt"
	"time"

	"github.com/hugo-lorenzo-mato/verdict/internal/core"
)

// Config holds all application configuration.
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Server    ServerConfig    `mapstructure:"server"`
	State     StateConfig     `mapstructure:"state"`
	Consensus ConsensusConfig `mapstructure:"consensus"`
	Roster    RosterConfig    `mapstructure:"roster"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Events    EventsConfig    `mapstructure:"events"`
	Panel     PanelConfig     `mapstructure:"panel"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host            string   `mapstructure:"host"`
	Port            int      `mapstructure:"port"`
	CORSOrigins     []string `mapstructure:"cors_origins"`
	ReadTimeout     string   `mapstructure:"read_timeout"`
	WriteTimeout    string   `mapstructure:"write_timeout"`
	ShutdownTimeout string   `mapstructure:"shutdown_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StateConfig configures persistence.
type StateConfig struct {
	// Backend is one of sqlite, postgres or memory.
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
	DSN     string `mapstructure:"dsn"`
}

// ConsensusConfig is the default rule applied to new sessions.
type ConsensusConfig struct {
	QuorumFraction float64            `mapstructure:"quorum_fraction"`
	MinRosterSize  int                `mapstructure:"min_roster_size"`
	TieBreak       string             `mapstructure:"tie_break"`
	VotingWindow   string             `mapstructure:"voting_window"`
	Weighting      string             `mapstructure:"weighting"`
	RoleWeights    map[string]float64 `mapstructure:"role_weights"`
}

// Rule converts the section into a consensus rule.
func (c ConsensusConfig) Rule() (core.ConsensusRule, error) {
	window, err := time.ParseDuration(c.VotingWindow)
	if err != nil {
		return core.ConsensusRule{}, fmt.Errorf("consensus.voting_window: %w", err)
	}
	rule := core.ConsensusRule{
		QuorumFraction: c.QuorumFraction,
		MinRosterSize:  c.MinRosterSize,
		TieBreak:       core.TieBreakPolicy(c.TieBreak),
		VotingWindow:   window,
		Weighting:      core.Weighting(c.Weighting),
	}
	if len(c.RoleWeights) > 0 {
		rule.RoleWeights = make(map[core.Role]float64, len(c.RoleWeights))
		for name, w := range c.RoleWeights {
			role, err := core.ParseRole(name)
			if err != nil {
				return core.ConsensusRule{}, fmt.Errorf("consensus.role_weights: %w", err)
			}
			rule.RoleWeights[role] = w
		}
	}
	return rule.Normalize(), nil
}

// RosterConfig configures the roster file.
type RosterConfig struct {
	File  string `mapstructure:"file"`
	Watch bool   `mapstructure:"watch"`
}

// SchedulerConfig configures deadline enforcement.
type SchedulerConfig struct {
	SweepInterval string `mapstructure:"sweep_interval"`
	ExpireTimeout string `mapstructure:"expire_timeout"`
}

// EventsConfig configures the decision event bus.
type EventsConfig struct {
	BufferSize int `mapstructure:"buffer_size"`
}

// PanelConfig configures the demo vote producers.
type PanelConfig struct {
	Concurrency   int     `mapstructure:"concurrency"`
	Timeout       string  `mapstructure:"timeout"`
	MaxAttempts   int     `mapstructure:"max_attempts"`
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	Burst         int     `mapstructure:"burst"`
	Seed          int64   `mapstructure:"seed"`
	FailureRate   float64 `mapstructure:"failure_rate"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// Duration parses a duration field that has already passed validation.
// Invalid or empty values yield fallback.
func Duration(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
