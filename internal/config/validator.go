package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hugo-lorenzo-mato/verdict/internal/adapters/state"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation: %s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

// Validate validates the entire configuration.
func (v *Validator) Validate(cfg *Config) error {
	v.validateLog(&cfg.Log)
	v.validateServer(&cfg.Server)
	v.validateState(&cfg.State)
	v.validateConsensus(&cfg.Consensus)
	v.validateScheduler(&cfg.Scheduler)
	v.validateEvents(&cfg.Events)
	v.validatePanel(&cfg.Panel)

	if len(v.errors) > 0 {
		return v.errors
	}
	return nil
}

// Errors returns the collected validation errors.
func (v *Validator) Errors() ValidationErrors {
	return v.errors
}

func (v *Validator) addError(field string, value interface{}, msg string) {
	v.errors = append(v.errors, ValidationError{
		Field:   field,
		Value:   value,
		Message: msg,
	})
}

func (v *Validator) validateLog(cfg *LogConfig) {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[cfg.Level] {
		v.addError("log.level", cfg.Level, "must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{
		"auto": true, "text": true, "json": true,
	}
	if !validFormats[cfg.Format] {
		v.addError("log.format", cfg.Format, "must be one of: auto, text, json")
	}

	if cfg.File != "" && !isValidPath(cfg.File) {
		v.addError("log.file", cfg.File, "invalid file path")
	}
}

func (v *Validator) validateServer(cfg *ServerConfig) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		v.addError("server.port", cfg.Port, "must be between 0 and 65535")
	}
	v.validateDuration("server.read_timeout", cfg.ReadTimeout)
	v.validateDuration("server.write_timeout", cfg.WriteTimeout)
	v.validateDuration("server.shutdown_timeout", cfg.ShutdownTimeout)
}

func (v *Validator) validateState(cfg *StateConfig) {
	switch cfg.Backend {
	case state.BackendSQLite:
		if cfg.Path == "" {
			v.addError("state.path", cfg.Path, "path required for sqlite backend")
		} else if !isValidPath(cfg.Path) {
			v.addError("state.path", cfg.Path, "invalid file path")
		}
	case state.BackendPostgres:
		if cfg.DSN == "" {
			v.addError("state.dsn", cfg.DSN, "dsn required for postgres backend")
		}
	case state.BackendMemory:
	default:
		v.addError("state.backend", cfg.Backend, "must be one of: sqlite, postgres, memory")
	}
}

func (v *Validator) validateConsensus(cfg *ConsensusConfig) {
	if _, err := time.ParseDuration(cfg.VotingWindow); err != nil {
		v.addError("consensus.voting_window", cfg.VotingWindow, "invalid duration format")
		return
	}
	rule, err := cfg.Rule()
	if err != nil {
		v.addError("consensus.role_weights", cfg.RoleWeights, err.Error())
		return
	}
	if err := rule.Validate(); err != nil {
		v.addError("consensus", cfg.QuorumFraction, err.Error())
	}
}

func (v *Validator) validateScheduler(cfg *SchedulerConfig) {
	v.validateDuration("scheduler.sweep_interval", cfg.SweepInterval)
	v.validateDuration("scheduler.expire_timeout", cfg.ExpireTimeout)
}

func (v *Validator) validateEvents(cfg *EventsConfig) {
	if cfg.BufferSize < 1 {
		v.addError("events.buffer_size", cfg.BufferSize, "must be positive")
	}
}

func (v *Validator) validatePanel(cfg *PanelConfig) {
	if cfg.Concurrency < 1 || cfg.Concurrency > 256 {
		v.addError("panel.concurrency", cfg.Concurrency, "must be between 1 and 256")
	}
	v.validateDuration("panel.timeout", cfg.Timeout)
	if cfg.MaxAttempts < 1 || cfg.MaxAttempts > 10 {
		v.addError("panel.max_attempts", cfg.MaxAttempts, "must be between 1 and 10")
	}
	if cfg.RatePerSecond < 0 {
		v.addError("panel.rate_per_second", cfg.RatePerSecond, "must be non-negative")
	}
	if cfg.FailureRate < 0 || cfg.FailureRate > 1 {
		v.addError("panel.failure_rate", cfg.FailureRate, "must be between 0 and 1")
	}
}

func (v *Validator) validateDuration(field, value string) {
	if value == "" {
		return
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		v.addError(field, value, "invalid duration format")
		return
	}
	if d < 0 {
		v.addError(field, value, "must not be negative")
	}
}

func isValidPath(path string) bool {
	dir := filepath.Dir(path)
	_, err := os.Stat(dir)
	return err == nil || os.IsNotExist(err)
}

// ValidateConfig is a convenience function that creates a validator and validates config.
func ValidateConfig(cfg *Config) error {
	v := NewValidator()
	return v.Validate(cfg)
}
