package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hugo-lorenzo-mato/verdict/internal/core"
)

func TestLoader_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := NewLoader().Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "info")
	}
	if cfg.State.Backend != "sqlite" {
		t.Errorf("State.Backend = %q, want %q", cfg.State.Backend, "sqlite")
	}
	if cfg.Server.Addr() != "127.0.0.1:8088" {
		t.Errorf("Server.Addr() = %q, want %q", cfg.Server.Addr(), "127.0.0.1:8088")
	}
	if cfg.Events.BufferSize != 256 {
		t.Errorf("Events.BufferSize = %d, want 256", cfg.Events.BufferSize)
	}

	rule, err := cfg.Consensus.Rule()
	if err != nil {
		t.Fatalf("Rule() error = %v", err)
	}
	want := core.DefaultConsensusRule()
	if rule.QuorumFraction != want.QuorumFraction || rule.VotingWindow != want.VotingWindow ||
		rule.MinRosterSize != want.MinRosterSize || rule.TieBreak != want.TieBreak {
		t.Errorf("Rule() = %+v, want %+v", rule, want)
	}

	if err := ValidateConfig(cfg); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestLoader_EnvOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())
	t.Setenv("VERDICT_LOG_LEVEL", "debug")
	t.Setenv("VERDICT_SERVER_PORT", "9999")
	t.Setenv("VERDICT_CONSENSUS_VOTING_WINDOW", "15m")

	cfg, err := NewLoader().Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("Server.Port = %d, want 9999", cfg.Server.Port)
	}
	rule, err := cfg.Consensus.Rule()
	if err != nil {
		t.Fatalf("Rule() error = %v", err)
	}
	if rule.VotingWindow != 15*time.Minute {
		t.Errorf("VotingWindow = %s, want 15m", rule.VotingWindow)
	}
}

func TestLoader_ProjectFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", t.TempDir())

	content := `
state:
  backend: memory
consensus:
  quorum_fraction: 0.75
  tie_break: reject
  weighting: role
  role_weights:
    arbiter: 3
    human_reviewer: 2
`
	if err := os.WriteFile(filepath.Join(dir, ".verdict.yaml"), []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	loader := NewLoader()
	cfg, err := loader.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loader.ConfigFile() == "" {
		t.Error("ConfigFile() is empty, want the project file")
	}
	if cfg.State.Backend != "memory" {
		t.Errorf("State.Backend = %q, want memory", cfg.State.Backend)
	}

	rule, err := cfg.Consensus.Rule()
	if err != nil {
		t.Fatalf("Rule() error = %v", err)
	}
	if rule.TieBreak != core.TieBreakReject {
		t.Errorf("TieBreak = %q, want reject", rule.TieBreak)
	}
	if rule.RoleWeights[core.RoleHumanReviewer] != 2 {
		t.Errorf("RoleWeights = %v, want human reviewer weight 2", rule.RoleWeights)
	}
	if err := rule.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestLoader_ExplicitFileMissing(t *testing.T) {
	_, err := NewLoader().WithConfigFile(filepath.Join(t.TempDir(), "absent.yaml")).Load()
	if err == nil {
		t.Fatal("Load() with a missing explicit file succeeded")
	}
}

func TestDefaultConfigYAML_Loads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := AtomicWrite(path, []byte(DefaultConfigYAML)); err != nil {
		t.Fatal(err)
	}

	cfg, err := NewLoader().WithConfigFile(path).Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := ValidateConfig(cfg); err != nil {
		t.Fatalf("default config does not validate: %v", err)
	}
}
