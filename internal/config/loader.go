package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Loader handles configuration loading from multiple sources.
type Loader struct {
	v          *viper.Viper
	configFile string
	envPrefix  string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		v:         viper.New(),
		envPrefix: "VERDICT",
	}
}

// NewLoaderWithViper creates a loader using an existing viper instance.
// This allows integration with CLI flag bindings.
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{
		v:         v,
		envPrefix: "VERDICT",
	}
}

// WithConfigFile sets an explicit config file path.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.configFile = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Viper returns the underlying viper instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load loads configuration from all sources.
// Precedence (highest to lowest):
// 1. CLI flags (set via viper.BindPFlag)
// 2. Environment variables (VERDICT_*)
// 3. Project config (.verdict.yaml in current directory)
// 4. User config (~/.config/verdict/config.yaml)
// 5. Defaults
func (l *Loader) Load() (*Config, error) {
	l.setDefaults()

	l.v.SetEnvPrefix(l.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	} else {
		l.v.SetConfigName(".verdict")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		if dir, err := UserConfigDir(); err == nil {
			l.v.AddConfigPath(dir)
		}
	}

	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values.
func (l *Loader) setDefaults() {
	l.v.SetDefault("log.level", "info")
	l.v.SetDefault("log.format", "auto")

	l.v.SetDefault("server.host", "127.0.0.1")
	l.v.SetDefault("server.port", 8088)
	l.v.SetDefault("server.cors_origins", []string{"http://localhost:5173"})
	l.v.SetDefault("server.read_timeout", "15s")
	l.v.SetDefault("server.write_timeout", "30s")
	l.v.SetDefault("server.shutdown_timeout", "10s")

	l.v.SetDefault("state.backend", "sqlite")
	l.v.SetDefault("state.path", ".verdict/verdict.db")

	// 2/3 supermajority, one hour to vote, escalate on deadlock.
	l.v.SetDefault("consensus.quorum_fraction", 2.0/3.0)
	l.v.SetDefault("consensus.min_roster_size", 3)
	l.v.SetDefault("consensus.tie_break", "escalate")
	l.v.SetDefault("consensus.voting_window", "1h")
	l.v.SetDefault("consensus.weighting", "headcount")

	l.v.SetDefault("roster.file", ".verdict/roster.yaml")
	l.v.SetDefault("roster.watch", true)

	l.v.SetDefault("scheduler.sweep_interval", "30s")
	l.v.SetDefault("scheduler.expire_timeout", "10s")

	l.v.SetDefault("events.buffer_size", 256)

	l.v.SetDefault("panel.concurrency", 8)
	l.v.SetDefault("panel.timeout", "30s")
	l.v.SetDefault("panel.max_attempts", 2)
	l.v.SetDefault("panel.rate_per_second", 20.0)
	l.v.SetDefault("panel.burst", 10)
	l.v.SetDefault("panel.failure_rate", 0.0)

	l.v.SetDefault("metrics.enabled", true)
	l.v.SetDefault("metrics.service_name", "verdict")
}

// ConfigFile returns the config file path if one was used.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// Get returns a configuration value by key.
func (l *Loader) Get(key string) interface{} {
	return l.v.Get(key)
}

// Set sets a configuration value.
func (l *Loader) Set(key string, value interface{}) {
	l.v.Set(key, value)
}

// IsSet checks if a key has been set.
func (l *Loader) IsSet(key string) bool {
	return l.v.IsSet(key)
}

// AllSettings returns all settings as a map.
func (l *Loader) AllSettings() map[string]interface{} {
	return l.v.AllSettings()
}

// UserConfigDir returns the per-user configuration directory.
func UserConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".config", "verdict"), nil
}
