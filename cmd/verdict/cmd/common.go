package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/sahilm/fuzzy"
	"github.com/spf13/viper"

	"github.com/hugo-lorenzo-mato/verdict/internal/config"
	"github.com/hugo-lorenzo-mato/verdict/internal/core"
	"github.com/hugo-lorenzo-mato/verdict/internal/logging"
	"github.com/hugo-lorenzo-mato/verdict/internal/service"
)

// loadConfig reads and validates the configuration, honoring --config.
func loadConfig() (*config.Config, error) {
	loader := config.NewLoaderWithViper(viper.GetViper())
	if cfgFile != "" {
		loader.WithConfigFile(cfgFile)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *logging.Logger {
	return logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: os.Stderr,
	})
}

// openEngine builds and starts an engine for a one-shot command. Metrics and
// the roster watcher are only useful to long-running processes and stay off.
func openEngine(ctx context.Context) (*service.Engine, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	cfg.Metrics.Enabled = false
	cfg.Roster.Watch = false
	return startEngine(ctx, cfg, newLogger(cfg))
}

func startEngine(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*service.Engine, func(), error) {
	engine, err := service.New(ctx, cfg, service.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}
	if err := engine.Start(ctx); err != nil {
		_ = engine.Close(ctx)
		return nil, nil, err
	}
	cleanup := func() {
		if err := engine.Close(context.Background()); err != nil {
			logger.Warn("failed to close engine", slog.String("error", err.Error()))
		}
	}
	return engine, cleanup, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// withAgentSuggestion adds a "did you mean" hint to unknown-agent errors.
func withAgentSuggestion(err error, id string, known []string) error {
	if !core.IsCode(err, core.CodeAgentNotFound) && !core.IsCode(err, core.CodeIneligibleAgent) {
		return err
	}
	if s := suggest(id, known); s != "" {
		return fmt.Errorf("%w (did you mean %q?)", err, s)
	}
	return err
}

// suggest returns the closest fuzzy match for input among candidates.
func suggest(input string, candidates []string) string {
	if input == "" || len(candidates) == 0 {
		return ""
	}
	matches := fuzzy.Find(input, candidates)
	if len(matches) > 0 {
		return matches[0].Str
	}
	// Subsequence matching misses typos; retry with the first few runes.
	if r := []rune(input); len(r) > 3 {
		if matches = fuzzy.Find(string(r[:3]), candidates); len(matches) > 0 {
			return matches[0].Str
		}
	}
	return ""
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
