package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/verdict/internal/adapters/state"
	"github.com/hugo-lorenzo-mato/verdict/internal/clip"
	"github.com/hugo-lorenzo-mato/verdict/internal/config"
	"github.com/hugo-lorenzo-mato/verdict/internal/diagnostics"
	"github.com/hugo-lorenzo-mato/verdict/internal/logging"
	"github.com/hugo-lorenzo-mato/verdict/internal/tui"
	"github.com/hugo-lorenzo-mato/verdict/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the adjudication server",
	Long: `Start the verdict server: the REST API, the SSE and WebSocket event
streams, health and Prometheus metrics. Voting deadlines are enforced while
the server runs and the roster file is reloaded when it changes.

Examples:
  # Start with defaults (127.0.0.1:8088)
  verdict serve

  # Listen on all interfaces with the live dashboard
  verdict serve --host 0.0.0.0 --tui`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var (
	serveHost string
	servePort int
	serveTUI  bool
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "127.0.0.1",
		"Host address to bind to")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8088,
		"Port to listen on")
	serveCmd.Flags().BoolVar(&serveTUI, "tui", false,
		"Show the live session dashboard")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("host") {
		cfg.Server.Host = serveHost
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = servePort
	}

	logger, closeLog, err := serveLogger(cfg, serveTUI)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, cleanup, err := startEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	diskPath := ""
	if cfg.State.Backend == state.BackendSQLite {
		diskPath = filepath.Dir(cfg.State.Path)
	}
	server := web.New(web.ConfigFrom(cfg.Server), engine, logger.Slog(),
		web.WithSystemCollector(diagnostics.NewSystemCollector(diskPath)))
	if err := server.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	logger.Info("server started",
		slog.String("addr", server.Addr()),
		slog.String("state", cfg.State.Backend),
		slog.Int("agents", len(engine.Roster.List())),
	)

	if serveTUI {
		err = tui.Run(ctx, tui.NewBusSource(engine.Bus), tui.Options{
			Title: "verdict · " + server.Addr(),
			Copy:  clip.New().Copy,
		})
		stop()
	} else {
		<-ctx.Done()
	}

	logger.Info("shutting down server...")
	if shutdownErr := server.Shutdown(context.Background()); shutdownErr != nil {
		return fmt.Errorf("server shutdown: %w", shutdownErr)
	}
	logger.Info("server stopped")
	return err
}

// serveLogger keeps the full-screen dashboard clean by sending logs to the
// configured log file, or nowhere.
func serveLogger(cfg *config.Config, dashboard bool) (*logging.Logger, func(), error) {
	if !dashboard {
		return logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: os.Stdout}), func() {}, nil
	}

	var out io.Writer = io.Discard
	closeFn := func() {}
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		out = f
		closeFn = func() { _ = f.Close() }
	}
	return logging.New(logging.Config{Level: cfg.Log.Level, Format: "json", Output: out}), closeFn, nil
}
