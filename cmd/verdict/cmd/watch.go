package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/verdict/internal/clip"
	"github.com/hugo-lorenzo-mato/verdict/internal/core"
	"github.com/hugo-lorenzo-mato/verdict/internal/tui"
)

var watchCmd = &cobra.Command{
	Use:   "watch [session-id]",
	Short: "Follow sessions on a running server",
	Long: `Stream session activity from a running 'verdict serve'. In a terminal
this opens a live dashboard; in pipes and CI it prints one line per event.

Examples:
  verdict watch
  verdict watch 3f2a9c1e --output plain
  verdict watch --server http://review.internal:8088 --output json | jq .`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWatch,
}

var (
	watchServer   string
	watchOutput   string
	watchOpenOnly bool
)

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVar(&watchServer, "server", "", "server base URL (default: from server config)")
	watchCmd.Flags().StringVarP(&watchOutput, "output", "o", "", "output mode (tui, plain, json; default: auto)")
	watchCmd.Flags().BoolVar(&watchOpenOnly, "open-only", false, "hide decided and closed sessions")
}

func runWatch(cmd *cobra.Command, args []string) error {
	base := watchServer
	if base == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		base = "http://" + cfg.Server.Addr()
	}
	var session string
	if len(args) == 1 {
		session = args[0]
	}

	detector := tui.NewDetector()
	if mode, ok := tui.ParseOutputMode(watchOutput); ok {
		detector.Force(mode)
	} else if watchOutput != "" {
		return fmt.Errorf("unknown output mode %q", watchOutput)
	}
	if jsonOut {
		detector.Force(tui.ModeJSON)
	}
	mode := detector.Detect()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	streamURL, err := tui.StreamURL(base, session)
	if err != nil {
		return err
	}
	src, err := tui.DialRemote(ctx, streamURL)
	if err != nil {
		return err
	}

	if mode != tui.ModeTUI {
		return tui.RunPlain(ctx, src, tui.NewPlainPrinter(cmd.OutOrStdout(), mode == tui.ModeJSON))
	}

	seed, err := fetchSessions(ctx, base, session)
	if err != nil {
		fmt.Fprintln(os.Stderr, "warning: could not load existing sessions:", err)
	}
	return tui.Run(ctx, src, tui.Options{
		Title:    "verdict · " + strings.TrimPrefix(strings.TrimPrefix(base, "http://"), "https://"),
		OpenOnly: watchOpenOnly,
		Copy:     clip.New().Copy,
		Seed:     seed,
	})
}

// fetchSessions loads the sessions shown before the first streamed event.
func fetchSessions(ctx context.Context, base, session string) ([]core.Session, error) {
	endpoint := strings.TrimSuffix(base, "/") + "/api/v1/sessions?limit=50"
	if session != "" {
		endpoint = strings.TrimSuffix(base, "/") + "/api/v1/sessions/" + url.PathEscape(session)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: %s", endpoint, resp.Status)
	}

	if session != "" {
		var one core.Session
		if err := json.NewDecoder(resp.Body).Decode(&one); err != nil {
			return nil, fmt.Errorf("decoding session: %w", err)
		}
		return []core.Session{one}, nil
	}
	var sessions []core.Session
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		return nil, fmt.Errorf("decoding sessions: %w", err)
	}
	return sessions, nil
}
