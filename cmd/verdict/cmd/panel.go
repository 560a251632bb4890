package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/verdict/internal/core"
)

var panelCmd = &cobra.Command{
	Use:   "panel <session-id>",
	Short: "Ask every agent in a session's roster for its vote",
	Long: `Convene the review panel: each agent that has not voted is asked for a
ballot through its configured provider, concurrently and rate limited.
Collection stops as soon as the session is decided.`,
	Args: cobra.ExactArgs(1),
	RunE: runPanel,
}

func init() {
	rootCmd.AddCommand(panelCmd)
}

func runPanel(cmd *cobra.Command, args []string) error {
	engine, cleanup, err := openEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer cleanup()

	summary, err := engine.Panel.Convene(cmd.Context(), core.SessionID(args[0]))
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(cmd.OutOrStdout(), summary)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Panel finished for %s\n", summary.SessionID)
	fmt.Fprintf(out, "  cast %d, abstained %d, late %d, skipped %d\n",
		summary.Cast, summary.Abstained, summary.Late, summary.Skipped)
	if s := summary.Session; s != nil {
		if s.Decision != "" {
			fmt.Fprintf(out, "  outcome: %s (%s)\n", s.Decision, s.Reason)
		} else {
			fmt.Fprintf(out, "  status: %s\n", s.Status)
		}
	}
	return nil
}
