package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/hugo-lorenzo-mato/verdict/internal/clip"
	"github.com/hugo-lorenzo-mato/verdict/internal/core"
	"github.com/hugo-lorenzo-mato/verdict/internal/report"
	"github.com/hugo-lorenzo-mato/verdict/internal/tui"
)

var reportCmd = &cobra.Command{
	Use:   "report <session-id>",
	Short: "Render the audit report of a session",
	Long: `Build a session's audit report: outcome, tallies, votes, absent agents,
the ledger and the result of verifying and replaying it.

Examples:
  verdict report 3f2a9c1e
  verdict report 3f2a9c1e --raw > audit.md
  verdict report 3f2a9c1e --copy`,
	Args: cobra.ExactArgs(1),
	RunE: runReport,
}

var (
	reportRaw   bool
	reportWidth int
	reportCopy  bool
)

func init() {
	rootCmd.AddCommand(reportCmd)
	reportCmd.Flags().BoolVar(&reportRaw, "raw", false, "print the Markdown source")
	reportCmd.Flags().IntVar(&reportWidth, "width", 0, "wrap width (default: terminal width)")
	reportCmd.Flags().BoolVar(&reportCopy, "copy", false, "copy the Markdown to the clipboard")
}

func runReport(cmd *cobra.Command, args []string) error {
	engine, cleanup, err := openEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer cleanup()

	audit, err := report.Build(cmd.Context(), engine.Sessions, engine.Ledger, core.SessionID(args[0]))
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(cmd.OutOrStdout(), audit)
	}

	md, err := report.Markdown(audit)
	if err != nil {
		return err
	}
	if reportCopy {
		res, err := clip.New().Copy(md)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.ErrOrStderr(), res)
	}

	if reportRaw {
		_, err = fmt.Fprint(cmd.OutOrStdout(), md)
		return err
	}

	width := reportWidth
	if width <= 0 {
		width, _ = tui.TerminalSize()
	}
	rendered, err := report.Render(md, report.RenderOptions{
		Width: width,
		Plain: noColor || !term.IsTerminal(int(os.Stdout.Fd())),
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprint(cmd.OutOrStdout(), rendered)
	return err
}
