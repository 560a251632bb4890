package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/verdict/internal/core"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect and verify session ledgers",
}

var ledgerShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "List a session's ledger entries",
	Args:  cobra.ExactArgs(1),
	RunE:  runLedgerShow,
}

var ledgerVerifyCmd = &cobra.Command{
	Use:   "verify <session-id>",
	Short: "Verify a session's hash chain",
	Long:  "Recompute every entry hash and check the chain. Exits non-zero if the ledger was altered.",
	Args:  cobra.ExactArgs(1),
	RunE:  runLedgerVerify,
}

var ledgerExportCmd = &cobra.Command{
	Use:   "export <session-id> <file>",
	Short: "Write a session's ledger and its verification to a JSON file",
	Args:  cobra.ExactArgs(2),
	RunE:  runLedgerExport,
}

func init() {
	rootCmd.AddCommand(ledgerCmd)
	ledgerCmd.AddCommand(ledgerShowCmd, ledgerVerifyCmd, ledgerExportCmd)
}

func runLedgerShow(cmd *cobra.Command, args []string) error {
	engine, cleanup, err := openEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer cleanup()

	id := core.SessionID(args[0])
	if _, err := engine.Sessions.GetStatus(cmd.Context(), id); err != nil {
		return err
	}
	entries, err := engine.Ledger.ReadAll(cmd.Context(), id)
	if err != nil {
		return err
	}
	if jsonOut {
		if entries == nil {
			entries = []core.LedgerEntry{}
		}
		return printJSON(cmd.OutOrStdout(), entries)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tEVENT\tRECORDED\tHASH\tPAYLOAD")
	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			e.SequenceNo, e.EventType, e.RecordedAt.Local().Format(time.DateTime), short(e.Hash), e.Payload)
	}
	return w.Flush()
}

func runLedgerVerify(cmd *cobra.Command, args []string) error {
	engine, cleanup, err := openEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer cleanup()

	id := core.SessionID(args[0])
	if _, err := engine.Sessions.GetStatus(cmd.Context(), id); err != nil {
		return err
	}
	report, err := engine.Ledger.VerifySession(cmd.Context(), id)
	if err != nil {
		return err
	}
	if jsonOut {
		if err := printJSON(cmd.OutOrStdout(), report); err != nil {
			return err
		}
	} else if report.Valid {
		fmt.Fprintf(cmd.OutOrStdout(), "✓ ledger intact: %d entries, head %s\n", report.Entries, short(report.HeadHash))
	}
	if !report.Valid {
		return fmt.Errorf("ledger verification failed: %s", report.Error)
	}
	return nil
}

func runLedgerExport(cmd *cobra.Command, args []string) error {
	engine, cleanup, err := openEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer cleanup()

	id := core.SessionID(args[0])
	if _, err := engine.Sessions.GetStatus(cmd.Context(), id); err != nil {
		return err
	}
	export, err := engine.Ledger.Export(cmd.Context(), id, args[1])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Exported %d entries to %s (valid: %t)\n",
		len(export.Entries), args[1], export.Report.Valid)
	return nil
}
