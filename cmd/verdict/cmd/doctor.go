package cmd

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/verdict/internal/diagnostics"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check configuration, storage and roster",
	Long:  "Run preflight checks: configuration validity, consensus rule, state backend, roster file and free disk space.",
	Args:  cobra.NoArgs,
	RunE:  runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	checks := diagnostics.NewDoctor(cfg).Run(cmd.Context())
	if jsonOut {
		if err := printJSON(cmd.OutOrStdout(), checks); err != nil {
			return err
		}
	} else {
		printChecks(cmd, checks)
	}

	if !diagnostics.Healthy(checks) {
		return fmt.Errorf("preflight checks failed")
	}
	return nil
}

var (
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
)

func printChecks(cmd *cobra.Command, checks []diagnostics.Check) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Running checks...")
	fmt.Fprintln(out)
	for _, c := range checks {
		icon, style := "✓", okStyle
		switch c.Status {
		case diagnostics.StatusWarn:
			icon, style = "⚠", warnStyle
		case diagnostics.StatusFail:
			icon, style = "✗", failStyle
		}
		if !noColor {
			icon = style.Render(icon)
		}
		fmt.Fprintf(out, "  %s %-10s %s\n", icon, c.Name, c.Detail)
	}
	fmt.Fprintln(out)
}
