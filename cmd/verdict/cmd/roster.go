package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/verdict/internal/core"
	"github.com/hugo-lorenzo-mato/verdict/internal/roster"
)

var rosterCmd = &cobra.Command{
	Use:   "roster",
	Short: "Manage review agents",
	Long: `Manage review agents. When roster.file is configured it is applied on
every start, so agents added here but missing from the file are deactivated
again. Edit the file instead, or run 'verdict roster load'.`,
}

var rosterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered agents",
	Args:  cobra.NoArgs,
	RunE:  runRosterList,
}

var rosterAddCmd = &cobra.Command{
	Use:   "add <agent-id>",
	Short: "Register an agent",
	Args:  cobra.ExactArgs(1),
	RunE:  runRosterAdd,
}

var rosterDeactivateCmd = &cobra.Command{
	Use:   "deactivate <agent-id>",
	Short: "Exclude an agent from future sessions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setAgentActive(cmd, args[0], false)
	},
}

var rosterActivateCmd = &cobra.Command{
	Use:   "activate <agent-id>",
	Short: "Include a deactivated agent in future sessions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setAgentActive(cmd, args[0], true)
	},
}

var rosterLoadCmd = &cobra.Command{
	Use:   "load [file]",
	Short: "Reconcile the roster with a roster file",
	Long: `Apply a roster file: new agents are registered, changed agents are
updated and agents missing from the file are deactivated. Defaults to the
configured roster file.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRosterLoad,
}

var (
	addName     string
	addRole     string
	addProvider string
	addWeight   float64
)

func init() {
	rootCmd.AddCommand(rosterCmd)
	rosterCmd.AddCommand(rosterListCmd, rosterAddCmd, rosterDeactivateCmd, rosterActivateCmd, rosterLoadCmd)

	rosterAddCmd.Flags().StringVar(&addName, "name", "", "display name (default: the id)")
	rosterAddCmd.Flags().StringVar(&addRole, "role", string(core.RoleGuardian), "agent role")
	rosterAddCmd.Flags().StringVar(&addProvider, "provider", "", "vote provider used by the panel")
	rosterAddCmd.Flags().Float64Var(&addWeight, "weight", 1, "voting weight")
}

func runRosterList(cmd *cobra.Command, _ []string) error {
	engine, cleanup, err := openEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer cleanup()

	agents := engine.Roster.List()
	if jsonOut {
		return printJSON(cmd.OutOrStdout(), agents)
	}
	if len(agents) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No agents registered.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tROLE\tWEIGHT\tPROVIDER\tACTIVE")
	for _, a := range agents {
		fmt.Fprintf(w, "%s\t%s\t%.2f\t%s\t%t\n", a.ID, a.Role, a.Weight, a.ProviderRef, a.Active)
	}
	return w.Flush()
}

func runRosterAdd(cmd *cobra.Command, args []string) error {
	role, err := core.ParseRole(addRole)
	if err != nil {
		return err
	}

	engine, cleanup, err := openEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer cleanup()

	agent, err := engine.Roster.Register(cmd.Context(), core.Agent{
		ID:          core.AgentID(args[0]),
		DisplayName: addName,
		Role:        role,
		ProviderRef: addProvider,
		Weight:      addWeight,
	})
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(cmd.OutOrStdout(), agent)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Registered %s (%s, weight %.2f)\n", agent.ID, agent.Role, agent.Weight)
	return nil
}

func setAgentActive(cmd *cobra.Command, id string, active bool) error {
	engine, cleanup, err := openEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer cleanup()

	var agent core.Agent
	if active {
		agent, err = engine.Roster.Activate(cmd.Context(), core.AgentID(id))
	} else {
		agent, err = engine.Roster.Deactivate(cmd.Context(), core.AgentID(id))
	}
	if err != nil {
		return withAgentSuggestion(err, id, engine.Roster.IDs())
	}
	if jsonOut {
		return printJSON(cmd.OutOrStdout(), agent)
	}
	state := "deactivated"
	if agent.Active {
		state = "activated"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Agent %s %s\n", agent.ID, state)
	return nil
}

func runRosterLoad(cmd *cobra.Command, args []string) error {
	engine, cleanup, err := openEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer cleanup()

	path := engine.Config.Roster.File
	if len(args) == 1 {
		path = args[0]
	}
	if path == "" {
		return fmt.Errorf("no roster file given and roster.file is not configured")
	}

	res, err := engine.Roster.SyncFile(cmd.Context(), path)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(cmd.OutOrStdout(), res)
	}
	printSyncResult(cmd, path, res)
	return nil
}

func printSyncResult(cmd *cobra.Command, path string, res roster.SyncResult) {
	out := cmd.OutOrStdout()
	if !res.Changed() {
		fmt.Fprintf(out, "Roster already matches %s\n", path)
		return
	}
	fmt.Fprintf(out, "Applied %s\n", path)
	for _, id := range res.Added {
		fmt.Fprintf(out, "  + %s\n", id)
	}
	for _, id := range res.Updated {
		fmt.Fprintf(out, "  ~ %s\n", id)
	}
	for _, id := range res.Deactivated {
		fmt.Fprintf(out, "  - %s\n", id)
	}
}
