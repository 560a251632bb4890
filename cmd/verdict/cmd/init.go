package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/verdict/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize verdict in the current directory",
	Long: `Create a .verdict.yaml configuration and a sample roster in
.verdict/roster.yaml. Existing files are kept unless --force is given.`,
	RunE: runInit,
}

var initForce bool

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite existing files")
}

func runInit(cmd *cobra.Command, _ []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting current directory: %w", err)
	}
	return initProject(cmd, cwd, initForce)
}

func initProject(cmd *cobra.Command, dir string, force bool) error {
	out := cmd.OutOrStdout()
	files := []struct {
		path    string
		content string
	}{
		{filepath.Join(dir, ".verdict.yaml"), config.DefaultConfigYAML},
		{filepath.Join(dir, ".verdict", "roster.yaml"), config.DefaultRosterYAML},
	}

	for _, f := range files {
		if _, err := os.Stat(f.path); err == nil && !force {
			fmt.Fprintf(out, "  ○ %s exists (use --force to overwrite)\n", f.path)
			continue
		}
		if err := config.AtomicWrite(f.path, []byte(f.content)); err != nil {
			return fmt.Errorf("writing %s: %w", f.path, err)
		}
		fmt.Fprintf(out, "  ✓ wrote %s\n", f.path)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Next: edit the roster, then run 'verdict serve'.")
	return nil
}
