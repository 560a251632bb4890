package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/verdict/internal/core"
	"github.com/hugo-lorenzo-mato/verdict/internal/diagnostics"
	"github.com/hugo-lorenzo-mato/verdict/internal/ledger"
	"github.com/hugo-lorenzo-mato/verdict/internal/vote"
)

func TestRootCmd_Structure(t *testing.T) {
	assert.Equal(t, "verdict", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)

	want := []string{"serve", "init", "roster", "session", "vote", "ledger", "report", "watch", "panel", "doctor", "version"}
	have := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		have[c.Name()] = true
	}
	for _, name := range want {
		assert.True(t, have[name], "missing command %s", name)
	}
}

func TestVersionCommand(t *testing.T) {
	SetVersion("v1.2.3", "abc123def", "2026-01-15")
	var buf bytes.Buffer
	versionCmd.SetOut(&buf)
	t.Cleanup(func() { versionCmd.SetOut(nil) })

	versionCmd.Run(versionCmd, nil)

	out := buf.String()
	assert.Contains(t, out, "verdict v1.2.3")
	assert.Contains(t, out, "abc123def")
	assert.Contains(t, out, "2026-01-15")
	assert.Equal(t, "v1.2.3", GetVersion())
}

func TestInitProject(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	c := &cobra.Command{}
	c.SetOut(&buf)

	require.NoError(t, initProject(c, dir, false))
	assert.FileExists(t, filepath.Join(dir, ".verdict.yaml"))
	assert.FileExists(t, filepath.Join(dir, ".verdict", "roster.yaml"))
	assert.Contains(t, buf.String(), "wrote")

	// Existing files are kept without --force.
	rosterPath := filepath.Join(dir, ".verdict", "roster.yaml")
	require.NoError(t, os.WriteFile(rosterPath, []byte("agents: []\n"), 0o600))
	buf.Reset()
	require.NoError(t, initProject(c, dir, false))
	assert.Contains(t, buf.String(), "exists")
	data, err := os.ReadFile(rosterPath)
	require.NoError(t, err)
	assert.Equal(t, "agents: []\n", string(data))

	require.NoError(t, initProject(c, dir, true))
	data, err = os.ReadFile(rosterPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "guardian-a")
}

func TestSuggest(t *testing.T) {
	ids := []string{"guardian-1", "guardian-2", "arbiter-1"}
	assert.Equal(t, "guardian-1", suggest("gurdian-1", ids))
	assert.Equal(t, "guardian-1", suggest("guardain-1", ids))
	assert.Equal(t, "arbiter-1", suggest("arb", ids))
	assert.Empty(t, suggest("zzz", ids))
	assert.Empty(t, suggest("", ids))
	assert.Empty(t, suggest("x", nil))
}

func TestWithAgentSuggestion(t *testing.T) {
	ids := []string{"guardian-1", "arbiter-1"}

	err := withAgentSuggestion(core.ErrAgentNotFound("gurdian-1"), "gurdian-1", ids)
	assert.Contains(t, err.Error(), `did you mean "guardian-1"`)
	assert.True(t, core.IsCode(err, core.CodeAgentNotFound))

	other := errors.New("boom")
	assert.Same(t, other, withAgentSuggestion(other, "gurdian-1", ids))
}

func TestRuleOverrides(t *testing.T) {
	flags := sessionOpenCmd.Flags()
	assert.Nil(t, ruleOverrides(sessionOpenCmd))

	require.NoError(t, flags.Set("quorum", "0.75"))
	require.NoError(t, flags.Set("window", "30m"))
	t.Cleanup(func() {
		flags.Lookup("quorum").Changed = false
		flags.Lookup("window").Changed = false
		openQuorum, openWindow = 0, ""
	})

	o := ruleOverrides(sessionOpenCmd)
	require.NotNil(t, o)
	require.NotNil(t, o.QuorumFraction)
	assert.InDelta(t, 0.75, *o.QuorumFraction, 1e-9)
	require.NotNil(t, o.VotingWindow)
	assert.Equal(t, "30m", *o.VotingWindow)
	assert.Nil(t, o.MinRosterSize)
	assert.Nil(t, o.TieBreak)
}

// run executes the root command with args and returns stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.ExecuteContext(context.Background())
	return buf.String(), err
}

func TestSessionLifecycle(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "verdict.yaml")
	rosterPath := filepath.Join(dir, "roster.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`log:
  level: error
state:
  backend: sqlite
  path: `+filepath.Join(dir, "verdict.db")+`
roster:
  file: ""
  watch: false
metrics:
  enabled: false
`), 0o600))
	require.NoError(t, os.WriteFile(rosterPath, []byte(`agents:
  - id: guardian-1
    role: guardian
  - id: guardian-2
    role: guardian
  - id: arbiter-1
    role: arbiter
`), 0o600))
	base := []string{"--config", cfgPath, "--json"}
	exec := func(args ...string) string {
		t.Helper()
		out, err := run(t, append(append([]string{}, base...), args...)...)
		require.NoError(t, err, "verdict %v", args)
		return out
	}

	out := exec("roster", "load", rosterPath)
	assert.Contains(t, out, "guardian-1")

	var agents []core.Agent
	require.NoError(t, json.Unmarshal([]byte(exec("roster", "list")), &agents))
	assert.Len(t, agents, 3)

	var sess core.Session
	require.NoError(t, json.Unmarshal([]byte(exec("session", "open", "incident", "INC-1")), &sess))
	require.NotEmpty(t, sess.ID)
	assert.Equal(t, core.StatusVoting, sess.Status)
	id := string(sess.ID)

	var receipt vote.Receipt
	require.NoError(t, json.Unmarshal([]byte(exec("vote", id, "guardian-1", "approve", "--confidence", "0.9")), &receipt))
	assert.False(t, receipt.Decided)
	require.NoError(t, json.Unmarshal([]byte(exec("vote", id, "guardian-2", "approve")), &receipt))
	assert.True(t, receipt.Decided)
	require.NotNil(t, receipt.Verdict)
	assert.Equal(t, core.DecisionApproved, receipt.Verdict.Decision)

	_, err := run(t, append(append([]string{}, base...), "vote", id, "guardian-1", "reject")...)
	require.Error(t, err)
	assert.True(t, core.IsCode(err, core.CodeSessionNotOpen))

	var report ledger.Report
	require.NoError(t, json.Unmarshal([]byte(exec("ledger", "verify", id)), &report))
	assert.True(t, report.Valid)
	assert.Equal(t, 5, report.Entries) // opened, two votes, decided, rejected late vote

	exportPath := filepath.Join(dir, "ledger.json")
	exec("ledger", "export", id, exportPath)
	assert.FileExists(t, exportPath)

	require.NoError(t, json.Unmarshal([]byte(exec("session", "close", id, "--acked-by", "oncall")), &sess))
	assert.Equal(t, core.StatusClosed, sess.Status)

	var sessions []core.Session
	require.NoError(t, json.Unmarshal([]byte(exec("session", "list", "--status", "closed")), &sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, sess.ID, sessions[0].ID)

	_, err = run(t, append(append([]string{}, base...), "roster", "deactivate", "gurdian-1")...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `did you mean "guardian-1"`)
}

func TestPrintChecks(t *testing.T) {
	noColor = true
	t.Cleanup(func() { noColor = false })

	var buf bytes.Buffer
	c := &cobra.Command{}
	c.SetOut(&buf)
	printChecks(c, []diagnostics.Check{
		{Name: "config", Status: diagnostics.StatusOK, Detail: "configuration is valid"},
		{Name: "state", Status: diagnostics.StatusFail, Detail: "unreachable"},
	})

	out := buf.String()
	assert.Contains(t, out, "✓ config")
	assert.Contains(t, out, "✗ state")
	assert.Contains(t, out, "unreachable")
}
