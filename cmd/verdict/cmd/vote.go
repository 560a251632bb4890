package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/verdict/internal/core"
	"github.com/hugo-lorenzo-mato/verdict/internal/vote"
)

var voteCmd = &cobra.Command{
	Use:   "vote <session-id> <agent-id> <approve|reject|escalate>",
	Short: "Cast a vote on behalf of an agent",
	Long: `Cast one vote. Each agent in the session's roster snapshot votes at most
once; the vote is final. If the vote completes a quorum the session is
decided immediately.`,
	Args: cobra.ExactArgs(3),
	RunE: runVote,
}

var voteConfidence float64

func init() {
	rootCmd.AddCommand(voteCmd)
	voteCmd.Flags().Float64Var(&voteConfidence, "confidence", 1, "confidence in [0, 1]")
}

func runVote(cmd *cobra.Command, args []string) error {
	voteType, err := core.ParseVoteType(args[2])
	if err != nil {
		return err
	}

	engine, cleanup, err := openEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer cleanup()

	receipt, err := engine.Votes.CastVote(cmd.Context(), vote.Ballot{
		SessionID:  core.SessionID(args[0]),
		AgentID:    core.AgentID(args[1]),
		Type:       voteType,
		Confidence: voteConfidence,
	})
	if err != nil {
		return withAgentSuggestion(err, args[1], engine.Roster.IDs())
	}
	if jsonOut {
		return printJSON(cmd.OutOrStdout(), receipt)
	}

	out := cmd.OutOrStdout()
	t := receipt.Tallies
	fmt.Fprintf(out, "Recorded %s from %s\n", receipt.Vote.Type, receipt.Vote.AgentID)
	fmt.Fprintf(out, "  tallies: approve %.2f  reject %.2f  escalate %.2f  (quorum %.2f)\n",
		t.Approve, t.Reject, t.Escalate, t.QuorumNeeded)
	if receipt.Decided && receipt.Verdict != nil {
		fmt.Fprintf(out, "  session decided: %s (%s)\n", receipt.Verdict.Decision, receipt.Verdict.Reason)
	}
	return nil
}
