package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/verdict/internal/api"
	"github.com/hugo-lorenzo-mato/verdict/internal/consensus"
	"github.com/hugo-lorenzo-mato/verdict/internal/core"
	"github.com/hugo-lorenzo-mato/verdict/internal/service"
)

var sessionCmd = &cobra.Command{
	Use:     "session",
	Aliases: []string{"sessions"},
	Short:   "Open, inspect and close review sessions",
}

var sessionOpenCmd = &cobra.Command{
	Use:   "open <subject-type> <subject-id>",
	Short: "Open a review session for a subject",
	Long: `Open a review session. The active roster is snapshotted and voting
starts immediately. Rule flags override the configured consensus rule for
this session only.

Examples:
  verdict session open incident INC-1042
  verdict session open deployment api-v2 --quorum 0.75 --window 30m`,
	Args: cobra.ExactArgs(2),
	RunE: runSessionOpen,
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions, most recent first",
	Args:  cobra.NoArgs,
	RunE:  runSessionList,
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show a session with its votes and current tallies",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionShow,
}

var sessionCloseCmd = &cobra.Command{
	Use:   "close <session-id>",
	Short: "Acknowledge and close a decided or escalated session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionClose,
}

var (
	openQuorum    float64
	openMinRoster int
	openTieBreak  string
	openWindow    string
	openWeighting string

	listStatus      string
	listSubjectType string
	listLimit       int

	closeAckedBy string
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionOpenCmd, sessionListCmd, sessionShowCmd, sessionCloseCmd)

	f := sessionOpenCmd.Flags()
	f.Float64Var(&openQuorum, "quorum", 0, "quorum fraction in (0.5, 1]")
	f.IntVar(&openMinRoster, "min-roster", 0, "minimum active roster size")
	f.StringVar(&openTieBreak, "tie-break", "", "tie-break policy (escalate, reject)")
	f.StringVar(&openWindow, "window", "", "voting window, e.g. 30m")
	f.StringVar(&openWeighting, "weighting", "", "weighting mode (headcount, agent, role)")

	sessionListCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	sessionListCmd.Flags().StringVar(&listSubjectType, "subject-type", "", "filter by subject type")
	sessionListCmd.Flags().IntVar(&listLimit, "limit", 20, "maximum sessions to list (0 for all)")

	sessionCloseCmd.Flags().StringVar(&closeAckedBy, "acked-by", "", "who acknowledged the outcome")
}

// ruleOverrides collects the rule flags the user actually set.
func ruleOverrides(cmd *cobra.Command) *api.RuleOverrides {
	f := cmd.Flags()
	var o api.RuleOverrides
	set := false
	if f.Changed("quorum") {
		o.QuorumFraction, set = &openQuorum, true
	}
	if f.Changed("min-roster") {
		o.MinRosterSize, set = &openMinRoster, true
	}
	if f.Changed("tie-break") {
		o.TieBreak, set = &openTieBreak, true
	}
	if f.Changed("window") {
		o.VotingWindow, set = &openWindow, true
	}
	if f.Changed("weighting") {
		o.Weighting, set = &openWeighting, true
	}
	if !set {
		return nil
	}
	return &o
}

func runSessionOpen(cmd *cobra.Command, args []string) error {
	engine, cleanup, err := openEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer cleanup()

	rule, err := ruleOverrides(cmd).Apply(engine.DefaultRule())
	if err != nil {
		return err
	}
	sess, err := engine.Sessions.OpenSession(cmd.Context(), args[0], args[1], rule)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(cmd.OutOrStdout(), sess)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Opened session %s\n", sess.ID)
	fmt.Fprintf(out, "  subject:  %s/%s\n", sess.SubjectType, sess.SubjectID)
	fmt.Fprintf(out, "  deadline: %s\n", sess.VotingDeadline.Local().Format(time.RFC1123))
	return nil
}

func runSessionList(cmd *cobra.Command, _ []string) error {
	status := core.SessionStatus(strings.ToUpper(listStatus))
	switch status {
	case "", core.StatusPending, core.StatusVoting, core.StatusDecided, core.StatusEscalated, core.StatusClosed:
	default:
		return fmt.Errorf("unknown status %q", listStatus)
	}

	engine, cleanup, err := openEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer cleanup()

	sessions, err := engine.Sessions.ListSessions(cmd.Context(), core.SessionFilter{
		Status:      status,
		SubjectType: listSubjectType,
		Limit:       listLimit,
	})
	if err != nil {
		return err
	}
	if jsonOut {
		if sessions == nil {
			sessions = []core.Session{}
		}
		return printJSON(cmd.OutOrStdout(), sessions)
	}
	if len(sessions) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No sessions found.")
		return nil
	}
	return writeSessionTable(cmd.OutOrStdout(), sessions)
}

func writeSessionTable(out io.Writer, sessions []core.Session) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSUBJECT\tSTATUS\tDECISION\tOPENED")
	for _, s := range sessions {
		decision := "-"
		if s.Decision != "" {
			decision = fmt.Sprintf("%s (%s)", s.Decision, s.Reason)
		}
		fmt.Fprintf(w, "%s\t%s/%s\t%s\t%s\t%s\n",
			s.ID, s.SubjectType, s.SubjectID, s.Status, decision, s.OpenedAt.Local().Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

// sessionDetail is the JSON form of session show.
type sessionDetail struct {
	api.SessionResponse
	Votes []core.Vote `json:"votes"`
}

func loadSessionDetail(cmd *cobra.Command, engine *service.Engine, id core.SessionID) (*sessionDetail, error) {
	ctx := cmd.Context()
	sess, err := engine.Sessions.GetStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	snap, err := engine.Sessions.Snapshot(ctx, sess.RosterSnapshotID)
	if err != nil {
		return nil, err
	}
	votes, err := engine.Sessions.Votes(ctx, id)
	if err != nil {
		return nil, err
	}
	if votes == nil {
		votes = []core.Vote{}
	}
	return &sessionDetail{
		SessionResponse: api.SessionResponse{
			Session:    sess,
			Tallies:    consensus.Tally(votes, *snap, sess.Rule),
			RosterSize: snap.Size(),
		},
		Votes: votes,
	}, nil
}

func runSessionShow(cmd *cobra.Command, args []string) error {
	engine, cleanup, err := openEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer cleanup()

	d, err := loadSessionDetail(cmd, engine, core.SessionID(args[0]))
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(cmd.OutOrStdout(), d)
	}

	out := cmd.OutOrStdout()
	s := d.Session
	fmt.Fprintf(out, "Session %s\n", s.ID)
	fmt.Fprintf(out, "  subject:   %s/%s\n", s.SubjectType, s.SubjectID)
	fmt.Fprintf(out, "  status:    %s\n", s.Status)
	if s.Decision != "" {
		fmt.Fprintf(out, "  decision:  %s (%s)\n", s.Decision, s.Reason)
	}
	fmt.Fprintf(out, "  deadline:  %s\n", s.VotingDeadline.Local().Format(time.RFC1123))
	t := d.Tallies
	fmt.Fprintf(out, "  tallies:   approve %.2f  reject %.2f  escalate %.2f  (quorum %.2f of %.2f)\n",
		t.Approve, t.Reject, t.Escalate, t.QuorumNeeded, t.TotalWeight)
	fmt.Fprintf(out, "  votes:     %d of %d\n", len(d.Votes), d.RosterSize)

	if len(d.Votes) > 0 {
		fmt.Fprintln(out)
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "AGENT\tVOTE\tCONFIDENCE\tAT")
		for _, v := range d.Votes {
			fmt.Fprintf(w, "%s\t%s\t%.2f\t%s\n", v.AgentID, v.Type, v.Confidence, v.VotedAt.Local().Format(time.TimeOnly))
		}
		return w.Flush()
	}
	return nil
}

func runSessionClose(cmd *cobra.Command, args []string) error {
	engine, cleanup, err := openEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer cleanup()

	sess, err := engine.Sessions.Close(cmd.Context(), core.SessionID(args[0]), closeAckedBy)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(cmd.OutOrStdout(), sess)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Session %s closed (%s)\n", sess.ID, sess.Decision)
	return nil
}
