package tui

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/hugo-lorenzo-mato/verdict/internal/clip"
	"github.com/hugo-lorenzo-mato/verdict/internal/core"
)

const (
	maxFeed      = 200
	maxVotesShow = 8
	feedHeight   = 8
)

// Options configures the watch view.
type Options struct {
	Title string
	// OpenOnly hides sessions that are no longer voting.
	OpenOnly bool
	// Copy, when set, is bound to the "c" key and copies the selected id.
	Copy func(text string) (clip.Result, error)
	// Seed is shown before the first event arrives.
	Seed []core.Session
	Now  func() time.Time
}

// row is the view state of one session.
type row struct {
	id          string
	subjectType string
	subjectID   string
	status      core.SessionStatus
	decision    core.Decision
	reason      core.DecisionReason
	tallies     core.Tallies
	rosterSize  int
	deadline    time.Time
	votes       []VoteMsg
	rejected    int
	updated     time.Time
}

// Model is the watch view.
type Model struct {
	src       Source
	opts      Options
	rows      map[string]*row
	selected  int
	openOnly  bool
	connected bool
	err       error
	status    string
	feed      []string
	viewport  viewport.Model
	spinner   spinner.Model
	width     int
	height    int
	now       time.Time
}

type tickMsg time.Time

type copiedMsg struct {
	result clip.Result
	err    error
}

// New creates a watch view reading from src.
func New(src Source, opts Options) Model {
	if opts.Title == "" {
		opts.Title = "verdict"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	sp := spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(lipgloss.NewStyle().Foreground(ColorSecondary)))
	return Model{
		src:      src,
		opts:     opts,
		rows:     make(map[string]*row),
		openOnly: opts.OpenOnly,
		viewport: viewport.New(80, feedHeight),
		spinner:  sp,
		width:    100,
		now:      opts.Now(),
	}
}

// Run shows the view until the user quits or ctx ends.
func Run(ctx context.Context, src Source, opts Options) error {
	p := tea.NewProgram(New(src, opts), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{m.spinner.Tick, m.tick()}
	if len(m.opts.Seed) > 0 {
		seed := SeedMsg{Sessions: m.opts.Seed}
		cmds = append(cmds, func() tea.Msg { return seed })
	}
	if m.src != nil {
		cmds = append(cmds, waitFor(m.src))
	}
	return tea.Batch(cmds...)
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) next() tea.Cmd {
	if m.src == nil {
		return nil
	}
	return waitFor(m.src)
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = max(msg.Width-4, 20)
		return m, nil

	case tickMsg:
		m.now = m.opts.Now()
		return m, m.tick()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case ConnMsg:
		m.connected = msg.Connected
		m.err = msg.Err
		if msg.Connected {
			m.log(m.now, "connected")
		} else if msg.Err != nil {
			m.log(m.now, "disconnected: "+msg.Err.Error())
		}
		return m, m.next()

	case sourceDoneMsg:
		m.connected = false
		return m, nil

	case copiedMsg:
		if msg.err != nil {
			m.status = "copy failed: " + msg.err.Error()
		} else {
			m.status = msg.result.String()
		}
		return m, nil

	case SeedMsg:
		for i := range msg.Sessions {
			m.seed(&msg.Sessions[i])
		}
		return m, nil

	case SessionOpenedMsg:
		r := m.row(msg.SessionID)
		r.subjectType, r.subjectID = msg.SubjectType, msg.SubjectID
		r.rosterSize = msg.RosterSize
		r.deadline = msg.Deadline
		if r.status == "" {
			r.status = core.StatusVoting
		}
		r.updated = msg.At
		m.log(msg.At, fmt.Sprintf("opened %s %s/%s (%d voters)", short(msg.SessionID), msg.SubjectType, msg.SubjectID, msg.RosterSize))
		return m, m.next()

	case VoteMsg:
		r := m.row(msg.SessionID)
		r.votes = append(r.votes, msg)
		r.tallies = msg.Tallies
		if r.rosterSize == 0 {
			r.rosterSize = msg.Tallies.RosterSize
		}
		r.updated = msg.At
		m.log(msg.At, fmt.Sprintf("vote %s %s (%.2f) on %s", msg.AgentID, msg.VoteType, msg.Confidence, short(msg.SessionID)))
		return m, m.next()

	case RejectedMsg:
		r := m.row(msg.SessionID)
		r.rejected++
		m.log(msg.At, fmt.Sprintf("rejected %s on %s: %s", msg.AgentID, short(msg.SessionID), msg.Code))
		return m, m.next()

	case DecisionMsg:
		r := m.row(msg.SessionID)
		if msg.SubjectType != "" {
			r.subjectType, r.subjectID = msg.SubjectType, msg.SubjectID
		}
		r.status = msg.Decision.TerminalStatus()
		r.decision = msg.Decision
		r.reason = msg.Reason
		r.tallies = msg.Tallies
		r.updated = msg.At
		m.log(msg.At, fmt.Sprintf("%s %s (%s)", short(msg.SessionID), strings.ToUpper(string(msg.Decision)), msg.Reason))
		return m, m.next()

	case ClosedMsg:
		r := m.row(msg.SessionID)
		r.status = core.StatusClosed
		r.updated = msg.At
		m.log(msg.At, "closed "+short(msg.SessionID))
		return m, m.next()
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	visible := m.visible()
	switch msg.String() {
	case "q", "ctrl+c", "esc":
		if m.src != nil {
			m.src.Close()
		}
		return m, tea.Quit
	case "up", "k":
		if m.selected > 0 {
			m.selected--
		}
	case "down", "j":
		if m.selected < len(visible)-1 {
			m.selected++
		}
	case "g", "home":
		m.selected = 0
	case "o":
		m.openOnly = !m.openOnly
		m.selected = 0
	case "c":
		if m.opts.Copy == nil || len(visible) == 0 {
			return m, nil
		}
		id := visible[m.clampSelected(len(visible))].id
		copyFn := m.opts.Copy
		return m, func() tea.Msg {
			res, err := copyFn(id)
			return copiedMsg{result: res, err: err}
		}
	}
	return m, nil
}

func (m *Model) row(id string) *row {
	r, ok := m.rows[id]
	if !ok {
		r = &row{id: id}
		m.rows[id] = r
	}
	return r
}

func (m *Model) seed(s *core.Session) {
	r := m.row(string(s.ID))
	r.subjectType, r.subjectID = s.SubjectType, s.SubjectID
	r.status = s.Status
	r.decision = s.Decision
	r.reason = s.Reason
	r.deadline = s.VotingDeadline
	r.updated = s.OpenedAt
	if s.Tallies != nil {
		r.tallies = *s.Tallies
		r.rosterSize = s.Tallies.RosterSize
	}
	if s.DecidedAt != nil {
		r.updated = *s.DecidedAt
	}
}

func (m *Model) log(at time.Time, line string) {
	if at.IsZero() {
		at = m.now
	}
	m.feed = append(m.feed, SubtleStyle.Render(at.Local().Format("15:04:05"))+" "+line)
	if len(m.feed) > maxFeed {
		m.feed = m.feed[len(m.feed)-maxFeed:]
	}
	m.viewport.SetContent(strings.Join(m.feed, "\n"))
	m.viewport.GotoBottom()
}

// visible returns the shown rows, most recently updated first.
func (m Model) visible() []*row {
	out := make([]*row, 0, len(m.rows))
	for _, r := range m.rows {
		if m.openOnly && r.status != core.StatusVoting {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].updated.Equal(out[j].updated) {
			return out[i].updated.After(out[j].updated)
		}
		return out[i].id < out[j].id
	})
	return out
}

func (m Model) clampSelected(n int) int {
	if m.selected >= n {
		return n - 1
	}
	return m.selected
}

// View implements tea.Model.
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(HeaderStyle.Render(m.opts.Title+" · live sessions") + "  " + m.connView() + "\n\n")

	visible := m.visible()
	if len(visible) == 0 {
		b.WriteString(SubtleStyle.Render("  no sessions yet") + "\n")
	} else {
		sel := m.clampSelected(len(visible))
		for i, r := range visible {
			line := m.rowView(r)
			if i == sel {
				b.WriteString(SelectedRowStyle.Render(line) + "\n")
			} else {
				b.WriteString(RowStyle.Render(line) + "\n")
			}
		}
		b.WriteString("\n" + m.detailView(visible[sel]) + "\n")
	}

	b.WriteString("\n" + TitleStyle.Render("Activity") + "\n")
	b.WriteString(m.viewport.View() + "\n")

	help := "↑/↓ select · o open only · q quit"
	if m.opts.Copy != nil {
		help = "↑/↓ select · o open only · c copy id · q quit"
	}
	footer := help
	if m.status != "" {
		footer += "  ·  " + m.status
	}
	b.WriteString(FooterStyle.Render(footer))
	return b.String()
}

func (m Model) connView() string {
	switch {
	case m.connected:
		return lipgloss.NewStyle().Foreground(ColorSuccess).Render("● live")
	case m.err != nil:
		return ErrorStyle.Render("○ " + m.err.Error())
	case m.src == nil:
		return SubtleStyle.Render("○ offline")
	default:
		return m.spinner.View() + SubtleStyle.Render(" connecting")
	}
}

func (m Model) rowView(r *row) string {
	label := string(r.status)
	if r.decision != "" {
		label = strings.ToUpper(string(r.decision))
	}
	badge := BadgeStyle(r.status, r.decision).Width(13).Render(label)

	subject := r.subjectType + "/" + r.subjectID
	if r.subjectType == "" {
		subject = "?"
	}
	votes := fmt.Sprintf("%d/%d", r.tallies.Votes, r.rosterSize)

	var when string
	if r.status == core.StatusVoting && !r.deadline.IsZero() {
		left := r.deadline.Sub(m.now).Round(time.Second)
		if left < 0 {
			left = 0
		}
		when = "⏱ " + left.String()
	} else if r.reason != "" {
		when = string(r.reason)
	}

	return fmt.Sprintf("%s %-8s %-28s %6s  %s  %s",
		badge, short(r.id), truncate(subject, 28), votes, tallyView(r.tallies), SubtleStyle.Render(when))
}

func (m Model) detailView(r *row) string {
	var b strings.Builder
	b.WriteString(TitleStyle.Render("Session "+r.id) + "\n")
	fmt.Fprintf(&b, "subject  %s/%s\n", r.subjectType, r.subjectID)
	fmt.Fprintf(&b, "tallies  %s  (quorum %.2f of %.2f)\n", tallyView(r.tallies), r.tallies.QuorumNeeded, r.tallies.TotalWeight)
	if r.rejected > 0 {
		fmt.Fprintf(&b, "rejected %d ballot(s)\n", r.rejected)
	}

	votes := r.votes
	if len(votes) > maxVotesShow {
		votes = votes[len(votes)-maxVotesShow:]
	}
	for _, v := range votes {
		fmt.Fprintf(&b, "  %-16s %s %.2f\n", v.AgentID, VoteStyle(v.VoteType).Render(fmt.Sprintf("%-8s", v.VoteType)), v.Confidence)
	}

	width := m.width - 4
	if width < 40 {
		width = 40
	}
	return BoxStyle.Width(width).Render(strings.TrimRight(b.String(), "\n"))
}

func tallyView(t core.Tallies) string {
	return VoteStyle("approve").Render(fmt.Sprintf("A %.1f", t.Approve)) + " " +
		VoteStyle("reject").Render(fmt.Sprintf("R %.1f", t.Reject)) + " " +
		VoteStyle("escalate").Render(fmt.Sprintf("E %.1f", t.Escalate))
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
