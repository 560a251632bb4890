package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/hugo-lorenzo-mato/verdict/internal/adapters/state"
	"github.com/hugo-lorenzo-mato/verdict/internal/config"
	"github.com/hugo-lorenzo-mato/verdict/internal/core"
	"github.com/hugo-lorenzo-mato/verdict/internal/roster"
)

// Status is the result of one check.
type Status string

const (
	StatusOK   Status = "ok"
	StatusWarn Status = "warn"
	StatusFail Status = "fail"
)

// Check is one preflight check outcome.
type Check struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
	Detail string `json:"detail"`
}

// MinFreeDiskGB is the free space below which the state check warns.
const MinFreeDiskGB = 1.0

// Doctor runs preflight checks against a configuration.
type Doctor struct {
	cfg     *config.Config
	timeout time.Duration
}

// NewDoctor creates a doctor for cfg.
func NewDoctor(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg, timeout: 5 * time.Second}
}

// Run executes every check in a fixed order.
func (d *Doctor) Run(ctx context.Context) []Check {
	return []Check{
		d.checkConfig(),
		d.checkRule(),
		d.checkState(ctx),
		d.checkRoster(),
		d.checkDisk(),
	}
}

// Healthy reports whether no check failed.
func Healthy(checks []Check) bool {
	for _, c := range checks {
		if c.Status == StatusFail {
			return false
		}
	}
	return true
}

func (d *Doctor) checkConfig() Check {
	c := Check{Name: "config"}
	if err := config.ValidateConfig(d.cfg); err != nil {
		c.Status, c.Detail = StatusFail, err.Error()
		return c
	}
	c.Status, c.Detail = StatusOK, "configuration is valid"
	return c
}

func (d *Doctor) checkRule() Check {
	c := Check{Name: "consensus"}
	rule, err := d.cfg.Consensus.Rule()
	if err == nil {
		err = rule.Validate()
	}
	if err != nil {
		c.Status, c.Detail = StatusFail, err.Error()
		return c
	}
	c.Status = StatusOK
	c.Detail = fmt.Sprintf("quorum %.2f%%, %s weighting, tie-break %s, window %s",
		rule.QuorumFraction*100, rule.Weighting, rule.TieBreak, rule.VotingWindow)
	return c
}

func (d *Doctor) checkState(ctx context.Context) Check {
	c := Check{Name: "state"}
	st := d.cfg.State

	if st.Backend == "" || st.Backend == state.BackendSQLite {
		if _, err := os.Stat(st.Path); errors.Is(err, os.ErrNotExist) {
			c.Status, c.Detail = StatusWarn, fmt.Sprintf("%s does not exist yet and will be created on start", st.Path)
			return c
		}
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	store, err := state.Open(ctx, state.Options{Backend: st.Backend, Path: st.Path, DSN: st.DSN})
	if err != nil {
		c.Status, c.Detail = StatusFail, err.Error()
		return c
	}
	defer store.Close()

	sessions, err := store.ListSessions(ctx, core.SessionFilter{Status: core.StatusVoting})
	if err != nil {
		c.Status, c.Detail = StatusFail, err.Error()
		return c
	}
	c.Status = StatusOK
	c.Detail = fmt.Sprintf("%s backend reachable, %d sessions voting", backendName(st.Backend), len(sessions))
	return c
}

func (d *Doctor) checkRoster() Check {
	c := Check{Name: "roster"}
	path := d.cfg.Roster.File
	if path == "" {
		c.Status, c.Detail = StatusWarn, "no roster file configured, agents must be registered through the API"
		return c
	}
	agents, err := roster.LoadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		c.Status, c.Detail = StatusWarn, fmt.Sprintf("%s not found (run `verdict init`)", path)
		return c
	}
	if err != nil {
		c.Status, c.Detail = StatusFail, err.Error()
		return c
	}

	active := 0
	for _, a := range agents {
		if a.Active {
			active++
		}
	}
	if need := d.cfg.Consensus.MinRosterSize; active < need {
		c.Status = StatusFail
		c.Detail = fmt.Sprintf("%d active agents, sessions need at least %d", active, need)
		return c
	}
	c.Status, c.Detail = StatusOK, fmt.Sprintf("%d active agents in %s", active, path)
	return c
}

func (d *Doctor) checkDisk() Check {
	c := Check{Name: "disk"}
	dir := filepath.Dir(d.cfg.State.Path)
	if _, err := os.Stat(dir); err != nil {
		dir = "."
	}
	usage, err := disk.Usage(dir)
	if err != nil {
		c.Status, c.Detail = StatusWarn, fmt.Sprintf("cannot read disk usage: %v", err)
		return c
	}
	free := float64(usage.Free) / 1024 / 1024 / 1024
	c.Detail = fmt.Sprintf("%.1f GB free on %s", free, dir)
	if free < MinFreeDiskGB {
		c.Status = StatusWarn
		return c
	}
	c.Status = StatusOK
	return c
}

func backendName(b string) string {
	if b == "" {
		return state.BackendSQLite
	}
	return b
}
