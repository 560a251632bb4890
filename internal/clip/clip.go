// Package clip copies short texts such as session ids and reports to the
// user's clipboard, falling back to the terminal and then to a file.
package clip

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	atotto "github.com/atotto/clipboard"
	osc52 "github.com/aymanbagabas/go-osc52/v2"
	"golang.org/x/term"
)

// Method is how the text was made available.
type Method string

const (
	MethodNative Method = "native"
	MethodOSC52  Method = "osc52"
	// MethodFile means no clipboard was reachable and the text was written
	// to a temp file instead.
	MethodFile Method = "file"
)

// Result reports where a copy ended up.
type Result struct {
	Method   Method
	FilePath string // only set for MethodFile
}

// String describes the result for the user.
func (r Result) String() string {
	switch r.Method {
	case MethodNative:
		return "copied to clipboard"
	case MethodOSC52:
		return "copied via terminal clipboard"
	case MethodFile:
		return "clipboard unavailable, saved to " + r.FilePath
	default:
		return "not copied"
	}
}

// OSC52Limit is the largest payload sent through the terminal. Some
// terminals silently drop larger sequences.
const OSC52Limit = 100_000

// Copier tries the native clipboard, then OSC52, then a temp file.
type Copier struct {
	native   func(string) error
	terminal io.Writer
	isTTY    func() bool
	tempDir  string
}

// New returns a copier that writes OSC52 sequences to stderr, which keeps
// them away from a TUI renderer on stdout.
func New() *Copier {
	return &Copier{
		native:   atotto.WriteAll,
		terminal: os.Stderr,
		isTTY:    func() bool { return term.IsTerminal(int(os.Stderr.Fd())) },
	}
}

// Copy makes text available by the first method that works.
func (c *Copier) Copy(text string) (Result, error) {
	if text == "" {
		return Result{}, errors.New("nothing to copy")
	}
	if c.native != nil && c.native(text) == nil {
		return Result{Method: MethodNative}, nil
	}
	if err := c.writeOSC52(text); err == nil {
		return Result{Method: MethodOSC52}, nil
	}

	path, err := c.writeTempFile(text)
	if err != nil {
		return Result{}, fmt.Errorf("copy fallback: %w", err)
	}
	return Result{Method: MethodFile, FilePath: path}, nil
}

func (c *Copier) writeOSC52(text string) error {
	if c.terminal == nil || c.isTTY == nil || !c.isTTY() {
		return errors.New("no terminal")
	}
	if len(text) > OSC52Limit {
		return fmt.Errorf("text too large for OSC52 (%d bytes > %d)", len(text), OSC52Limit)
	}

	seq := osc52.New(text).Limit(OSC52Limit)
	switch {
	case os.Getenv("TMUX") != "":
		seq = seq.Tmux()
	case os.Getenv("STY") != "":
		seq = seq.Screen()
	}
	_, err := seq.WriteTo(c.terminal)
	return err
}

func (c *Copier) writeTempFile(text string) (string, error) {
	f, err := os.CreateTemp(c.tempDir, "verdict-clip-*.txt")
	if err != nil {
		return "", err
	}
	path := f.Name()
	if _, err := f.WriteString(text); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return filepath.Clean(path), nil
}
