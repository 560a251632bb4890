package roster

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/hugo-lorenzo-mato/verdict/internal/core"
)

// File is the YAML roster file format:
//
//	agents:
//	  - id: guardian-1
//	    display_name: Guardian One
//	    role: guardian
//	    provider: random
//	    weight: 1
type File struct {
	Agents []FileAgent `yaml:"agents"`
}

// FileAgent is one roster file entry. Weight defaults to 1 when omitted.
type FileAgent struct {
	ID          string   `yaml:"id"`
	DisplayName string   `yaml:"display_name"`
	Role        string   `yaml:"role"`
	Provider    string   `yaml:"provider"`
	Weight      *float64 `yaml:"weight"`
}

// LoadFile parses a roster file into agents.
func LoadFile(path string) ([]core.Agent, error) {
	data, err := readScoped(path)
	if err != nil {
		return nil, fmt.Errorf("reading roster file: %w", err)
	}
	return Parse(data)
}

// readScoped reads path through a root opened at its directory, so a
// symlinked name cannot escape it.
func readScoped(path string) ([]byte, error) {
	cleaned := filepath.Clean(path)
	base := filepath.Base(cleaned)
	if base == "." || base == string(filepath.Separator) {
		return nil, fmt.Errorf("invalid roster path %q", path)
	}
	root, err := os.OpenRoot(filepath.Dir(cleaned))
	if err != nil {
		return nil, err
	}
	defer root.Close()

	f, err := root.Open(base)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// Parse decodes roster YAML. Unknown keys are rejected so typos surface.
func Parse(data []byte) ([]core.Agent, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parsing roster file: %w", err)
	}

	agents := make([]core.Agent, 0, len(f.Agents))
	for i, fa := range f.Agents {
		role, err := core.ParseRole(fa.Role)
		if err != nil {
			return nil, core.ErrValidation(core.CodeInvalidAgent, fmt.Sprintf("agents[%d]: %v", i, err))
		}
		weight := 1.0
		if fa.Weight != nil {
			weight = *fa.Weight
		}
		name := fa.DisplayName
		if name == "" {
			name = fa.ID
		}
		a := core.Agent{
			ID:          core.AgentID(fa.ID),
			DisplayName: name,
			Role:        role,
			ProviderRef: fa.Provider,
			Weight:      weight,
			Active:      true,
		}
		if err := a.Validate(); err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, nil
}

// Marshal encodes agents in the roster file format.
func Marshal(agents []core.Agent) ([]byte, error) {
	f := File{Agents: make([]FileAgent, 0, len(agents))}
	for _, a := range agents {
		w := a.Weight
		f.Agents = append(f.Agents, FileAgent{
			ID:          string(a.ID),
			DisplayName: a.DisplayName,
			Role:        string(a.Role),
			Provider:    a.ProviderRef,
			Weight:      &w,
		})
	}
	return yaml.Marshal(&f)
}

// SyncFile loads path and reconciles the registry with it.
func (r *Registry) SyncFile(ctx context.Context, path string) (SyncResult, error) {
	agents, err := LoadFile(path)
	if err != nil {
		return SyncResult{}, err
	}
	return r.Sync(ctx, agents)
}

// watchDebounce absorbs the burst of events editors emit for one save.
const watchDebounce = 200 * time.Millisecond

// Watch re-syncs the registry whenever the roster file changes, until ctx is
// cancelled. The parent directory is watched so atomic replace-by-rename
// saves are seen. A file that fails to parse is logged and ignored; the
// roster keeps its last good state.
func (r *Registry) Watch(ctx context.Context, path string, onSync func(SyncResult)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating roster watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}

	go func() {
		defer watcher.Close()

		var debounce <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					debounce = time.After(watchDebounce)
				}
			case <-debounce:
				debounce = nil
				res, err := r.SyncFile(ctx, abs)
				if err != nil {
					r.logger.Warn("roster file reload failed", "path", abs, "error", err)
					continue
				}
				if onSync != nil {
					onSync(res)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn("roster watcher error", "error", err)
			}
		}
	}()
	return nil
}
