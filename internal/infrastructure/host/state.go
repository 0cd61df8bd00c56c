package host

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/goccy/go-yaml"
)

// StateStore persists plugin enabled toggles as a flat YAML map keyed by
// plugin name. The file is rewritten on every toggle; partial writes are
// avoided with a rename.
type StateStore struct {
	path string

	mu     sync.Mutex
	states map[string]bool
}

func NewStateStore(path string) *StateStore {
	return &StateStore{path: path, states: make(map[string]bool)}
}

// Load reads the state file. A missing file is an empty store; a corrupt
// file is logged and discarded rather than blocking startup.
func (s *StateStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.states = make(map[string]bool)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read state file: %w", err)
	}

	states := make(map[string]bool)
	if err := yaml.Unmarshal(raw, &states); err != nil {
		slog.Warn("plugin state file is corrupt, starting fresh",
			"path", s.path, "error", err)
		s.states = make(map[string]bool)
		return nil
	}
	s.states = states
	return nil
}

// Enabled returns the persisted toggle for name and whether one exists.
func (s *StateStore) Enabled(name string) (enabled, present bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	enabled, present = s.states[name]
	return enabled, present
}

// Set persists a toggle immediately.
func (s *StateStore) Set(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.states[name] = enabled
	return s.flushLocked()
}

// All returns a copy of every persisted toggle.
func (s *StateStore) All() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]bool, len(s.states))
	for k, v := range s.states {
		out[k] = v
	}
	return out
}

func (s *StateStore) flushLocked() error {
	raw, err := yaml.Marshal(s.states)
	if err != nil {
		return fmt.Errorf("encode plugin states: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}
