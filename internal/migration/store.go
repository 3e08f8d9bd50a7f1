package migration

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
)

// StateStore persists the migration State as an atomically written JSON file.
type StateStore struct {
	path   string
	logger *slog.Logger
}

// NewStateStore creates a store over the state file at path.
func NewStateStore(path string, logger *slog.Logger) *StateStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateStore{path: path, logger: logger}
}

// Load reads the persisted state. A missing or unreadable file yields the
// default stable/blue state. A persisted "migrating" status is demoted to
// "failed": the in-memory step loop cannot be resumed across a restart, so
// the interrupted attempt is recorded as failed and a new migration or
// rollback must be requested explicitly.
func (st *StateStore) Load() (*State, error) {
	data, err := os.ReadFile(st.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return defaultState(), nil
		}
		st.logger.Warn("migration state unreadable, starting from default",
			"path", st.path, "error", err)
		return defaultState(), nil
	}

	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		st.logger.Warn("migration state malformed, starting from default",
			"path", st.path, "error", err)
		return defaultState(), nil
	}
	if !s.Active.Valid() {
		st.logger.Warn("migration state names unknown active environment, starting from default",
			"path", st.path, "active", s.Active)
		return defaultState(), nil
	}

	if s.Status == StatusMigrating {
		st.logger.Warn("migration was in flight at last shutdown, marking failed",
			"id", s.ID, "target", s.Target, "percentage", s.Percentage)
		s.Status = StatusFailed
		s.Error = "migration interrupted by agent restart"
		if err := st.Save(&s); err != nil {
			return nil, fmt.Errorf("persisting restart demotion: %w", err)
		}
	}

	return &s, nil
}

// Save writes s atomically (temp file + rename), so a reader of the state
// file never observes a partial record.
func (st *StateStore) Save(s *State) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal migration state: %w", err)
	}
	tmp := st.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write migration state temp: %w", err)
	}
	if err := os.Rename(tmp, st.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace migration state: %w", err)
	}
	return nil
}
