// Package envstore owns the durable record of which environment currently
// receives unweighted traffic. The record is a single directive inside the
// reverse proxy's control file; the proxy re-reads it on every reload.
package envstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"
)

// Environment identifies one of the two deployment slots.
type Environment string

const (
	Blue  Environment = "blue"
	Green Environment = "green"
)

// Valid reports whether e names a known environment.
func (e Environment) Valid() bool {
	return e == Blue || e == Green
}

// Other returns the opposite environment.
func (e Environment) Other() Environment {
	if e == Blue {
		return Green
	}
	return Blue
}

// Parse converts a string into an Environment.
func Parse(s string) (Environment, error) {
	e := Environment(s)
	if !e.Valid() {
		return "", fmt.Errorf("unknown environment %q (want blue or green)", s)
	}
	return e, nil
}

// envToken extracts the environment name from the control file regardless of
// the directive grammar, which is owned by the proxy.
var envToken = regexp.MustCompile(`\b(blue|green)\b`)

// ConfigValidator checks a prospective proxy configuration before it replaces
// the live one. Implemented by the external proxy tooling.
type ConfigValidator interface {
	Validate(ctx context.Context, path string) error
}

// Reloader applies the live configuration without dropping in-flight
// connections. Implemented by the external proxy tooling.
type Reloader interface {
	Reload(ctx context.Context) error
}

// Store reads and commits the active-environment record.
type Store struct {
	path      string
	format    string // fmt verb %s receives the environment name
	validator ConfigValidator
	reloader  Reloader
	logger    *slog.Logger

	mu sync.Mutex // serializes commits
}

// New creates a Store over the control file at path. The directive written on
// commit is rendered with format (one %s verb).
func New(path, format string, v ConfigValidator, r Reloader, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		path:      path,
		format:    format,
		validator: v,
		reloader:  r,
		logger:    logger,
	}
}

// Current returns the environment recorded in the control file. An unreadable
// or malformed file defaults to blue with a warning; the agent must always
// have an answer for "who is active".
func (s *Store) Current() Environment {
	data, err := os.ReadFile(s.path)
	if err != nil {
		s.logger.Warn("active-environment file unreadable, defaulting to blue",
			"path", s.path,
			"error", err,
		)
		return Blue
	}

	m := envToken.Find(data)
	if m == nil {
		s.logger.Warn("active-environment file has no blue/green token, defaulting to blue",
			"path", s.path,
		)
		return Blue
	}
	return Environment(m)
}

// Commit durably switches the active environment to env:
//
//  1. Write the new directive to a temporary file next to the live one.
//  2. Have the proxy validate the prospective configuration; on failure the
//     temporary file is removed and the live record is untouched.
//  3. Rename the temporary file over the live one. Rename is atomic, so a
//     concurrent reader never observes a half-written record.
//  4. Ask the proxy to reload. A reload failure is returned to the caller
//     with the record already switched; compensation (writing the reverse
//     record) is the migration controller's decision, not retried here.
func (s *Store) Commit(ctx context.Context, env Environment) error {
	if !env.Valid() {
		return fmt.Errorf("envstore: invalid environment %q", env)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := s.path + ".tmp"
	directive := fmt.Sprintf(s.format, env) + "\n"
	if err := os.WriteFile(tmp, []byte(directive), 0o644); err != nil {
		return fmt.Errorf("envstore: write temp record: %w", err)
	}

	if err := s.validator.Validate(ctx, tmp); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("envstore: prospective config rejected: %w", err)
	}

	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("envstore: replace record: %w", err)
	}

	if err := s.reloader.Reload(ctx); err != nil {
		// The record on disk already names env. The caller decides whether
		// to commit the reverse record.
		return fmt.Errorf("envstore: reload after commit to %s: %w", env, err)
	}

	s.logger.Info("active environment committed", "env", env, "path", s.path)
	return nil
}

// Path returns the control file location.
func (s *Store) Path() string {
	return s.path
}
