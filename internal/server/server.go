// Package server implements the agent's JSON HTTP control surface.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/bluegreen-deploy/agent/internal/envstore"
	"github.com/bluegreen-deploy/agent/internal/health"
	"github.com/bluegreen-deploy/agent/internal/migration"
	"github.com/bluegreen-deploy/agent/internal/traffic"
)

// Migrator is the migration controller surface the handlers consume.
type Migrator interface {
	Begin(ctx context.Context, target envstore.Environment) (*migration.Result, error)
	Rollback(ctx context.Context) (*migration.Result, error)
	Status() migration.State
	Validate(ctx context.Context) migration.ValidationReport
}

// HealthReader is the monitor surface the handlers consume.
type HealthReader interface {
	Summary() health.Summary
	Recent(n int) []health.Verdict
}

// TrafficReader reports the current split.
type TrafficReader interface {
	Current() traffic.Split
}

// Server wires the control endpoints over the agent's components.
type Server struct {
	migrator Migrator
	health   HealthReader
	traffic  TrafficReader
	metrics  http.Handler
	version  string
	logger   *slog.Logger
}

// New builds a Server. metrics may be nil to disable the /metrics endpoint.
func New(m Migrator, h HealthReader, t TrafficReader, metrics http.Handler, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		migrator: m,
		health:   h,
		traffic:  t,
		metrics:  metrics,
		version:  version,
		logger:   logger,
	}
}

// Handler returns the routed control surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /switch/{env}", s.handleSwitch)
	mux.HandleFunc("POST /rollback", s.handleRollback)
	mux.HandleFunc("GET /validate", s.handleValidate)
	mux.HandleFunc("GET /migration", s.handleMigration)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return mux
}

// handleHealth reports agent liveness, not environment health: 200 whenever
// the process is serving.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"version":   s.version,
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	state := s.migrator.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"active":    state.Active,
		"migration": state,
		"health":    s.health.Summary(),
		"traffic":   s.traffic.Current(),
	})
}

// switchResponse embeds the migration result with an optional error detail.
type switchResponse struct {
	*migration.Result
	Error string `json:"error,omitempty"`
}

func (s *Server) handleSwitch(w http.ResponseWriter, r *http.Request) {
	env, err := envstore.Parse(r.PathValue("env"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	res, err := s.migrator.Begin(r.Context(), env)
	switch {
	case errors.Is(err, migration.ErrMigrationInProgress):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case err != nil:
		s.logger.Error("switch request failed", "target", env, "error", err)
		writeJSON(w, http.StatusInternalServerError, switchResponse{Result: res, Error: err.Error()})
	default:
		writeJSON(w, http.StatusOK, switchResponse{Result: res})
	}
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	res, err := s.migrator.Rollback(r.Context())
	switch {
	case errors.Is(err, migration.ErrMigrationInProgress):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case err != nil:
		s.logger.Error("rollback request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, switchResponse{Result: res, Error: err.Error()})
	default:
		writeJSON(w, http.StatusOK, switchResponse{Result: res})
	}
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.migrator.Validate(r.Context()))
}

func (s *Server) handleMigration(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.migrator.Status())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are out; nothing useful left to do.
		slog.Debug("encoding response failed", "error", err)
	}
}
