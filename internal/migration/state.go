// Package migration implements the traffic-migration state machine: discrete
// health-gated percentage steps from the active environment to a target, with
// automatic rollback when a step fails.
package migration

import (
	"time"

	"github.com/bluegreen-deploy/agent/internal/envstore"
	"github.com/bluegreen-deploy/agent/internal/health"
)

// Status is the migration lifecycle state.
type Status string

const (
	StatusStable     Status = "stable"
	StatusMigrating  Status = "migrating"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolled_back"

	// StatusNeedsIntervention marks a failed rollback: neither environment is
	// known-good at full traffic and an operator must step in.
	StatusNeedsIntervention Status = "needs_intervention"
)

// Step record outcomes.
const (
	StepPassed = "passed"
	StepFailed = "failed"
)

// StepRecord captures one percentage step of a migration attempt.
type StepRecord struct {
	Percentage int            `json:"percentage"`
	Timestamp  time.Time      `json:"timestamp"`
	Verdict    health.Verdict `json:"health_verdict"`
	Status     string         `json:"status"`
}

// State is the single, process-wide migration record. The controller is its
// only writer; it is persisted after every state-changing operation and never
// deleted, only overwritten.
type State struct {
	ID            string               `json:"id,omitempty"`
	Status        Status               `json:"status"`
	Active        envstore.Environment `json:"active"`
	Target        envstore.Environment `json:"target,omitempty"`
	Percentage    int                  `json:"percentage"`
	Steps         []StepRecord         `json:"steps,omitempty"`
	StartTime     *time.Time           `json:"start_time,omitempty"`
	RollbackReady bool                 `json:"rollback_ready"`
	Error         string               `json:"error,omitempty"`
}

// defaultState is the record a fresh agent starts from.
func defaultState() *State {
	return &State{
		Status:     StatusStable,
		Active:     envstore.Blue,
		Percentage: 0,
	}
}

// clone returns a deep copy safe to hand to readers.
func (s *State) clone() State {
	out := *s
	if s.Steps != nil {
		out.Steps = make([]StepRecord, len(s.Steps))
		copy(out.Steps, s.Steps)
	}
	if s.StartTime != nil {
		t := *s.StartTime
		out.StartTime = &t
	}
	return out
}

// terminal reports whether the status is a resting point (no migration in
// flight).
func (s Status) terminal() bool {
	return s != StatusMigrating
}
