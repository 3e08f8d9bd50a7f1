package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bluegreen-deploy/agent/internal/envstore"
	"github.com/bluegreen-deploy/agent/internal/health"
)

// ErrMigrationInProgress rejects a request that would overlap an in-flight
// migration. Exactly one migration may run at a time.
var ErrMigrationInProgress = errors.New("migration already in progress")

// ErrRollbackFailed marks the fatal case: restoring full traffic to the
// pre-migration environment itself failed, so neither environment is
// known-good. It is never retried silently.
var ErrRollbackFailed = errors.New("rollback failed, manual intervention required")

// StepHealthError reports the percentage at which a post-shift health check
// failed and triggered rollback.
type StepHealthError struct {
	Percentage int
}

func (e *StepHealthError) Error() string {
	return fmt.Sprintf("health check failed at %d%% traffic", e.Percentage)
}

// HealthChecker is the on-demand probe surface the controller consumes.
// Satisfied by *health.Monitor.
type HealthChecker interface {
	CheckNow(ctx context.Context, env envstore.Environment) health.Verdict
}

// TrafficShifter applies a percentage split. Satisfied by *traffic.Controller.
type TrafficShifter interface {
	SetDistribution(ctx context.Context, target envstore.Environment, percent int, active envstore.Environment) error
}

// ActiveStore is the durable active-environment record. Satisfied by
// *envstore.Store.
type ActiveStore interface {
	Current() envstore.Environment
	Commit(ctx context.Context, env envstore.Environment) error
}

// Config is the migration policy: the injected ascending step sequence and
// the settle wait after each traffic shift.
type Config struct {
	Steps          []int
	SettleInterval time.Duration
}

// Result is the outcome of a Begin or Rollback request, returned to the HTTP
// layer. All failure modes below rollback failure are recovered into it.
type Result struct {
	Success         bool                 `json:"success"`
	AlreadyActive   bool                 `json:"already_active,omitempty"`
	Status          Status               `json:"status"`
	Active          envstore.Environment `json:"active"`
	Target          envstore.Environment `json:"target,omitempty"`
	FailedAtPercent int                  `json:"failed_at_percent,omitempty"`
	Steps           []StepRecord         `json:"steps,omitempty"`
	Message         string               `json:"message"`
}

// ValidationReport is the outcome of a dual-environment pre-validation run
// without starting a migration.
type ValidationReport struct {
	Healthy  bool                                    `json:"healthy"`
	Active   envstore.Environment                    `json:"active"`
	Target   envstore.Environment                    `json:"target"`
	Verdicts map[envstore.Environment]health.Verdict `json:"verdicts"`
}

// Controller owns the migration State behind a single-writer boundary.
// The percentage loop runs sequentially on the caller's goroutine; the mutex
// guards every state read and mutation so concurrent Status() readers never
// observe a partially updated record.
type Controller struct {
	cfg     Config
	store   *StateStore
	health  HealthChecker
	traffic TrafficShifter
	envs    ActiveStore
	logger  *slog.Logger

	// OnStart and OnTerminal, if set, observe migration lifecycle
	// transitions. Used for metrics and audit archiving.
	OnStart    func(State)
	OnTerminal func(State)

	mu       sync.Mutex
	state    *State
	inFlight bool
}

// NewController loads persisted state and builds the controller. When the
// loaded state is at rest, the active environment is reconciled with the
// proxy's own record, which is the source of truth for who serves traffic.
func NewController(cfg Config, store *StateStore, hc HealthChecker, ts TrafficShifter, envs ActiveStore, logger *slog.Logger) (*Controller, error) {
	if logger == nil {
		logger = slog.Default()
	}

	state, err := store.Load()
	if err != nil {
		return nil, err
	}

	if state.Status == StatusStable {
		if current := envs.Current(); current != state.Active {
			logger.Warn("reconciling active environment with proxy record",
				"state", state.Active, "proxy", current)
			state.Active = current
			if err := store.Save(state); err != nil {
				return nil, err
			}
		}
	}

	return &Controller{
		cfg:     cfg,
		store:   store,
		health:  hc,
		traffic: ts,
		envs:    envs,
		logger:  logger,
		state:   state,
	}, nil
}

// Status returns a copy of the current migration state.
func (c *Controller) Status() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.clone()
}

// Validate probes both environments without starting a migration.
func (c *Controller) Validate(ctx context.Context) ValidationReport {
	c.mu.Lock()
	active := c.state.Active
	c.mu.Unlock()
	target := active.Other()

	av := c.health.CheckNow(ctx, active)
	tv := c.health.CheckNow(ctx, target)

	return ValidationReport{
		Healthy: av.Success && tv.Success,
		Active:  active,
		Target:  target,
		Verdicts: map[envstore.Environment]health.Verdict{
			active: av,
			target: tv,
		},
	}
}

// Begin runs a migration to target to completion. Requesting the already
// active environment is a no-op success, not a failure. A second Begin while
// one is in flight is rejected with ErrMigrationInProgress and mutates
// nothing. Every state transition is persisted before it is reported.
func (c *Controller) Begin(ctx context.Context, target envstore.Environment) (*Result, error) {
	if !target.Valid() {
		return nil, fmt.Errorf("begin migration: invalid environment %q", target)
	}

	c.mu.Lock()
	if c.inFlight || !c.state.Status.terminal() {
		c.mu.Unlock()
		return nil, ErrMigrationInProgress
	}
	if target == c.state.Active {
		res := &Result{
			Success:       true,
			AlreadyActive: true,
			Status:        c.state.Status,
			Active:        c.state.Active,
			Message:       fmt.Sprintf("%s is already active", target),
		}
		c.mu.Unlock()
		return res, nil
	}

	now := time.Now().UTC()
	active := c.state.Active
	c.state = &State{
		ID:         uuid.NewString(),
		Status:     StatusMigrating,
		Active:     active,
		Target:     target,
		Percentage: 0,
		Steps:      []StepRecord{},
		StartTime:  &now,
	}
	c.inFlight = true
	if err := c.store.Save(c.state); err != nil {
		c.state = &State{Status: StatusStable, Active: active}
		c.inFlight = false
		c.mu.Unlock()
		return nil, fmt.Errorf("begin migration: %w", err)
	}
	started := c.state.clone()
	c.mu.Unlock()

	c.logger.Info("migration starting",
		"id", started.ID, "from", active, "to", target, "steps", c.cfg.Steps)
	if c.OnStart != nil {
		c.OnStart(started)
	}

	res, err := c.run(ctx, active, target)

	c.mu.Lock()
	c.inFlight = false
	final := c.state.clone()
	c.mu.Unlock()
	if c.OnTerminal != nil {
		c.OnTerminal(final)
	}
	return res, err
}

// run executes pre-validation, the percentage loop, and the final commit.
// It is only ever entered with inFlight held.
func (c *Controller) run(ctx context.Context, active, target envstore.Environment) (*Result, error) {
	// Pre-validation: both environments must be healthy before any traffic
	// moves. Only after this passes is rollback known to be safe.
	av := c.health.CheckNow(ctx, active)
	tv := c.health.CheckNow(ctx, target)
	if !av.Success || !tv.Success {
		msg := fmt.Sprintf("pre-migration validation failed (active %s healthy=%t, target %s healthy=%t)",
			active, av.Success, target, tv.Success)
		c.update(func(s *State) {
			s.Status = StatusFailed
			s.Error = msg
		})
		c.logger.Error("migration aborted before any traffic moved", "reason", msg)
		return c.result(false, msg, 0), errors.New(msg)
	}
	c.update(func(s *State) { s.RollbackReady = true })

	for _, pct := range c.cfg.Steps {
		if err := c.traffic.SetDistribution(ctx, target, pct, active); err != nil {
			return c.failStep(ctx, pct, health.Verdict{}, fmt.Errorf("traffic shift to %d%%: %w", pct, err))
		}

		// Settle: let in-flight connections redistribute before judging health.
		select {
		case <-ctx.Done():
			return c.failStep(ctx, pct, health.Verdict{}, fmt.Errorf("settle wait at %d%%: %w", pct, ctx.Err()))
		case <-time.After(c.cfg.SettleInterval):
		}

		v := c.health.CheckNow(ctx, target)
		if !v.Success {
			return c.failStep(ctx, pct, v, &StepHealthError{Percentage: pct})
		}

		c.update(func(s *State) {
			s.Steps = append(s.Steps, StepRecord{
				Percentage: pct,
				Timestamp:  time.Now().UTC(),
				Verdict:    v,
				Status:     StepPassed,
			})
			s.Percentage = pct
		})
		c.logger.Info("migration step passed", "percentage", pct, "target", target)
	}

	// All steps healthy at 100%: make the switch durable.
	if err := c.envs.Commit(ctx, target); err != nil {
		return c.failStep(ctx, 100, health.Verdict{}, fmt.Errorf("commit: %w", err))
	}

	c.update(func(s *State) {
		s.Status = StatusStable
		s.Active = target
		s.Target = ""
		s.Percentage = 100
		s.RollbackReady = false
	})
	msg := fmt.Sprintf("migration complete: %s is now active", target)
	c.logger.Info("migration complete", "active", target)

	res := c.result(true, msg, 0)
	res.Active = target
	res.Target = target
	return res, nil
}

// failStep records the failed step (when a health verdict exists), rolls
// traffic back to the pre-migration environment, and reports the failing
// percentage. A rollback failure supersedes the step error.
func (c *Controller) failStep(ctx context.Context, pct int, v health.Verdict, cause error) (*Result, error) {
	c.update(func(s *State) {
		s.Steps = append(s.Steps, StepRecord{
			Percentage: pct,
			Timestamp:  time.Now().UTC(),
			Verdict:    v,
			Status:     StepFailed,
		})
		s.Error = cause.Error()
	})
	c.logger.Warn("migration step failed, rolling back", "percentage", pct, "cause", cause)

	// The rollback must run even when the step failed because the caller's
	// context was cancelled.
	if err := c.restore(context.WithoutCancel(ctx)); err != nil {
		res := c.result(false, err.Error(), pct)
		return res, err
	}

	res := c.result(false, fmt.Sprintf("rolled back: %s", cause), pct)
	return res, cause
}

// Rollback restores 100% of traffic to the recorded active environment. It is
// rejected while a migration is in flight — the migration loop performs its
// own rollback. Restoration failure is fatal-and-reported: the state is
// marked needs_intervention and ErrRollbackFailed is returned.
func (c *Controller) Rollback(ctx context.Context) (*Result, error) {
	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		return nil, ErrMigrationInProgress
	}
	c.inFlight = true
	c.mu.Unlock()

	err := c.restore(ctx)

	c.mu.Lock()
	c.inFlight = false
	final := c.state.clone()
	c.mu.Unlock()
	if c.OnTerminal != nil {
		c.OnTerminal(final)
	}

	if err != nil {
		return c.result(false, err.Error(), 0), err
	}
	res := c.result(true, fmt.Sprintf("traffic restored to %s", final.Active), 0)
	return res, nil
}

// restore routes 100% of traffic to the pre-migration active environment and
// persists the rolled_back state. On failure it persists needs_intervention:
// neither environment is known-good and nothing further is retried.
func (c *Controller) restore(ctx context.Context) error {
	c.mu.Lock()
	active := c.state.Active
	other := c.state.Target
	c.mu.Unlock()
	if !other.Valid() {
		other = active.Other()
	}

	if err := c.traffic.SetDistribution(ctx, active, 100, other); err != nil {
		c.update(func(s *State) {
			s.Status = StatusNeedsIntervention
			s.Error = fmt.Sprintf("rollback restoration failed: %v", err)
		})
		c.logger.Error("rollback restoration failed, manual intervention required",
			"active", active, "error", err)
		return fmt.Errorf("%w: %v", ErrRollbackFailed, err)
	}

	c.update(func(s *State) {
		s.Status = StatusRolledBack
		s.Percentage = 0
	})
	c.logger.Info("rollback complete", "active", active)
	return nil
}

// update applies a mutation and persists the result before returning, so no
// transition is observable without its persistence having happened. A failed
// save is logged and the in-memory state remains authoritative; stranding
// traffic mid-migration over a log write would be worse than a stale file.
func (c *Controller) update(mutate func(*State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	mutate(c.state)
	if err := c.store.Save(c.state); err != nil {
		c.logger.Error("persisting migration state failed", "error", err)
	}
}

// result snapshots the current state into a Result.
func (c *Controller) result(success bool, message string, failedAt int) *Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state.clone()
	return &Result{
		Success:         success,
		Status:          s.Status,
		Active:          s.Active,
		Target:          s.Target,
		FailedAtPercent: failedAt,
		Steps:           s.Steps,
		Message:         message,
	}
}
