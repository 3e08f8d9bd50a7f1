package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/bluegreen-deploy/agent/internal/envstore"
)

// ActiveSource reports which environment currently receives traffic, so the
// background loop always probes whoever is live.
type ActiveSource interface {
	Current() envstore.Environment
}

// Summary condenses the verdict history for the status endpoint.
type Summary struct {
	Total        int       `json:"total"`
	HealthyCount int       `json:"healthy_count"`
	LastCheck    time.Time `json:"last_check"`
}

// MonitorConfig holds the monitor's policy knobs.
type MonitorConfig struct {
	Interval        time.Duration // background probe cadence
	HistoryCapacity int           // bounded verdict history, FIFO eviction
	LogPath         string        // persisted health log (capped JSON array)
}

// Monitor owns the bounded health history and the background recurring probe
// of the active environment. On-demand CheckNow calls and the background loop
// may probe different environments concurrently; the history append is the
// only shared-mutation point and is serialized by the mutex.
type Monitor struct {
	cfg    MonitorConfig
	probe  *Probe
	active ActiveSource
	logger *slog.Logger

	// OnVerdict, if set, observes every recorded verdict. Used for metrics.
	OnVerdict func(Verdict)

	mu      sync.Mutex
	history []Verdict
}

// NewMonitor wires a Probe and an ActiveSource into a Monitor.
func NewMonitor(cfg MonitorConfig, probe *Probe, active ActiveSource, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:     cfg,
		probe:   probe,
		active:  active,
		logger:  logger,
		history: make([]Verdict, 0, cfg.HistoryCapacity),
	}
}

// CheckNow probes env synchronously and records the verdict.
func (m *Monitor) CheckNow(ctx context.Context, env envstore.Environment) Verdict {
	v := m.probe.Probe(ctx, env)
	m.record(v)
	return v
}

// Recent returns up to n verdicts, newest last. n <= 0 returns the full history.
func (m *Monitor) Recent(n int) []Verdict {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n <= 0 || n > len(m.history) {
		n = len(m.history)
	}
	out := make([]Verdict, n)
	copy(out, m.history[len(m.history)-n:])
	return out
}

// Summary reports history totals for the status endpoint.
func (m *Monitor) Summary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Summary{Total: len(m.history)}
	for _, v := range m.history {
		if v.Success {
			s.HealthyCount++
		}
	}
	if len(m.history) > 0 {
		s.LastCheck = m.history[len(m.history)-1].Timestamp
	}
	return s
}

// Run probes the active environment every interval until ctx is cancelled.
// It runs independently of any in-flight migration.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.logger.Info("health monitor started", "interval", m.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("health monitor stopped")
			return
		case <-ticker.C:
			env := m.active.Current()
			v := m.probe.Probe(ctx, env)
			m.record(v)
		}
	}
}

// record appends v, evicts the oldest verdict past capacity, and persists the
// health log. Persistence failures are logged, never fatal — losing a log
// write must not fail a health check.
func (m *Monitor) record(v Verdict) {
	m.mu.Lock()
	m.history = append(m.history, v)
	if len(m.history) > m.cfg.HistoryCapacity {
		m.history = m.history[len(m.history)-m.cfg.HistoryCapacity:]
	}
	snapshot := make([]Verdict, len(m.history))
	copy(snapshot, m.history)
	m.mu.Unlock()

	if m.OnVerdict != nil {
		m.OnVerdict(v)
	}

	if m.cfg.LogPath == "" {
		return
	}
	if err := writeJSONFile(m.cfg.LogPath, snapshot); err != nil {
		m.logger.Warn("persisting health log failed", "path", m.cfg.LogPath, "error", err)
	}
}

// writeJSONFile marshals v and writes it atomically (temp file + rename).
func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
