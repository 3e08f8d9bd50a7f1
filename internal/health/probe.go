// Package health implements multi-layer environment health assessment: a
// single-shot Probe and a Monitor that keeps a bounded verdict history.
package health

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/bluegreen-deploy/agent/internal/envstore"
)

// Sub-check names reported in a Verdict.
const (
	CheckLiveness     = "liveness"
	CheckReachability = "reachability"
	CheckLatency      = "latency"
)

// SubVerdict is the outcome of one sub-check.
type SubVerdict struct {
	Success bool   `json:"success"`
	Detail  string `json:"detail"`
	Error   string `json:"error,omitempty"`
}

// Verdict is the aggregate result of probing one environment. LatencyMS is
// the health endpoint's response time, zero when the endpoint never answered.
type Verdict struct {
	Success     bool                  `json:"success"`
	Environment envstore.Environment  `json:"environment"`
	Checks      map[string]SubVerdict `json:"checks"`
	LatencyMS   int64                 `json:"latency_ms"`
	Timestamp   time.Time             `json:"timestamp"`
}

// ProcessChecker answers whether an environment's process is alive.
// Implemented by the external process supervisor integration.
type ProcessChecker interface {
	Alive(ctx context.Context, env envstore.Environment) error
}

// TCPChecker is a ProcessChecker that treats a successful TCP dial to the
// environment's port as proof of life.
type TCPChecker struct {
	Addr    func(env envstore.Environment) string
	Timeout time.Duration
}

func (c *TCPChecker) Alive(ctx context.Context, env envstore.Environment) error {
	d := net.Dialer{Timeout: c.Timeout}
	conn, err := d.DialContext(ctx, "tcp", c.Addr(env))
	if err != nil {
		return err
	}
	conn.Close()
	return nil
}

// ProbeConfig holds the probe's timing policy.
type ProbeConfig struct {
	Timeout        time.Duration // total budget for the whole probe
	LatencyCeiling time.Duration // latency sub-check threshold
	LatencyGates   bool          // whether latency failure fails the verdict
}

// Probe performs one health assessment of an environment. It is non-mutating
// and never returns a Go error: every failure mode is captured inside the
// returned Verdict.
type Probe struct {
	cfg       ProbeConfig
	process   ProcessChecker
	healthURL func(env envstore.Environment) string
	client    *http.Client
	logger    *slog.Logger
}

// NewProbe builds a Probe. healthURL maps an environment to its health
// endpoint URL.
func NewProbe(cfg ProbeConfig, process ProcessChecker, healthURL func(env envstore.Environment) string, logger *slog.Logger) *Probe {
	if logger == nil {
		logger = slog.Default()
	}
	return &Probe{
		cfg:       cfg,
		process:   process,
		healthURL: healthURL,
		client:    &http.Client{Timeout: cfg.Timeout},
		logger:    logger,
	}
}

// Probe runs the liveness check and the HTTP check concurrently, each bounded
// by the probe timeout. Reachability and latency are two verdicts over the
// same HTTP call: reachability asks "did it answer 2xx", latency asks "did it
// answer under the ceiling". Aggregate success requires liveness and
// reachability; latency gates only when configured to.
func (p *Probe) Probe(ctx context.Context, env envstore.Environment) Verdict {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	checks := make(map[string]SubVerdict, 3)
	var mu sync.Mutex
	var wg sync.WaitGroup
	var elapsed time.Duration

	record := func(name string, sv SubVerdict) {
		mu.Lock()
		checks[name] = sv
		mu.Unlock()
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		record(CheckLiveness, p.checkLiveness(ctx, env))
	}()
	go func() {
		defer wg.Done()
		reach, lat, took := p.checkHTTP(ctx, env)
		record(CheckReachability, reach)
		record(CheckLatency, lat)
		mu.Lock()
		elapsed = took
		mu.Unlock()
	}()
	wg.Wait()

	success := checks[CheckLiveness].Success && checks[CheckReachability].Success
	if p.cfg.LatencyGates {
		success = success && checks[CheckLatency].Success
	}

	v := Verdict{
		Success:     success,
		Environment: env,
		Checks:      checks,
		LatencyMS:   elapsed.Milliseconds(),
		Timestamp:   time.Now().UTC(),
	}
	if !v.Success {
		p.logger.Warn("health probe failed", "env", env, "checks", summarize(checks))
	}
	return v
}

func (p *Probe) checkLiveness(ctx context.Context, env envstore.Environment) SubVerdict {
	if err := p.process.Alive(ctx, env); err != nil {
		return SubVerdict{
			Success: false,
			Detail:  fmt.Sprintf("%s process not reporting alive", env),
			Error:   err.Error(),
		}
	}
	return SubVerdict{Success: true, Detail: fmt.Sprintf("%s process alive", env)}
}

// checkHTTP issues one GET to the environment's health endpoint and derives
// both the reachability and latency verdicts from it. elapsed is zero when
// the request never completed.
func (p *Probe) checkHTTP(ctx context.Context, env envstore.Environment) (reach, lat SubVerdict, elapsed time.Duration) {
	url := p.healthURL(env)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		sv := SubVerdict{Success: false, Detail: "building health request", Error: err.Error()}
		return sv, sv, 0
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	elapsed = time.Since(start)
	if err != nil {
		sv := SubVerdict{
			Success: false,
			Detail:  fmt.Sprintf("GET %s failed", url),
			Error:   err.Error(),
		}
		return sv, sv, 0
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		reach = SubVerdict{
			Success: false,
			Detail:  fmt.Sprintf("GET %s returned %d", url, resp.StatusCode),
		}
	} else {
		reach = SubVerdict{Success: true, Detail: fmt.Sprintf("GET %s returned %d", url, resp.StatusCode)}
	}

	lat = SubVerdict{
		Success: elapsed <= p.cfg.LatencyCeiling,
		Detail:  fmt.Sprintf("responded in %dms (ceiling %dms)", elapsed.Milliseconds(), p.cfg.LatencyCeiling.Milliseconds()),
	}
	return reach, lat, elapsed
}

func summarize(checks map[string]SubVerdict) string {
	out := ""
	for _, name := range []string{CheckLiveness, CheckReachability, CheckLatency} {
		sv, ok := checks[name]
		if !ok {
			continue
		}
		mark := "ok"
		if !sv.Success {
			mark = "FAIL"
		}
		if out != "" {
			out += " "
		}
		out += name + "=" + mark
	}
	return out
}
