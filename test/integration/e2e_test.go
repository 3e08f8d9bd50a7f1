// Package integration exercises the full agent stack end to end: real
// component wiring over httptest environment servers and a temp-dir proxy
// filesystem, driven through the HTTP control surface.
package integration

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bluegreen-deploy/agent/internal/envstore"
	"github.com/bluegreen-deploy/agent/internal/health"
	"github.com/bluegreen-deploy/agent/internal/migration"
	"github.com/bluegreen-deploy/agent/internal/proxy"
	"github.com/bluegreen-deploy/agent/internal/server"
	"github.com/bluegreen-deploy/agent/internal/traffic"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// env is one simulated deployment slot: an HTTP server whose health endpoint
// can be flipped unhealthy, either immediately or after a number of checks.
type env struct {
	srv       *httptest.Server
	healthy   atomic.Bool
	checks    atomic.Int32
	failAfter atomic.Int32 // 0 disables; check N and later return 503
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{}
	e.healthy.Store(true)
	e.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := e.checks.Add(1)
		if fa := e.failAfter.Load(); !e.healthy.Load() || (fa > 0 && n >= fa) {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(e.srv.Close)
	return e
}

// agent is the fully wired stack under test.
type agent struct {
	api         *httptest.Server
	controlFile string
	weightsFile string
	stateFile   string
	envs        map[envstore.Environment]*env
}

func newAgent(t *testing.T) *agent {
	t.Helper()
	dir := t.TempDir()

	a := &agent{
		controlFile: filepath.Join(dir, "active_env.conf"),
		weightsFile: filepath.Join(dir, "upstream_weights.conf"),
		stateFile:   filepath.Join(dir, "migration-state.json"),
		envs: map[envstore.Environment]*env{
			envstore.Blue:  newEnv(t),
			envstore.Green: newEnv(t),
		},
	}

	logger := testLogger()
	validator := &proxy.CommandValidator{Command: "true", Logger: logger}
	reloader := &proxy.CommandReloader{Command: "true", Logger: logger}

	store := envstore.New(a.controlFile, `set $active_environment "%s";`, validator, reloader, logger)

	weighter := &proxy.FileWeighter{
		Path:     a.weightsFile,
		PortFor:  func(envstore.Environment) int { return 80 },
		Reloader: reloader,
		Logger:   logger,
	}
	shifter := traffic.New(weighter, logger)

	probe := health.NewProbe(
		health.ProbeConfig{Timeout: time.Second, LatencyCeiling: time.Second},
		&health.TCPChecker{
			Addr: func(e envstore.Environment) string {
				return a.envs[e].srv.Listener.Addr().String()
			},
			Timeout: time.Second,
		},
		func(e envstore.Environment) string {
			return a.envs[e].srv.URL + "/health"
		},
		logger,
	)
	monitor := health.NewMonitor(health.MonitorConfig{
		Interval:        time.Hour, // background loop not under test here
		HistoryCapacity: 50,
	}, probe, store, logger)

	ctrl, err := migration.NewController(migration.Config{
		Steps:          []int{25, 50, 75, 100},
		SettleInterval: time.Millisecond,
	}, migration.NewStateStore(a.stateFile, logger), monitor, shifter, store, logger)
	if err != nil {
		t.Fatalf("building controller: %v", err)
	}

	srv := server.New(ctrl, monitor, shifter, nil, "test", logger)
	a.api = httptest.NewServer(srv.Handler())
	t.Cleanup(a.api.Close)
	return a
}

func (a *agent) post(t *testing.T, path string) (*http.Response, migration.Result) {
	t.Helper()
	resp, err := http.Post(a.api.URL+path, "application/json", nil)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	var res migration.Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("decoding POST %s response: %v", path, err)
	}
	return resp, res
}

func (a *agent) controlContents(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile(a.controlFile)
	if err != nil {
		t.Fatalf("reading control file: %v", err)
	}
	return string(data)
}

func TestSwitchToGreen_EndToEnd(t *testing.T) {
	a := newAgent(t)

	resp, res := a.post(t, "/switch/green")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 (result: %+v)", resp.StatusCode, res)
	}
	if !res.Success || res.Status != migration.StatusStable || res.Active != envstore.Green {
		t.Errorf("result = %+v, want success/stable/green", res)
	}
	if len(res.Steps) != 4 {
		t.Errorf("got %d step records, want 4", len(res.Steps))
	}

	// The proxy control file now names green.
	if got := a.controlContents(t); !strings.Contains(got, `"green"`) {
		t.Errorf("control file = %q, want green directive", got)
	}

	// The weights file ends at 100% green.
	weights, err := os.ReadFile(a.weightsFile)
	if err != nil {
		t.Fatalf("reading weights file: %v", err)
	}
	if !strings.Contains(string(weights), "weight=100") {
		t.Errorf("weights file = %q, want a weight=100 line", weights)
	}

	// Final state is persisted.
	data, err := os.ReadFile(a.stateFile)
	if err != nil {
		t.Fatalf("reading state file: %v", err)
	}
	var state migration.State
	if err := json.Unmarshal(data, &state); err != nil {
		t.Fatalf("state file is not valid JSON: %v", err)
	}
	if state.Status != migration.StatusStable || state.Active != envstore.Green {
		t.Errorf("persisted state = %+v, want stable/green", state)
	}
}

func TestSwitchToUnhealthyGreen_RollsBack(t *testing.T) {
	a := newAgent(t)

	// Green passes pre-validation and the 25% check, then fails. Checks hit
	// green in order: pre-validation, step 25, step 50.
	a.envs[envstore.Green].failAfter.Store(3)

	resp, res := a.post(t, "/switch/green")
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	if res.Success || res.Status != migration.StatusRolledBack {
		t.Errorf("result = %+v, want rolled_back", res)
	}
	if res.FailedAtPercent != 50 {
		t.Errorf("failed_at_percent = %d, want 50", res.FailedAtPercent)
	}

	// The control file was never committed to green.
	if _, err := os.Stat(a.controlFile); err == nil {
		if got := a.controlContents(t); strings.Contains(got, `"green"`) {
			t.Errorf("control file = %q, must not name green after rollback", got)
		}
	}

	// Blue serves all traffic again; green is marked down.
	weights, err := os.ReadFile(a.weightsFile)
	if err != nil {
		t.Fatalf("reading weights file: %v", err)
	}
	if !strings.Contains(string(weights), "down;") {
		t.Errorf("weights file = %q, want the failed target marked down", weights)
	}
}

func TestSwitchToActiveEnvironment_NoOp(t *testing.T) {
	a := newAgent(t)

	resp, res := a.post(t, "/switch/blue")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if !res.Success || !res.AlreadyActive {
		t.Errorf("result = %+v, want already-active no-op", res)
	}

	// No migration ran: nothing was written for the proxy.
	if _, err := os.Stat(a.weightsFile); !os.IsNotExist(err) {
		t.Errorf("weights file exists after no-op switch (stat err: %v)", err)
	}
}

func TestStatusEndpoint_ReflectsOutcome(t *testing.T) {
	a := newAgent(t)
	a.post(t, "/switch/green")

	resp, err := http.Get(a.api.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body struct {
		Active    envstore.Environment `json:"active"`
		Migration migration.State      `json:"migration"`
		Health    health.Summary       `json:"health"`
		Traffic   traffic.Split        `json:"traffic"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decoding status: %v", err)
	}
	if body.Active != envstore.Green {
		t.Errorf("active = %s, want green", body.Active)
	}
	if body.Migration.Status != migration.StatusStable {
		t.Errorf("migration status = %s, want stable", body.Migration.Status)
	}
	if body.Health.Total == 0 || body.Health.HealthyCount == 0 {
		t.Errorf("health summary empty: %+v", body.Health)
	}
	if body.Traffic.TargetPercent != 100 || body.Traffic.Target != envstore.Green {
		t.Errorf("traffic split = %+v, want 100%% green", body.Traffic)
	}
}

func TestValidateEndpoint_ReportsBothEnvironments(t *testing.T) {
	a := newAgent(t)
	a.envs[envstore.Green].healthy.Store(false)

	resp, err := http.Get(a.api.URL + "/validate")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var rep migration.ValidationReport
	if err := json.NewDecoder(resp.Body).Decode(&rep); err != nil {
		t.Fatalf("decoding report: %v", err)
	}
	if rep.Healthy {
		t.Error("report healthy with green returning 503")
	}
	if !rep.Verdicts[envstore.Blue].Success {
		t.Errorf("blue verdict = %+v, want success", rep.Verdicts[envstore.Blue])
	}
	if rep.Verdicts[envstore.Green].Success {
		t.Errorf("green verdict = %+v, want failure", rep.Verdicts[envstore.Green])
	}
}

func TestRollbackEndpoint_RestoresFullTraffic(t *testing.T) {
	a := newAgent(t)

	resp, res := a.post(t, "/rollback")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if !res.Success || res.Status != migration.StatusRolledBack || res.Active != envstore.Blue {
		t.Errorf("result = %+v, want rolled_back/blue", res)
	}

	weights, err := os.ReadFile(a.weightsFile)
	if err != nil {
		t.Fatalf("reading weights file: %v", err)
	}
	if !strings.Contains(string(weights), "weight=100") {
		t.Errorf("weights file = %q, want blue at weight=100", weights)
	}
}

func TestPersistedState_SurvivesRestart(t *testing.T) {
	a := newAgent(t)
	a.post(t, "/switch/green")

	// A second controller over the same files sees the committed outcome.
	logger := testLogger()
	store := envstore.New(a.controlFile, `set $active_environment "%s";`,
		&proxy.CommandValidator{Command: "true"}, &proxy.CommandReloader{Command: "true"}, logger)

	ctrl, err := migration.NewController(migration.Config{
		Steps:          []int{100},
		SettleInterval: time.Millisecond,
	}, migration.NewStateStore(a.stateFile, logger), nil, nil, store, logger)
	if err != nil {
		t.Fatalf("rebuilding controller: %v", err)
	}

	state := ctrl.Status()
	if state.Status != migration.StatusStable || state.Active != envstore.Green {
		t.Errorf("reloaded state = %+v, want stable/green", state)
	}
	if store.Current() != envstore.Green {
		t.Errorf("control file names %s, want green", store.Current())
	}
}
