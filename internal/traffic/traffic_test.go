package traffic

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/bluegreen-deploy/agent/internal/envstore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// recordingProxy captures every SetWeights call.
type recordingProxy struct {
	err   error
	calls []weightCall
}

type weightCall struct {
	target        envstore.Environment
	targetPercent int
	active        envstore.Environment
	activePercent int
}

func (p *recordingProxy) SetWeights(_ context.Context, target envstore.Environment, targetPercent int, active envstore.Environment, activePercent int) error {
	p.calls = append(p.calls, weightCall{target, targetPercent, active, activePercent})
	return p.err
}

// --- SetDistribution ---

func TestSetDistribution_ComputesWeightPair(t *testing.T) {
	p := &recordingProxy{}
	c := New(p, testLogger())

	if err := c.SetDistribution(context.Background(), envstore.Green, 25, envstore.Blue); err != nil {
		t.Fatalf("SetDistribution() returned unexpected error: %v", err)
	}

	if len(p.calls) != 1 {
		t.Fatalf("proxy calls = %d, want 1", len(p.calls))
	}
	call := p.calls[0]
	if call.target != envstore.Green || call.targetPercent != 25 {
		t.Errorf("target weights = %s/%d, want green/25", call.target, call.targetPercent)
	}
	if call.active != envstore.Blue || call.activePercent != 75 {
		t.Errorf("active weights = %s/%d, want blue/75", call.active, call.activePercent)
	}
}

func TestSetDistribution_UpdatesCurrentSplit(t *testing.T) {
	c := New(&recordingProxy{}, testLogger())

	_ = c.SetDistribution(context.Background(), envstore.Green, 75, envstore.Blue)

	s := c.Current()
	if s.TargetPercent != 75 || s.ActivePercent != 25 {
		t.Errorf("Current() = %+v, want 75/25", s)
	}
	if s.UpdatedAt.IsZero() {
		t.Error("UpdatedAt not set")
	}
}

func TestSetDistribution_ProxyErrorLeavesSplitUnchanged(t *testing.T) {
	p := &recordingProxy{err: errors.New("upstream not found")}
	c := New(p, testLogger())

	err := c.SetDistribution(context.Background(), envstore.Green, 50, envstore.Blue)
	if err == nil {
		t.Fatal("expected error from proxy, got nil")
	}

	if s := c.Current(); s.TargetPercent != 0 || !s.UpdatedAt.IsZero() {
		t.Errorf("Current() = %+v, want zero split after rejected update", s)
	}
}

func TestSetDistribution_RejectsOutOfRangePercent(t *testing.T) {
	p := &recordingProxy{}
	c := New(p, testLogger())

	for _, pct := range []int{-1, 101} {
		if err := c.SetDistribution(context.Background(), envstore.Green, pct, envstore.Blue); err == nil {
			t.Errorf("SetDistribution(%d) = nil, want error", pct)
		}
	}
	if len(p.calls) != 0 {
		t.Errorf("proxy calls = %d, want 0", len(p.calls))
	}
}

func TestSetDistribution_RejectsInvalidEnvironment(t *testing.T) {
	c := New(&recordingProxy{}, testLogger())

	if err := c.SetDistribution(context.Background(), envstore.Environment("purple"), 50, envstore.Blue); err == nil {
		t.Error("expected error for invalid target environment")
	}
}

func TestOnChange_ObservesAcceptedSplits(t *testing.T) {
	c := New(&recordingProxy{}, testLogger())
	var got []Split
	c.OnChange = func(s Split) { got = append(got, s) }

	_ = c.SetDistribution(context.Background(), envstore.Green, 25, envstore.Blue)
	_ = c.SetDistribution(context.Background(), envstore.Green, 50, envstore.Blue)

	if len(got) != 2 {
		t.Fatalf("OnChange observed %d splits, want 2", len(got))
	}
	if got[1].TargetPercent != 50 {
		t.Errorf("second split percent = %d, want 50", got[1].TargetPercent)
	}
}
