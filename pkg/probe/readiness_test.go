package probe

import (
	"context"
	"testing"
	"time"

	"github.com/fleetbridge/fleetd/pkg/errs"
)

type fakeChecker struct {
	failUntil int
	calls     int
}

func (f *fakeChecker) Check(ctx context.Context) Result {
	f.calls++
	if f.calls > f.failUntil {
		return Result{Healthy: true}
	}
	return Result{Healthy: false, Message: "not yet"}
}

func TestReadyPassesAfterRetries(t *testing.T) {
	stages := []Stage{{Name: "port", Checker: &fakeChecker{failUntil: 2}}}
	cfg := ReadinessConfig{Budget: 2 * time.Second, InitialGrace: 1 * time.Millisecond, Cadence: 1 * time.Millisecond}

	err := Ready(context.Background(), cfg, stages, make(chan struct{}))
	if err != nil {
		t.Fatalf("Ready: %v", err)
	}
}

func TestReadyFailsOnBudgetExhaustion(t *testing.T) {
	stages := []Stage{{Name: "health", Checker: &fakeChecker{failUntil: 1 << 20}}}
	cfg := ReadinessConfig{Budget: 5 * time.Millisecond, InitialGrace: 0, Cadence: 1 * time.Millisecond}

	err := Ready(context.Background(), cfg, stages, make(chan struct{}))
	if !errs.Is(err, errs.StartupTimeout) {
		t.Fatalf("expected StartupTimeout, got %v", err)
	}
}

func TestReadyFailsOnProcessExit(t *testing.T) {
	stages := []Stage{{Name: "health", Checker: &fakeChecker{failUntil: 1 << 20}}}
	cfg := ReadinessConfig{Budget: 1 * time.Second, InitialGrace: 0, Cadence: 2 * time.Millisecond}

	exited := make(chan struct{})
	close(exited)

	err := Ready(context.Background(), cfg, stages, exited)
	if !errs.Is(err, errs.ProtocolProbeFailed) {
		t.Fatalf("expected ProtocolProbeFailed, got %v", err)
	}
}
