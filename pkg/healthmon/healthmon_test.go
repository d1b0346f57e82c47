package healthmon

import (
	"context"
	"log/slog"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fleetbridge/fleetd/pkg/probe"
)

type staticChecker struct{ healthy bool }

func (s staticChecker) Check(ctx context.Context) probe.Result {
	return probe.Result{Healthy: s.healthy}
}

func drain(t *testing.T, ch <-chan Event, timeout time.Duration) []Event {
	t.Helper()
	var out []Event
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		case <-deadline:
			return out
		}
	}
}

func TestTwoConsecutiveFailuresDegrade(t *testing.T) {
	m := New(slog.New(slog.NewTextHandler(io.Discard, nil)), time.Millisecond, 50*time.Millisecond)
	id := uuid.New()
	m.Watch(Target{InstanceID: id, Checkers: []probe.Checker{staticChecker{healthy: false}}})

	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)

	events := drain(t, m.Events(), 30*time.Millisecond)
	cancel()

	var sawDegraded bool
	for _, ev := range events {
		if ev.Kind == EventDegraded {
			sawDegraded = true
		}
	}
	if !sawDegraded {
		t.Fatalf("expected a degraded event, got %+v", events)
	}
}

func TestRecoveryAfterDegraded(t *testing.T) {
	checker := &toggleChecker{}
	m := New(slog.New(slog.NewTextHandler(io.Discard, nil)), time.Millisecond, 5*time.Second)
	id := uuid.New()
	m.Watch(Target{InstanceID: id, Checkers: []probe.Checker{checker}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	time.Sleep(5 * time.Millisecond)
	checker.setHealthy(true)

	events := drain(t, m.Events(), 30*time.Millisecond)
	var sawRecovered bool
	for _, ev := range events {
		if ev.Kind == EventRecovered {
			sawRecovered = true
		}
	}
	if !sawRecovered {
		t.Fatalf("expected a recovered event, got %+v", events)
	}
}

type toggleChecker struct {
	healthy bool
}

func (c *toggleChecker) setHealthy(v bool) {
	c.healthy = v
}

func (c *toggleChecker) Check(ctx context.Context) probe.Result {
	return probe.Result{Healthy: c.healthy}
}
