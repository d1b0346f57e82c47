package probe

import (
	"context"
	"time"

	"github.com/fleetbridge/fleetd/pkg/errs"
)

// ReadinessConfig holds the timing constants from spec §4.D.
type ReadinessConfig struct {
	Budget       time.Duration // T_start
	InitialGrace time.Duration
	Cadence      time.Duration
}

// DefaultReadinessConfig matches spec §4.D exactly.
func DefaultReadinessConfig() ReadinessConfig {
	return ReadinessConfig{Budget: 30 * time.Second, InitialGrace: 1 * time.Second, Cadence: 1 * time.Second}
}

// Stage pairs a Checker with a name for logs and errors. Every stage fails
// with the same Kind: StartupTimeout once the overall budget is exhausted,
// or ProtocolProbeFailed if the process exits mid-probe.
type Stage struct {
	Name    string
	Checker Checker
}

// Ready drives through stages in order, retrying each one at Cadence until
// it passes or the overall Budget elapses. exited fires if the worker
// process exits or errors mid-probe, which fails startup immediately
// regardless of remaining budget.
func Ready(ctx context.Context, cfg ReadinessConfig, stages []Stage, exited <-chan struct{}) error {
	deadline := time.Now().Add(cfg.Budget)

	if cfg.InitialGrace > 0 {
		select {
		case <-time.After(cfg.InitialGrace):
		case <-exited:
			return errs.New(errs.ProtocolProbeFailed, "worker process exited during initial grace period")
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for _, stage := range stages {
		if err := runStage(ctx, stage, cfg.Cadence, deadline, exited); err != nil {
			return err
		}
	}
	return nil
}

func runStage(ctx context.Context, stage Stage, cadence time.Duration, deadline time.Time, exited <-chan struct{}) error {
	for {
		if time.Now().After(deadline) {
			return errs.New(errs.StartupTimeout, "readiness budget exhausted at stage "+stage.Name)
		}

		res := stage.Checker.Check(ctx)
		if res.Healthy {
			return nil
		}

		select {
		case <-exited:
			return errs.New(errs.ProtocolProbeFailed, "worker process exited during stage "+stage.Name)
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cadence):
		}
	}
}
