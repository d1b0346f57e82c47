// Package reconciler implements the Cleanup Reconciler from spec §4.K: a
// periodic sweep reconciling store rows against live WorkerRecords.
package reconciler

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/fleetbridge/fleetd/pkg/supervisor"
)

// defaultInterval is I_reconcile = 5 min from spec §4.K.
const defaultInterval = 5 * time.Minute

// stuckThreshold is T_stuck = 2 min from spec §4.K.
const stuckThreshold = 2 * time.Minute

// leaseKey is the Redis key backing the cross-replica leader lease: only the
// holder runs a sweep, so a multi-replica deployment doesn't race on the
// same instance rows.
const leaseKey = "reconciler:leader"

// StoreRow is the narrow view of a store row this reconciler inspects.
type StoreRow struct {
	InstanceID uuid.UUID
	Status     string // "active", "provisioning", "failed", "inactive"
	UpdatedAt  time.Time
}

// Store is the subset of the persistent store this reconciler consumes.
type Store interface {
	ListActiveAndProvisioning(ctx context.Context) ([]StoreRow, error)
	MarkOrphaned(ctx context.Context, instanceID uuid.UUID) error
	MarkStuck(ctx context.Context, instanceID uuid.UUID) error
}

// WorkerSnapshotter exposes the Supervisor's live worker state.
type WorkerSnapshotter interface {
	Snapshot() []supervisor.WorkerRecord
	Stop(ctx context.Context, instanceID uuid.UUID) error
}

// Reconciler periodically reconciles store state against live workers.
type Reconciler struct {
	store     Store
	workers   WorkerSnapshotter
	logger    *slog.Logger
	interval  time.Duration
	stuckAge  time.Duration
	rdb       *redis.Client // optional cross-replica leader lease
	replicaID string
}

func New(store Store, workers WorkerSnapshotter, logger *slog.Logger) *Reconciler {
	return &Reconciler{store: store, workers: workers, logger: logger, interval: defaultInterval, stuckAge: stuckThreshold}
}

// WithInterval overrides the sweep cadence.
func (r *Reconciler) WithInterval(d time.Duration) *Reconciler {
	r.interval = d
	return r
}

// WithRedis enables the cross-replica leader lease: only the replica
// holding the lease performs a sweep on a given tick, so running multiple
// cores doesn't double-reconcile the same instance rows. replicaID
// identifies this process in the lease value for diagnostics.
func (r *Reconciler) WithRedis(rdb *redis.Client, replicaID string) *Reconciler {
	r.rdb = rdb
	r.replicaID = replicaID
	return r
}

// acquireLease attempts to become the reconciling leader for one sweep
// interval. SetNX does not renew a lease this replica already holds; it is
// taken afresh once the previous one expires. Reports true if this replica
// should sweep.
func (r *Reconciler) acquireLease(ctx context.Context) bool {
	if r.rdb == nil {
		return true
	}
	ok, err := r.rdb.SetNX(ctx, leaseKey, r.replicaID, r.interval).Result()
	if err != nil {
		r.logger.Warn("reconciler: lease check failed, skipping sweep", "error", err)
		return false
	}
	return ok
}

// Run blocks, sweeping on each tick until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	r.logger.Info("reconciler started", "interval", r.interval)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return
		case <-ticker.C:
			if !r.acquireLease(ctx) {
				continue
			}
			if err := r.Sweep(ctx); err != nil {
				r.logger.Error("reconcile sweep failed", "error", err)
			}
		}
	}
}

// Sweep performs one reconciliation cycle and is exported for tests and for
// an admin-triggered on-demand run.
func (r *Reconciler) Sweep(ctx context.Context) error {
	rows, err := r.store.ListActiveAndProvisioning(ctx)
	if err != nil {
		return err
	}

	live := make(map[uuid.UUID]supervisor.WorkerRecord)
	for _, w := range r.workers.Snapshot() {
		live[w.InstanceID] = w
	}

	now := time.Now()
	storeHasInstance := make(map[uuid.UUID]bool, len(rows))

	for _, row := range rows {
		storeHasInstance[row.InstanceID] = true

		if row.Status == "provisioning" && now.Sub(row.UpdatedAt) > r.stuckAge {
			r.logger.Warn("reconciler: marking stuck provisioning row as failed", "instance_id", row.InstanceID)
			if err := r.store.MarkStuck(ctx, row.InstanceID); err != nil {
				r.logger.Error("reconciler: marking stuck row", "instance_id", row.InstanceID, "error", err)
			}
			continue
		}

		if row.Status != "active" {
			continue
		}

		if _, ok := live[row.InstanceID]; !ok {
			r.logger.Warn("reconciler: active store row with no live worker", "instance_id", row.InstanceID)
			if err := r.store.MarkOrphaned(ctx, row.InstanceID); err != nil {
				r.logger.Error("reconciler: marking orphaned row", "instance_id", row.InstanceID, "error", err)
			}
		}
	}

	for instanceID, w := range live {
		if w.State != supervisor.StateReady && w.State != supervisor.StateDegraded {
			continue
		}
		if !storeHasInstance[instanceID] {
			r.logger.Warn("reconciler: live worker with no active store row, terminating", "instance_id", instanceID)
			if err := r.workers.Stop(ctx, instanceID); err != nil {
				r.logger.Error("reconciler: terminating orphaned worker", "instance_id", instanceID, "error", err)
			}
		}
	}

	return nil
}
