package reconciler

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fleetbridge/fleetd/pkg/supervisor"
)

type fakeStore struct {
	rows     []StoreRow
	orphaned []uuid.UUID
	stuck    []uuid.UUID
}

func (s *fakeStore) ListActiveAndProvisioning(ctx context.Context) ([]StoreRow, error) {
	return s.rows, nil
}

func (s *fakeStore) MarkOrphaned(ctx context.Context, instanceID uuid.UUID) error {
	s.orphaned = append(s.orphaned, instanceID)
	return nil
}

func (s *fakeStore) MarkStuck(ctx context.Context, instanceID uuid.UUID) error {
	s.stuck = append(s.stuck, instanceID)
	return nil
}

type fakeWorkers struct {
	records []supervisor.WorkerRecord
	stopped []uuid.UUID
}

func (w *fakeWorkers) Snapshot() []supervisor.WorkerRecord { return w.records }

func (w *fakeWorkers) Stop(ctx context.Context, instanceID uuid.UUID) error {
	w.stopped = append(w.stopped, instanceID)
	return nil
}

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSweepMarksOrphanedActiveRowWithNoWorker(t *testing.T) {
	id := uuid.New()
	store := &fakeStore{rows: []StoreRow{{InstanceID: id, Status: "active", UpdatedAt: time.Now()}}}
	workers := &fakeWorkers{}
	r := New(store, workers, silentLogger())

	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(store.orphaned) != 1 || store.orphaned[0] != id {
		t.Fatalf("orphaned = %v, want [%v]", store.orphaned, id)
	}
}

func TestSweepTerminatesLiveWorkerWithNoStoreRow(t *testing.T) {
	id := uuid.New()
	store := &fakeStore{}
	workers := &fakeWorkers{records: []supervisor.WorkerRecord{{InstanceID: id, State: supervisor.StateReady}}}
	r := New(store, workers, silentLogger())

	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(workers.stopped) != 1 || workers.stopped[0] != id {
		t.Fatalf("stopped = %v, want [%v]", workers.stopped, id)
	}
}

func TestSweepMarksStuckProvisioningRow(t *testing.T) {
	id := uuid.New()
	store := &fakeStore{rows: []StoreRow{{InstanceID: id, Status: "provisioning", UpdatedAt: time.Now().Add(-3 * time.Minute)}}}
	workers := &fakeWorkers{}
	r := New(store, workers, silentLogger())

	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(store.stuck) != 1 || store.stuck[0] != id {
		t.Fatalf("stuck = %v, want [%v]", store.stuck, id)
	}
}

func TestSweepLeavesHealthyReconciledStateAlone(t *testing.T) {
	id := uuid.New()
	store := &fakeStore{rows: []StoreRow{{InstanceID: id, Status: "active", UpdatedAt: time.Now()}}}
	workers := &fakeWorkers{records: []supervisor.WorkerRecord{{InstanceID: id, State: supervisor.StateReady}}}
	r := New(store, workers, silentLogger())

	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(store.orphaned) != 0 || len(workers.stopped) != 0 {
		t.Fatalf("expected no repairs; orphaned=%v stopped=%v", store.orphaned, workers.stopped)
	}
}
