// Package supervisor owns the worker state machine and retry policy
// described in spec §4.F, coordinating the port allocator, spawner,
// readiness prober, and health monitor behind a single per-instance lock.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetbridge/fleetd/pkg/healthmon"
	"github.com/fleetbridge/fleetd/pkg/logsink"
	"github.com/fleetbridge/fleetd/pkg/portalloc"
	"github.com/fleetbridge/fleetd/pkg/probe"
	"github.com/fleetbridge/fleetd/pkg/registry"
	"github.com/fleetbridge/fleetd/pkg/spawner"
)

// State is a worker's position in the state machine.
type State string

const (
	StateInactive    State = "inactive"
	StateSpawning    State = "spawning"
	StateProbing     State = "probing"
	StateReady       State = "ready"
	StateDegraded    State = "degraded"
	StateTerminating State = "terminating"
	StateDead        State = "dead"
	StateFailed      State = "failed"
)

const (
	maxRetries  = 3
	termTimeout = 5 * time.Second
)

// WorkerRecord is the in-memory record the Supervisor maintains per instance.
type WorkerRecord struct {
	InstanceID  uuid.UUID
	PID         int
	Port        int
	StartedAt   time.Time
	State       State
	RetryCount  int
	LastHealthAt time.Time
	LastError   string
}

// SpawnInput describes what's needed to launch a worker, independent of the
// store row shape.
type SpawnInput struct {
	ServiceName     string
	UserID          uuid.UUID
	CredentialsJSON string
	ConfigJSON      string
}

// StoreUpdater is the narrow slice of the store surface the Supervisor
// needs to keep row state consistent with live supervision (spec §6).
type StoreUpdater interface {
	MarkInstanceFailed(ctx context.Context, instanceID uuid.UUID, reason string) error
	MarkInstanceActive(ctx context.Context, instanceID uuid.UUID) error
}

// Supervisor is the central coordinator for components A-E.
type Supervisor struct {
	logger *slog.Logger
	ports  *portalloc.Allocator
	logs   *logsink.Manager
	reg    *registry.Registry
	health *healthmon.Monitor
	store  StoreUpdater

	readiness probe.ReadinessConfig

	instanceLocks sync.Map // uuid.UUID -> *sync.Mutex

	mu      sync.Mutex
	workers map[uuid.UUID]*WorkerRecord
	handles map[uuid.UUID]*spawner.Handle

	globalMu sync.Mutex // coarse lock held by Shutdown
}

// New constructs a Supervisor. The spawner is created internally so it can
// route exit events back into this Supervisor's state machine.
func New(logger *slog.Logger, ports *portalloc.Allocator, logs *logsink.Manager, reg *registry.Registry, store StoreUpdater) *Supervisor {
	s := &Supervisor{
		logger:    logger,
		ports:     ports,
		logs:      logs,
		reg:       reg,
		store:     store,
		health:    healthmon.New(logger, 60*time.Second, 5*time.Second),
		readiness: probe.DefaultReadinessConfig(),
		workers:   make(map[uuid.UUID]*WorkerRecord),
		handles:   make(map[uuid.UUID]*spawner.Handle),
	}
	return s
}

// spawnerFor builds a Spawner whose exit callback routes into s.onExit. A
// fresh Spawner is built for every start attempt; it only carries the
// registry/log sink references, not per-call state.
func (s *Supervisor) spawnerFor() *spawner.Spawner {
	return spawner.New(s.reg, s.logs, s.onExit)
}

// HealthEvents exposes the health monitor's event stream so the app wiring
// can drive store updates on degraded/failed transitions.
func (s *Supervisor) HealthEvents() <-chan healthmon.Event { return s.health.Events() }

// RunHealthMonitor blocks, running the health monitor loop, until ctx is done.
func (s *Supervisor) RunHealthMonitor(ctx context.Context) { s.health.Run(ctx) }

func (s *Supervisor) lockFor(instanceID uuid.UUID) *sync.Mutex {
	v, _ := s.instanceLocks.LoadOrStore(instanceID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Status returns a snapshot of a worker's record, or StateInactive if none
// exists.
func (s *Supervisor) Status(instanceID uuid.UUID) WorkerRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if wr, ok := s.workers[instanceID]; ok {
		return *wr
	}
	return WorkerRecord{InstanceID: instanceID, State: StateInactive}
}

// Start is idempotent: if already ready or probing, it returns the current
// state without relaunching. Otherwise it allocates a port, spawns, and
// probes, retrying up to maxRetries times with exponential backoff.
func (s *Supervisor) Start(ctx context.Context, instanceID uuid.UUID, in SpawnInput) (WorkerRecord, error) {
	lock := s.lockFor(instanceID)
	lock.Lock()
	defer lock.Unlock()

	if cur := s.Status(instanceID); cur.State == StateReady || cur.State == StateProbing {
		return cur, nil
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			if backoff > 10*time.Second {
				backoff = 10 * time.Second
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return s.Status(instanceID), ctx.Err()
			}
		}

		wr, err := s.attemptStart(ctx, instanceID, in, attempt)
		if err == nil {
			return wr, nil
		}
		lastErr = err
		s.logger.Warn("supervisor: start attempt failed", "instance_id", instanceID, "attempt", attempt, "error", err)
	}

	s.setState(instanceID, &WorkerRecord{InstanceID: instanceID, State: StateFailed, RetryCount: maxRetries, LastError: lastErr.Error()})
	if s.store != nil {
		if err := s.store.MarkInstanceFailed(ctx, instanceID, lastErr.Error()); err != nil {
			s.logger.Error("supervisor: marking instance failed in store", "instance_id", instanceID, "error", err)
		}
	}
	return s.Status(instanceID), lastErr
}

func (s *Supervisor) attemptStart(ctx context.Context, instanceID uuid.UUID, in SpawnInput, attempt int) (WorkerRecord, error) {
	port, err := s.ports.Acquire()
	if err != nil {
		return WorkerRecord{}, err
	}

	s.setState(instanceID, &WorkerRecord{InstanceID: instanceID, State: StateSpawning, RetryCount: attempt})

	sp := s.spawnerFor()
	handle, err := sp.Spawn(ctx, spawner.Spec{
		ServiceName:     in.ServiceName,
		InstanceID:      instanceID,
		UserID:          in.UserID,
		Port:            port,
		CredentialsJSON: in.CredentialsJSON,
		ConfigJSON:      in.ConfigJSON,
	})
	if err != nil {
		s.ports.Release(port)
		return WorkerRecord{}, err
	}

	s.mu.Lock()
	s.handles[instanceID] = handle
	s.mu.Unlock()

	s.setState(instanceID, &WorkerRecord{InstanceID: instanceID, State: StateProbing, PID: handle.PID, Port: port, StartedAt: time.Now(), RetryCount: attempt})

	svc, _ := s.reg.Lookup(in.ServiceName)
	baseURL := fmt.Sprintf("http://127.0.0.1:%d", port)
	stages := []probe.Stage{
		{Name: "port", Checker: probe.PortChecker{Host: "127.0.0.1", Port: port}},
		{Name: "health", Checker: probe.NewHealthChecker(baseURL, 5*time.Second)},
		{Name: "protocol", Checker: probe.NewProtocolChecker(baseURL, instanceID.String(), svc.Name, 5*time.Second)},
	}

	if err := probe.Ready(ctx, s.readiness, stages, handle.Exited()); err != nil {
		_ = handle.Kill()
		<-handle.Exited()
		s.ports.Release(port)
		s.mu.Lock()
		delete(s.handles, instanceID)
		s.mu.Unlock()
		return WorkerRecord{}, err
	}

	wr := WorkerRecord{InstanceID: instanceID, State: StateReady, PID: handle.PID, Port: port, StartedAt: time.Now(), RetryCount: attempt, LastHealthAt: time.Now()}
	s.setState(instanceID, &wr)
	s.health.Watch(healthmon.Target{InstanceID: instanceID, Checkers: []probe.Checker{
		probe.NewHealthChecker(baseURL, 5*time.Second),
		probe.NewProtocolChecker(baseURL, instanceID.String(), svc.Name, 5*time.Second),
	}})

	if s.store != nil {
		if err := s.store.MarkInstanceActive(ctx, instanceID); err != nil {
			s.logger.Error("supervisor: marking instance active in store", "instance_id", instanceID, "error", err)
		}
	}

	return wr, nil
}

// Stop sends TERM, escalating to KILL after termTimeout. Idempotent: a
// missing instance returns success.
func (s *Supervisor) Stop(ctx context.Context, instanceID uuid.UUID) error {
	lock := s.lockFor(instanceID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	handle, ok := s.handles[instanceID]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	s.setState(instanceID, &WorkerRecord{InstanceID: instanceID, State: StateTerminating, PID: handle.PID, Port: handle.Port})
	s.health.Unwatch(instanceID)

	_ = handle.Signal(terminateSignal())

	select {
	case <-handle.Exited():
	case <-time.After(termTimeout):
		_ = handle.Kill()
		<-handle.Exited()
	case <-ctx.Done():
		_ = handle.Kill()
		return ctx.Err()
	}

	return nil
}

// onExit is invoked by the spawner when a worker's process terminates. Per
// P5: it clears the WorkerRecord, releases the port, and — if the worker
// was not already terminating — marks the instance failed in the store.
func (s *Supervisor) onExit(ev spawner.ExitEvent) {
	s.mu.Lock()
	wr, ok := s.workers[ev.InstanceID]
	handle, hasHandle := s.handles[ev.InstanceID]
	delete(s.handles, ev.InstanceID)
	s.mu.Unlock()

	if hasHandle {
		s.ports.Release(handle.Port)
	}

	wasTerminating := ok && wr.State == StateTerminating

	s.health.Unwatch(ev.InstanceID)

	if wasTerminating {
		s.setState(ev.InstanceID, &WorkerRecord{InstanceID: ev.InstanceID, State: StateDead})
		return
	}

	msg := "process exited unexpectedly"
	if ev.Err != nil {
		msg = ev.Err.Error()
	}
	s.setState(ev.InstanceID, &WorkerRecord{InstanceID: ev.InstanceID, State: StateFailed, LastError: msg})

	if s.store != nil {
		if err := s.store.MarkInstanceFailed(context.Background(), ev.InstanceID, msg); err != nil {
			s.logger.Error("supervisor: marking instance failed after exit", "instance_id", ev.InstanceID, "error", err)
		}
	}
}

func (s *Supervisor) setState(instanceID uuid.UUID, wr *WorkerRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers[instanceID] = wr
}

// Shutdown stops every running worker concurrently, bounded by a global
// deadline, for use during process shutdown.
func (s *Supervisor) Shutdown(ctx context.Context, deadline time.Duration) {
	if !s.globalMu.TryLock() {
		return // another global operation is in progress; skip rather than deadlock
	}
	defer s.globalMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	s.mu.Lock()
	ids := make([]uuid.UUID, 0, len(s.handles))
	for id := range s.handles {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			if err := s.Stop(ctx, id); err != nil {
				s.logger.Error("supervisor: shutdown stop failed", "instance_id", id, "error", err)
			}
		}(id)
	}
	wg.Wait()
}

// Snapshot returns every currently tracked worker record, for the
// reconciler and admin endpoints.
func (s *Supervisor) Snapshot() []WorkerRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WorkerRecord, 0, len(s.workers))
	for _, wr := range s.workers {
		out = append(out, *wr)
	}
	return out
}
