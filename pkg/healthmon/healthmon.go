// Package healthmon periodically polls every ready worker with the health
// and protocol-smoke checks and emits degraded/failed transitions for the
// supervisor to act on. The ticker+select loop shape is grounded on the
// teacher's escalation engine and the pack's reconciler loop.
package healthmon

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetbridge/fleetd/pkg/probe"
)

// Event kinds published by the monitor.
type EventKind string

const (
	EventProcessExit       EventKind = "process-exit"
	EventProcessError      EventKind = "process-error"
	EventHealthCheckFailed EventKind = "health-check-failed"
	EventDegraded          EventKind = "degraded"
	EventFailed            EventKind = "failed"
	EventRecovered         EventKind = "recovered"
)

// Event is delivered to the supervisor's event channel.
type Event struct {
	InstanceID uuid.UUID
	Kind       EventKind
	Message    string
	At         time.Time
}

// Target is one worker under watch.
type Target struct {
	InstanceID uuid.UUID
	Checkers   []probe.Checker
}

// trackedState is per-instance consecutive-failure bookkeeping.
type trackedState struct {
	consecutiveFailures int
	degradedSince        time.Time
	degraded             bool
}

// Monitor polls every registered target at Interval.
type Monitor struct {
	logger   *slog.Logger
	interval time.Duration
	grace    time.Duration
	events   chan Event

	mu      sync.Mutex
	targets map[uuid.UUID]Target
	state   map[uuid.UUID]*trackedState
}

// New creates a Monitor. Interval and grace match spec §4.E defaults
// (60s poll interval, 5s grace before a degraded worker is marked failed).
func New(logger *slog.Logger, interval, grace time.Duration) *Monitor {
	return &Monitor{
		logger:   logger,
		interval: interval,
		grace:    grace,
		events:   make(chan Event, 64),
		targets:  make(map[uuid.UUID]Target),
		state:    make(map[uuid.UUID]*trackedState),
	}
}

// Events returns the channel of health transitions.
func (m *Monitor) Events() <-chan Event { return m.events }

// Watch registers a ready worker for periodic polling.
func (m *Monitor) Watch(t Target) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets[t.InstanceID] = t
	m.state[t.InstanceID] = &trackedState{}
}

// Unwatch removes a worker from polling, e.g. once it starts terminating.
func (m *Monitor) Unwatch(instanceID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.targets, instanceID)
	delete(m.state, instanceID)
}

// Run blocks, polling every watched target each Interval, until ctx is
// cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	m.mu.Lock()
	targets := make([]Target, 0, len(m.targets))
	for _, t := range m.targets {
		targets = append(targets, t)
	}
	m.mu.Unlock()

	for _, t := range targets {
		m.checkOne(ctx, t)
	}
}

func (m *Monitor) checkOne(ctx context.Context, t Target) {
	healthy := true
	var failMsg string
	for _, c := range t.Checkers {
		res := c.Check(ctx)
		if !res.Healthy {
			healthy = false
			failMsg = res.Message
			break
		}
	}

	m.mu.Lock()
	st, ok := m.state[t.InstanceID]
	m.mu.Unlock()
	if !ok {
		return // unwatched mid-tick
	}

	if healthy {
		wasDegraded := st.degraded
		st.consecutiveFailures = 0
		st.degraded = false
		if wasDegraded {
			m.emit(Event{InstanceID: t.InstanceID, Kind: EventRecovered, At: time.Now()})
		}
		return
	}

	m.emit(Event{InstanceID: t.InstanceID, Kind: EventHealthCheckFailed, Message: failMsg, At: time.Now()})
	st.consecutiveFailures++

	if st.consecutiveFailures >= 2 && !st.degraded {
		st.degraded = true
		st.degradedSince = time.Now()
		m.emit(Event{InstanceID: t.InstanceID, Kind: EventDegraded, Message: failMsg, At: time.Now()})
		return
	}

	if st.degraded && time.Since(st.degradedSince) >= m.grace {
		m.emit(Event{InstanceID: t.InstanceID, Kind: EventFailed, Message: failMsg, At: time.Now()})
	}
}

// emit publishes an event, logging and dropping it if the channel is full
// rather than blocking the poll loop.
func (m *Monitor) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		m.logger.Warn("healthmon: event channel full, dropping event", "kind", ev.Kind, "instance_id", ev.InstanceID)
	}
}
