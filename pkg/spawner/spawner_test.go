package spawner

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fleetbridge/fleetd/pkg/logsink"
	"github.com/fleetbridge/fleetd/pkg/registry"
)

func testRegistry(t *testing.T, script string) *registry.Registry {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "worker.sh")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("writing script: %v", err)
	}

	reg, err := registry.FromServices([]registry.Service{
		{Name: "github", BinaryPath: path, Kind: "oauth", Enabled: true},
	})
	if err != nil {
		t.Fatalf("FromServices: %v", err)
	}
	return reg
}

func TestSpawnReportsCleanExit(t *testing.T) {
	reg := testRegistry(t, "#!/bin/sh\necho hello on stdout\necho whoops on stderr 1>&2\nexit 0\n")
	logs := logsink.New(t.TempDir())

	var mu sync.Mutex
	var events []ExitEvent
	done := make(chan struct{}, 1)
	s := New(reg, logs, func(e ExitEvent) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
		done <- struct{}{}
	})

	instanceID, userID := uuid.New(), uuid.New()
	h, err := s.Spawn(t.Context(), Spec{ServiceName: "github", InstanceID: instanceID, UserID: userID, Port: 9000})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	select {
	case <-h.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit in time")
	}
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 1 {
		t.Fatalf("got %d exit events, want 1", len(events))
	}
	if events[0].Err != nil {
		t.Errorf("Err = %v, want nil for clean exit", events[0].Err)
	}
	if events[0].InstanceID != instanceID {
		t.Errorf("InstanceID = %s, want %s", events[0].InstanceID, instanceID)
	}
}

func TestSpawnReportsNonZeroExit(t *testing.T) {
	reg := testRegistry(t, "#!/bin/sh\nexit 7\n")
	logs := logsink.New(t.TempDir())

	done := make(chan ExitEvent, 1)
	s := New(reg, logs, func(e ExitEvent) { done <- e })

	instanceID, userID := uuid.New(), uuid.New()
	if _, err := s.Spawn(t.Context(), Spec{ServiceName: "github", InstanceID: instanceID, UserID: userID, Port: 9001}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	select {
	case e := <-done:
		if e.Err == nil {
			t.Error("Err = nil, want non-nil for a non-zero exit")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit in time")
	}
}

func TestSpawnUnknownServiceFails(t *testing.T) {
	reg := testRegistry(t, "#!/bin/sh\nexit 0\n")
	logs := logsink.New(t.TempDir())
	s := New(reg, logs, nil)

	if _, err := s.Spawn(t.Context(), Spec{ServiceName: "nope", InstanceID: uuid.New(), UserID: uuid.New(), Port: 9002}); err == nil {
		t.Fatal("expected error for unknown service name")
	}
}

func TestKillTerminatesLongRunningWorker(t *testing.T) {
	reg := testRegistry(t, "#!/bin/sh\nsleep 30\n")
	logs := logsink.New(t.TempDir())

	done := make(chan struct{}, 1)
	s := New(reg, logs, func(ExitEvent) { done <- struct{}{} })

	h, err := s.Spawn(t.Context(), Spec{ServiceName: "github", InstanceID: uuid.New(), UserID: uuid.New(), Port: 9003})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	if err := h.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	select {
	case <-h.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit after Kill")
	}
	<-done
}
