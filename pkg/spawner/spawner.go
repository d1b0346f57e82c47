// Package spawner launches MCP worker subprocesses, piping their stdio to
// the log sink and reporting process exit to the supervisor that owns them.
package spawner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/google/uuid"

	"github.com/fleetbridge/fleetd/pkg/errs"
	"github.com/fleetbridge/fleetd/pkg/logsink"
	"github.com/fleetbridge/fleetd/pkg/registry"
)

// Spec describes one worker to spawn.
type Spec struct {
	ServiceName    string
	InstanceID     uuid.UUID
	UserID         uuid.UUID
	Port           int
	CredentialsJSON string
	ConfigJSON      string
}

// Handle is a running worker process.
type Handle struct {
	InstanceID uuid.UUID
	PID        int
	Port       int

	cmd    *exec.Cmd
	exited chan struct{}
}

// ExitEvent is passed to the Spawner's onExit callback once the process
// terminates, whether cleanly or by signal.
type ExitEvent struct {
	InstanceID uuid.UUID
	Err        error // cmd.Wait's result: nil for a clean exit(0)
}

// Spawner launches worker binaries resolved through a service registry.
type Spawner struct {
	reg *registry.Registry
	logs *logsink.Manager

	mu     sync.Mutex
	onExit func(ExitEvent)
}

// New creates a Spawner. onExit is invoked exactly once per Spawn'd instance,
// from a dedicated goroutine, when the child process's Wait() returns.
func New(reg *registry.Registry, logs *logsink.Manager, onExit func(ExitEvent)) *Spawner {
	return &Spawner{reg: reg, logs: logs, onExit: onExit}
}

// Spawn launches the worker binary for spec.ServiceName. On failure the
// caller is responsible for releasing the port (per §4.C, the port is
// released by the Supervisor, not the Spawner, so that the Supervisor's
// retry bookkeeping stays in one place).
func (s *Spawner) Spawn(ctx context.Context, spec Spec) (*Handle, error) {
	svc, ok := s.reg.Lookup(spec.ServiceName)
	if !ok {
		return nil, errs.New(errs.SpawnFailed, fmt.Sprintf("unknown service %q", spec.ServiceName))
	}

	if err := s.logs.Open(spec.UserID, spec.InstanceID); err != nil {
		return nil, errs.Wrap(errs.SpawnFailed, "opening log streams", err)
	}

	cmd := exec.Command(svc.BinaryPath)
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("PORT=%d", spec.Port),
		fmt.Sprintf("INSTANCE_ID=%s", spec.InstanceID),
		fmt.Sprintf("USER_ID=%s", spec.UserID),
		fmt.Sprintf("SERVICE_NAME=%s", spec.ServiceName),
		fmt.Sprintf("CREDENTIALS_JSON=%s", spec.CredentialsJSON),
		fmt.Sprintf("CONFIG_JSON=%s", spec.ConfigJSON),
		"ENV=production",
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = s.logs.Close(spec.InstanceID)
		return nil, errs.Wrap(errs.SpawnFailed, "attaching stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = s.logs.Close(spec.InstanceID)
		return nil, errs.Wrap(errs.SpawnFailed, "attaching stderr pipe", err)
	}

	if err := cmd.Start(); err != nil {
		_ = s.logs.Close(spec.InstanceID)
		return nil, errs.Wrap(errs.SpawnFailed, "starting process", err)
	}

	h := &Handle{
		InstanceID: spec.InstanceID,
		PID:        cmd.Process.Pid,
		Port:       spec.Port,
		cmd:        cmd,
		exited:     make(chan struct{}),
	}

	var pumpWG sync.WaitGroup
	pumpWG.Add(2)
	go s.pump(&pumpWG, stdout, func(line string) { s.logs.WriteStdout(spec.InstanceID, line) })
	go s.pump(&pumpWG, stderr, func(line string) { s.logs.WriteStderr(spec.InstanceID, line) })

	go func() {
		pumpWG.Wait()
		waitErr := cmd.Wait()
		_ = s.logs.Close(spec.InstanceID)
		close(h.exited)
		if s.onExit != nil {
			s.onExit(ExitEvent{InstanceID: spec.InstanceID, Err: waitErr})
		}
	}()

	return h, nil
}

// pump copies lines from a child stream into sink until EOF.
func (s *Spawner) pump(wg *sync.WaitGroup, r io.Reader, sink func(string)) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		sink(scanner.Text())
	}
}

// Exited returns a channel closed once the worker's process has exited and
// its streams have been fully drained and closed.
func (h *Handle) Exited() <-chan struct{} { return h.exited }

// Signal sends sig to the worker process. A no-op if the process has already
// exited.
func (h *Handle) Signal(sig os.Signal) error {
	if h.cmd.Process == nil {
		return nil
	}
	err := h.cmd.Process.Signal(sig)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// Kill forcibly terminates the worker process.
func (h *Handle) Kill() error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Kill()
}
