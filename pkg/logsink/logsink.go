// Package logsink manages the three append-only log streams (app, access,
// error) kept per worker instance, with a deterministic on-disk path layout
// and one JSON record per line.
package logsink

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Stream identifies one of the three per-worker log streams.
type Stream string

const (
	StreamApp    Stream = "app"
	StreamAccess Stream = "access"
	StreamError  Stream = "error"
)

// Record is one structured log line.
type Record struct {
	Timestamp  time.Time      `json:"ts"`
	Level      string         `json:"level"`
	Message    string         `json:"message"`
	Stream     Stream         `json:"stream"`
	InstanceID uuid.UUID      `json:"instance_id"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

var httpMethodToken = regexp.MustCompile(`\b(GET|POST|PUT|DELETE|PATCH|HEAD)\b`)

// Manager owns the open log streams for every supervised worker.
type Manager struct {
	baseDir string

	mu      sync.Mutex
	workers map[uuid.UUID]*workerStreams
}

type workerStreams struct {
	mu      sync.Mutex // serializes writes within this worker across streams
	writers map[Stream]*bufio.Writer
	files   map[Stream]*os.File
}

// New creates a Manager rooted at baseDir (e.g. "logs").
func New(baseDir string) *Manager {
	return &Manager{baseDir: baseDir, workers: make(map[uuid.UUID]*workerStreams)}
}

// Dir returns the deterministic log directory for a (user, instance) pair.
func (m *Manager) Dir(userID, instanceID uuid.UUID) string {
	return filepath.Join(m.baseDir, "users", fmt.Sprintf("user_%s", userID), fmt.Sprintf("mcp_%s", instanceID))
}

// Open creates the three streams for a worker, or opens existing ones for
// append, to be called at spawn time.
func (m *Manager) Open(userID, instanceID uuid.UUID) error {
	dir := m.Dir(userID, instanceID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("logsink: creating %s: %w", dir, err)
	}

	ws := &workerStreams{
		writers: make(map[Stream]*bufio.Writer),
		files:   make(map[Stream]*os.File),
	}
	for _, s := range []Stream{StreamApp, StreamAccess, StreamError} {
		path := filepath.Join(dir, string(s)+".log")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			ws.closeAll()
			return fmt.Errorf("logsink: opening %s: %w", path, err)
		}
		ws.files[s] = f
		ws.writers[s] = bufio.NewWriter(f)
	}

	m.mu.Lock()
	m.workers[instanceID] = ws
	m.mu.Unlock()
	return nil
}

// Close flushes and closes every stream for a worker. Safe to call on a
// worker that was never opened.
func (m *Manager) Close(instanceID uuid.UUID) error {
	m.mu.Lock()
	ws, ok := m.workers[instanceID]
	delete(m.workers, instanceID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return ws.closeAll()
}

func (ws *workerStreams) closeAll() error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	var firstErr error
	for s, w := range ws.writers {
		if err := w.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := ws.files[s].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// WriteStderr routes a line read from the worker's stderr pipe. Per §4.B,
// all stderr lines land in the error stream.
func (m *Manager) WriteStderr(instanceID uuid.UUID, line string) {
	m.write(instanceID, StreamError, "error", line)
}

// WriteStdout routes a line read from the worker's stdout pipe: lines
// containing an HTTP method token go to access, everything else to app.
func (m *Manager) WriteStdout(instanceID uuid.UUID, line string) {
	if httpMethodToken.MatchString(line) {
		m.write(instanceID, StreamAccess, "info", line)
		return
	}
	m.write(instanceID, StreamApp, "info", line)
}

func (m *Manager) write(instanceID uuid.UUID, stream Stream, level, message string) {
	m.mu.Lock()
	ws, ok := m.workers[instanceID]
	m.mu.Unlock()
	if !ok {
		return
	}

	rec := Record{
		Timestamp:  time.Now().UTC(),
		Level:      level,
		Message:    message,
		Stream:     stream,
		InstanceID: instanceID,
	}
	buf, err := json.Marshal(rec)
	if err != nil {
		return
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()
	w := ws.writers[stream]
	if w == nil {
		return
	}
	_, _ = w.Write(buf)
	_, _ = w.Write([]byte{'\n'})
	_ = w.Flush()
}

// ReadTail returns up to n trailing lines from one worker's stream, for
// diagnostics endpoints. It re-opens the file read-only; it does not
// interfere with the active writer.
func (m *Manager) ReadTail(userID, instanceID uuid.UUID, stream Stream, n int) ([]Record, error) {
	path := filepath.Join(m.Dir(userID, instanceID), string(stream)+".log")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	lines := bytes.Split(bytes.TrimRight(data, "\n"), []byte{'\n'})
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}

	out := make([]Record, 0, len(lines))
	for _, l := range lines {
		if len(l) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(l, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
