package portalloc

import (
	"testing"

	"github.com/fleetbridge/fleetd/pkg/errs"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	a, err := New(20000, 20010)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	port, err := a.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if port < 20000 || port > 20010 {
		t.Fatalf("port %d out of range", port)
	}
	if a.InUse() != 1 {
		t.Fatalf("InUse = %d, want 1", a.InUse())
	}

	a.Release(port)
	if a.InUse() != 0 {
		t.Fatalf("InUse after release = %d, want 0", a.InUse())
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	a, _ := New(20100, 20105)
	a.Release(20100)
	a.Release(20100)
	if a.InUse() != 0 {
		t.Fatalf("InUse = %d, want 0", a.InUse())
	}
}

func TestAcquireExhaustion(t *testing.T) {
	a, _ := New(20200, 20201)

	p1, err := a.Acquire()
	if err != nil {
		t.Fatalf("Acquire 1: %v", err)
	}
	p2, err := a.Acquire()
	if err != nil {
		t.Fatalf("Acquire 2: %v", err)
	}
	if p1 == p2 {
		t.Fatalf("expected distinct ports, got %d twice", p1)
	}

	_, err = a.Acquire()
	if !errs.Is(err, errs.PortExhausted) {
		t.Fatalf("expected PortExhausted, got %v", err)
	}
}

func TestAcquireNoDoubleAssign(t *testing.T) {
	a, _ := New(20300, 20320)
	seen := make(map[int]bool)
	for i := 0; i < 21; i++ {
		p, err := a.Acquire()
		if err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
		if seen[p] {
			t.Fatalf("port %d handed out twice", p)
		}
		seen[p] = true
	}
}

func TestNewRejectsInvalidRange(t *testing.T) {
	if _, err := New(100, 1); err == nil {
		t.Fatal("expected error for inverted range")
	}
}
