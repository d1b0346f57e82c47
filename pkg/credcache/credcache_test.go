package credcache

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestPutThenGetHit(t *testing.T) {
	c := New()
	id := uuid.New()
	c.Put(id, Entry{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour)})

	e, ok := c.Get(id)
	if !ok {
		t.Fatal("expected hit")
	}
	if e.AccessToken != "tok" {
		t.Fatalf("AccessToken = %q", e.AccessToken)
	}
	if e.LastUsedAt.IsZero() {
		t.Fatal("Get should update LastUsedAt")
	}
}

func TestGetMissOnExpiry(t *testing.T) {
	c := New()
	id := uuid.New()
	c.Put(id, Entry{AccessToken: "tok", ExpiresAt: time.Now().Add(-time.Minute)})

	if _, ok := c.Get(id); ok {
		t.Fatal("expected miss on expired entry")
	}
}

func TestPeekDoesNotUpdateLastUsed(t *testing.T) {
	c := New()
	id := uuid.New()
	c.Put(id, Entry{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour)})

	e, ok := c.Peek(id)
	if !ok {
		t.Fatal("expected hit")
	}
	if !e.LastUsedAt.IsZero() {
		t.Fatal("Peek should not update LastUsedAt")
	}
}

func TestInvalidateRemovesEntry(t *testing.T) {
	c := New()
	id := uuid.New()
	c.Put(id, Entry{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour)})
	c.Invalidate(id)

	if _, ok := c.Get(id); ok {
		t.Fatal("expected miss after invalidate")
	}
}

func TestConcurrentReadsDoNotBlockDistinctKeyWrites(t *testing.T) {
	c := New()
	a, b := uuid.New(), uuid.New()
	c.Put(a, Entry{AccessToken: "a", ExpiresAt: time.Now().Add(time.Hour)})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.Get(a)
		}()
		go func() {
			defer wg.Done()
			c.Put(b, Entry{AccessToken: "b", ExpiresAt: time.Now().Add(time.Hour)})
		}()
	}
	wg.Wait()

	if _, ok := c.Get(b); !ok {
		t.Fatal("expected b to be present")
	}
}
