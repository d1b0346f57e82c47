// Package credcache is the in-memory, per-instance bearer-token cache
// described in spec §4.G: expiry-aware reads, no size-based eviction, and
// independent reader/writer concurrency per key.
package credcache

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status mirrors the OAuth/credential status carried alongside a cached
// token, so callers don't need a second store round-trip just to log it.
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusRevoked Status = "revoked"
)

// Entry is the cached view of one instance's bearer credential.
type Entry struct {
	AccessToken     string
	RefreshToken    string
	ExpiresAt       time.Time
	UserID          uuid.UUID
	CachedAt        time.Time
	LastUsedAt      time.Time
	RefreshAttempts int
	Status          Status
}

// expired reports whether the entry should be treated as absent.
func (e Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.After(now)
}

type entryBox struct {
	mu sync.RWMutex
	e  Entry
}

// Cache is a keyed store of CachedCredential entries with no eviction by
// size; an entry lives until its expiry or an explicit Invalidate.
type Cache struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]*entryBox
}

// New creates an empty Cache.
func New() *Cache {
	return &Cache{entries: make(map[uuid.UUID]*entryBox)}
}

// Get returns the cached entry for instanceID, or ok=false if absent or
// expired. A hit updates LastUsedAt. Reads on distinct keys never block
// each other; a read on a hit does not block a concurrent Put/Invalidate on
// a different key.
func (c *Cache) Get(instanceID uuid.UUID) (Entry, bool) {
	box := c.boxFor(instanceID, false)
	if box == nil {
		return Entry{}, false
	}

	box.mu.Lock()
	expired := box.e.expired(time.Now())
	if !expired {
		box.e.LastUsedAt = time.Now()
	}
	e := box.e
	box.mu.Unlock()

	if expired {
		c.Invalidate(instanceID)
		return Entry{}, false
	}
	return e, true
}

// Peek is identical to Get but does not update LastUsedAt.
func (c *Cache) Peek(instanceID uuid.UUID) (Entry, bool) {
	box := c.boxFor(instanceID, false)
	if box == nil {
		return Entry{}, false
	}
	box.mu.RLock()
	defer box.mu.RUnlock()
	if box.e.expired(time.Now()) {
		return Entry{}, false
	}
	return box.e, true
}

// Put stores or replaces the entry for instanceID.
func (c *Cache) Put(instanceID uuid.UUID, e Entry) {
	if e.CachedAt.IsZero() {
		e.CachedAt = time.Now()
	}
	box := c.boxFor(instanceID, true)
	box.mu.Lock()
	box.e = e
	box.mu.Unlock()
}

// Invalidate removes the entry for instanceID, if any.
func (c *Cache) Invalidate(instanceID uuid.UUID) {
	c.mu.Lock()
	delete(c.entries, instanceID)
	c.mu.Unlock()
}

// boxFor returns the per-key box, creating one if create is true.
func (c *Cache) boxFor(instanceID uuid.UUID, create bool) *entryBox {
	c.mu.RLock()
	box, ok := c.entries[instanceID]
	c.mu.RUnlock()
	if ok || !create {
		return box
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if box, ok = c.entries[instanceID]; ok {
		return box
	}
	box = &entryBox{}
	c.entries[instanceID] = box
	return box
}
