// Package cache is the TTL read cache shared by the subscription registry
// and one-shot reads.
//
// Entries are keyed by (identity id, document id) and are valid while
// now - storedAt < TTL. An expired entry is never returned; it is evicted
// lazily on the lookup that finds it stale.
package cache

import (
	"sync"
	"time"

	"github.com/roach88/habitsync/internal/document"
)

// DefaultTTL is the entry lifetime used when none is configured.
const DefaultTTL = 30 * time.Second

// Key identifies a cache entry.
type Key struct {
	IdentityID string
	DocID      string
}

// Entry is a cached document and the instant it was stored. A nil Document
// records a confirmed-missing document.
type Entry struct {
	Key      Key
	Document *document.Document
	StoredAt time.Time
}

// Cache is a mutex-guarded TTL map.
type Cache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[Key]Entry
}

// Option configures a Cache.
type Option func(*Cache)

// WithNow injects the time source. Defaults to time.Now.
func WithNow(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache. A non-positive ttl falls back to DefaultTTL.
func New(ttl time.Duration, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[Key]Entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL returns the configured entry lifetime.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Get returns a copy of the fresh entry for key. ok is false when the key is
// absent or expired.
func (c *Cache) Get(key Key) (doc *document.Document, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, found := c.entries[key]
	if !found {
		return nil, false
	}
	if c.now().Sub(e.StoredAt) >= c.ttl {
		delete(c.entries, key)
		return nil, false
	}
	return e.Document.Clone(), true
}

// Put stores doc under key, stamped with the current time.
func (c *Cache) Put(key Key, doc *document.Document) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = Entry{Key: key, Document: doc.Clone(), StoredAt: c.now()}
}

// Now returns the cache's current time.
func (c *Cache) Now() time.Time {
	return c.now()
}

// PutIfNotNewer stores doc under key unless an entry stored after since
// already exists, as when a push lands while a read started at since is in
// flight. It returns the document now cached and whether doc was stored.
func (c *Cache) PutIfNotNewer(key Key, doc *document.Document, since time.Time) (*document.Document, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, found := c.entries[key]; found && e.StoredAt.After(since) {
		return e.Document.Clone(), false
	}
	c.entries[key] = Entry{Key: key, Document: doc.Clone(), StoredAt: c.now()}
	return doc, true
}

// Delete removes key.
func (c *Cache) Delete(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// DropIdentity removes every entry for identityID and returns how many were
// removed.
func (c *Cache) DropIdentity(identityID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k := range c.entries {
		if k.IdentityID == identityID {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Len returns the number of stored entries, including stale ones not yet
// evicted.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
