package cert

import (
	"sync"
	"time"
)

// entryState mirrors the cache entry's lifecycle state machine.
type entryState int

const (
	statePending entryState = iota
	stateReady
	stateFailed
)

// evictWindow: a ready entry is evicted once less than this much validity
// remains, forcing the next caller to re-issue.
const evictWindow = time.Hour

type cacheEntry struct {
	state entryState
	value *LeafCert
	err   error
	done  chan struct{}
}

// leafSigner is the subset of Issuer that Cache depends on, narrow enough
// to substitute in tests that need to count or delay issuance.
type leafSigner interface {
	Sign(hostname string) (*LeafCert, error)
}

// Cache is the hostname -> leaf certificate cache with at-most-one
// concurrent issuance per hostname (single-flight).
type Cache struct {
	issuer leafSigner

	mu      sync.Mutex
	entries map[string]*cacheEntry
}

// NewCache returns a Cache that issues leaves via issuer.
func NewCache(issuer *Issuer) *Cache {
	return &Cache{issuer: issuer, entries: make(map[string]*cacheEntry)}
}

// Get returns the leaf certificate for hostname, issuing it if absent or
// expired-soon, and coalescing concurrent callers into a single issuance.
func (c *Cache) Get(hostname string) (*LeafCert, error) {
	c.mu.Lock()
	if e, ok := c.entries[hostname]; ok {
		if e.state == stateReady && time.Until(e.value.NotAfter) >= evictWindow {
			c.mu.Unlock()
			return e.value, nil
		}
		if e.state == statePending {
			c.mu.Unlock()
			<-e.done
			if e.err != nil {
				return nil, e.err
			}
			return e.value, nil
		}
		// Ready-but-expiring, or failed: fall through and re-issue below,
		// replacing the stale entry with a fresh pending one.
		delete(c.entries, hostname)
	}

	e := &cacheEntry{state: statePending, done: make(chan struct{})}
	c.entries[hostname] = e
	c.mu.Unlock()

	leaf, err := c.issuer.Sign(hostname)

	c.mu.Lock()
	if err != nil {
		e.state = stateFailed
		e.err = err
		// Failed entries are removed immediately so the next caller
		// retries from scratch.
		delete(c.entries, hostname)
	} else {
		e.state = stateReady
		e.value = leaf
	}
	c.mu.Unlock()
	close(e.done)

	if err != nil {
		return nil, err
	}
	return leaf, nil
}

// Evict removes any cached entry for hostname, forcing re-issuance on the
// next Get.
func (c *Cache) Evict(hostname string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, hostname)
}

// Len reports the number of cached entries, for tests and diagnostics.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
