package app

import (
	"context"
	"sync"
	"time"

	"github.com/transfa/payment-service/internal/domain"
)

// CacheStatus is the result of checking the verification cache.
type CacheStatus int

const (
	// CacheMiss means the caller now owns the lookup and must Complete or Fail it.
	CacheMiss CacheStatus = iota
	// CacheHit means a fresh observation was found.
	CacheHit
	// CacheInFlight means another caller is querying the ledger for this signature.
	CacheInFlight
)

type cacheEntry struct {
	observation *domain.LedgerTransaction
	cachedAt    time.Time
}

// VerificationCache memoizes ledger observations per signature for a short TTL
// and coalesces concurrent lookups of the same signature into one ledger call.
// Negative observations (not found, mismatching) are cached like positive ones.
type VerificationCache struct {
	mu       sync.Mutex
	entries  map[string]cacheEntry
	inFlight map[string]chan struct{}
	ttl      time.Duration
	now      func() time.Time
}

// NewVerificationCache creates a cache whose entries live for ttl.
func NewVerificationCache(ttl time.Duration) *VerificationCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &VerificationCache{
		entries:  make(map[string]cacheEntry),
		inFlight: make(map[string]chan struct{}),
		ttl:      ttl,
		now:      time.Now,
	}
}

// CheckAndMark atomically checks the cache and marks the signature in flight on a miss.
func (c *VerificationCache) CheckAndMark(signature string) (CacheStatus, *domain.LedgerTransaction, chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[signature]; ok {
		if c.now().Sub(entry.cachedAt) < c.ttl {
			return CacheHit, entry.observation, nil
		}
		delete(c.entries, signature)
	}

	if done, ok := c.inFlight[signature]; ok {
		return CacheInFlight, nil, done
	}

	done := make(chan struct{})
	c.inFlight[signature] = done
	return CacheMiss, nil, done
}

// WaitForResult blocks until the in-flight lookup finishes. A nil observation
// means the lookup failed and the caller should try again.
func (c *VerificationCache) WaitForResult(ctx context.Context, signature string, done chan struct{}) (*domain.LedgerTransaction, error) {
	select {
	case <-done:
		return c.Get(signature), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get returns a fresh observation or nil.
func (c *VerificationCache) Get(signature string) *domain.LedgerTransaction {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[signature]
	if !ok {
		return nil
	}
	if c.now().Sub(entry.cachedAt) >= c.ttl {
		delete(c.entries, signature)
		return nil
	}
	return entry.observation
}

// Complete caches the observation and releases waiters.
func (c *VerificationCache) Complete(signature string, observation *domain.LedgerTransaction, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[signature] = cacheEntry{observation: observation, cachedAt: c.now()}
	delete(c.inFlight, signature)
	close(done)
}

// Fail releases waiters without caching anything.
func (c *VerificationCache) Fail(signature string, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.inFlight, signature)
	close(done)
}

// Sweep drops expired entries and returns how many were removed.
func (c *VerificationCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for signature, entry := range c.entries {
		if now.Sub(entry.cachedAt) >= c.ttl {
			delete(c.entries, signature)
			removed++
		}
	}
	return removed
}

// Len reports the number of cached entries, expired ones included.
func (c *VerificationCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
