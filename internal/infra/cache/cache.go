// Package cache provides a thread-safe three-tier in-memory cache.
// A write lands in every tier with tier-specific expirations; reads probe
// fresh -> medium -> long and report which tier served the hit. The later
// tiers extend availability of the same value, they never hold a different
// one. In production, this could be backed by Redis.
package cache

import (
	"sync"
	"time"
)

// Tier identifies which cache level served a hit.
type Tier int

const (
	TierFresh Tier = iota
	TierMedium
	TierLong
)

func (t Tier) String() string {
	switch t {
	case TierFresh:
		return "fresh"
	case TierMedium:
		return "medium"
	case TierLong:
		return "long"
	default:
		return "unknown"
	}
}

type entry[T any] struct {
	value     T
	createdAt time.Time
	expiresAt time.Time
}

// MultiLevel is a thread-safe three-tier cache keyed by request fingerprint.
type MultiLevel[T any] struct {
	mu    sync.RWMutex
	tiers [3]map[string]entry[T]
	ttls  [3]time.Duration

	now func() time.Time
}

// New creates a multi-level cache with the given tier TTLs
// (fresh, medium, long). A background sweeper lazily evicts expired
// entries from the longest tier.
func New[T any](fresh, medium, long time.Duration) *MultiLevel[T] {
	c := &MultiLevel[T]{
		ttls: [3]time.Duration{fresh, medium, long},
		now:  time.Now,
	}
	for i := range c.tiers {
		c.tiers[i] = make(map[string]entry[T])
	}
	go c.cleanup(long)
	return c
}

// WithClock overrides the time source for tests.
func (c *MultiLevel[T]) WithClock(now func() time.Time) *MultiLevel[T] {
	c.now = now
	return c
}

// Put stores the value into all three tiers with tier-specific expirations.
func (c *MultiLevel[T]) Put(fingerprint string, value T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for i := range c.tiers {
		c.tiers[i][fingerprint] = entry[T]{
			value:     value,
			createdAt: now,
			expiresAt: now.Add(c.ttls[i]),
		}
	}
}

// Seed stores a low-confidence value into the fresh tier only. Used to
// dampen repeated fallback churn without polluting long-term tiers.
func (c *MultiLevel[T]) Seed(fingerprint string, value T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.tiers[TierFresh][fingerprint] = entry[T]{
		value:     value,
		createdAt: now,
		expiresAt: now.Add(c.ttls[TierFresh]),
	}
}

// Get probes the tiers in order and returns the first non-expired hit
// along with the tier that served it.
func (c *MultiLevel[T]) Get(fingerprint string) (T, Tier, bool) {
	return c.get(fingerprint, 1)
}

// GetRelaxed is Get with every tier's expiration stretched by factor.
// Emergency mode reads through it so stale-but-recent data keeps answers
// flowing while the upstream recovers.
func (c *MultiLevel[T]) GetRelaxed(fingerprint string, factor float64) (T, Tier, bool) {
	if factor < 1 {
		factor = 1
	}
	return c.get(fingerprint, factor)
}

func (c *MultiLevel[T]) get(fingerprint string, factor float64) (T, Tier, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	for i := range c.tiers {
		e, ok := c.tiers[i][fingerprint]
		if !ok {
			continue
		}
		deadline := e.createdAt.Add(time.Duration(float64(c.ttls[i]) * factor))
		if now.Before(deadline) {
			return e.value, Tier(i), true
		}
	}
	var zero T
	return zero, 0, false
}

// Age returns how old the entry in the longest-lived tier is.
func (c *MultiLevel[T]) Age(fingerprint string) (time.Duration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.tiers[TierLong][fingerprint]
	if !ok {
		return 0, false
	}
	return c.now().Sub(e.createdAt), true
}

// Newest returns the most recently written non-expired entry across the
// whole cache, regardless of fingerprint. The fallback estimator uses it
// as "most recent related data".
func (c *MultiLevel[T]) Newest() (T, time.Duration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	var (
		best  entry[T]
		found bool
	)
	for _, e := range c.tiers[TierLong] {
		if now.After(e.expiresAt) {
			continue
		}
		if !found || e.createdAt.After(best.createdAt) {
			best = e
			found = true
		}
	}
	if !found {
		var zero T
		return zero, 0, false
	}
	return best.value, now.Sub(best.createdAt), true
}

// cleanup periodically removes expired entries from every tier.
func (c *MultiLevel[T]) cleanup(interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		now := c.now()
		for i := range c.tiers {
			for k, e := range c.tiers[i] {
				if now.After(e.expiresAt) {
					delete(c.tiers[i], k)
				}
			}
		}
		c.mu.Unlock()
	}
}
