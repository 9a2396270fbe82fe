// Package keypool manages the pool of upstream API credentials: round-robin
// selection, temporary blacklisting of rate-limited keys, and fast recovery
// on success.
package keypool

import (
	"sync"
	"time"

	"github.com/crowdsense/crowdsense-go/internal/domain"
	"github.com/crowdsense/crowdsense-go/internal/infra/ratelimit"
)

// DefaultBlacklistDuration is how long a rate-limited key sits out.
const DefaultBlacklistDuration = 5 * time.Minute

// Key is one credential in a service's pool.
type Key struct {
	ID         string
	Credential string
}

type keyState struct {
	key              Key
	blacklistedUntil time.Time
}

// Rotator selects usable keys per upstream service. A key is eligible when
// it is not blacklisted and the rate tracker still allows it to send.
type Rotator struct {
	mu                sync.Mutex
	pools             map[string][]*keyState // service -> ordered pool
	cursor            map[string]int         // service -> round-robin position
	byID              map[string]*keyState
	tracker           *ratelimit.Tracker
	blacklistDuration time.Duration

	now func() time.Time
}

// NewRotator creates an empty rotator backed by the given rate tracker.
func NewRotator(tracker *ratelimit.Tracker, blacklistDuration time.Duration) *Rotator {
	if blacklistDuration <= 0 {
		blacklistDuration = DefaultBlacklistDuration
	}
	return &Rotator{
		pools:             make(map[string][]*keyState),
		cursor:            make(map[string]int),
		byID:              make(map[string]*keyState),
		tracker:           tracker,
		blacklistDuration: blacklistDuration,
		now:               time.Now,
	}
}

// WithClock overrides the time source for tests.
func (r *Rotator) WithClock(now func() time.Time) *Rotator {
	r.now = now
	return r
}

// AddPool registers a service's key pool and its per-key quota.
func (r *Rotator) AddPool(service string, keys []Key, maxRPM int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, k := range keys {
		ks := &keyState{key: k}
		r.pools[service] = append(r.pools[service], ks)
		r.byID[k.ID] = ks
		r.tracker.SetLimit(k.ID, maxRPM)
	}
}

// Select returns the next usable key for the service in round-robin order,
// skipping blacklisted and over-quota keys. Returns ErrNoKeyAvailable when
// no key is eligible.
func (r *Rotator) Select(service string) (Key, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pool := r.pools[service]
	if len(pool) == 0 {
		return Key{}, &domain.ErrNoKeyAvailable{Service: service}
	}

	now := r.now()
	start := r.cursor[service]
	for i := 0; i < len(pool); i++ {
		idx := (start + i) % len(pool)
		ks := pool[idx]
		if ks.blacklistedUntil.After(now) {
			continue
		}
		if !r.tracker.CanSend(ks.key.ID) {
			continue
		}
		r.cursor[service] = (idx + 1) % len(pool)
		return ks.key, nil
	}
	return Key{}, &domain.ErrNoKeyAvailable{Service: service}
}

// ReportRateLimited blacklists the key for the configured duration.
func (r *Rotator) ReportRateLimited(keyID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ks, ok := r.byID[keyID]; ok {
		ks.blacklistedUntil = r.now().Add(r.blacklistDuration)
	}
}

// ReportSuccess clears any blacklist on the key immediately, so a recovered
// upstream gets its full pool back without waiting out the duration.
func (r *Rotator) ReportSuccess(keyID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ks, ok := r.byID[keyID]; ok {
		ks.blacklistedUntil = time.Time{}
	}
}

// Blacklisted returns the IDs of currently blacklisted keys, for the
// status endpoint.
func (r *Rotator) Blacklisted() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var out []string
	for id, ks := range r.byID {
		if ks.blacklistedUntil.After(now) {
			out = append(out, id)
		}
	}
	return out
}
