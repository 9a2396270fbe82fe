// Package ratelimit tracks per-key request quotas over a sliding window.
// It never blocks a caller; it only answers whether a key may be used for
// the next outbound call.
package ratelimit

import (
	"sync"
	"time"
)

// DefaultWindow is the sliding window over which quotas are enforced.
const DefaultWindow = time.Minute

// Tracker maintains a sliding window of request timestamps per API key and
// enforces a maximum requests-per-window quota for each.
type Tracker struct {
	mu     sync.Mutex
	window time.Duration
	limits map[string]int         // keyID -> max requests per window
	sent   map[string][]time.Time // keyID -> timestamps within window

	now func() time.Time // injectable for tests
}

// NewTracker creates a tracker with the given window. A zero window falls
// back to DefaultWindow.
func NewTracker(window time.Duration) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Tracker{
		window: window,
		limits: make(map[string]int),
		sent:   make(map[string][]time.Time),
		now:    time.Now,
	}
}

// WithClock overrides the time source. Tests use it to simulate elapsed
// time without sleeping.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// SetLimit registers the quota for a key. A limit of zero or less means
// the key is never allowed to send.
func (t *Tracker) SetLimit(keyID string, maxPerWindow int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.limits[keyID] = maxPerWindow
}

// CanSend reports whether the key is under quota. Read-only: it does not
// count as a request.
func (t *Tracker) CanSend(keyID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	limit, ok := t.limits[keyID]
	if !ok {
		return true // unregistered keys are unthrottled
	}
	if limit <= 0 {
		return false
	}
	return t.countLocked(keyID) < limit
}

// Record appends the current timestamp for the key. Call it immediately
// before the network attempt.
func (t *Tracker) Record(keyID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pruneLocked(keyID)
	t.sent[keyID] = append(t.sent[keyID], t.now())
}

// Remaining returns how many requests the key may still send in the
// current window. Used by the status endpoint.
func (t *Tracker) Remaining(keyID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	limit, ok := t.limits[keyID]
	if !ok {
		return -1
	}
	if r := limit - t.countLocked(keyID); r > 0 {
		return r
	}
	return 0
}

func (t *Tracker) countLocked(keyID string) int {
	t.pruneLocked(keyID)
	return len(t.sent[keyID])
}

func (t *Tracker) pruneLocked(keyID string) {
	cutoff := t.now().Add(-t.window)
	ts := t.sent[keyID]
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i > 0 {
		t.sent[keyID] = append(ts[:0], ts[i:]...)
	}
}
