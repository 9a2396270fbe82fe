package cache_test

import (
	"testing"
	"time"

	"github.com/crowdsense/crowdsense-go/internal/infra/cache"
)

func newClock() (*time.Time, func() time.Time) {
	now := time.Now()
	return &now, func() time.Time { return now }
}

func TestMultiLevel_PutAndGet(t *testing.T) {
	c := cache.New[string](5*time.Minute, 15*time.Minute, time.Hour)

	c.Put("fp1", "value1")
	val, tier, ok := c.Get("fp1")
	if !ok {
		t.Fatal("expected hit")
	}
	if val != "value1" {
		t.Errorf("expected 'value1', got '%s'", val)
	}
	if tier != cache.TierFresh {
		t.Errorf("expected fresh tier, got %s", tier)
	}
}

func TestMultiLevel_Miss(t *testing.T) {
	c := cache.New[string](5*time.Minute, 15*time.Minute, time.Hour)

	if _, _, ok := c.Get("nonexistent"); ok {
		t.Fatal("expected miss for nonexistent fingerprint")
	}
}

func TestMultiLevel_FallsThroughTiers(t *testing.T) {
	now, clock := newClock()
	c := cache.New[string](5*time.Minute, 15*time.Minute, time.Hour).WithClock(clock)

	c.Put("fp1", "value1")

	// Older than fresh, younger than medium: medium must serve it.
	*now = now.Add(6 * time.Minute)
	val, tier, ok := c.Get("fp1")
	if !ok {
		t.Fatal("expected medium-tier hit")
	}
	if tier != cache.TierMedium {
		t.Errorf("expected medium tier, got %s", tier)
	}
	if val != "value1" {
		t.Errorf("tiers must hold the same value, got '%s'", val)
	}

	// Older than medium, younger than long.
	*now = now.Add(20 * time.Minute)
	_, tier, ok = c.Get("fp1")
	if !ok {
		t.Fatal("expected long-tier hit")
	}
	if tier != cache.TierLong {
		t.Errorf("expected long tier, got %s", tier)
	}

	// Older than every tier: full miss.
	*now = now.Add(2 * time.Hour)
	if _, _, ok := c.Get("fp1"); ok {
		t.Fatal("expected miss after all tiers expired")
	}
}

func TestMultiLevel_RelaxedExtendsExpirations(t *testing.T) {
	now, clock := newClock()
	c := cache.New[string](5*time.Minute, 15*time.Minute, time.Hour).WithClock(clock)

	c.Put("fp1", "value1")
	*now = now.Add(8 * time.Minute)

	// Strict read: fresh expired, medium serves.
	_, tier, ok := c.Get("fp1")
	if !ok || tier != cache.TierMedium {
		t.Fatalf("expected strict medium hit, ok=%v tier=%s", ok, tier)
	}

	// Relaxed read doubles the fresh TTL, so fresh serves again.
	_, tier, ok = c.GetRelaxed("fp1", 2.0)
	if !ok || tier != cache.TierFresh {
		t.Errorf("expected relaxed fresh hit, ok=%v tier=%s", ok, tier)
	}
}

func TestMultiLevel_SeedOnlyFreshTier(t *testing.T) {
	now, clock := newClock()
	c := cache.New[string](5*time.Minute, 15*time.Minute, time.Hour).WithClock(clock)

	c.Seed("fp1", "fallback")

	if _, tier, ok := c.Get("fp1"); !ok || tier != cache.TierFresh {
		t.Fatalf("expected fresh hit for seeded value, ok=%v tier=%s", ok, tier)
	}

	// A seed must not extend into longer tiers.
	*now = now.Add(6 * time.Minute)
	if _, _, ok := c.Get("fp1"); ok {
		t.Error("seeded value must not survive past the fresh tier")
	}
}

func TestMultiLevel_Newest(t *testing.T) {
	now, clock := newClock()
	c := cache.New[int](5*time.Minute, 15*time.Minute, time.Hour).WithClock(clock)

	if _, _, ok := c.Newest(); ok {
		t.Fatal("expected no entries in empty cache")
	}

	c.Put("fp-old", 1)
	*now = now.Add(2 * time.Minute)
	c.Put("fp-new", 2)
	*now = now.Add(time.Minute)

	val, age, ok := c.Newest()
	if !ok {
		t.Fatal("expected newest entry")
	}
	if val != 2 {
		t.Errorf("expected newest value 2, got %d", val)
	}
	if age != time.Minute {
		t.Errorf("expected age 1m, got %v", age)
	}
}
