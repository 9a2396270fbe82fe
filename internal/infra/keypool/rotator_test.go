package keypool_test

import (
	"errors"
	"testing"
	"time"

	"github.com/crowdsense/crowdsense-go/internal/domain"
	"github.com/crowdsense/crowdsense-go/internal/infra/keypool"
	"github.com/crowdsense/crowdsense-go/internal/infra/ratelimit"
)

func newRotator(now *time.Time) *keypool.Rotator {
	clock := func() time.Time { return *now }
	tracker := ratelimit.NewTracker(time.Minute).WithClock(clock)
	return keypool.NewRotator(tracker, 5*time.Minute).WithClock(clock)
}

func TestRotator_RoundRobin(t *testing.T) {
	now := time.Now()
	r := newRotator(&now)
	r.AddPool("vision", []keypool.Key{{ID: "a"}, {ID: "b"}}, 10)

	k1, err := r.Select("vision")
	if err != nil {
		t.Fatalf("expected key, got %v", err)
	}
	k2, err := r.Select("vision")
	if err != nil {
		t.Fatalf("expected key, got %v", err)
	}
	if k1.ID == k2.ID {
		t.Errorf("expected rotation between keys, got %s twice", k1.ID)
	}
}

func TestRotator_SkipsBlacklistedKey(t *testing.T) {
	now := time.Now()
	r := newRotator(&now)
	r.AddPool("vision", []keypool.Key{{ID: "a"}, {ID: "b"}}, 10)

	r.ReportRateLimited("a")

	for i := 0; i < 4; i++ {
		k, err := r.Select("vision")
		if err != nil {
			t.Fatalf("expected eligible key, got %v", err)
		}
		if k.ID == "a" {
			t.Fatal("blacklisted key 'a' must not be selected")
		}
	}
}

func TestRotator_BlacklistExpires(t *testing.T) {
	now := time.Now()
	r := newRotator(&now)
	r.AddPool("vision", []keypool.Key{{ID: "a"}}, 10)

	r.ReportRateLimited("a")
	if _, err := r.Select("vision"); err == nil {
		t.Fatal("expected no key while blacklisted")
	}

	now = now.Add(5*time.Minute + time.Second)
	if _, err := r.Select("vision"); err != nil {
		t.Errorf("expected key after blacklist elapsed, got %v", err)
	}
}

func TestRotator_SuccessClearsBlacklist(t *testing.T) {
	now := time.Now()
	r := newRotator(&now)
	r.AddPool("vision", []keypool.Key{{ID: "a"}}, 10)

	r.ReportRateLimited("a")
	r.ReportSuccess("a")

	if _, err := r.Select("vision"); err != nil {
		t.Errorf("expected key after success report, got %v", err)
	}
}

func TestRotator_NoEligibleKey(t *testing.T) {
	now := time.Now()
	r := newRotator(&now)

	_, err := r.Select("vision")
	var noKey *domain.ErrNoKeyAvailable
	if !errors.As(err, &noKey) {
		t.Fatalf("expected ErrNoKeyAvailable for empty pool, got %v", err)
	}
}

func TestRotator_RespectsRateTracker(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	tracker := ratelimit.NewTracker(time.Minute).WithClock(clock)
	r := keypool.NewRotator(tracker, 5*time.Minute).WithClock(clock)
	r.AddPool("vision", []keypool.Key{{ID: "a"}}, 1)

	if _, err := r.Select("vision"); err != nil {
		t.Fatalf("expected key, got %v", err)
	}
	tracker.Record("a")

	if _, err := r.Select("vision"); err == nil {
		t.Fatal("expected no key once quota is spent")
	}
}
