package ratelimit_test

import (
	"testing"
	"time"

	"github.com/crowdsense/crowdsense-go/internal/infra/ratelimit"
)

func TestTracker_UnderQuota(t *testing.T) {
	tr := ratelimit.NewTracker(time.Minute)
	tr.SetLimit("key-a", 3)

	for i := 0; i < 3; i++ {
		if !tr.CanSend("key-a") {
			t.Fatalf("expected CanSend true on attempt %d", i+1)
		}
		tr.Record("key-a")
	}

	if tr.CanSend("key-a") {
		t.Error("expected CanSend false after quota exhausted")
	}
}

func TestTracker_CanSendHasNoSideEffects(t *testing.T) {
	tr := ratelimit.NewTracker(time.Minute)
	tr.SetLimit("key-a", 1)

	for i := 0; i < 10; i++ {
		tr.CanSend("key-a")
	}
	if !tr.CanSend("key-a") {
		t.Error("CanSend alone must not consume quota")
	}
}

func TestTracker_WindowSlides(t *testing.T) {
	now := time.Now()
	tr := ratelimit.NewTracker(time.Minute).WithClock(func() time.Time { return now })
	tr.SetLimit("key-a", 2)

	tr.Record("key-a")
	tr.Record("key-a")
	if tr.CanSend("key-a") {
		t.Fatal("expected quota exhausted")
	}

	// Advance past the window; old timestamps must be pruned.
	now = now.Add(61 * time.Second)
	if !tr.CanSend("key-a") {
		t.Error("expected CanSend true after window elapsed")
	}
	if got := tr.Remaining("key-a"); got != 2 {
		t.Errorf("expected 2 remaining, got %d", got)
	}
}

func TestTracker_UnregisteredKeyUnthrottled(t *testing.T) {
	tr := ratelimit.NewTracker(time.Minute)
	if !tr.CanSend("unknown") {
		t.Error("unregistered keys should not be throttled")
	}
	if got := tr.Remaining("unknown"); got != -1 {
		t.Errorf("expected -1 remaining for unknown key, got %d", got)
	}
}

func TestTracker_ZeroLimitBlocks(t *testing.T) {
	tr := ratelimit.NewTracker(time.Minute)
	tr.SetLimit("key-a", 0)
	if tr.CanSend("key-a") {
		t.Error("zero-limit key must never send")
	}
}
