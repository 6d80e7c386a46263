package ratelimit

import (
	"context"
	"testing"
	"time"

	"pipeline_server/core/domain"
)

func TestTokenBudget_FairShare(t *testing.T) {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	now := base
	b := NewTokenBudget(10, domain.MailProviderGmail, domain.MailProviderOutlook)
	b.SetClock(func() time.Time { return now })

	// Advance one second so each provider's 5-token share is full.
	now = base.Add(time.Second)

	t.Run("each provider gets half the global rate", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			if !b.Acquire(domain.MailProviderGmail) {
				t.Fatalf("gmail acquire %d should succeed", i)
			}
		}
		if b.Acquire(domain.MailProviderGmail) {
			t.Fatal("gmail should be exhausted after its share")
		}
	})

	t.Run("exhausting one provider does not starve the other", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			if !b.Acquire(domain.MailProviderOutlook) {
				t.Fatalf("outlook acquire %d should succeed", i)
			}
		}
	})

	t.Run("tokens refill over time", func(t *testing.T) {
		now = now.Add(time.Second)
		if !b.Acquire(domain.MailProviderGmail) {
			t.Fatal("gmail should refill after one second")
		}
	})
}

func TestTokenBudget_UnknownProviderRegisters(t *testing.T) {
	b := NewTokenBudget(10, domain.MailProviderGmail)

	// First touch registers and rebalances; the token count may be zero until
	// refill, but the call must not panic and the bucket must exist.
	b.Acquire(domain.MailProviderOutlook)
	if got := b.Available(domain.MailProviderGmail); got < 0 {
		t.Fatalf("available = %f, want >= 0", got)
	}
}

func TestTokenBudget_WaitHonorsContext(t *testing.T) {
	base := time.Now()
	b := NewTokenBudget(2, domain.MailProviderGmail)
	b.SetClock(func() time.Time { return base })

	// Drain whatever is available at a frozen clock.
	for b.Acquire(domain.MailProviderGmail) {
	}

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()

	if err := b.Wait(ctx, domain.MailProviderGmail); err == nil {
		t.Fatal("Wait should fail when no tokens arrive before deadline")
	}
}

func TestSyncDebouncer_Local(t *testing.T) {
	ctx := context.Background()
	d := NewSyncDebouncer(nil, 100*time.Millisecond)

	if !d.TryAcquire(ctx, 42) {
		t.Fatal("first acquire should succeed")
	}
	if d.TryAcquire(ctx, 42) {
		t.Fatal("second acquire inside window should be suppressed")
	}
	if !d.TryAcquire(ctx, 7) {
		t.Fatal("different account should not be suppressed")
	}

	d.Release(ctx, 42)
	if !d.TryAcquire(ctx, 42) {
		t.Fatal("acquire after release should succeed")
	}
}
