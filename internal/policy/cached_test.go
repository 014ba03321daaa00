package policy

import (
	"context"
	"testing"
	"time"
)

type countingStore struct {
	*Static
	pubKeyBannedCalls int
}

func (c *countingStore) PubKeyBanned(ctx context.Context, pubkey string) (bool, error) {
	c.pubKeyBannedCalls++
	return c.Static.PubKeyBanned(ctx, pubkey)
}

func TestCachedServesFromCacheWithinTTL(t *testing.T) {
	inner := &countingStore{Static: NewStatic(RelayInfo{})}
	inner.BanPubKey("p1")

	now := time.Unix(1000, 0)
	cache := NewCached(inner, 30*time.Second).WithClock(func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		banned, err := cache.PubKeyBanned(ctx, "p1")
		if err != nil {
			t.Fatalf("PubKeyBanned: %v", err)
		}
		if !banned {
			t.Fatalf("expected p1 banned")
		}
	}
	if inner.pubKeyBannedCalls != 1 {
		t.Fatalf("expected 1 store round trip, got %d", inner.pubKeyBannedCalls)
	}
}

func TestCachedExpiresAfterTTL(t *testing.T) {
	inner := &countingStore{Static: NewStatic(RelayInfo{})}
	inner.BanPubKey("p1")

	now := time.Unix(1000, 0)
	cache := NewCached(inner, 10*time.Second).WithClock(func() time.Time { return now })
	ctx := context.Background()

	cache.PubKeyBanned(ctx, "p1")
	now = now.Add(11 * time.Second)
	cache.PubKeyBanned(ctx, "p1")

	if inner.pubKeyBannedCalls != 2 {
		t.Fatalf("expected cache to expire and re-fetch, got %d calls", inner.pubKeyBannedCalls)
	}
}

func TestCachedHasAllowlist(t *testing.T) {
	inner := NewStatic(RelayInfo{})
	cache := NewCached(inner, time.Minute)
	ctx := context.Background()

	has, err := cache.HasAllowlist(ctx)
	if err != nil || has {
		t.Fatalf("expected no allowlist by default, got has=%v err=%v", has, err)
	}
	inner.AllowPubKey("p1")
	// still cached as false within TTL
	has, _ = cache.HasAllowlist(ctx)
	if has {
		t.Fatalf("expected stale cached false despite new allowlist entry")
	}
}
