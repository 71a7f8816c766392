package limiter

import (
	"testing"
	"time"
)

func TestTake_BasicEnvelope(t *testing.T) {
	l := New(DefaultConfig{Requests: 10, WindowSeconds: 60})
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start
	l.now = func() time.Time { return now }

	// t=0: capacity 3, window 60s — three allows then a deny.
	for i := 0; i < 3; i++ {
		if !l.Take("k1", 3, 60) {
			t.Fatalf("request %d at t=0 should be allowed", i+1)
		}
	}
	if l.Take("k1", 3, 60) {
		t.Fatal("fourth request at t=0 should be denied")
	}

	// t=20s: one token refilled (3 * 20/60 = 1) — exactly one more allow.
	now = start.Add(20 * time.Second)
	if !l.Take("k1", 3, 60) {
		t.Fatal("request at t=20s should be allowed (one token refilled)")
	}
	if l.Take("k1", 3, 60) {
		t.Fatal("second request at t=20s should be denied")
	}
}

func TestTake_IndependentKeys(t *testing.T) {
	l := New(DefaultConfig{Requests: 10, WindowSeconds: 60})

	if !l.Take("a", 1, 60) {
		t.Fatal("first request for key a should be allowed")
	}
	if !l.Take("b", 1, 60) {
		t.Fatal("first request for key b should be allowed, independent of key a")
	}
	if l.Take("a", 1, 60) {
		t.Fatal("second request for key a should be denied")
	}
}

func TestTakeForKey_OverrideVsDefault(t *testing.T) {
	l := New(DefaultConfig{Requests: 1, WindowSeconds: 60})

	requests, window := 5, 60
	if !l.TakeForKey("k", &requests, &window) {
		t.Fatal("first request under override should be allowed")
	}
	// Same key, same override tuple — four more tokens available (capacity 5).
	for i := 0; i < 4; i++ {
		if !l.TakeForKey("k", &requests, &window) {
			t.Fatalf("request %d under override should still be allowed", i+2)
		}
	}
	if l.TakeForKey("k", &requests, &window) {
		t.Fatal("sixth request under override should be denied")
	}
}

func TestTakeForKey_ReconfigurationAbandonsOldBucket(t *testing.T) {
	l := New(DefaultConfig{Requests: 10, WindowSeconds: 60})

	r1, w1 := 1, 60
	if !l.TakeForKey("k", &r1, &w1) {
		t.Fatal("first request should be allowed")
	}
	if l.TakeForKey("k", &r1, &w1) {
		t.Fatal("second request under the same config should be denied")
	}

	// Reconfigure: new (capacity, window) tuple gets a fresh bucket even
	// though the old one is exhausted.
	r2, w2 := 3, 120
	if !l.TakeForKey("k", &r2, &w2) {
		t.Fatal("request under the reconfigured tuple should be allowed immediately")
	}
}

func TestEvictIdle(t *testing.T) {
	l := New(DefaultConfig{Requests: 10, WindowSeconds: 60})
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start
	l.now = func() time.Time { return now }

	l.Take("k1", 3, 60)
	if len(l.buckets) != 1 {
		t.Fatalf("expected 1 bucket, got %d", len(l.buckets))
	}

	now = start.Add(200 * time.Second) // >= 2*60s idle
	l.EvictIdle()
	if len(l.buckets) != 0 {
		t.Fatalf("expected bucket to be evicted, got %d remaining", len(l.buckets))
	}
}
