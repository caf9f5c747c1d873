package httpx

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestMemoryRateLimiterTokenBucket(t *testing.T) {
	rl := NewMemoryRateLimiter().(*memoryRateLimiter)
	defer rl.Close()
	now := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if d := rl.Allow("ip:1", 3, time.Minute); !d.allowed || d.count != i+1 {
			t.Fatalf("request %d: unexpected decision %+v", i, d)
		}
	}
	denied := rl.Allow("ip:1", 3, time.Minute)
	if denied.allowed || denied.count != 3 {
		t.Fatalf("expected denial with full count, got %+v", denied)
	}
	if !denied.windowEnd.After(now) {
		t.Fatalf("expected reset in the future, got %v", denied.windowEnd)
	}
	if d := rl.Allow("ip:2", 3, time.Minute); !d.allowed {
		t.Fatalf("keys must be limited independently")
	}

	now = now.Add(21 * time.Second)
	if d := rl.Allow("ip:1", 3, time.Minute); !d.allowed {
		t.Fatalf("expected one token refilled after 21s, got %+v", d)
	}

	now = now.Add(2 * time.Minute)
	rl.cleanup(now)
	rl.mu.Lock()
	remaining := len(rl.buckets)
	rl.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("expected idle buckets swept, %d left", remaining)
	}
}

func TestMemoryRateLimiterDisabled(t *testing.T) {
	rl := NewMemoryRateLimiter()
	defer rl.Close()
	for i := 0; i < 10; i++ {
		if !rl.Allow("ip:1", 0, time.Minute).allowed {
			t.Fatalf("zero limit must allow everything")
		}
	}
}

func TestRedisRateLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	rl, err := NewRedisRateLimiter(mr.Addr(), "", 0, discardLogger())
	if err != nil {
		t.Fatalf("new redis limiter: %v", err)
	}
	defer rl.Close()

	for i := 1; i <= 2; i++ {
		if d := rl.Allow("upload|ip:1", 2, time.Minute); !d.allowed || d.count != i {
			t.Fatalf("request %d: unexpected decision %+v", i, d)
		}
	}
	if d := rl.Allow("upload|ip:1", 2, time.Minute); d.allowed {
		t.Fatalf("expected third request to be denied")
	}
	if ttl := mr.TTL("previewd:ratelimit:upload|ip:1"); ttl != time.Minute {
		t.Fatalf("expected window ttl on key, got %v", ttl)
	}

	mr.FastForward(time.Minute + time.Second)
	if d := rl.Allow("upload|ip:1", 2, time.Minute); !d.allowed || d.count != 1 {
		t.Fatalf("expected a fresh window, got %+v", d)
	}
}

func TestRedisRateLimiterRestoresLostExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	rl, err := NewRedisRateLimiter(mr.Addr(), "", 0, discardLogger())
	if err != nil {
		t.Fatalf("new redis limiter: %v", err)
	}
	defer rl.Close()

	if err := mr.Set("previewd:ratelimit:ip:2", "4"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if d := rl.Allow("ip:2", 10, 30*time.Second); !d.allowed || d.count != 5 {
		t.Fatalf("unexpected decision %+v", d)
	}
	if ttl := mr.TTL("previewd:ratelimit:ip:2"); ttl != 30*time.Second {
		t.Fatalf("expected expiry to be restored, got %v", ttl)
	}
}

func TestRedisRateLimiterFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	rl, err := NewRedisRateLimiter(mr.Addr(), "", 0, discardLogger())
	if err != nil {
		t.Fatalf("new redis limiter: %v", err)
	}
	defer rl.Close()
	mr.Close()
	if d := rl.Allow("ip:1", 1, time.Minute); !d.allowed {
		t.Fatalf("expected fail-open when redis is down")
	}
}

func TestRedisRateLimiterUnreachable(t *testing.T) {
	if _, err := NewRedisRateLimiter("127.0.0.1:1", "", 0, discardLogger()); err == nil {
		t.Fatalf("expected ping failure")
	}
}
