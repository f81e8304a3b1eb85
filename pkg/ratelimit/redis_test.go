package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newMiniredisLimiter(t *testing.T, window time.Duration) (*RedisLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, window), mr
}

func unreachableClient() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         "127.0.0.1:1",
		DialTimeout:  5 * time.Millisecond,
		ReadTimeout:  5 * time.Millisecond,
		WriteTimeout: 5 * time.Millisecond,
		MaxRetries:   0,
	})
}

func TestNewRedisDefaults(t *testing.T) {
	lim := NewRedis(nil, 0)
	if lim.Window != time.Minute {
		t.Fatalf("default window = %v, want 1m", lim.Window)
	}
	if lim.Prefix != "verifyrl:" {
		t.Fatalf("default prefix = %q", lim.Prefix)
	}
	if lim.Fallback == nil {
		t.Fatal("fallback not initialized")
	}
}

func TestRedisWindowCounting(t *testing.T) {
	lim, mr := newMiniredisLimiter(t, 25*time.Millisecond)
	key := "lookup:u1"

	for i := 1; i <= 2; i++ {
		d := lim.Allow(key, 2)
		if !d.Allowed || d.Count != i {
			t.Fatalf("request %d: unexpected decision %+v", i, d)
		}
	}
	if d := lim.Allow(key, 2); d.Allowed || d.Remaining != 0 {
		t.Fatalf("over-limit decision wrong: %+v", d)
	}

	mr.FastForward(30 * time.Millisecond)
	if d := lim.Allow(key, 2); !d.Allowed || d.Count != 1 {
		t.Fatalf("window did not reset: %+v", d)
	}
}

func TestRedisOutageUsesFallback(t *testing.T) {
	client := unreachableClient()
	defer client.Close()
	lim := NewRedis(client, time.Second)

	if d := lim.Allow("lookup:u1", 1); !d.Allowed || d.Count != 1 {
		t.Fatalf("fallback first decision wrong: %+v", d)
	}
	// The fallback still enforces the limit; an outage never disables
	// limiting entirely.
	if d := lim.Allow("lookup:u1", 1); d.Allowed {
		t.Fatalf("fallback did not enforce: %+v", d)
	}
}

func TestDegradePermissiveWithoutFallback(t *testing.T) {
	nilClient := &RedisLimiter{Window: 2 * time.Second, Prefix: "verifyrl:"}
	if d := nilClient.Allow("k1", 0); !d.Allowed || d.Limit != 1 || d.Count != 0 {
		t.Fatalf("nil client must be permissive without fallback: %+v", d)
	}

	client := unreachableClient()
	defer client.Close()
	broken := &RedisLimiter{Client: client, Window: 2 * time.Second, Prefix: "verifyrl:"}
	if d := broken.Allow("k2", 2); !d.Allowed || d.Count != 0 || d.Limit != 2 {
		t.Fatalf("redis error must be permissive without fallback: %+v", d)
	}
}

func TestMalformedScriptResultDegrades(t *testing.T) {
	lim, _ := newMiniredisLimiter(t, time.Second)

	originalScript := rateLimitScript
	rateLimitScript = redis.NewScript(`return "bad-value"`)
	defer func() { rateLimitScript = originalScript }()

	first := lim.Allow("actor:u2", 1)
	if !first.Allowed || first.Count != 1 {
		t.Fatalf("expected fallback decision for malformed result: %+v", first)
	}
	if second := lim.Allow("actor:u2", 1); second.Allowed {
		t.Fatalf("fallback must enforce after degrade: %+v", second)
	}
}

func TestNegativeTTLFallsBackToWindow(t *testing.T) {
	lim, _ := newMiniredisLimiter(t, 500*time.Millisecond)

	// A key without expiry reports PTTL -1; ResetAt must still land in the
	// future.
	if err := lim.Client.Set(context.Background(), lim.Prefix+"actor:u3", "1", 0).Err(); err != nil {
		t.Fatalf("seed redis key: %v", err)
	}
	d := lim.Allow("actor:u3", 10)
	if d.ResetAt.Before(time.Now().UTC()) {
		t.Fatalf("ResetAt in the past: %v", d.ResetAt)
	}
}
