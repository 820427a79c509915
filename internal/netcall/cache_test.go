package netcall

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestCache_SetAndGet(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := newTTLCache[string](clk.Now)

	c.set("regions:active", "佐土原", time.Minute)

	v, ok := c.get("regions:active")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if v != "佐土原" {
		t.Errorf("value: got %q", v)
	}
}

func TestCache_Miss(t *testing.T) {
	c := newTTLCache[int](time.Now)
	if _, ok := c.get("nonexistent"); ok {
		t.Error("expected cache miss for nonexistent key")
	}
}

func TestCache_ExpiredEntryIsDiscarded(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := newTTLCache[int](clk.Now)
	c.set("k", 1, 5*time.Minute)

	clk.Advance(5*time.Minute - time.Nanosecond)
	if _, ok := c.get("k"); !ok {
		t.Fatal("expected hit just before expiry")
	}

	clk.Advance(time.Nanosecond)
	if _, ok := c.get("k"); ok {
		t.Fatal("expected miss at exactly t0+ttl")
	}
	if c.len() != 0 {
		t.Errorf("expired entry should be removed on lookup, len=%d", c.len())
	}
}

func TestCache_SetOverwrites(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := newTTLCache[int](clk.Now)
	c.set("k", 1, time.Minute)
	clk.Advance(50 * time.Second)
	c.set("k", 2, time.Minute)
	clk.Advance(50 * time.Second)

	v, ok := c.get("k")
	if !ok || v != 2 {
		t.Errorf("expected refreshed value 2, got %d (hit=%v)", v, ok)
	}
	if c.len() != 1 {
		t.Errorf("len: got %d, want 1", c.len())
	}
}

func TestCache_Forget(t *testing.T) {
	c := newTTLCache[int](time.Now)
	c.set("profile:u1", 1, time.Minute)
	c.forget("profile:u1")
	c.forget("absent")
	if _, ok := c.get("profile:u1"); ok {
		t.Error("forgotten entry should miss")
	}
}
