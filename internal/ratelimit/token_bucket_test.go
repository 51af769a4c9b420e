package ratelimit

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
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestTokenBucket_AllowAndRefill(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clk, 5, 5)

	if !b.Allow(5) {
		t.Fatalf("expected initial burst to succeed")
	}
	if b.Allow(1) {
		t.Fatalf("expected bucket to be empty")
	}

	clk.Advance(200 * time.Millisecond)
	if !b.Allow(1) {
		t.Fatalf("expected refill after time advance")
	}
	if b.Allow(1) {
		t.Fatalf("expected exactly one token refilled")
	}
}

func TestTokenBucket_DoesNotExceedCapacity(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clk, 1, 1)

	if !b.Allow(1) {
		t.Fatalf("expected initial token")
	}

	clk.Advance(10 * time.Second)
	if !b.Allow(1) {
		t.Fatalf("expected refill up to capacity")
	}
	if b.Allow(1) {
		t.Fatalf("expected capacity clamp (only 1 token available)")
	}
}

func TestTokenBucket_ClockGoesBackwards(t *testing.T) {
	clk := &fakeClock{now: time.Unix(100, 0)}
	b := NewTokenBucket(clk, 2, 2)
	if !b.Allow(2) {
		t.Fatalf("expected burst")
	}
	clk.Advance(-time.Hour)
	if b.Allow(1) {
		t.Fatalf("backwards clock must not refill")
	}
	clk.Advance(500 * time.Millisecond)
	if !b.Allow(1) {
		t.Fatalf("expected refill measured from the rewound time")
	}
}

func TestTokenBucket_ZeroTokensAlwaysAllowed(t *testing.T) {
	b := NewTokenBucket(&fakeClock{}, 0, 0)
	if !b.Allow(0) {
		t.Fatalf("Allow(0) must succeed")
	}
	if b.Allow(1) {
		t.Fatalf("zero-capacity bucket must reject")
	}
}

func TestMessageLimiter(t *testing.T) {
	if l := NewMessageLimiter(nil, 0); l != nil || !l.Allow() {
		t.Fatalf("unlimited limiter should be nil and admit")
	}

	clk := &fakeClock{now: time.Unix(0, 0)}
	l := NewMessageLimiter(clk, 3)
	for i := 0; i < 3; i++ {
		if !l.Allow() {
			t.Fatalf("message %d rejected within burst", i)
		}
	}
	if l.Allow() {
		t.Fatalf("fourth message admitted")
	}
	clk.Advance(time.Second)
	if !l.Allow() {
		t.Fatalf("expected refill after one second")
	}
}
