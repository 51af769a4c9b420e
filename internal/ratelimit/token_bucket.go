// Package ratelimit throttles inbound signaling messages per connection.
package ratelimit

import (
	"sync"
	"time"
)

// One token is tracked as 1e9 nano-tokens so that a rate of N tokens/sec adds
// exactly N nano-tokens per elapsed nanosecond.
const nanoPerToken int64 = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket refills at an integer rate (tokens/sec) using a Clock. It is
// safe for concurrent use.
type TokenBucket struct {
	mu    sync.Mutex
	clock Clock

	capacity int64 // nano-tokens
	rate     int64 // tokens/sec == nano-tokens/ns
	avail    int64 // nano-tokens
	last     time.Time
}

// NewTokenBucket returns a full bucket holding capacity tokens.
func NewTokenBucket(clock Clock, capacity, perSecond int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if perSecond < 0 {
		perSecond = 0
	}
	c := toNano(capacity)
	return &TokenBucket{
		clock:    clock,
		capacity: c,
		rate:     perSecond,
		avail:    c,
		last:     clock.Now(),
	}
}

// Allow consumes n tokens if they are available. n <= 0 always succeeds.
func (b *TokenBucket) Allow(n int64) bool {
	if n <= 0 {
		return true
	}
	cost := toNano(n)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.avail < cost {
		return false
	}
	b.avail -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	elapsed := now.Sub(b.last).Nanoseconds()
	b.last = now
	if elapsed <= 0 || b.rate <= 0 || b.avail >= b.capacity {
		if b.avail > b.capacity {
			b.avail = b.capacity
		}
		return
	}

	// Clamp before multiplying so elapsed*rate cannot overflow.
	need := b.capacity - b.avail
	if elapsed >= need/b.rate+1 {
		b.avail = b.capacity
		return
	}
	b.avail += elapsed * b.rate
	if b.avail > b.capacity {
		b.avail = b.capacity
	}
}

func toNano(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/nanoPerToken {
		return maxInt64
	}
	return tokens * nanoPerToken
}
