// Package ratelimit provides token-bucket rate limiting primitives.
//
// It offers three pieces:
//   - TokenBucket: an integer token bucket refilled in fixed quanta at a
//     fixed interval. It is not safe for concurrent use and is meant to be
//     owned by a single stream or guarded by its owner.
//   - StreamRateLimiter: a byte-stream throttle built on TokenBucket that
//     forwards response data at a fixed rate and applies backpressure to
//     the producer when too much data is buffered.
//   - PerIPLimiter: a per-client-IP request limiter with automatic cleanup,
//     used as HTTP middleware for the admin API.
package ratelimit

import (
	"fmt"
	"time"
)

// TokenBucket holds up to capacity tokens. Every elapsed interval adds one
// quantum of tokens, capped at capacity.
type TokenBucket struct {
	capacity   uint64
	tokens     uint64
	quantum    uint64
	interval   time.Duration
	lastRefill time.Time
}

// BucketStats contains token bucket statistics.
type BucketStats struct {
	Available uint64        `json:"available"`
	Capacity  uint64        `json:"capacity"`
	Quantum   uint64        `json:"quantum"`
	Interval  time.Duration `json:"interval"`
}

// NewTokenBucket creates a bucket holding initial tokens at time now.
// A zero quantum or interval is raised to the smallest usable value, and
// initial is capped at capacity.
func NewTokenBucket(capacity, quantum uint64, interval time.Duration, initial uint64, now time.Time) *TokenBucket {
	if capacity == 0 {
		capacity = 1
	}
	if quantum == 0 {
		quantum = 1
	}
	if interval <= 0 {
		interval = time.Millisecond
	}
	if initial > capacity {
		initial = capacity
	}
	return &TokenBucket{
		capacity:   capacity,
		tokens:     initial,
		quantum:    quantum,
		interval:   interval,
		lastRefill: now,
	}
}

// Refill credits one quantum per whole interval elapsed since the last
// refill and returns the number of tokens added.
func (b *TokenBucket) Refill(now time.Time) uint64 {
	if !now.After(b.lastRefill) {
		return 0
	}
	ticks := uint64(now.Sub(b.lastRefill) / b.interval)
	if ticks == 0 {
		return 0
	}
	b.lastRefill = b.lastRefill.Add(time.Duration(ticks) * b.interval)

	// Anything past a full bucket is discarded, so clamp before multiplying.
	if maxTicks := b.capacity/b.quantum + 1; ticks > maxTicks {
		ticks = maxTicks
	}
	before := b.tokens
	b.tokens += ticks * b.quantum
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.check()
	return b.tokens - before
}

// Consume takes up to n tokens and returns how many were taken.
func (b *TokenBucket) Consume(n uint64) uint64 {
	if n > b.tokens {
		n = b.tokens
	}
	b.tokens -= n
	b.check()
	return n
}

// Available returns the current token count without refilling.
func (b *TokenBucket) Available() uint64 {
	return b.tokens
}

// NextRefill returns how long until the next quantum is credited.
func (b *TokenBucket) NextRefill(now time.Time) time.Duration {
	d := b.lastRefill.Add(b.interval).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Stats returns the current bucket statistics.
func (b *TokenBucket) Stats() BucketStats {
	return BucketStats{
		Available: b.tokens,
		Capacity:  b.capacity,
		Quantum:   b.quantum,
		Interval:  b.interval,
	}
}

// check panics if the bucket state is corrupt. An overfull bucket means the
// arithmetic above is wrong and nothing downstream can be trusted.
func (b *TokenBucket) check() {
	if b.tokens > b.capacity {
		panic(fmt.Sprintf("ratelimit: token count %d exceeds capacity %d", b.tokens, b.capacity))
	}
}
