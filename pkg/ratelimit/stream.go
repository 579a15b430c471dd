package ratelimit

import (
	"time"

	"github.com/getmockd/faultd/internal/event"
)

// SecondDivisor is the number of refill slices per second used by
// StreamRateLimiter. Tokens are credited in 1/SecondDivisor second steps.
const SecondDivisor = 16

// DefaultMaxBuffered is used when a StreamRateLimiter is built with a
// non-positive buffer limit.
const DefaultMaxBuffered = 1 << 20

// Producer is the capability a StreamRateLimiter drives: it forwards
// throttled bytes downstream and asks the upstream side to stop or resume
// producing.
type Producer interface {
	// PauseProducer asks the data source to stop producing.
	PauseProducer()
	// ResumeProducer lets a paused data source produce again.
	ResumeProducer()
	// ForwardBytes passes p downstream. endStream is true on the final call
	// once the stream end was submitted and nothing is left buffered.
	ForwardBytes(p []byte, endStream bool)
}

// StreamRateLimiter forwards submitted bytes no faster than a fixed byte
// rate. All methods must be called on the dispatcher it was created with.
type StreamRateLimiter struct {
	producer    Producer
	dispatcher  event.Dispatcher
	bucket      *TokenBucket
	timer       event.Timer
	maxBuffered int

	queue    [][]byte
	buffered int

	paused    bool
	sawEnd    bool
	sentEnd   bool
	destroyed bool
}

// NewStreamRateLimiter creates a limiter forwarding at bytesPerSecond and
// pausing the producer once more than maxBuffered bytes are queued.
//
// The bucket holds one second worth of bytes but starts with a single
// slice, so a fresh stream of S bytes takes about S/bytesPerSecond.
func NewStreamRateLimiter(bytesPerSecond uint64, maxBuffered int, producer Producer, dispatcher event.Dispatcher) *StreamRateLimiter {
	if bytesPerSecond == 0 {
		bytesPerSecond = 1
	}
	if maxBuffered <= 0 {
		maxBuffered = DefaultMaxBuffered
	}
	quantum, interval := timeSlice(bytesPerSecond)

	l := &StreamRateLimiter{
		producer:    producer,
		dispatcher:  dispatcher,
		bucket:      NewTokenBucket(bytesPerSecond, quantum, interval, quantum, dispatcher.Now()),
		maxBuffered: maxBuffered,
	}
	l.timer = dispatcher.NewTimer(l.onRefill)
	return l
}

// timeSlice splits a byte rate into a per-slice quantum and the interval
// that makes quantum/interval equal the rate.
func timeSlice(bytesPerSecond uint64) (uint64, time.Duration) {
	quantum := (bytesPerSecond + SecondDivisor - 1) / SecondDivisor
	interval := time.Duration(float64(time.Second) * float64(quantum) / float64(bytesPerSecond))
	if interval <= 0 {
		interval = time.Nanosecond
	}
	return quantum, interval
}

// Submit takes ownership of chunk and forwards as much of the queue as the
// bucket allows.
func (l *StreamRateLimiter) Submit(chunk []byte, endStream bool) {
	if l.destroyed {
		return
	}
	if len(chunk) > 0 {
		l.queue = append(l.queue, chunk)
		l.buffered += len(chunk)
	}
	if endStream {
		l.sawEnd = true
	}

	if l.buffered > l.maxBuffered && !l.paused {
		l.paused = true
		l.producer.PauseProducer()
		if l.destroyed {
			return
		}
	}
	l.drain()
}

// Destroy disarms the refill timer and drops buffered data. No producer
// callback runs after Destroy.
func (l *StreamRateLimiter) Destroy() {
	if l.destroyed {
		return
	}
	l.destroyed = true
	l.timer.Disable()
	l.queue = nil
	l.buffered = 0
}

// Buffered returns the number of bytes waiting for tokens.
func (l *StreamRateLimiter) Buffered() int {
	return l.buffered
}

// Paused reports whether the producer is currently paused.
func (l *StreamRateLimiter) Paused() bool {
	return l.paused
}

// Bucket returns the limiter's token bucket statistics.
func (l *StreamRateLimiter) Bucket() BucketStats {
	return l.bucket.Stats()
}

func (l *StreamRateLimiter) onRefill() {
	if l.destroyed {
		return
	}
	l.drain()
}

func (l *StreamRateLimiter) drain() {
	now := l.dispatcher.Now()
	l.bucket.Refill(now)

	n := l.bucket.Consume(uint64(l.buffered))
	switch {
	case n > 0:
		out := l.take(int(n))
		last := l.sawEnd && l.buffered == 0
		if last {
			l.sentEnd = true
		}
		l.producer.ForwardBytes(out, last)
	case l.buffered == 0 && l.sawEnd && !l.sentEnd:
		l.sentEnd = true
		l.producer.ForwardBytes(nil, true)
	}
	if l.destroyed {
		return
	}

	if l.buffered > 0 {
		if !l.timer.Enabled() {
			l.timer.Enable(l.bucket.NextRefill(now))
		}
		return
	}

	if l.paused {
		l.paused = false
		l.producer.ResumeProducer()
	}
}

// take removes the first n buffered bytes, returning them contiguously.
// A prefix of a single chunk is returned without copying.
func (l *StreamRateLimiter) take(n int) []byte {
	l.buffered -= n

	head := l.queue[0]
	if n < len(head) {
		l.queue[0] = head[n:]
		return head[:n:n]
	}
	if n == len(head) {
		l.queue[0] = nil
		l.queue = l.queue[1:]
		return head
	}

	out := make([]byte, 0, n)
	for n > 0 {
		head = l.queue[0]
		if n < len(head) {
			out = append(out, head[:n]...)
			l.queue[0] = head[n:]
			break
		}
		out = append(out, head...)
		n -= len(head)
		l.queue[0] = nil
		l.queue = l.queue[1:]
	}
	return out
}
