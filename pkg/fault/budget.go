package fault

import (
	"context"
	"fmt"
	"sync/atomic"
)

// Unbounded passed as max to Budget.TryAcquire admits every request.
const Unbounded int64 = -1

// Budget counts requests with an active fault.
//
// TryAcquire takes one slot if fewer than max are taken and returns the
// count after the attempt; a negative max never overflows. Release gives
// one slot back and returns the new count. Implementations must be safe
// for concurrent use.
type Budget interface {
	TryAcquire(ctx context.Context, max int64) (active int64, ok bool)
	Release() int64
	Active() int64
}

// LocalBudget is an in-process Budget. The zero value is ready to use.
type LocalBudget struct {
	active atomic.Int64
}

// NewLocalBudget returns an empty LocalBudget.
func NewLocalBudget() *LocalBudget {
	return &LocalBudget{}
}

// TryAcquire implements Budget with a compare-and-swap loop, so the count
// never passes max even under contention.
func (b *LocalBudget) TryAcquire(_ context.Context, max int64) (int64, bool) {
	if max < 0 {
		return b.active.Add(1), true
	}
	for {
		cur := b.active.Load()
		if cur >= max {
			return cur, false
		}
		if b.active.CompareAndSwap(cur, cur+1) {
			return cur + 1, true
		}
	}
}

// Release implements Budget. Releasing more slots than were acquired is a
// bug in the caller and panics.
func (b *LocalBudget) Release() int64 {
	n := b.active.Add(-1)
	if n < 0 {
		panic(fmt.Sprintf("fault: active fault budget released below zero (%d)", n))
	}
	return n
}

// Active implements Budget.
func (b *LocalBudget) Active() int64 {
	return b.active.Load()
}
