// Package cluster shares fault state between faultd instances through
// Redis: a cluster-wide active fault budget and a runtime override layer.
package cluster

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/getmockd/faultd/pkg/fault"
	"github.com/getmockd/faultd/pkg/logging"
)

//go:embed acquire.lua
var acquireSource string

//go:embed release.lua
var releaseSource string

//go:embed cancel.lua
var cancelSource string

var (
	acquireScript = redis.NewScript(acquireSource)
	releaseScript = redis.NewScript(releaseSource)
	cancelScript  = redis.NewScript(cancelSource)
)

// DefaultBudgetKey is the Redis key of the shared counter.
const DefaultBudgetKey = "faultd:active_faults"

// DefaultOpTimeout bounds Redis calls made without a caller deadline.
const DefaultOpTimeout = 250 * time.Millisecond

// minMarkerTTL is the shortest lifetime of an acquire attempt marker.
const minMarkerTTL = 10 * time.Second

// RedisBudget is a fault.Budget whose counter lives in Redis, so the bound
// holds across every instance using the same key. The compare and
// increment runs as one Lua script.
//
// When Redis cannot be reached TryAcquire reports overflow: no fault is
// injected while the shared count is unknown. Every attempt writes a
// short-lived marker key, so an attempt whose reply was lost can be
// cancelled: a slot it took is given back and a late run of it is refused.
type RedisBudget struct {
	client  redis.Scripter
	key     string
	timeout time.Duration
	log     *slog.Logger

	held atomic.Int64
	last atomic.Int64
}

var _ fault.Budget = (*RedisBudget)(nil)

// BudgetOption configures a RedisBudget.
type BudgetOption func(*RedisBudget)

// WithKey overrides DefaultBudgetKey.
func WithKey(key string) BudgetOption {
	return func(b *RedisBudget) {
		if key != "" {
			b.key = key
		}
	}
}

// WithTimeout overrides DefaultOpTimeout.
func WithTimeout(d time.Duration) BudgetOption {
	return func(b *RedisBudget) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithLogger sets the logger used for Redis failures.
func WithLogger(l *slog.Logger) BudgetOption {
	return func(b *RedisBudget) {
		if l != nil {
			b.log = l
		}
	}
}

// NewRedisBudget creates a budget on client.
func NewRedisBudget(client redis.Scripter, opts ...BudgetOption) *RedisBudget {
	b := &RedisBudget{
		client:  client,
		key:     DefaultBudgetKey,
		timeout: DefaultOpTimeout,
		log:     logging.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = b.log.With("component", "cluster", "key", b.key)
	return b
}

// TryAcquire implements fault.Budget.
func (b *RedisBudget) TryAcquire(ctx context.Context, max int64) (int64, bool) {
	marker := b.markerKey()
	res, err := b.acquire(ctx, max, marker)
	if err != nil {
		b.log.Warn("active fault budget unavailable, skipping fault", "error", err)
		// The script may have run even though its reply was lost.
		b.cancelAttempt(marker)
		return b.last.Load(), false
	}

	b.last.Store(res[0])
	if res[1] != 1 {
		return res[0], false
	}
	b.held.Add(1)
	return res[0], true
}

// Release implements fault.Budget. It runs on its own short deadline since
// teardown has no request context.
func (b *RedisBudget) Release() int64 {
	if b.held.Add(-1) < 0 {
		panic("cluster: active fault budget released more than acquired")
	}

	ctx, cancel := b.opContext(context.Background())
	defer cancel()

	n, err := releaseScript.Run(ctx, b.client, []string{b.key}).Int64()
	if err != nil {
		b.log.Warn("active fault budget release failed", "error", err)
		return b.last.Load()
	}
	b.last.Store(n)
	return n
}

func (b *RedisBudget) acquire(ctx context.Context, max int64, marker string) ([]int64, error) {
	ctx, cancel := b.opContext(ctx)
	defer cancel()

	res, err := acquireScript.Run(ctx, b.client, []string{b.key, marker}, max, b.markerTTL().Milliseconds()).Int64Slice()
	if err == nil && len(res) != 2 {
		err = fmt.Errorf("unexpected acquire reply %v", res)
	}
	return res, err
}

// cancelAttempt gives back the slot taken by the attempt behind marker, if
// any, and keeps the attempt from taking one later.
func (b *RedisBudget) cancelAttempt(marker string) {
	ctx, cancel := b.opContext(context.Background())
	defer cancel()

	n, err := cancelScript.Run(ctx, b.client, []string{b.key, marker}, b.markerTTL().Milliseconds()).Int64()
	switch {
	case err != nil:
		b.log.Warn("active fault budget cancel failed, slot may leak until reset", "marker", marker, "error", err)
	case n == 1:
		b.log.Info("active fault budget slot returned after lost reply", "marker", marker)
	}
}

func (b *RedisBudget) markerKey() string {
	return b.key + ":attempt:" + uuid.NewString()
}

func (b *RedisBudget) markerTTL() time.Duration {
	return max(minMarkerTTL, 4*b.timeout)
}

// Active implements fault.Budget. It returns the last count seen from
// Redis without a round trip.
func (b *RedisBudget) Active() int64 {
	return b.last.Load()
}

// Held returns how many slots this instance currently holds.
func (b *RedisBudget) Held() int64 {
	return b.held.Load()
}

func (b *RedisBudget) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, b.timeout)
}
