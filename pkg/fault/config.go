package fault

import (
	"log/slog"
	"math"
	"time"

	"github.com/getmockd/faultd/pkg/logging"
)

// Config binds a Rule to the collaborators shared by every request in its
// scope. It is immutable and safe for concurrent use.
type Config struct {
	name    string
	rule    *Rule
	runtime RuntimeSource
	sampler Sampler
	budget  Budget
	stats   StatsSink
	log     *slog.Logger
}

// Option configures a Config.
type Option func(*Config)

// WithName sets the scope name used in logs, usually the route name.
func WithName(name string) Option {
	return func(c *Config) { c.name = name }
}

// WithRuntime sets the runtime override source.
func WithRuntime(src RuntimeSource) Option {
	return func(c *Config) {
		if src != nil {
			c.runtime = src
		}
	}
}

// WithSampler sets the random sampler.
func WithSampler(s Sampler) Option {
	return func(c *Config) {
		if s != nil {
			c.sampler = s
		}
	}
}

// WithBudget shares b with this scope. Scopes that pass the same budget
// share one bound.
func WithBudget(b Budget) Option {
	return func(c *Config) {
		if b != nil {
			c.budget = b
		}
	}
}

// WithStats sets the stats sink.
func WithStats(s StatsSink) Option {
	return func(c *Config) {
		if s != nil {
			c.stats = s
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) {
		if l != nil {
			c.log = l
		}
	}
}

// NewConfig creates a Config for rule. Without options it has no runtime
// overrides, samples from math/rand/v2, owns a fresh LocalBudget and
// discards stats and logs.
func NewConfig(rule *Rule, opts ...Option) *Config {
	c := &Config{
		rule:    rule,
		runtime: NopRuntime(),
		sampler: RandSampler(),
		budget:  NewLocalBudget(),
		stats:   NopStats(),
		log:     logging.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("component", "fault", "route", c.name)
	return c
}

// Name returns the scope name.
func (c *Config) Name() string { return c.name }

// Rule returns the static rule.
func (c *Config) Rule() *Rule { return c.rule }

// Budget returns the shared active fault budget.
func (c *Config) Budget() Budget { return c.budget }

// Stats returns the stats sink.
func (c *Config) Stats() StatsSink { return c.stats }

func (c *Config) lookup(key, caller string) (uint64, bool) {
	return c.runtime.Lookup(key, caller)
}

func (c *Config) delayPercent(caller string) Percent {
	p := c.rule.DelayPercent()
	if v, ok := c.lookup(KeyDelayPercent, caller); ok {
		return p.WithNumerator(v)
	}
	return p
}

func (c *Config) delayDuration(caller string) time.Duration {
	if v, ok := c.lookup(KeyDelayDurationMs, caller); ok {
		if v > uint64(math.MaxInt64/int64(time.Millisecond)) {
			v = uint64(math.MaxInt64 / int64(time.Millisecond))
		}
		return time.Duration(v) * time.Millisecond
	}
	return c.rule.DelayDuration()
}

func (c *Config) abortPercent(caller string) Percent {
	p := c.rule.AbortPercent()
	if v, ok := c.lookup(KeyAbortPercent, caller); ok {
		return p.WithNumerator(v)
	}
	return p
}

// abortStatus ignores overrides that are not a usable HTTP status.
func (c *Config) abortStatus(caller string) int {
	if v, ok := c.lookup(KeyAbortStatus, caller); ok && v < 600 && validStatus(int(v)) {
		return int(v)
	}
	return c.rule.AbortStatus()
}

// maxActiveFaults is Unbounded unless the rule sets a bound. The override
// is global; it is not looked up per caller.
func (c *Config) maxActiveFaults() int64 {
	limit, ok := c.rule.MaxActiveFaults()
	if !ok {
		return Unbounded
	}
	if v, ok := c.lookup(KeyMaxActiveFaults, ""); ok {
		limit = v
	}
	if limit > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(limit)
}

func (c *Config) rateLimit(caller string) (uint64, Percent, bool) {
	bps, p, ok := c.rule.RateLimit()
	if !ok {
		return 0, p, false
	}
	if v, found := c.lookup(KeyRateLimitPercent, caller); found {
		p = p.WithNumerator(v)
	}
	return bps, p, true
}
