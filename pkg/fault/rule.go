package fault

import (
	"net/http"
	"time"
)

// DefaultAbortStatus replaces an abort status outside 200..599.
const DefaultAbortStatus = http.StatusServiceUnavailable

// DelaySpec configures delay injection.
type DelaySpec struct {
	Percent  Percent
	Duration time.Duration
}

// AbortSpec configures abort injection.
type AbortSpec struct {
	Percent Percent
	Status  int
}

// RateLimitSpec configures response body throttling. A nil Percent
// applies the limit to every matching request.
type RateLimitSpec struct {
	BytesPerSecond uint64
	Percent        *Percent
}

// RuleSpec is the mutable description a Rule is built from.
type RuleSpec struct {
	Delay             *DelaySpec
	Abort             *AbortSpec
	UpstreamCluster   string
	Headers           []HeaderMatcherSpec
	DownstreamNodes   []string
	MaxActiveFaults   *uint64
	ResponseRateLimit *RateLimitSpec
}

// Rule is an immutable fault rule. It is safe to share between requests.
type Rule struct {
	delay     *DelaySpec
	abort     *AbortSpec
	upstream  string
	headers   []*HeaderMatcher
	nodes     map[string]struct{}
	maxActive *uint64
	rateLimit *RateLimitSpec
}

// NewRule validates and freezes spec. Percentages are clamped, an abort
// status outside 200..599 becomes DefaultAbortStatus and a zero rate limit
// disables throttling. The only errors come from header matchers.
func NewRule(spec RuleSpec) (*Rule, error) {
	r := &Rule{upstream: spec.UpstreamCluster}

	if d := spec.Delay; d != nil {
		dur := d.Duration
		if dur < 0 {
			dur = 0
		}
		r.delay = &DelaySpec{Percent: clampPercent(d.Percent), Duration: dur}
	}
	if a := spec.Abort; a != nil {
		status := a.Status
		if !validStatus(status) {
			status = DefaultAbortStatus
		}
		r.abort = &AbortSpec{Percent: clampPercent(a.Percent), Status: status}
	}
	if rl := spec.ResponseRateLimit; rl != nil && rl.BytesPerSecond > 0 {
		r.rateLimit = &RateLimitSpec{BytesPerSecond: rl.BytesPerSecond}
		if rl.Percent != nil {
			p := clampPercent(*rl.Percent)
			r.rateLimit.Percent = &p
		}
	}
	if spec.MaxActiveFaults != nil {
		v := *spec.MaxActiveFaults
		r.maxActive = &v
	}

	if len(spec.DownstreamNodes) > 0 {
		r.nodes = make(map[string]struct{}, len(spec.DownstreamNodes))
		for _, n := range spec.DownstreamNodes {
			r.nodes[n] = struct{}{}
		}
	}

	for _, hs := range spec.Headers {
		m, err := NewHeaderMatcher(hs)
		if err != nil {
			return nil, err
		}
		r.headers = append(r.headers, m)
	}
	return r, nil
}

// MustRule is NewRule for static rules that are known to be valid.
func MustRule(spec RuleSpec) *Rule {
	r, err := NewRule(spec)
	if err != nil {
		panic(err)
	}
	return r
}

func clampPercent(p Percent) Percent {
	return NewPercent(p.Numerator, p.Denominator)
}

func validStatus(status int) bool {
	return status >= 200 && status < 600
}

// Matches reports whether a request is eligible for faults at all.
func (r *Rule) Matches(h http.Header, caller, upstream string) bool {
	if r.upstream != "" && r.upstream != upstream {
		return false
	}
	if r.nodes != nil {
		if _, ok := r.nodes[caller]; !ok {
			return false
		}
	}
	return MatchAll(h, r.headers)
}

// HasDelay reports whether a delay is configured.
func (r *Rule) HasDelay() bool { return r.delay != nil }

// DelayPercent returns the static delay percentage.
func (r *Rule) DelayPercent() Percent {
	if r.delay == nil {
		return Never()
	}
	return r.delay.Percent
}

// DelayDuration returns the static delay.
func (r *Rule) DelayDuration() time.Duration {
	if r.delay == nil {
		return 0
	}
	return r.delay.Duration
}

// HasAbort reports whether an abort is configured.
func (r *Rule) HasAbort() bool { return r.abort != nil }

// AbortPercent returns the static abort percentage.
func (r *Rule) AbortPercent() Percent {
	if r.abort == nil {
		return Never()
	}
	return r.abort.Percent
}

// AbortStatus returns the static abort status.
func (r *Rule) AbortStatus() int {
	if r.abort == nil {
		return DefaultAbortStatus
	}
	return r.abort.Status
}

// UpstreamCluster returns the upstream filter, empty for any.
func (r *Rule) UpstreamCluster() string { return r.upstream }

// DownstreamNodes returns the caller filter, empty for any.
func (r *Rule) DownstreamNodes() []string {
	out := make([]string, 0, len(r.nodes))
	for n := range r.nodes {
		out = append(out, n)
	}
	return out
}

// Headers returns the compiled header matchers.
func (r *Rule) Headers() []*HeaderMatcher {
	return append([]*HeaderMatcher(nil), r.headers...)
}

// MaxActiveFaults returns the static bound on concurrent faults.
func (r *Rule) MaxActiveFaults() (uint64, bool) {
	if r.maxActive == nil {
		return 0, false
	}
	return *r.maxActive, true
}

// RateLimit returns the response rate limit and the percentage of
// requests it applies to.
func (r *Rule) RateLimit() (bytesPerSecond uint64, percent Percent, ok bool) {
	if r.rateLimit == nil {
		return 0, Never(), false
	}
	if r.rateLimit.Percent == nil {
		return r.rateLimit.BytesPerSecond, Always(), true
	}
	return r.rateLimit.BytesPerSecond, *r.rateLimit.Percent, true
}
