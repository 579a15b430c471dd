package config

import (
	"errors"
	"fmt"

	"github.com/getmockd/faultd/pkg/fault"
)

// bytesPerKbps converts fixed_rate_kbps to bytes per second.
const bytesPerKbps = 1024

// Percent converts p. An unknown denominator is an error.
func (p PercentConfig) Percent() (fault.Percent, error) {
	den, err := fault.ParseDenominator(p.Denominator)
	if err != nil {
		return fault.Percent{}, err
	}
	return fault.NewPercent(p.Numerator, den), nil
}

// Rate returns the configured rate in bytes per second.
func (rl *RateLimitConfig) Rate() uint64 {
	if rl.BytesPerSecond > 0 {
		return rl.BytesPerSecond
	}
	return rl.FixedRateKbps * bytesPerKbps
}

func (h HeaderConfig) matcherSpec() (fault.HeaderMatcherSpec, error) {
	spec := fault.HeaderMatcherSpec{Name: h.Name, Kind: fault.MatchPresent, Invert: h.Invert}
	set := 0
	if h.Present != nil {
		set++
		// present: false is an inverted presence check.
		if !*h.Present {
			spec.Invert = !spec.Invert
		}
	}
	if h.Exact != nil {
		set++
		spec.Kind, spec.Value = fault.MatchExact, *h.Exact
	}
	if h.Regex != nil {
		set++
		spec.Kind, spec.Value = fault.MatchRegex, *h.Regex
	}
	if h.Prefix != nil {
		set++
		spec.Kind, spec.Value = fault.MatchPrefix, *h.Prefix
	}
	if h.Suffix != nil {
		set++
		spec.Kind, spec.Value = fault.MatchSuffix, *h.Suffix
	}
	if h.Glob != nil {
		set++
		spec.Kind, spec.Value = fault.MatchGlob, *h.Glob
	}
	if h.Range != nil {
		set++
		spec.Kind, spec.RangeStart, spec.RangeEnd = fault.MatchRange, h.Range.Start, h.Range.End
	}
	if set > 1 {
		return spec, errors.New("only one of present, exact, regex, prefix, suffix, glob and range may be set")
	}
	return spec, nil
}

// RuleSpec converts f into a fault.RuleSpec.
func (f *FaultConfig) RuleSpec() (fault.RuleSpec, error) {
	spec := fault.RuleSpec{
		UpstreamCluster: f.UpstreamCluster,
		DownstreamNodes: f.DownstreamNodes,
		MaxActiveFaults: f.MaxActiveFaults,
	}
	if d := f.Delay; d != nil {
		pct, err := d.Percentage.Percent()
		if err != nil {
			return spec, fmt.Errorf("delay percentage: %w", err)
		}
		spec.Delay = &fault.DelaySpec{Percent: pct, Duration: d.FixedDelay.Duration()}
	}
	if a := f.Abort; a != nil {
		pct, err := a.Percentage.Percent()
		if err != nil {
			return spec, fmt.Errorf("abort percentage: %w", err)
		}
		spec.Abort = &fault.AbortSpec{Percent: pct, Status: a.HTTPStatus}
	}
	for i, h := range f.Headers {
		hs, err := h.matcherSpec()
		if err != nil {
			return spec, fmt.Errorf("headers[%d]: %w", i, err)
		}
		spec.Headers = append(spec.Headers, hs)
	}
	if rl := f.ResponseRateLimit; rl != nil {
		spec.ResponseRateLimit = &fault.RateLimitSpec{BytesPerSecond: rl.Rate()}
		if rl.Percentage != nil {
			pct, err := rl.Percentage.Percent()
			if err != nil {
				return spec, fmt.Errorf("response rate limit percentage: %w", err)
			}
			spec.ResponseRateLimit.Percent = &pct
		}
	}
	return spec, nil
}

// Rule builds the route's fault rule. A route without a fault block has
// no rule.
func (r *RouteConfig) Rule() (*fault.Rule, error) {
	if r.Fault == nil {
		return nil, nil
	}
	spec, err := r.Fault.RuleSpec()
	if err != nil {
		return nil, fmt.Errorf("route %s: %w", r.Name, err)
	}
	rule, err := fault.NewRule(spec)
	if err != nil {
		return nil, fmt.Errorf("route %s: %w", r.Name, err)
	}
	return rule, nil
}
