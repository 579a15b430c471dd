package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/getmockd/faultd/pkg/fault"
	"github.com/getmockd/faultd/pkg/logging"
)

// ValidationError describes one invalid field. Field is the path of the
// field in the file, such as routes[2].fault.abort.http_status.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// validBudgetScopes are the allowed budget scopes.
var validBudgetScopes = map[string]bool{
	BudgetRoute:  true,
	BudgetGlobal: true,
	BudgetRedis:  true,
}

// Validate checks the configuration and returns the first problem found.
// Percentages and statuses out of range are rejected here even though the
// fault package would clamp them.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return invalid("listen", "listen address is required")
	}
	if c.Admin.Listen == c.Listen {
		return invalid("admin.listen", "admin listener must differ from the proxy listener")
	}
	if rl := c.Admin.RateLimit; rl != nil {
		if rl.Rate == 0 {
			return invalid("admin.rate_limit.rate", "rate must be positive")
		}
		if rl.Burst < 1 {
			return invalid("admin.rate_limit.burst", "burst must be positive")
		}
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return invalid("log.level", "%v", err)
	}
	if _, err := logging.ParseFormat(c.Log.Format); err != nil {
		return invalid("log.format", "%v", err)
	}
	if c.CallerHeader == "" {
		return invalid("caller_header", "caller header name is required")
	}
	if c.ResponseBufferLimit < 0 {
		return invalid("response_buffer_limit", "must not be negative")
	}
	if c.RequestBufferLimit < 0 {
		return invalid("request_buffer_limit", "must not be negative")
	}
	if !validBudgetScopes[c.Budget.Scope] {
		return invalid("budget.scope", "unknown scope %q (want route, global or redis)", c.Budget.Scope)
	}
	if c.Budget.Scope == BudgetRedis && c.Redis == nil {
		return invalid("redis", "redis budget scope requires a redis section")
	}
	if c.Redis != nil && c.Redis.Refresh < 0 {
		return invalid("redis.refresh", "must not be negative")
	}
	for key := range c.Runtime {
		if !fault.IsRuntimeKey(key) {
			return invalid("runtime."+key, "unknown runtime key")
		}
	}

	upstreams := make(map[string]bool, len(c.Upstreams))
	for i, u := range c.Upstreams {
		field := fmt.Sprintf("upstreams[%d]", i)
		if u.Name == "" {
			return invalid(field+".name", "name is required")
		}
		if upstreams[u.Name] {
			return invalid(field+".name", "duplicate upstream %q", u.Name)
		}
		upstreams[u.Name] = true
		if err := validateUpstreamURL(u.URL, field+".url"); err != nil {
			return err
		}
	}

	routes := make(map[string]bool, len(c.Routes))
	for i := range c.Routes {
		r := &c.Routes[i]
		field := fmt.Sprintf("routes[%d]", i)
		if r.Name == "" {
			return invalid(field+".name", "name is required")
		}
		if routes[r.Name] {
			return invalid(field+".name", "duplicate route %q", r.Name)
		}
		routes[r.Name] = true
		if !strings.HasPrefix(r.Prefix, "/") {
			return invalid(field+".prefix", "prefix must start with /")
		}
		if !upstreams[r.Upstream] {
			return invalid(field+".upstream", "unknown upstream %q", r.Upstream)
		}
		if r.Fault != nil {
			if err := r.Fault.validate(field + ".fault"); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateUpstreamURL(raw, field string) error {
	if raw == "" {
		return invalid(field, "url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return invalid(field, "invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return invalid(field, "scheme must be http or https")
	}
	if u.Host == "" {
		return invalid(field, "url has no host")
	}
	return nil
}

func (f *FaultConfig) validate(field string) error {
	if d := f.Delay; d != nil {
		if d.FixedDelay < 0 {
			return invalid(field+".delay.fixed_delay", "must not be negative")
		}
		if err := d.Percentage.validate(field + ".delay.percentage"); err != nil {
			return err
		}
	}
	if a := f.Abort; a != nil {
		if a.HTTPStatus < 200 || a.HTTPStatus > 599 {
			return invalid(field+".abort.http_status", "status %d outside 200..599", a.HTTPStatus)
		}
		if err := a.Percentage.validate(field + ".abort.percentage"); err != nil {
			return err
		}
	}
	for i, n := range f.DownstreamNodes {
		if n == "" {
			return invalid(fmt.Sprintf("%s.downstream_nodes[%d]", field, i), "node name is empty")
		}
	}
	for i, h := range f.Headers {
		hf := fmt.Sprintf("%s.headers[%d]", field, i)
		spec, err := h.matcherSpec()
		if err != nil {
			return invalid(hf, "%v", err)
		}
		if _, err := fault.NewHeaderMatcher(spec); err != nil {
			return invalid(hf, "%v", err)
		}
	}
	if rl := f.ResponseRateLimit; rl != nil {
		rf := field + ".response_rate_limit"
		if (rl.FixedRateKbps == 0) == (rl.BytesPerSecond == 0) {
			return invalid(rf, "exactly one of fixed_rate_kbps and bytes_per_second must be set")
		}
		if rl.Percentage != nil {
			if err := rl.Percentage.validate(rf + ".percentage"); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p PercentConfig) validate(field string) error {
	den, err := fault.ParseDenominator(p.Denominator)
	if err != nil {
		return invalid(field+".denominator", "%v", err)
	}
	if p.Numerator > uint64(den) {
		return invalid(field+".numerator", "%d exceeds denominator %d", p.Numerator, uint64(den))
	}
	return nil
}
