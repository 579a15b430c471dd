package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Config.ApplyDefaults.
const (
	DefaultListen       = ":10000"
	DefaultAdminListen  = ":9901"
	DefaultCallerHeader = "x-downstream-service-node"
	DefaultBufferLimit  = 1 << 20
	DefaultRedisKey     = "faultd:active_faults"
	DefaultRuntimeHash  = "faultd:runtime"
	DefaultRedisRefresh = 5 * time.Second
	DefaultServiceName  = "faultd"
	DefaultAdminRate    = 50
	DefaultAdminBurst   = 100
	defaultRedisAddr    = "localhost:6379"
	defaultLogLevel     = "info"
	defaultLogFormat    = "text"
)

// Budget scopes.
const (
	BudgetRoute  = "route"
	BudgetGlobal = "global"
	BudgetRedis  = "redis"
)

// Config is the top level configuration file.
type Config struct {
	Listen              string            `json:"listen,omitempty" yaml:"listen,omitempty"`
	Admin               AdminConfig       `json:"admin" yaml:"admin"`
	Log                 LogConfig         `json:"log" yaml:"log"`
	CallerHeader        string            `json:"caller_header,omitempty" yaml:"caller_header,omitempty"`
	ResponseBufferLimit int               `json:"response_buffer_limit,omitempty" yaml:"response_buffer_limit,omitempty"`
	RequestBufferLimit  int               `json:"request_buffer_limit,omitempty" yaml:"request_buffer_limit,omitempty"`
	Budget              BudgetConfig      `json:"budget" yaml:"budget"`
	Redis               *RedisConfig      `json:"redis,omitempty" yaml:"redis,omitempty"`
	Tracing             TracingConfig     `json:"tracing" yaml:"tracing"`
	Runtime             map[string]uint64 `json:"runtime,omitempty" yaml:"runtime,omitempty"`
	Upstreams           []UpstreamConfig  `json:"upstreams" yaml:"upstreams"`
	Routes              []RouteConfig     `json:"routes" yaml:"routes"`
}

// AdminConfig configures the admin API listener.
type AdminConfig struct {
	Listen    string           `json:"listen,omitempty" yaml:"listen,omitempty"`
	RateLimit *AdminRateConfig `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
}

// AdminRateConfig is the per client IP request rate of the admin API.
type AdminRateConfig struct {
	Rate           uint64   `json:"rate" yaml:"rate"`
	Burst          uint64   `json:"burst,omitempty" yaml:"burst,omitempty"`
	TrustedProxies []string `json:"trusted_proxies,omitempty" yaml:"trusted_proxies,omitempty"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`
	Format string `json:"format,omitempty" yaml:"format,omitempty"`
}

// BudgetConfig selects where the active fault count lives.
type BudgetConfig struct {
	Scope    string `json:"scope,omitempty" yaml:"scope,omitempty"`
	RedisKey string `json:"redis_key,omitempty" yaml:"redis_key,omitempty"`
}

// RedisConfig configures the Redis connection used by the redis budget
// scope and the remote runtime layer.
type RedisConfig struct {
	Addr        string   `json:"addr,omitempty" yaml:"addr,omitempty"`
	Password    string   `json:"password,omitempty" yaml:"password,omitempty"`
	DB          int      `json:"db,omitempty" yaml:"db,omitempty"`
	RuntimeHash string   `json:"runtime_hash,omitempty" yaml:"runtime_hash,omitempty"`
	Refresh     Duration `json:"refresh,omitempty" yaml:"refresh,omitempty"`
}

// TracingConfig configures span export.
type TracingConfig struct {
	Enabled     bool   `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	ServiceName string `json:"service_name,omitempty" yaml:"service_name,omitempty"`
	PrettyPrint bool   `json:"pretty_print,omitempty" yaml:"pretty_print,omitempty"`
}

// UpstreamConfig names an upstream cluster.
type UpstreamConfig struct {
	Name string `json:"name" yaml:"name"`
	URL  string `json:"url" yaml:"url"`
}

// RouteConfig maps a path prefix to an upstream with an optional fault rule.
type RouteConfig struct {
	Name     string       `json:"name" yaml:"name"`
	Prefix   string       `json:"prefix" yaml:"prefix"`
	Upstream string       `json:"upstream" yaml:"upstream"`
	Fault    *FaultConfig `json:"fault,omitempty" yaml:"fault,omitempty"`
}

// FaultConfig is the file form of fault.RuleSpec.
type FaultConfig struct {
	Delay             *DelayConfig     `json:"delay,omitempty" yaml:"delay,omitempty"`
	Abort             *AbortConfig     `json:"abort,omitempty" yaml:"abort,omitempty"`
	UpstreamCluster   string           `json:"upstream_cluster,omitempty" yaml:"upstream_cluster,omitempty"`
	DownstreamNodes   []string         `json:"downstream_nodes,omitempty" yaml:"downstream_nodes,omitempty"`
	Headers           []HeaderConfig   `json:"headers,omitempty" yaml:"headers,omitempty"`
	MaxActiveFaults   *uint64          `json:"max_active_faults,omitempty" yaml:"max_active_faults,omitempty"`
	ResponseRateLimit *RateLimitConfig `json:"response_rate_limit,omitempty" yaml:"response_rate_limit,omitempty"`
}

// DelayConfig configures a fixed delay.
type DelayConfig struct {
	FixedDelay Duration      `json:"fixed_delay" yaml:"fixed_delay"`
	Percentage PercentConfig `json:"percentage" yaml:"percentage"`
}

// AbortConfig configures an abort.
type AbortConfig struct {
	HTTPStatus int           `json:"http_status" yaml:"http_status"`
	Percentage PercentConfig `json:"percentage" yaml:"percentage"`
}

// RateLimitConfig configures response throttling. Exactly one of
// FixedRateKbps and BytesPerSecond is set; one kbps is 1024 bytes.
type RateLimitConfig struct {
	FixedRateKbps  uint64         `json:"fixed_rate_kbps,omitempty" yaml:"fixed_rate_kbps,omitempty"`
	BytesPerSecond uint64         `json:"bytes_per_second,omitempty" yaml:"bytes_per_second,omitempty"`
	Percentage     *PercentConfig `json:"percentage,omitempty" yaml:"percentage,omitempty"`
}

// HeaderConfig is one header condition. Exactly one of the match fields
// is set; none means a presence check.
type HeaderConfig struct {
	Name    string       `json:"name" yaml:"name"`
	Present *bool        `json:"present,omitempty" yaml:"present,omitempty"`
	Exact   *string      `json:"exact,omitempty" yaml:"exact,omitempty"`
	Regex   *string      `json:"regex,omitempty" yaml:"regex,omitempty"`
	Prefix  *string      `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	Suffix  *string      `json:"suffix,omitempty" yaml:"suffix,omitempty"`
	Glob    *string      `json:"glob,omitempty" yaml:"glob,omitempty"`
	Range   *RangeConfig `json:"range,omitempty" yaml:"range,omitempty"`
	Invert  bool         `json:"invert,omitempty" yaml:"invert,omitempty"`
}

// RangeConfig is the half open integer range [Start, End).
type RangeConfig struct {
	Start int64 `json:"start" yaml:"start"`
	End   int64 `json:"end" yaml:"end"`
}

// PercentConfig is a fraction. In files it is either an object
// {numerator, denominator} or a bare number of percent.
type PercentConfig struct {
	Numerator   uint64 `json:"numerator" yaml:"numerator"`
	Denominator string `json:"denominator,omitempty" yaml:"denominator,omitempty"`
}

type percentFields PercentConfig

// UnmarshalYAML accepts both the scalar and the mapping form.
func (p *PercentConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		n, err := strconv.ParseUint(node.Value, 10, 64)
		if err != nil {
			return fmt.Errorf("line %d: percentage must be a non-negative integer: %q", node.Line, node.Value)
		}
		*p = PercentConfig{Numerator: n}
		return nil
	}
	var f percentFields
	if err := node.Decode(&f); err != nil {
		return err
	}
	*p = PercentConfig(f)
	return nil
}

// UnmarshalJSON accepts both the number and the object form.
func (p *PercentConfig) UnmarshalJSON(data []byte) error {
	var n uint64
	if err := json.Unmarshal(data, &n); err == nil {
		*p = PercentConfig{Numerator: n}
		return nil
	}
	var f percentFields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*p = PercentConfig(f)
	return nil
}

// Duration is a time.Duration written as a string such as "250ms".
// A bare integer is read as milliseconds.
type Duration time.Duration

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// MarshalJSON marshals the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON unmarshals a duration string or a millisecond count.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var ms int64
		if err := json.Unmarshal(data, &ms); err != nil {
			return err
		}
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	return d.parse(s)
}

// MarshalYAML marshals the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML unmarshals a duration string or a millisecond count.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	if ms, err := strconv.ParseInt(node.Value, 10, 64); err == nil {
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	return d.parse(node.Value)
}

func (d *Duration) parse(s string) error {
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}
