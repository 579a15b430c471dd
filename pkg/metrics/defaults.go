package metrics

import (
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/getmockd/faultd/pkg/fault"
)

// Faults is the fault metric set. Create it once per Registry.
type Faults struct {
	counters map[string]*prometheus.CounterVec
	active   *prometheus.GaugeVec
	delay    *prometheus.HistogramVec

	mu     sync.Mutex
	routes map[string]*RouteStats
}

// NewFaults registers the fault metrics on r.
func NewFaults(r *Registry) *Faults {
	return &Faults{
		counters: map[string]*prometheus.CounterVec{
			fault.StatDelaysInjected: r.NewCounter("delays_injected_total",
				"Requests delayed by the fault filter", "route", "downstream"),
			fault.StatAbortsInjected: r.NewCounter("aborts_injected_total",
				"Requests aborted by the fault filter", "route", "downstream"),
			fault.StatResponseRateLimited: r.NewCounter("response_rate_limited_total",
				"Responses throttled by the fault filter", "route", "downstream"),
			fault.StatFaultsOverflow: r.NewCounter("faults_overflow_total",
				"Faults skipped because max_active_faults was reached", "route", "downstream"),
		},
		active: r.NewGauge("active_faults",
			"Requests currently holding an active fault", "route"),
		delay: r.NewHistogram("injected_delay_seconds",
			"Injected delay durations", nil, "route"),
		routes: make(map[string]*RouteStats),
	}
}

// Route returns the stats sink for route, creating it on first use.
func (f *Faults) Route(route string) *RouteStats {
	f.mu.Lock()
	defer f.mu.Unlock()

	if s, ok := f.routes[route]; ok {
		return s
	}
	s := &RouteStats{route: route, faults: f}
	f.routes[route] = s
	return s
}

// Snapshot returns the totals of every route, sorted by route name.
func (f *Faults) Snapshot() []RouteSnapshot {
	f.mu.Lock()
	routes := make([]*RouteStats, 0, len(f.routes))
	for _, s := range f.routes {
		routes = append(routes, s)
	}
	f.mu.Unlock()

	out := make([]RouteSnapshot, 0, len(routes))
	for _, s := range routes {
		out = append(out, s.Snapshot())
	}
	slices.SortFunc(out, func(a, b RouteSnapshot) int {
		switch {
		case a.Route < b.Route:
			return -1
		case a.Route > b.Route:
			return 1
		default:
			return 0
		}
	})
	return out
}

// RouteSnapshot is a point-in-time copy of one route's fault counters.
type RouteSnapshot struct {
	Route               string `json:"route"`
	DelaysInjected      int64  `json:"delays_injected"`
	AbortsInjected      int64  `json:"aborts_injected"`
	ResponseRateLimited int64  `json:"response_rate_limited"`
	FaultsOverflow      int64  `json:"faults_overflow"`
	ActiveFaults        int64  `json:"active_faults"`
}

// RouteStats is the fault.StatsSink of one route. It feeds the Prometheus
// vectors and keeps plain totals for the admin stats endpoint.
type RouteStats struct {
	route  string
	faults *Faults

	delays      atomic.Int64
	aborts      atomic.Int64
	rateLimited atomic.Int64
	overflow    atomic.Int64
	active      atomic.Int64
}

var (
	_ fault.StatsSink     = (*RouteStats)(nil)
	_ fault.DelayObserver = (*RouteStats)(nil)
)

// IncCounter implements fault.StatsSink. Unknown names are ignored.
func (s *RouteStats) IncCounter(name, downstream string) {
	vec, ok := s.faults.counters[name]
	if !ok {
		return
	}
	vec.WithLabelValues(s.route, downstream).Inc()

	switch name {
	case fault.StatDelaysInjected:
		s.delays.Add(1)
	case fault.StatAbortsInjected:
		s.aborts.Add(1)
	case fault.StatResponseRateLimited:
		s.rateLimited.Add(1)
	case fault.StatFaultsOverflow:
		s.overflow.Add(1)
	}
}

// AddGauge implements fault.StatsSink. The gauge counts the faults held by
// this route's requests, also when the budget is shared.
func (s *RouteStats) AddGauge(name string, delta int64) {
	if name != fault.StatActiveFaults {
		return
	}
	s.active.Add(delta)
	s.faults.active.WithLabelValues(s.route).Add(float64(delta))
}

// ObserveDelay implements fault.DelayObserver.
func (s *RouteStats) ObserveDelay(d time.Duration) {
	s.faults.delay.WithLabelValues(s.route).Observe(d.Seconds())
}

// Snapshot returns the route's totals.
func (s *RouteStats) Snapshot() RouteSnapshot {
	return RouteSnapshot{
		Route:               s.route,
		DelaysInjected:      s.delays.Load(),
		AbortsInjected:      s.aborts.Load(),
		ResponseRateLimited: s.rateLimited.Load(),
		FaultsOverflow:      s.overflow.Load(),
		ActiveFaults:        s.active.Load(),
	}
}

// Admin holds the admin API request metrics.
type Admin struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewAdmin registers the admin API metrics on r.
func NewAdmin(r *Registry) *Admin {
	return &Admin{
		requests: r.NewCounter("admin_requests_total",
			"Admin API requests", "method", "path", "status"),
		duration: r.NewHistogram("admin_request_duration_seconds",
			"Admin API request latency", prometheus.DefBuckets, "method", "path"),
	}
}

// Observe records one admin request. path should be the route pattern,
// not the raw URL, to keep label cardinality bounded.
func (a *Admin) Observe(method, path string, status int, elapsed time.Duration) {
	a.requests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	a.duration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}
