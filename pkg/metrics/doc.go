// Package metrics exposes faultd metrics in the Prometheus text format.
//
// A Registry wraps a prometheus.Registry and serves it on /metrics.
// NewFaults registers the fault metric set on a Registry; each route then
// takes a RouteStats from Faults.Route, which is the fault.StatsSink handed
// to the route's fault configuration.
//
// # Fault Metrics
//
//   - faultd_delays_injected_total: requests delayed (labels: route, downstream)
//   - faultd_aborts_injected_total: requests aborted (labels: route, downstream)
//   - faultd_response_rate_limited_total: responses throttled (labels: route, downstream)
//   - faultd_faults_overflow_total: faults skipped by max_active_faults (labels: route, downstream)
//   - faultd_active_faults: requests holding an active fault (labels: route)
//   - faultd_injected_delay_seconds: injected delay durations (labels: route)
//
// The downstream label is the caller's service node and is empty when the
// request did not carry one.
//
// # Usage
//
//	reg := metrics.NewRegistry()
//	reg.RegisterRuntime()
//	faults := metrics.NewFaults(reg)
//
//	cfg := fault.NewConfig(rule, fault.WithStats(faults.Route("users")))
//
//	mux.Handle("GET /metrics", reg.Handler())
package metrics
