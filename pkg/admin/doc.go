// Package admin serves the faultd admin API.
//
// Endpoints:
//
//	GET    /health           liveness and uptime
//	GET    /stats            per route fault counters
//	GET    /metrics          Prometheus exposition
//	GET    /runtime          effective runtime overrides
//	PUT    /runtime/{key}    set an override, body {"value": N}
//	DELETE /runtime/{key}    remove an override
//
// PUT and DELETE act on the admin layer of the runtime loader. With
// ?scope=cluster they write the shared Redis hash instead, so every faultd
// instance picks the value up on its next refresh.
//
// Every endpoint is rate limited per client IP.
package admin
