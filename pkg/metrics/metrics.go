package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every faultd metric name.
const Namespace = "faultd"

// Registry holds the registered collectors.
type Registry struct {
	reg *prometheus.Registry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{reg: prometheus.NewRegistry()}
}

// NewCounter creates and registers a counter vector. Registering the same
// name twice panics.
func (r *Registry) NewCounter(name, help string, labels ...string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      name,
		Help:      help,
	}, labels)
	r.reg.MustRegister(c)
	return c
}

// NewGauge creates and registers a gauge vector.
func (r *Registry) NewGauge(name, help string, labels ...string) *prometheus.GaugeVec {
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      name,
		Help:      help,
	}, labels)
	r.reg.MustRegister(g)
	return g
}

// NewHistogram creates and registers a histogram vector. Nil buckets
// select DefaultBuckets.
func (r *Registry) NewHistogram(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	if buckets == nil {
		buckets = DefaultBuckets
	}
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, labels)
	r.reg.MustRegister(h)
	return h
}

// Gatherer exposes the underlying registry for scraping and tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Handler serves the registry on /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// DefaultBuckets are histogram buckets for injected delays, in seconds.
var DefaultBuckets = []float64{
	0.001, // 1ms
	0.01,  // 10ms
	0.05,  // 50ms
	0.1,   // 100ms
	0.25,  // 250ms
	0.5,   // 500ms
	1,     // 1s
	2.5,   // 2.5s
	5,     // 5s
	10,    // 10s
	30,    // 30s
}
