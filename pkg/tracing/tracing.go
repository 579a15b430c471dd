package tracing

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// DefaultServiceName is used when Config.ServiceName is empty.
const DefaultServiceName = "faultd"

// Span event names recorded for injected faults.
const (
	EventDelay     = "fault.delay"
	EventAbort     = "fault.abort"
	EventRateLimit = "fault.response_rate_limit"
)

// Config holds tracing configuration.
type Config struct {
	Enabled     bool
	ServiceName string

	// Output receives finished spans. Defaults to os.Stderr.
	Output io.Writer

	// PrettyPrint indents the exported JSON.
	PrettyPrint bool
}

// propagator is the W3C trace context format used for Extract and Inject.
var propagator = propagation.TraceContext{}

// Provider hands out tracers and flushes spans on shutdown.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// New creates a Provider for cfg. A disabled config yields a no-op Provider.
func New(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return Disabled(), nil
	}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := []stdouttrace.Option{stdouttrace.WithWriter(out)}
	if cfg.PrettyPrint {
		opts = append(opts, stdouttrace.WithPrettyPrint())
	}
	exporter, err := stdouttrace.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create span exporter: %w", err)
	}

	return NewProvider(cfg.ServiceName, sdktrace.WithBatcher(exporter)), nil
}

// NewProvider creates a Provider from raw SDK options. Tests use it with a
// span recorder.
func NewProvider(serviceName string, opts ...sdktrace.TracerProviderOption) *Provider {
	if serviceName == "" {
		serviceName = DefaultServiceName
	}
	opts = append(opts, sdktrace.WithResource(resource.NewWithAttributes(
		"",
		attribute.String("service.name", serviceName),
	)))
	tp := sdktrace.NewTracerProvider(opts...)
	return &Provider{tp: tp, tracer: tp.Tracer("github.com/getmockd/faultd")}
}

// Disabled returns a Provider whose spans are never recorded.
func Disabled() *Provider {
	return &Provider{tracer: noop.NewTracerProvider().Tracer("")}
}

// Enabled reports whether spans are recorded.
func (p *Provider) Enabled() bool { return p.tp != nil }

// Tracer returns the provider's tracer.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// Install makes p the global OpenTelemetry provider and registers the W3C
// propagator.
func (p *Provider) Install() {
	if p.tp != nil {
		otel.SetTracerProvider(p.tp)
	}
	otel.SetTextMapPropagator(propagator)
}

// Shutdown flushes pending spans. It is a no-op for a disabled Provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// StartRequest starts a server span for an incoming request, continuing any
// trace carried in its headers.
func (p *Provider) StartRequest(ctx context.Context, r *http.Request) (context.Context, trace.Span) {
	ctx = Extract(ctx, r.Header)
	return p.tracer.Start(ctx, r.Method+" "+r.URL.Path,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.request.method", r.Method),
			attribute.String("url.path", r.URL.Path),
		),
	)
}

// Extract returns ctx carrying the remote span context found in h.
func Extract(ctx context.Context, h http.Header) context.Context {
	return propagator.Extract(ctx, propagation.HeaderCarrier(h))
}

// Inject writes the span context of ctx into h.
func Inject(ctx context.Context, h http.Header) {
	propagator.Inject(ctx, propagation.HeaderCarrier(h))
}

// TraceID returns the trace ID of the span in ctx, or "" when there is none.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// RecordFault adds a fault event to span.
func RecordFault(span trace.Span, event string, attrs ...attribute.KeyValue) {
	span.AddEvent(event, trace.WithAttributes(attrs...))
}

// SetStatus marks span with the outcome of an HTTP exchange. 5xx is an
// error.
func SetStatus(span trace.Span, status int) {
	span.SetAttributes(attribute.Int("http.response.status_code", status))
	if status >= 500 {
		span.SetStatus(codes.Error, http.StatusText(status))
	}
}
