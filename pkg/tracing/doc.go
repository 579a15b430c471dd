// Package tracing wires OpenTelemetry tracing into the proxy.
//
// A Provider owns an SDK tracer provider that writes finished spans to an
// io.Writer through the stdout exporter. A disabled Provider hands out
// no-op tracers, so call sites never check whether tracing is on.
//
//	p, err := tracing.New(tracing.Config{Enabled: true, ServiceName: "faultd"})
//	if err != nil {
//	    return err
//	}
//	defer p.Shutdown(ctx)
//
//	ctx, span := p.StartRequest(ctx, r)
//	defer span.End()
//	tracing.RecordFault(span, tracing.EventAbort, attribute.Int("http.status_code", 503))
//
// Trace context travels in the W3C traceparent header; see Extract and
// Inject.
package tracing
