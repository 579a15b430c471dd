// Package proxy is the HTTP reverse proxy that hosts the fault filter.
package proxy

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/getmockd/faultd/pkg/fault"
	"github.com/getmockd/faultd/pkg/httputil"
	"github.com/getmockd/faultd/pkg/logging"
	"github.com/getmockd/faultd/pkg/tracing"
)

const (
	// RequestIDHeader carries the request ID to the upstream and back to
	// the client. An incoming value is kept.
	RequestIDHeader = "X-Request-Id"

	// DefaultBufferLimit bounds request bytes held during a delay and
	// response bytes queued by the rate limiter.
	DefaultBufferLimit = 1 << 20

	copyChunkSize = 32 * 1024
)

// Route forwards requests under Prefix to Target. Fault is nil for routes
// without a fault rule.
type Route struct {
	Name     string
	Prefix   string
	Upstream string
	Target   *url.URL
	Fault    *fault.Config
}

// Options configures a Proxy.
type Options struct {
	Routes []Route

	// CallerHeader names the header that identifies the downstream node.
	CallerHeader string

	RequestBufferLimit  int
	ResponseBufferLimit int

	// Transport defaults to http.DefaultTransport.
	Transport http.RoundTripper

	Tracing *tracing.Provider
	Logger  *slog.Logger
}

// Proxy is an http.Handler that forwards requests to the route with the
// longest matching prefix, running the route's fault filter on the way.
type Proxy struct {
	routes       []Route
	callerHeader string
	reqLimit     int
	respLimit    int
	client       *http.Client
	tracing      *tracing.Provider
	log          *slog.Logger
}

// New creates a Proxy.
func New(opts Options) (*Proxy, error) {
	if len(opts.Routes) == 0 {
		return nil, errors.New("proxy: at least one route is required")
	}
	routes := make([]Route, len(opts.Routes))
	copy(routes, opts.Routes)
	for _, r := range routes {
		if r.Target == nil {
			return nil, fmt.Errorf("proxy: route %s has no target", r.Name)
		}
		if !strings.HasPrefix(r.Prefix, "/") {
			return nil, fmt.Errorf("proxy: route %s prefix must start with /", r.Name)
		}
	}
	// Longest prefix first so the first match wins.
	sort.SliceStable(routes, func(i, j int) bool {
		return len(routes[i].Prefix) > len(routes[j].Prefix)
	})

	p := &Proxy{
		routes:       routes,
		callerHeader: opts.CallerHeader,
		reqLimit:     opts.RequestBufferLimit,
		respLimit:    opts.ResponseBufferLimit,
		tracing:      opts.Tracing,
		log:          opts.Logger,
	}
	if p.reqLimit <= 0 {
		p.reqLimit = DefaultBufferLimit
	}
	if p.respLimit <= 0 {
		p.respLimit = DefaultBufferLimit
	}
	if p.tracing == nil {
		p.tracing = tracing.Disabled()
	}
	if p.log == nil {
		p.log = logging.Nop()
	}
	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	p.client = &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return p, nil
}

// Routes returns the routes, longest prefix first.
func (p *Proxy) Routes() []Route {
	return p.routes
}

func (p *Proxy) match(path string) (*Route, bool) {
	for i := range p.routes {
		if strings.HasPrefix(path, p.routes[i].Prefix) {
			return &p.routes[i], true
		}
	}
	return nil, false
}

// ServeHTTP implements http.Handler.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	reqID := r.Header.Get(RequestIDHeader)
	if reqID == "" {
		reqID = uuid.NewString()
		r.Header.Set(RequestIDHeader, reqID)
	}
	w.Header().Set(RequestIDHeader, reqID)

	ctx, span := p.tracing.StartRequest(r.Context(), r)
	defer span.End()
	r = r.WithContext(ctx)

	route, ok := p.match(r.URL.Path)
	if !ok {
		httputil.WriteText(w, http.StatusNotFound, "no route")
		tracing.SetStatus(span, http.StatusNotFound)
		return
	}
	span.SetAttributes(attribute.String("faultd.route", route.Name))

	rec := &statusRecorder{ResponseWriter: w}
	if route.Fault == nil {
		p.forward(rec, r, route, r.Body)
	} else {
		newStream(p, route, rec, r).serve()
	}

	tracing.SetStatus(span, rec.status)
	p.log.Debug("proxy: request",
		"route", route.Name,
		"method", r.Method,
		"path", r.URL.Path,
		"status", rec.status,
		"request_id", reqID,
		"duration", time.Since(start),
	)
}

// forward sends r upstream with body and copies the response back
// unthrottled.
func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, route *Route, body io.Reader) {
	resp, err := p.roundTrip(r, route, body)
	if err != nil {
		p.badGateway(w, route, err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	copyFlushing(w, resp.Body)
}

func (p *Proxy) roundTrip(r *http.Request, route *Route, body io.Reader) (*http.Response, error) {
	target := *route.Target
	target.Path = singleJoiningSlash(route.Target.Path, r.URL.Path)
	target.RawQuery = r.URL.RawQuery

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), body)
	if err != nil {
		return nil, err
	}
	outReq.ContentLength = r.ContentLength
	// The server fills r.Trailer when the body reaches EOF, which happens
	// before the transport writes the trailers.
	if len(r.Trailer) > 0 {
		outReq.Trailer = r.Trailer
	}

	copyHeaders(outReq.Header, r.Header)
	removeHopByHopHeaders(outReq.Header)

	outReq.Header.Set("X-Forwarded-For", clientHost(r.RemoteAddr))
	outReq.Header.Set("X-Forwarded-Host", r.Host)
	tracing.Inject(r.Context(), outReq.Header)

	return p.client.Do(outReq)
}

func (p *Proxy) badGateway(w http.ResponseWriter, route *Route, err error) {
	p.log.Warn("proxy: upstream request failed", "route", route.Name, "upstream", route.Upstream, "error", err)
	httputil.WriteText(w, http.StatusBadGateway, "upstream request failed")
}

// copyHeaders copies headers from src to dst.
func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// removeHopByHopHeaders removes headers that should not be forwarded.
func removeHopByHopHeaders(h http.Header) {
	hopByHopHeaders := []string{
		"Connection",
		"Keep-Alive",
		"Proxy-Authenticate",
		"Proxy-Authorization",
		"Proxy-Connection",
		"TE",
		"Trailers",
		"Transfer-Encoding",
		"Upgrade",
	}

	for _, header := range hopByHopHeaders {
		h.Del(header)
	}
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}

func clientHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// statusRecorder remembers the status written to the client.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(p []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(p)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}
