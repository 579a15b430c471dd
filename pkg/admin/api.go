package admin

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/getmockd/faultd/pkg/logging"
	"github.com/getmockd/faultd/pkg/metrics"
	"github.com/getmockd/faultd/pkg/ratelimit"
	"github.com/getmockd/faultd/pkg/runtime"
)

// ShutdownTimeout bounds a graceful Stop.
const ShutdownTimeout = 5 * time.Second

// ClusterRuntime writes runtime overrides shared by every instance.
type ClusterRuntime interface {
	Set(ctx context.Context, key string, value uint64) error
	Unset(ctx context.Context, key string) error
	Refresh(ctx context.Context) error
}

// AdminAPI exposes runtime control and fault statistics over HTTP.
type AdminAPI struct {
	runtime  *runtime.Loader
	faults   *metrics.Faults
	registry *metrics.Registry
	metrics  *metrics.Admin
	cluster  ClusterRuntime
	limiter  *ratelimit.PerIPLimiter
	version  string
	log      *slog.Logger

	startTime  time.Time
	handler    http.Handler
	httpServer *http.Server
}

// Option configures an AdminAPI.
type Option func(*AdminAPI)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(a *AdminAPI) {
		if log != nil {
			a.log = log
		}
	}
}

// WithRateLimiter limits requests per client IP.
func WithRateLimiter(l *ratelimit.PerIPLimiter) Option {
	return func(a *AdminAPI) { a.limiter = l }
}

// WithClusterRuntime enables ?scope=cluster writes.
func WithClusterRuntime(c ClusterRuntime) Option {
	return func(a *AdminAPI) { a.cluster = c }
}

// WithVersion sets the version reported by /health.
func WithVersion(v string) Option {
	return func(a *AdminAPI) { a.version = v }
}

// NewAdminAPI creates the admin API. registry serves /metrics and also
// records the admin request metrics.
func NewAdminAPI(loader *runtime.Loader, faults *metrics.Faults, registry *metrics.Registry, opts ...Option) *AdminAPI {
	a := &AdminAPI{
		runtime:   loader,
		faults:    faults,
		registry:  registry,
		metrics:   metrics.NewAdmin(registry),
		log:       logging.Nop(),
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.With("component", "admin")

	mux := http.NewServeMux()
	a.registerRoutes(mux)
	a.handler = a.withMiddleware(mux)
	return a
}

// Handler returns the API with its middleware.
func (a *AdminAPI) Handler() http.Handler {
	return a.handler
}

// Serve answers requests on ln until ctx is done, then shuts down
// gracefully.
func (a *AdminAPI) Serve(ctx context.Context, ln net.Listener) error {
	a.httpServer = &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		a.log.Info("starting admin API", "addr", ln.Addr().String())
		errc <- a.httpServer.Serve(ln)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		return a.Stop()
	}
}

// Stop gracefully shuts down the admin API server.
func (a *AdminAPI) Stop() error {
	if a.limiter != nil {
		a.limiter.Stop()
	}
	if a.httpServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	return a.httpServer.Shutdown(ctx)
}

// Uptime returns the API uptime in seconds.
func (a *AdminAPI) Uptime() int {
	return int(time.Since(a.startTime).Seconds())
}
