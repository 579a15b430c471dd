package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/getmockd/faultd/pkg/admin"
	"github.com/getmockd/faultd/pkg/cluster"
	"github.com/getmockd/faultd/pkg/config"
	"github.com/getmockd/faultd/pkg/fault"
	"github.com/getmockd/faultd/pkg/metrics"
	"github.com/getmockd/faultd/pkg/proxy"
	"github.com/getmockd/faultd/pkg/ratelimit"
	"github.com/getmockd/faultd/pkg/runtime"
	"github.com/getmockd/faultd/pkg/tracing"
)

// proxyShutdownTimeout bounds how long in-flight proxied requests may run
// after a shutdown signal.
const proxyShutdownTimeout = 10 * time.Second

// server holds every component serve starts for one configuration.
type server struct {
	cfg *config.Config
	log *slog.Logger

	tracing  *tracing.Provider
	runtime  *runtime.Loader
	registry *metrics.Registry
	faults   *metrics.Faults

	redis *redis.Client
	sync  *cluster.RuntimeSync

	proxy *proxy.Proxy
	admin *admin.AdminAPI
}

// newServer wires the components for cfg. cfg must already be validated.
// The caller owns tp and shuts it down.
func newServer(cfg *config.Config, log *slog.Logger, tp *tracing.Provider) (*server, error) {
	s := &server{
		cfg:      cfg,
		log:      log,
		tracing:  tp,
		registry: metrics.NewRegistry(),
	}
	s.registry.RegisterRuntime()
	s.faults = metrics.NewFaults(s.registry)

	loader, err := runtime.NewLoader(cfg.Runtime, log)
	if err != nil {
		return nil, fmt.Errorf("runtime: %w", err)
	}
	s.runtime = loader

	if rc := cfg.Redis; rc != nil {
		s.redis = redis.NewClient(&redis.Options{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
		})
		s.sync = cluster.NewRuntimeSync(s.redis, rc.RuntimeHash, rc.Refresh.Duration(), loader, log)
	}

	routes, err := s.routes()
	if err != nil {
		s.close()
		return nil, err
	}
	s.proxy, err = proxy.New(proxy.Options{
		Routes:              routes,
		CallerHeader:        cfg.CallerHeader,
		RequestBufferLimit:  cfg.RequestBufferLimit,
		ResponseBufferLimit: cfg.ResponseBufferLimit,
		Tracing:             tp,
		Logger:              log,
	})
	if err != nil {
		s.close()
		return nil, err
	}

	opts := []admin.Option{
		admin.WithLogger(log),
		admin.WithVersion(Version),
	}
	if rl := cfg.Admin.RateLimit; rl != nil {
		opts = append(opts, admin.WithRateLimiter(ratelimit.NewPerIPLimiter(ratelimit.PerIPConfig{
			RequestsPerSecond: rl.Rate,
			Burst:             rl.Burst,
			TrustedProxies:    rl.TrustedProxies,
		})))
	}
	if s.sync != nil {
		opts = append(opts, admin.WithClusterRuntime(s.sync))
	}
	s.admin = admin.NewAdminAPI(loader, s.faults, s.registry, opts...)
	return s, nil
}

// sharedBudget returns the budget every route shares, or nil when each
// route counts its own active faults.
func (s *server) sharedBudget() fault.Budget {
	switch s.cfg.Budget.Scope {
	case config.BudgetGlobal:
		return fault.NewLocalBudget()
	case config.BudgetRedis:
		return cluster.NewRedisBudget(s.redis,
			cluster.WithKey(s.cfg.Budget.RedisKey),
			cluster.WithLogger(s.log),
		)
	default:
		return nil
	}
}

func (s *server) routes() ([]proxy.Route, error) {
	shared := s.sharedBudget()

	routes := make([]proxy.Route, 0, len(s.cfg.Routes))
	for i := range s.cfg.Routes {
		rc := &s.cfg.Routes[i]
		up, ok := s.cfg.Upstream(rc.Upstream)
		if !ok {
			return nil, fmt.Errorf("route %s: unknown upstream %q", rc.Name, rc.Upstream)
		}
		target, err := url.Parse(up.URL)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", rc.Name, err)
		}

		route := proxy.Route{
			Name:     rc.Name,
			Prefix:   rc.Prefix,
			Upstream: up.Name,
			Target:   target,
		}

		rule, err := rc.Rule()
		if err != nil {
			return nil, err
		}
		if rule != nil {
			budget := shared
			if budget == nil {
				budget = fault.NewLocalBudget()
			}
			route.Fault = fault.NewConfig(rule,
				fault.WithName(rc.Name),
				fault.WithRuntime(s.runtime),
				fault.WithBudget(budget),
				fault.WithStats(s.faults.Route(rc.Name)),
				fault.WithLogger(s.log),
			)
		}
		routes = append(routes, route)
	}
	return routes, nil
}

// run serves the proxy on proxyLn and the admin API on adminLn until ctx
// is done or either listener fails.
func (s *server) run(ctx context.Context, proxyLn, adminLn net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Handler:           s.proxy,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		s.log.Info("starting proxy", "addr", proxyLn.Addr().String(), "routes", len(s.cfg.Routes))
		if err := srv.Serve(proxyLn); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("proxy: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), proxyShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return s.admin.Serve(ctx, adminLn)
	})

	if s.sync != nil {
		g.Go(func() error {
			if err := s.sync.Run(ctx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *server) close() {
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.log.Warn("closing redis client", "error", err)
		}
	}
}
