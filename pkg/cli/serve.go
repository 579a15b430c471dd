package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/getmockd/faultd/pkg/config"
	"github.com/getmockd/faultd/pkg/logging"
	"github.com/getmockd/faultd/pkg/tracing"
)

// ConfigEnv names the config file used when --config is not given.
const ConfigEnv = "FAULTD_CONFIG"

// tracingFlushTimeout bounds the final span export on shutdown.
const tracingFlushTimeout = 5 * time.Second

type serveFlags struct {
	configFile  string
	listen      string
	adminListen string
	logLevel    string
	logFormat   string
}

// serveFlagVals is the package-level instance bound to cobra flags.
var serveFlagVals serveFlags

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the fault injection proxy (foreground)",
	Long: `Run the fault injection proxy and its admin API until interrupted.

Flags override the matching fields of the config file.`,
	Example: `  # Start with a config file
  faultd serve --config faultd.yaml

  # Listen on another port with debug logs
  faultd serve -c faultd.yaml --listen :8080 --log-level debug`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(serveFlagVals.configFile, serveFlagVals.apply)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServe(ctx, cfg)
	},
}

// apply copies the flags that were set onto cfg.
func (f *serveFlags) apply(cfg *config.Config) {
	if f.listen != "" {
		cfg.Listen = f.listen
	}
	if f.adminListen != "" {
		cfg.Admin.Listen = f.adminListen
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Log.Format = f.logFormat
	}
}

// newLogger builds the process logger from the log section.
func newLogger(lc config.LogConfig) (*slog.Logger, error) {
	level, err := logging.ParseLevel(lc.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(lc.Format)
	if err != nil {
		return nil, err
	}
	return logging.New(logging.Config{Level: level, Format: format})
}

// runServe starts every component for cfg and blocks until ctx is done.
func runServe(ctx context.Context, cfg *config.Config) error {
	log, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}

	tp, err := tracing.New(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		PrettyPrint: cfg.Tracing.PrettyPrint,
	})
	if err != nil {
		return err
	}
	tp.Install()
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), tracingFlushTimeout)
		defer cancel()
		if err := tp.Shutdown(flushCtx); err != nil {
			log.Warn("flushing spans", "error", err)
		}
	}()

	srv, err := newServer(cfg, log, tp)
	if err != nil {
		return err
	}
	defer srv.close()

	proxyLn, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("proxy listener: %w", err)
	}
	adminLn, err := net.Listen("tcp", cfg.Admin.Listen)
	if err != nil {
		_ = proxyLn.Close()
		return fmt.Errorf("admin listener: %w", err)
	}

	log.Info("faultd started", "version", Version, "budget", cfg.Budget.Scope)
	err = srv.run(ctx, proxyLn, adminLn)
	log.Info("faultd stopped")
	return err
}

func init() {
	f := serveCmd.Flags()
	f.StringVarP(&serveFlagVals.configFile, "config", "c", "", "Config file path (default $"+ConfigEnv+")")
	f.StringVar(&serveFlagVals.listen, "listen", "", "Proxy listen address")
	f.StringVar(&serveFlagVals.adminListen, "admin-listen", "", "Admin API listen address")
	f.StringVar(&serveFlagVals.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVar(&serveFlagVals.logFormat, "log-format", "", "Log format (text, json)")
	rootCmd.AddCommand(serveCmd)
}
