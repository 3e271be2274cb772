package cli

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gaswelder/che-sub003/pkg/config"
	"github.com/gaswelder/che-sub003/pkg/engine"
	"github.com/gaswelder/che-sub003/pkg/logging"
	"github.com/gaswelder/che-sub003/pkg/metrics"
)

// serveFlags holds all flags for the serve command.
type serveFlags struct {
	configPath      string
	bind            string
	printURL        bool
	logLevel        string
	logFormat       string
	accessLog       string
	metricsAddr     string
	idleTimeout     time.Duration
	upstreamTimeout time.Duration
	maxConnections  int
}

// serveFlagVals is the package-level instance bound to cobra flags.
var serveFlagVals serveFlags

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the configured virtual hosts",
	Long: `Serve the virtual hosts of a configuration file until SIGINT or SIGTERM.

One listener is opened per configured port. Flags override the matching
settings of the file's server section.`,
	Example: `  # Serve a configuration
  webd serve -c webd.yaml

  # Bind to loopback only and print the bound addresses
  webd serve -c webd.yaml --bind 127.0.0.1 --print-url

  # JSON logs plus an access log file and a metrics endpoint
  webd serve -c webd.yaml --log-format json --access-log access.log --metrics-addr 127.0.0.1:9100`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	f := &serveFlagVals

	serveCmd.Flags().StringVarP(&f.configPath, "config", "c", "", "Path to the configuration file (YAML or JSON) [required]")
	serveCmd.Flags().StringVar(&f.bind, "bind", "", "Bind address (overrides server.bind)")
	serveCmd.Flags().BoolVar(&f.printURL, "print-url", false, "Print the URL of every listener to stdout on startup")
	serveCmd.Flags().StringVar(&f.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	serveCmd.Flags().StringVar(&f.logFormat, "log-format", "text", "Log format (text, json)")
	serveCmd.Flags().StringVar(&f.accessLog, "access-log", "", "Also write access records as JSON lines to this file")
	serveCmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address at /metrics")
	serveCmd.Flags().DurationVar(&f.idleTimeout, "idle-timeout", 0, "Close connections idle this long (overrides server.idleTimeout)")
	serveCmd.Flags().DurationVar(&f.upstreamTimeout, "upstream-timeout", 0, "Give up on silent CGI scripts and upstreams after this long (overrides server.upstreamTimeout)")
	serveCmd.Flags().IntVar(&f.maxConnections, "max-connections", 0, "Cap on concurrent connections (overrides server.maxConnections)")

	_ = serveCmd.MarkFlagRequired("config")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	f := &serveFlagVals

	cfg, err := config.LoadFromFile(f.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyServeOverrides(cmd, f, cfg)

	snap, err := config.NewSnapshot(cfg)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	log := logging.New(logging.Config{
		Level:  logging.ParseLevel(f.logLevel),
		Format: logging.ParseFormat(f.logFormat),
		Output: cmd.ErrOrStderr(),
	})

	access := log.With("component", "access")
	if f.accessLog != "" {
		fileHandler, closer, err := logging.OpenFile(f.accessLog, logging.LevelInfo)
		if err != nil {
			return err
		}
		defer func() { _ = closer.Close() }()
		access = slog.New(logging.NewMultiHandler(log.Handler(), fileHandler)).With("component", "access")
	}

	var m *metrics.Server
	if f.metricsAddr != "" {
		reg := metrics.NewRegistry()
		metrics.RegisterRuntime(reg, time.Now())
		m = metrics.NewServer(reg)

		stop, err := serveMetrics(f.metricsAddr, reg, log)
		if err != nil {
			return err
		}
		defer stop()
	}

	srv := engine.NewServer(snap,
		engine.WithLogger(log.With("component", "engine")),
		engine.WithAccessLogger(access),
		engine.WithMetrics(m),
	)
	if err := srv.Listen(); err != nil {
		if isAddrInUseError(err) {
			return fmt.Errorf("a configured port is already in use: %w", err)
		}
		return fmt.Errorf("failed to start server: %w", err)
	}

	if f.printURL {
		for _, addr := range srv.Addrs() {
			fmt.Fprintf(cmd.OutOrStdout(), "http://%s\n", addr)
		}
	}

	log.Info("webd started",
		"ports", len(snap.Ports()),
		"hosts", len(snap.Hosts()),
		"config", f.configPath,
		"configHash", computeConfigHash(cfg),
	)

	// Wait for shutdown signal
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Serve(ctx); err != nil {
		return err
	}
	log.Info("shutting down")
	return nil
}

// applyServeOverrides copies explicitly set flags over the file's settings.
func applyServeOverrides(cmd *cobra.Command, f *serveFlags, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("bind") {
		cfg.Server.Bind = f.bind
	}
	if flags.Changed("idle-timeout") {
		cfg.Server.IdleTimeout = f.idleTimeout
	}
	if flags.Changed("upstream-timeout") {
		cfg.Server.UpstreamTimeout = f.upstreamTimeout
	}
	if flags.Changed("max-connections") {
		cfg.Server.MaxConnections = f.maxConnections
	}
}

// serveMetrics exposes reg on addr and returns a function that stops it.
func serveMetrics(addr string, reg *metrics.Registry, log *slog.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", reg.Handler())
	hs := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          slog.NewLogLogger(log.Handler(), slog.LevelWarn),
	}
	go func() {
		if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", "error", err)
		}
	}()
	log.Info("metrics enabled", "addr", ln.Addr().String())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = hs.Shutdown(ctx)
	}, nil
}

// computeConfigHash returns a sha256 hash prefix of the serialized config.
func computeConfigHash(cfg *config.Config) string {
	data, err := json.Marshal(cfg)
	if err != nil {
		return "unknown"
	}
	h := sha256.Sum256(data)
	return fmt.Sprintf("sha256:%x", h[:8])
}
