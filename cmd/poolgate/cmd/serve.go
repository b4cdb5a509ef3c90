package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/poolgate/poolgate/internal/adapter/inbound/api"
	"github.com/poolgate/poolgate/internal/adapter/outbound/memory"
	"github.com/poolgate/poolgate/internal/adapter/outbound/sqlite"
	"github.com/poolgate/poolgate/internal/config"
	"github.com/poolgate/poolgate/internal/domain/pool"
	"github.com/poolgate/poolgate/internal/health"
	"github.com/poolgate/poolgate/internal/reconcile"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the pool server",
	Long: `Start the poolgate server.

The server loads the desired key set from configuration, reconciles the
durable pool against it, then serves the pool API. While running it watches
the config file for changes and periodically validates every key against
the upstream provider, evicting keys the provider rejects.

Examples:
  # Start with config file settings
  poolgate serve

  # Start with a specific config file
  poolgate --config /path/to/poolgate.yaml serve

  # Development mode: memory store, debug logging
  poolgate serve --dev`,
	RunE: runServe,
}

var devMode bool

func init() {
	serveCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (memory store, debug logging)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if devMode {
		// The flag must win over the config file, so set it through viper
		// before LoadConfig unmarshals.
		os.Setenv("POOLGATE_DEV_MODE", "true")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Server.LogLevel),
	}))

	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		return err
	}

	logger.Info("poolgate stopped")
	return nil
}

// run wires all components together and blocks until shutdown.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// ===== 1: Open the key store =====
	var store pool.KeyStore
	switch cfg.Store.Driver {
	case "memory":
		store = memory.NewKeyStore()
		logger.Info("using in-memory key store")
	default:
		s, err := sqlite.Open(ctx, cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("failed to open key store: %w", err)
		}
		defer func() { _ = s.Close() }()
		store = s
		logger.Info("opened key store", "path", cfg.Store.Path)
	}

	// ===== 2: Metrics registry =====
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := api.NewMetrics(registry)

	// ===== 3: Admission controller =====
	controller := pool.NewAdmissionController(store, cfg.PlanLimits(), pool.WithLogger(logger))

	// ===== 4: Initial reconcile against the desired key set =====
	reconciler := reconcile.NewReconciler(controller, logger)
	runReconcile := func(c *config.Config) {
		desired, warnings := c.DesiredKeys()
		for _, w := range warnings {
			logger.Warn(w)
		}
		if _, err := reconciler.Apply(ctx, desired); err != nil {
			logger.Error("reconcile pass had failures", "error", err)
		}
		metrics.ReconcileRuns.Inc()
		if statuses, err := controller.Status(ctx); err == nil {
			metrics.KeysActive.Set(float64(len(statuses)))
		}
	}
	runReconcile(cfg)

	// ===== 5: Config file watch with debounced reconcile =====
	debouncer := reconcile.NewDebouncer(cfg.Reconcile.DebounceDuration(), func() {
		fresh, err := config.Reload()
		if err != nil {
			logger.Error("config reload failed, keeping current state", "error", err)
			return
		}
		logger.Info("config changed, reconciling")
		runReconcile(fresh)
	})
	defer debouncer.Stop()
	config.Watch(debouncer.Trigger)

	// ===== 6: Health validator =====
	scrubber := config.NewScrubber(config.ConfigFileUsed(), logger)
	if cfg.HealthEnabled() && cfg.Health.ProbeURL != "" {
		prober := &countingProber{
			inner:   health.NewHTTPProber(cfg.Health.ProbeURL, cfg.Health.Canary, cfg.Health.ProbeTimeoutDuration()),
			metrics: metrics,
		}
		validator := health.NewValidator(controller, prober, cfg.Health.IntervalDuration(), logger,
			health.WithProbeDelay(cfg.Health.ProbeDelayDuration()),
			health.WithEvictionHook(func(id string) {
				if err := scrubber.RemoveKey(id); err != nil {
					logger.Warn("failed to scrub evicted key from config", "error", err)
				}
				if statuses, err := controller.Status(ctx); err == nil {
					metrics.KeysActive.Set(float64(len(statuses)))
				}
			}),
		)
		validator.Start()
		defer validator.Stop()
	} else {
		logger.Info("health validation disabled")
	}

	// ===== 7: HTTP server =====
	handler := api.NewHandler(controller, metrics, logger)
	mux := http.NewServeMux()
	mux.Handle("/", handler.Routes())
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("poolgate listening", "addr", cfg.Server.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// ===== 8: Block until shutdown =====
	select {
	case err := <-errChan:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	return nil
}

// countingProber wraps a Prober with verdict metrics.
type countingProber struct {
	inner   health.Prober
	metrics *api.Metrics
}

func (p *countingProber) Probe(ctx context.Context, keyID string) health.Verdict {
	verdict := p.inner.Probe(ctx, keyID)
	p.metrics.ProbeResults.WithLabelValues(verdict.String()).Inc()
	return verdict
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
