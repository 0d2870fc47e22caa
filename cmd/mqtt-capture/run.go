package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"mqtt-capture/config"
	"mqtt-capture/internal/engine"
	"mqtt-capture/internal/logger"
	"mqtt-capture/internal/metrics"
	"mqtt-capture/internal/sink"
)

// shutdownSlack is added to the drain grace period to bound the whole
// shutdown sequence.
const shutdownSlack = 10 * time.Second

type runOptions struct {
	configPath      string
	workers         int
	capacity        int
	sinkPath        string
	logLevel        string
	metricsAddr     string
	metricsPath     string
	metricsInterval time.Duration
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Capture until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.configPath, "config", "c", "config/config.yaml", "path to config file")
	f.IntVar(&opts.workers, "workers", 0, "override number of fan-in workers (0 = use config)")
	f.IntVar(&opts.capacity, "queue-size", 0, "override per-broker buffer capacity (0 = use config)")
	f.StringVar(&opts.sinkPath, "output", "", "override sink path (empty = use config)")
	f.StringVar(&opts.logLevel, "log-level", "", "override log level (empty = use config)")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "override metrics server address (empty = use config)")
	f.StringVar(&opts.metricsPath, "metrics-path", "", "override metrics endpoint path (empty = use config)")
	f.DurationVar(&opts.metricsInterval, "metrics-interval", 0, "override metrics collection interval (0 = use config)")
	return cmd
}

// newHTTPServer serves Prometheus metrics on the configured path and the
// run status document on /status.
func newHTTPServer(cfg config.MetricsConfig, reg *prometheus.Registry, status http.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		Registry:          reg,
		EnableOpenMetrics: true,
	}))
	mux.Handle("/status", status)

	return &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func loadConfig(opts *runOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	cfg.ApplyOverrides(opts.workers, opts.capacity, opts.sinkPath, opts.logLevel,
		opts.metricsAddr, opts.metricsPath, opts.metricsInterval)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(opts *runOptions) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	var metricsService *metrics.Metrics
	var reg *prometheus.Registry
	if cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		metricsService, err = metrics.NewMetrics(reg)
		if err != nil {
			return fmt.Errorf("failed to create metrics service: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	writer, err := sink.NewWriter(ctx, cfg.Sink)
	if err != nil {
		return fmt.Errorf("failed to open capture sink: %w", err)
	}
	if fw, ok := writer.(*sink.FileWriter); ok && fw.Truncated() > 0 {
		logger.Warn("truncated torn record at end of capture file",
			"path", fw.Path(),
			"bytes", fw.Truncated())
	}

	snk, err := sink.Open(ctx, writer,
		sink.WithLogger(logger.With("component", "sink")),
		sink.WithMetrics(metricsService),
		sink.WithFlushInterval(cfg.Sink.FlushInterval))
	if err != nil {
		_ = writer.Close(ctx)
		return fmt.Errorf("failed to open capture sink: %w", err)
	}

	eng, err := engine.New(cfg, snk,
		engine.WithLogger(logger),
		engine.WithMetrics(metricsService))
	if err != nil {
		_ = snk.Close(ctx)
		return fmt.Errorf("failed to create capture engine: %w", err)
	}

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		collector := metrics.NewMetricsCollector(metricsService, eng, cfg.Metrics.UpdateInterval)
		collector.Start()
		defer collector.Stop()

		metricsServer = newHTTPServer(cfg.Metrics, reg, eng)
		go func() {
			logger.Info("starting metrics server",
				"address", cfg.Metrics.Address,
				"path", cfg.Metrics.Path)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	if err := eng.Start(ctx); err != nil {
		_ = snk.Close(ctx)
		return fmt.Errorf("failed to start capture engine: %w", err)
	}

	logger.Info("mqtt-capture started",
		"version", version,
		"run", eng.RunID(),
		"brokers", len(cfg.Brokers),
		"workers", cfg.FanIn.Workers,
		"sink", cfg.Sink.Type,
		"lastSequence", snk.LastSequence(),
		"metricsEnabled", cfg.Metrics.Enabled)

	var runErr error
wait:
	for {
		select {
		case sig := <-sigChan:
			switch sig {
			case syscall.SIGHUP:
				logger.Info("received SIGHUP, syncing logs")
				_ = logger.Sync()
			case syscall.SIGINT, syscall.SIGTERM:
				logger.Info("shutting down...", "signal", sig.String())
				break wait
			}
		case <-eng.Failed():
			logger.Error("capture sink failed, shutting down")
			runErr = errors.New("capture sink failed")
			break wait
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.FanIn.DrainGrace+shutdownSlack)
	defer shutdownCancel()

	if err := eng.Stop(shutdownCtx); err != nil {
		logger.Error("capture engine stopped with errors", "error", err)
		runErr = err
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown metrics server", "error", err)
		}
	}
	return runErr
}
