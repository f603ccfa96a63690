package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/thommahoney/fast-rack/internal/config"
	"github.com/thommahoney/fast-rack/internal/dashboard"
	"github.com/thommahoney/fast-rack/internal/health"
	"github.com/thommahoney/fast-rack/internal/logging"
	"github.com/thommahoney/fast-rack/internal/metrics"
	"github.com/thommahoney/fast-rack/internal/proxy"
	"github.com/thommahoney/fast-rack/internal/server"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "config.yml", "Path to configuration file")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger, err := logging.New(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logging.Error("Gateway stopped with error", zap.Error(err))
		os.Exit(1)
	}
	logging.Info("Gateway stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	m := metrics.New(prometheus.DefaultRegisterer)

	var backendURLs []string
	for _, route := range cfg.Routes {
		backendURLs = append(backendURLs, route.GetBackends()...)
	}
	healthChecker := health.NewHealthChecker(backendURLs, logger.Named("health"))

	router := proxy.NewRouter(cfg.Routes, healthChecker)
	pipeline, err := server.NewPipeline(cfg, router, m, logger)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/health", healthChecker.Handler()) // outside the rack, no auth or rate limit
	mux.Handle("/metrics", promhttp.Handler())

	var capture *server.Capture
	if cfg.Dashboard.Enabled {
		store := dashboard.NewLogStore(cfg.Dashboard.LogCapacity)
		broker := dashboard.NewBroker(logger.Named("dashboard"))
		broker.Start(ctx)
		healthChecker.OnStateChange = broker.BackendHealthChanged
		api := dashboard.NewAPI(store, router, broker)
		mux.Handle("/dashboard/api/", http.StripPrefix("/dashboard/api", api.Handler()))
		capture = server.NewCapture(store, 0)
	}
	healthChecker.Start(ctx, cfg.HealthCheck.Interval)

	handler := server.NewHandler(pipeline.Build, router, m, capture, logger.Named("access"))
	mux.Handle("/", http.TimeoutHandler(handler, cfg.Server.RequestTimeout, `{"error":"gateway timeout"}`))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logging.Info("Gateway starting",
			zap.String("addr", srv.Addr),
			zap.Int("routes", len(cfg.Routes)),
			zap.Int("max_retries", cfg.MaxRetries()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logging.Info("Shutting down gateway")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		if capture != nil {
			capture.Close()
		}
		return err
	})
	return g.Wait()
}
