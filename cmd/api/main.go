package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/clinic-platform/cmd/mainconfig"
	"github.com/wolfman30/clinic-platform/internal/api/router"
	"github.com/wolfman30/clinic-platform/internal/app/bootstrap"
	appconfig "github.com/wolfman30/clinic-platform/internal/config"
	"github.com/wolfman30/clinic-platform/pkg/logging"
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	// Load configuration
	cfg := appconfig.Load()

	// Initialize logger
	logger := logging.NewWithOptions(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	logger.Info("starting clinic-platform API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}

	registry, metricsHandler := setupMetrics()
	app, err := bootstrap.New(ctx, cfg, awsCfg, registry, logger)
	if err != nil {
		logger.Error("failed to initialize application", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	if app.Relay != nil {
		go func() {
			if err := app.Relay.Forward(ctx, app.Hub); err != nil && ctx.Err() == nil {
				logger.Error("notification relay stopped", "error", err)
			}
		}()
	}

	srv := newServer(cfg, router.New(app.RouterConfig(ctx, metricsHandler)))

	// Start server in a goroutine
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	// Notifications are sent after the response; let them finish before the
	// pools they use are closed.
	if !drainNotifications(shutdownCtx, app.Scheduling, app.Billing, app.Records, app.Documents) {
		logger.Warn("notifications still in flight at shutdown")
	}
	logger.Info("server stopped")
}

type waiter interface {
	Wait()
}

// drainNotifications blocks until every service has no notification in
// flight. It returns false if ctx ends first.
func drainNotifications(ctx context.Context, services ...waiter) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, s := range services {
			s.Wait()
		}
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

func newServer(cfg *appconfig.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

// setupMetrics returns a private registry with the Go and process
// collectors and the handler that exposes it.
func setupMetrics() (*prometheus.Registry, http.Handler) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry, promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}
