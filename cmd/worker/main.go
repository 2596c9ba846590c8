package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/clinic-platform/cmd/mainconfig"
	"github.com/wolfman30/clinic-platform/internal/app/bootstrap"
	appconfig "github.com/wolfman30/clinic-platform/internal/config"
	"github.com/wolfman30/clinic-platform/internal/jobs"
	"github.com/wolfman30/clinic-platform/internal/observability/metrics"
	"github.com/wolfman30/clinic-platform/pkg/logging"
)

func main() {
	once := flag.String("once", "", "run the named job immediately and exit")
	metricsAddr := flag.String("metrics-addr", ":9091", "address for /metrics; empty disables it")
	flag.Parse()

	_ = godotenv.Load()
	cfg := appconfig.Load()
	logger := logging.NewWithOptions(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	app, err := bootstrap.New(ctx, cfg, awsCfg, registry, logger)
	if err != nil {
		logger.Error("failed to initialize application", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	scheduler := jobs.NewScheduler(logger, app.JobMetrics).WithLockTTL(cfg.JobLockTTL)
	if app.Redis != nil {
		scheduler.WithLocker(jobs.NewRedisLocker(app.Redis))
	} else {
		logger.Warn("redis not configured; jobs will run on every worker replica")
	}
	if err := registerJobs(scheduler, jobSources{
		reminders: app.Scheduling,
		overdue:   app.Billing,
		cleaner:   app.Notifications,
	}, cfg, app.JobMetrics, logger); err != nil {
		logger.Error("invalid job schedule", "error", err)
		os.Exit(1)
	}

	if *once != "" {
		if err := scheduler.RunNow(ctx, *once); err != nil {
			logger.Error("job run failed", "job", *once, "error", err, "jobs", scheduler.Names())
			os.Exit(1)
		}
		return
	}

	if *metricsAddr != "" {
		srv := &http.Server{
			Addr:              *metricsAddr,
			Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	logger.Info("worker started", "jobs", scheduler.Names(), "events_broker", cfg.EventsBroker)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scheduler.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		app.Deliverer().Start(ctx)
	}()

	<-ctx.Done()
	logger.Info("worker shutting down")
	wg.Wait()
}

type jobSources struct {
	reminders jobs.ReminderSource
	overdue   jobs.OverdueReminder
	cleaner   jobs.NotificationCleaner
}

// registerJobs adds the recurring jobs. Reminders run hourly on the hour;
// the others run daily at their configured UTC clock time.
func registerJobs(s *jobs.Scheduler, src jobSources, cfg *appconfig.Config, m *metrics.JobMetrics, logger *logging.Logger) error {
	overdueAt, err := jobs.ParseDaily(cfg.OverdueReminderAt)
	if err != nil {
		return fmt.Errorf("OVERDUE_REMINDER_AT: %w", err)
	}
	cleanupAt, err := jobs.ParseDaily(cfg.NotificationCleanupAt)
	if err != nil {
		return fmt.Errorf("NOTIFICATION_CLEANUP_AT: %w", err)
	}

	s.Add(jobs.NameAppointmentReminders, jobs.Hourly{Minute: 0},
		jobs.AppointmentReminders(src.reminders, m, logger, time.Now))
	s.Add(jobs.NameOverdueInvoices, overdueAt,
		jobs.OverdueInvoices(src.overdue, m, logger, time.Now))
	s.Add(jobs.NameNotificationCleanup, cleanupAt,
		jobs.NotificationCleanup(src.cleaner, m))
	return nil
}
