package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/clinic-platform/internal/api/router"
	"github.com/wolfman30/clinic-platform/internal/audit"
	"github.com/wolfman30/clinic-platform/internal/auth"
	"github.com/wolfman30/clinic-platform/internal/billing"
	"github.com/wolfman30/clinic-platform/internal/clinic"
	appconfig "github.com/wolfman30/clinic-platform/internal/config"
	"github.com/wolfman30/clinic-platform/internal/database"
	"github.com/wolfman30/clinic-platform/internal/documents"
	"github.com/wolfman30/clinic-platform/internal/events"
	"github.com/wolfman30/clinic-platform/internal/notifications"
	"github.com/wolfman30/clinic-platform/internal/notify"
	"github.com/wolfman30/clinic-platform/internal/observability/metrics"
	"github.com/wolfman30/clinic-platform/internal/patients"
	"github.com/wolfman30/clinic-platform/internal/records"
	"github.com/wolfman30/clinic-platform/internal/scheduling"
	"github.com/wolfman30/clinic-platform/pkg/logging"
)

// App is the fully wired service graph shared by the API and the worker.
type App struct {
	Config *appconfig.Config
	Logger *logging.Logger

	Pool  *pgxpool.Pool
	SQLDB *sql.DB
	Redis *redis.Client

	Hub   *notifications.Hub
	Relay *notifications.RedisRelay

	Auth          *auth.Service
	Clinics       *clinic.Service
	Patients      *patients.Service
	Scheduling    *scheduling.Service
	Billing       *billing.Service
	Records       *records.Service
	Documents     *documents.Service
	Notifications *notifications.Service
	Dispatcher    *notify.Dispatcher
	Outbox        *events.OutboxStore
	Publisher     events.Publisher

	JobMetrics  *metrics.JobMetrics
	HTTPMetrics *metrics.HTTPMetrics

	closers []func()
}

// New connects to Postgres and Redis and builds every service. Collectors
// are registered on reg.
func New(ctx context.Context, cfg *appconfig.Config, awsCfg aws.Config, reg prometheus.Registerer, logger *logging.Logger) (*App, error) {
	if logger == nil {
		logger = logging.Default()
	}
	a := &App{Config: cfg, Logger: logger}

	pool, err := database.Connect(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		return nil, err
	}
	a.Pool = pool
	a.closers = append(a.closers, pool.Close)
	a.SQLDB = stdlib.OpenDBFromPool(pool)
	a.closers = append(a.closers, func() { _ = a.SQLDB.Close() })

	a.Redis = BuildRedisClient(ctx, cfg, logger, true)
	if a.Redis != nil {
		a.closers = append(a.closers, func() { _ = a.Redis.Close() })
	}

	files, err := BuildStorage(cfg, awsCfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	publisher, closePublisher, err := BuildEventPublisher(cfg, awsCfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Publisher = publisher
	a.closers = append(a.closers, closePublisher)

	tokens, err := auth.NewTokenIssuer(auth.TokenConfig{
		AccessSecret:  cfg.JWTSecret,
		RefreshSecret: cfg.JWTRefreshSecret,
		AccessTTL:     cfg.JWTExpire,
		RefreshTTL:    cfg.JWTRefreshExpire,
		Issuer:        "clinic-platform",
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("bootstrap: token issuer: %w", err)
	}

	a.Auth = auth.NewService(auth.NewPostgresRepository(pool), tokens, nil, auth.ServiceConfig{
		UserCacheSize: cfg.UserCacheSize,
		UserCacheTTL:  cfg.UserCacheTTL,
	}, logger)

	// Frames travel through Redis when it is available so that notifications
	// raised by the worker reach sockets held by any API replica.
	a.Hub = notifications.NewHub(logger)
	var framePublisher notifications.Publisher = a.Hub
	if a.Redis != nil {
		a.Relay = notifications.NewRedisRelay(a.Redis, logger)
		framePublisher = a.Relay
	}
	a.Notifications = notifications.NewService(notifications.NewPostgresRepository(pool), a.Auth, framePublisher, logger).
		WithRetention(cfg.NotificationRetention)

	a.Dispatcher = notify.NewDispatcher(
		BuildEmailSender(cfg, awsCfg, logger),
		BuildSMSSender(cfg, logger),
		a.Notifications,
		notify.DispatcherConfig{FrontendURL: cfg.FrontendURL},
		logger,
	)
	a.Auth.WithMailer(a.Dispatcher)

	var cache *clinic.SettingsCache
	if a.Redis != nil {
		cache = clinic.NewSettingsCache(a.Redis, cfg.SettingsCacheTTL)
	}
	a.Clinics = clinic.NewService(clinic.NewPostgresRepository(pool), clinic.NewStatsRepository(pool), cache, a.Auth, logger)
	a.Patients = patients.NewService(patients.NewPostgresRepository(pool), a.Clinics, a.Auth, logger)

	auditor := audit.NewLogger(a.SQLDB, logger)

	a.Scheduling = scheduling.NewService(scheduling.NewPostgresRepository(pool), a.Clinics, a.Patients, a.Auth, logger).
		WithNotifier(a.Dispatcher).
		WithAuditor(auditor).
		WithMetrics(metrics.NewSchedulingMetrics(reg))
	a.Billing = billing.NewService(billing.NewPostgresRepository(pool), a.Clinics, a.Patients, logger).
		WithAppointments(a.Scheduling).
		WithNotifier(a.Dispatcher).
		WithAuditor(auditor).
		WithMetrics(metrics.NewLedgerMetrics(reg))
	a.Records = records.NewService(records.NewPostgresRepository(pool), a.Clinics, a.Patients, a.Auth, logger).
		WithAppointments(a.Scheduling).
		WithNotifier(a.Dispatcher).
		WithAuditor(auditor)
	a.Documents = documents.NewService(documents.NewPostgresRepository(pool), files, a.Clinics, a.Patients, logger).
		WithNotifier(a.Dispatcher).
		WithAuditor(auditor).
		WithLimits(cfg.MaxUploadBytes, cfg.S3PresignTTL)

	a.Outbox = events.NewOutboxStore(pool)
	a.JobMetrics = metrics.NewJobMetrics(reg)
	a.HTTPMetrics = metrics.NewHTTPMetrics(reg)
	return a, nil
}

// RouterConfig builds the HTTP surface over the wired services.
func (a *App) RouterConfig(ctx context.Context, metricsHandler http.Handler) *router.Config {
	cfg := a.Config
	return &router.Config{
		Logger:        a.Logger,
		Authenticator: a.Auth,

		Auth:          auth.NewHandler(a.Auth, cfg.Env == "production", a.Logger),
		Clinics:       clinic.NewHandler(a.Clinics, a.Logger),
		Patients:      patients.NewHandler(a.Patients, a.Logger),
		Appointments:  scheduling.NewHandler(a.Scheduling, a.Logger),
		Billing:       billing.NewHandler(a.Billing, a.Logger),
		Records:       records.NewHandler(a.Records, a.Logger),
		Documents:     documents.NewHandler(a.Documents, a.Logger),
		Notifications: notifications.NewHandler(a.Notifications, a.Hub, a.Logger),

		MetricsHandler:     metricsHandler,
		HTTPMetrics:        a.HTTPMetrics,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		HealthCheck:        a.Health,
		RateLimitCtx:       ctx,
		AuthRateLimitRPS:   cfg.AuthRateLimitRPS,
		AuthRateLimitBurst: cfg.AuthRateLimitBurst,
	}
}

// Health pings Postgres and, when configured, Redis.
func (a *App) Health(ctx context.Context) error {
	if err := a.Pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	if a.Redis != nil {
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Deliverer drains the outbox to the configured broker.
func (a *App) Deliverer() *events.Deliverer {
	return events.NewDeliverer(a.Outbox, a.Publisher, a.Logger).
		WithBatchSize(int32(a.Config.OutboxBatchSize)).
		WithInterval(a.Config.OutboxInterval)
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
