package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port          string
	Env           string
	LogLevel      string
	LogFormat     string
	PublicBaseURL string
	FrontendURL   string
	DatabaseURL   string
	DBMaxConns    int

	RedisAddr        string
	RedisPassword    string
	RedisTLS         bool
	SettingsCacheTTL time.Duration

	// Authentication
	JWTSecret          string
	JWTExpire          time.Duration
	JWTRefreshSecret   string
	JWTRefreshExpire   time.Duration
	UserCacheSize      int
	UserCacheTTL       time.Duration
	CORSAllowedOrigins []string
	AuthRateLimitRPS   float64
	AuthRateLimitBurst int

	// AWS
	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string

	// File storage
	StorageProvider string // "local" or "s3"
	UploadDir       string
	UploadPublicURL string
	S3Bucket        string
	S3PresignTTL    time.Duration
	MaxUploadBytes  int64

	// Email
	EmailProvider  string // "sendgrid", "ses", "smtp" or "stub"
	SendGridAPIKey string
	EmailFrom      string
	EmailFromName  string
	SMTPHost       string
	SMTPPort       int
	SMTPUsername   string
	SMTPPassword   string

	// SMS
	SMSProvider      string // "twilio" or "stub"
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string

	// Event delivery
	EventsBroker    string // "sqs", "rabbitmq" or "log"
	EventsQueueURL  string
	AMQPURL         string
	AMQPExchange    string
	OutboxInterval  time.Duration
	OutboxBatchSize int

	// Scheduled jobs
	OverdueReminderAt     string // "HH:MM" UTC
	NotificationCleanupAt string // "HH:MM" UTC
	NotificationRetention time.Duration
	JobLockTTL            time.Duration
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFormat:     getEnv("LOG_FORMAT", "json"),
		PublicBaseURL: getEnv("PUBLIC_BASE_URL", "http://localhost:8080"),
		FrontendURL:   getEnv("FRONTEND_URL", "http://localhost:3000"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		DBMaxConns:    getEnvAsInt("DB_MAX_CONNS", 10),

		RedisAddr:        getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword:    getEnv("REDIS_PASSWORD", ""),
		RedisTLS:         getEnvAsBool("REDIS_TLS", false),
		SettingsCacheTTL: getEnvAsDuration("SETTINGS_CACHE_TTL", 10*time.Minute),

		JWTSecret:          getEnv("JWT_SECRET", ""),
		JWTExpire:          getEnvAsDuration("JWT_EXPIRE", 7*24*time.Hour),
		JWTRefreshSecret:   getEnv("JWT_REFRESH_SECRET", ""),
		JWTRefreshExpire:   getEnvAsDuration("JWT_REFRESH_EXPIRE", 30*24*time.Hour),
		UserCacheSize:      getEnvAsInt("USER_CACHE_SIZE", 1024),
		UserCacheTTL:       getEnvAsDuration("USER_CACHE_TTL", 30*time.Second),
		CORSAllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		AuthRateLimitRPS:   getEnvAsFloat("AUTH_RATE_LIMIT_RPS", 1),
		AuthRateLimitBurst: getEnvAsInt("AUTH_RATE_LIMIT_BURST", 10),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),

		StorageProvider: strings.ToLower(getEnv("STORAGE_PROVIDER", "local")),
		UploadDir:       getEnv("UPLOAD_DIR", "./uploads"),
		UploadPublicURL: getEnv("UPLOAD_PUBLIC_URL", "http://localhost:8080/uploads"),
		S3Bucket:        getEnv("S3_BUCKET", ""),
		S3PresignTTL:    getEnvAsDuration("S3_PRESIGN_TTL", time.Hour),
		MaxUploadBytes:  int64(getEnvAsInt("MAX_UPLOAD_BYTES", 10<<20)),

		EmailProvider:  strings.ToLower(getEnv("EMAIL_PROVIDER", "stub")),
		SendGridAPIKey: getEnv("SENDGRID_API_KEY", ""),
		EmailFrom:      getEnv("EMAIL_FROM", "no-reply@clinic.local"),
		EmailFromName:  getEnv("EMAIL_FROM_NAME", "Clinic Platform"),
		SMTPHost:       getEnv("SMTP_HOST", ""),
		SMTPPort:       getEnvAsInt("SMTP_PORT", 587),
		SMTPUsername:   getEnv("SMTP_USERNAME", ""),
		SMTPPassword:   getEnv("SMTP_PASSWORD", ""),

		SMSProvider:      strings.ToLower(getEnv("SMS_PROVIDER", "stub")),
		TwilioAccountSID: getEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:  getEnv("TWILIO_AUTH_TOKEN", ""),
		TwilioFromNumber: getEnv("TWILIO_FROM_NUMBER", ""),

		EventsBroker:    strings.ToLower(getEnv("EVENTS_BROKER", "log")),
		EventsQueueURL:  getEnv("EVENTS_QUEUE_URL", ""),
		AMQPURL:         getEnv("AMQP_URL", ""),
		AMQPExchange:    getEnv("AMQP_EXCHANGE", "clinic.events"),
		OutboxInterval:  getEnvAsDuration("OUTBOX_INTERVAL", 2*time.Second),
		OutboxBatchSize: getEnvAsInt("OUTBOX_BATCH_SIZE", 25),

		OverdueReminderAt:     getEnv("OVERDUE_REMINDER_AT", "09:00"),
		NotificationCleanupAt: getEnv("NOTIFICATION_CLEANUP_AT", "02:00"),
		NotificationRetention: getEnvAsDuration("NOTIFICATION_RETENTION", 30*24*time.Hour),
		JobLockTTL:            getEnvAsDuration("JOB_LOCK_TTL", 50*time.Minute),
	}
}

// IsProduction reports whether the service runs with production defaults.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsList splits a comma separated variable, dropping blanks.
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
