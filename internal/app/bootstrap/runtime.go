package bootstrap

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/wolfman30/clinic-platform/internal/config"
	"github.com/wolfman30/clinic-platform/internal/events"
	"github.com/wolfman30/clinic-platform/internal/notify"
	"github.com/wolfman30/clinic-platform/internal/storage"
	"github.com/wolfman30/clinic-platform/pkg/logging"
)

// BuildRedisClient returns a configured Redis client or nil when disabled.
// When verify is true, a ping is issued and failures return nil.
func BuildRedisClient(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, verify bool) *redis.Client {
	if cfg == nil || strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	redisOptions := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		redisOptions.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(redisOptions)
	if !verify {
		return client
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not available", "error", err)
		_ = client.Close()
		return nil
	}
	return client
}

// BuildEmailSender picks the configured email transport. A provider that
// lacks credentials falls back to the stub sender.
func BuildEmailSender(cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger) notify.EmailSender {
	switch cfg.EmailProvider {
	case "sendgrid":
		if s := notify.NewSendGridSender(notify.SendGridConfig{
			APIKey:    cfg.SendGridAPIKey,
			FromEmail: cfg.EmailFrom,
			FromName:  cfg.EmailFromName,
		}, logger); s != nil {
			return s
		}
		logger.Warn("sendgrid selected without SENDGRID_API_KEY; using stub email sender")
	case "ses":
		return notify.NewSESSender(sesv2.NewFromConfig(awsCfg), notify.SESConfig{
			FromEmail: cfg.EmailFrom,
			FromName:  cfg.EmailFromName,
		}, logger)
	case "smtp":
		if s := notify.NewSMTPSender(notify.SMTPConfig{
			Host:      cfg.SMTPHost,
			Port:      cfg.SMTPPort,
			Username:  cfg.SMTPUsername,
			Password:  cfg.SMTPPassword,
			FromEmail: cfg.EmailFrom,
			FromName:  cfg.EmailFromName,
		}, logger); s != nil {
			return s
		}
		logger.Warn("smtp selected without SMTP_HOST; using stub email sender")
	case "", "stub":
	default:
		logger.Warn("unknown email provider; using stub", "provider", cfg.EmailProvider)
	}
	return notify.NewStubEmailSender(logger)
}

// BuildSMSSender picks Twilio when credentials are present.
func BuildSMSSender(cfg *appconfig.Config, logger *logging.Logger) notify.SMSSender {
	if cfg.SMSProvider == "twilio" {
		if s := notify.NewTwilioSMSSender(notify.TwilioConfig{
			AccountSID: cfg.TwilioAccountSID,
			AuthToken:  cfg.TwilioAuthToken,
			FromNumber: cfg.TwilioFromNumber,
		}, logger); s != nil {
			return s
		}
		logger.Warn("twilio selected without credentials; using stub sms sender")
	}
	return notify.NewStubSMSSender(logger)
}

// BuildStorage returns the file storage provider for documents.
func BuildStorage(cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger) (storage.Provider, error) {
	switch cfg.StorageProvider {
	case "s3":
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.UsePathStyle = cfg.AWSEndpointOverride != ""
		})
		return storage.NewS3ProviderFromClient(client, cfg.S3Bucket, cfg.S3PresignTTL, logger)
	case "", "local":
		return storage.NewLocalProvider(cfg.UploadDir, cfg.UploadPublicURL, logger)
	default:
		return nil, fmt.Errorf("bootstrap: unknown storage provider %q", cfg.StorageProvider)
	}
}

// BuildEventPublisher returns the outbox publisher for the configured broker
// and a close function.
func BuildEventPublisher(cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger) (events.Publisher, func(), error) {
	noop := func() {}
	switch cfg.EventsBroker {
	case "sqs":
		if cfg.EventsQueueURL == "" {
			return nil, noop, fmt.Errorf("bootstrap: EVENTS_QUEUE_URL is required for the sqs broker")
		}
		return events.NewSQSPublisher(sqs.NewFromConfig(awsCfg), cfg.EventsQueueURL), noop, nil
	case "rabbitmq", "amqp":
		pub, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return nil, noop, err
		}
		return pub, func() {
			if err := pub.Close(); err != nil {
				logger.Warn("amqp close failed", "error", err)
			}
		}, nil
	case "", "log":
		return events.NewLogPublisher(logger), noop, nil
	default:
		return nil, noop, fmt.Errorf("bootstrap: unknown events broker %q", cfg.EventsBroker)
	}
}
