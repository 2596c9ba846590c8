package bootstrap

import (
	"context"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/aws"

	appconfig "github.com/wolfman30/clinic-platform/internal/config"
	"github.com/wolfman30/clinic-platform/internal/events"
	"github.com/wolfman30/clinic-platform/internal/notify"
	"github.com/wolfman30/clinic-platform/internal/storage"
	"github.com/wolfman30/clinic-platform/pkg/logging"
)

func testAWSConfig() aws.Config {
	return aws.Config{Region: "us-east-1"}
}

func TestBuildRedisClientDisabledWithoutAddr(t *testing.T) {
	if client := BuildRedisClient(context.Background(), &appconfig.Config{}, nil, true); client != nil {
		t.Fatalf("expected nil client without REDIS_ADDR")
	}
	if client := BuildRedisClient(context.Background(), nil, nil, true); client != nil {
		t.Fatalf("expected nil client for nil config")
	}
}

func TestBuildRedisClientVerifiesConnection(t *testing.T) {
	mr := miniredis.RunT(t)
	logger := logging.New("error")

	client := BuildRedisClient(context.Background(), &appconfig.Config{RedisAddr: mr.Addr()}, logger, true)
	if client == nil {
		t.Fatalf("expected client for reachable redis")
	}
	_ = client.Close()

	addr := mr.Addr()
	mr.Close()
	if client := BuildRedisClient(context.Background(), &appconfig.Config{RedisAddr: addr}, logger, true); client != nil {
		t.Fatalf("expected nil client when ping fails")
	}
}

func TestBuildEmailSenderSelection(t *testing.T) {
	logger := logging.New("error")
	cases := []struct {
		name string
		cfg  appconfig.Config
		want string
	}{
		{"default stub", appconfig.Config{}, "*notify.StubEmailSender"},
		{"sendgrid without key", appconfig.Config{EmailProvider: "sendgrid"}, "*notify.StubEmailSender"},
		{"sendgrid", appconfig.Config{EmailProvider: "sendgrid", SendGridAPIKey: "SG.x", EmailFrom: "a@b.c"}, "*notify.SendGridSender"},
		{"ses", appconfig.Config{EmailProvider: "ses", EmailFrom: "a@b.c"}, "*notify.SESSender"},
		{"smtp without host", appconfig.Config{EmailProvider: "smtp"}, "*notify.StubEmailSender"},
		{"smtp", appconfig.Config{EmailProvider: "smtp", SMTPHost: "localhost", EmailFrom: "a@b.c"}, "*notify.SMTPSender"},
		{"unknown", appconfig.Config{EmailProvider: "pigeon"}, "*notify.StubEmailSender"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sender := BuildEmailSender(&tc.cfg, testAWSConfig(), logger)
			if sender == nil {
				t.Fatalf("expected sender")
			}
			if got := fmt.Sprintf("%T", sender); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestBuildSMSSenderSelection(t *testing.T) {
	logger := logging.New("error")

	if _, ok := BuildSMSSender(&appconfig.Config{}, logger).(*notify.StubSMSSender); !ok {
		t.Fatalf("expected stub sms sender by default")
	}
	if _, ok := BuildSMSSender(&appconfig.Config{SMSProvider: "twilio"}, logger).(*notify.StubSMSSender); !ok {
		t.Fatalf("expected stub sms sender without credentials")
	}
	cfg := &appconfig.Config{
		SMSProvider:      "twilio",
		TwilioAccountSID: "AC123",
		TwilioAuthToken:  "secret",
		TwilioFromNumber: "+15550001111",
	}
	if _, ok := BuildSMSSender(cfg, logger).(*notify.TwilioSMSSender); !ok {
		t.Fatalf("expected twilio sender")
	}
}

func TestBuildStorage(t *testing.T) {
	logger := logging.New("error")

	files, err := BuildStorage(&appconfig.Config{UploadDir: t.TempDir()}, testAWSConfig(), logger)
	if err != nil {
		t.Fatalf("local storage: %v", err)
	}
	if _, ok := files.(*storage.LocalProvider); !ok {
		t.Fatalf("expected local provider, got %T", files)
	}

	files, err = BuildStorage(&appconfig.Config{StorageProvider: "s3", S3Bucket: "docs"}, testAWSConfig(), logger)
	if err != nil {
		t.Fatalf("s3 storage: %v", err)
	}
	if files.Name() != "s3" {
		t.Fatalf("expected s3 provider, got %s", files.Name())
	}

	if _, err := BuildStorage(&appconfig.Config{StorageProvider: "s3"}, testAWSConfig(), logger); err == nil {
		t.Fatalf("expected error without bucket")
	}
	if _, err := BuildStorage(&appconfig.Config{StorageProvider: "ftp"}, testAWSConfig(), logger); err == nil {
		t.Fatalf("expected error for unknown provider")
	}
}

func TestBuildEventPublisher(t *testing.T) {
	logger := logging.New("error")

	pub, closeFn, err := BuildEventPublisher(&appconfig.Config{}, testAWSConfig(), logger)
	if err != nil {
		t.Fatalf("log publisher: %v", err)
	}
	closeFn()
	if _, ok := pub.(*events.LogPublisher); !ok {
		t.Fatalf("expected log publisher, got %T", pub)
	}

	pub, _, err = BuildEventPublisher(&appconfig.Config{EventsBroker: "sqs", EventsQueueURL: "http://localhost:4566/000000000000/outbox"}, testAWSConfig(), logger)
	if err != nil {
		t.Fatalf("sqs publisher: %v", err)
	}
	if _, ok := pub.(*events.SQSPublisher); !ok {
		t.Fatalf("expected sqs publisher, got %T", pub)
	}

	if _, _, err := BuildEventPublisher(&appconfig.Config{EventsBroker: "sqs"}, testAWSConfig(), logger); err == nil {
		t.Fatalf("expected error without queue url")
	}
	if _, _, err := BuildEventPublisher(&appconfig.Config{EventsBroker: "kafka"}, testAWSConfig(), logger); err == nil {
		t.Fatalf("expected error for unknown broker")
	}
}
