package notify

import (
	"context"
	"fmt"

	"github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/wolfman30/clinic-platform/pkg/logging"
)

// SMSSender sends text messages to patients.
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

type messageAPI interface {
	CreateMessage(params *openapi.CreateMessageParams) (*openapi.ApiV2010Message, error)
}

// TwilioSMSSender sends through the Twilio messages API.
type TwilioSMSSender struct {
	api    messageAPI
	from   string
	logger *logging.Logger
}

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
}

// NewTwilioSMSSender returns nil when credentials are missing.
func NewTwilioSMSSender(cfg TwilioConfig, logger *logging.Logger) *TwilioSMSSender {
	if cfg.AccountSID == "" || cfg.AuthToken == "" || cfg.FromNumber == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &TwilioSMSSender{api: client.Api, from: cfg.FromNumber, logger: logger}
}

// SendSMS sends body to the E.164 number to.
func (s *TwilioSMSSender) SendSMS(ctx context.Context, to, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := &openapi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(s.from)
	params.SetBody(body)

	resp, err := s.api.CreateMessage(params)
	if err != nil {
		s.logger.Error("twilio send failed", "error", err, "to", to)
		return fmt.Errorf("notify: twilio send failed: %w", err)
	}
	sid := ""
	if resp != nil && resp.Sid != nil {
		sid = *resp.Sid
	}
	s.logger.Info("sms sent via twilio", "to", to, "sid", sid)
	return nil
}

// StubSMSSender is a no-op sender for testing.
type StubSMSSender struct {
	logger *logging.Logger
}

// NewStubSMSSender creates a stub SMS sender.
func NewStubSMSSender(logger *logging.Logger) *StubSMSSender {
	if logger == nil {
		logger = logging.Default()
	}
	return &StubSMSSender{logger: logger}
}

// SendSMS logs but doesn't send.
func (s *StubSMSSender) SendSMS(ctx context.Context, to, body string) error {
	s.logger.Info("stub SMS sender: would send", "to", to, "body_preview", truncate(body, 50))
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

var (
	_ SMSSender = (*TwilioSMSSender)(nil)
	_ SMSSender = (*StubSMSSender)(nil)
)
