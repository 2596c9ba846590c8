package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/go-gomail/gomail"

	"github.com/wolfman30/clinic-platform/pkg/logging"
)

// dialer is the part of *gomail.Dialer the SMTP sender needs.
type dialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// SMTPSender delivers mail through a plain SMTP relay.
type SMTPSender struct {
	dialer    dialer
	fromEmail string
	fromName  string
	logger    *logging.Logger
}

type SMTPConfig struct {
	Host      string
	Port      int
	Username  string
	Password  string
	FromEmail string
	FromName  string
}

// NewSMTPSender returns nil when no host is configured.
func NewSMTPSender(cfg SMTPConfig, logger *logging.Logger) *SMTPSender {
	if cfg.Host == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.FromName == "" {
		cfg.FromName = DefaultFromName
	}
	return &SMTPSender{
		dialer:    gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		fromEmail: cfg.FromEmail,
		fromName:  cfg.FromName,
		logger:    logger,
	}
}

// Send builds a MIME message and hands it to the relay. The relay call
// does not take a context, so cancellation is only checked up front.
func (s *SMTPSender) Send(ctx context.Context, msg EmailMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.dialer.DialAndSend(buildMIME(s.fromEmail, s.fromName, msg)); err != nil {
		s.logger.Error("smtp send failed", "error", err, "to", msg.To)
		return fmt.Errorf("notify: smtp send failed: %w", err)
	}
	s.logger.Info("email sent via smtp", "to", msg.To, "subject", msg.Subject)
	return nil
}

// buildMIME assembles a multipart message with text, optional HTML and
// attachments.
func buildMIME(fromEmail, fromName string, msg EmailMessage) *gomail.Message {
	m := gomail.NewMessage()
	m.SetAddressHeader("From", fromEmail, fromName)
	m.SetAddressHeader("To", msg.To, msg.ToName)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.Body)
	if msg.HTML != "" {
		m.AddAlternative("text/html", msg.HTML)
	}
	for _, a := range msg.Attachments {
		data := a.Data
		settings := []gomail.FileSetting{
			gomail.SetCopyFunc(func(w io.Writer) error {
				_, err := w.Write(data)
				return err
			}),
		}
		if a.ContentType != "" {
			settings = append(settings, gomail.SetHeader(map[string][]string{"Content-Type": {a.ContentType}}))
		}
		m.Attach(a.Name, settings...)
	}
	return m
}

// rawMIME renders the message to bytes for APIs that accept raw mail.
func rawMIME(fromEmail, fromName string, msg EmailMessage) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := buildMIME(fromEmail, fromName, msg).WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("notify: render mime: %w", err)
	}
	return buf.Bytes(), nil
}

var _ EmailSender = (*SMTPSender)(nil)
