package mailer

import (
	"context"
	"fmt"

	"gopkg.in/gomail.v2"

	"github.com/medrex/appointment-service/pkg/config"
	"github.com/medrex/appointment-service/pkg/interfaces"
	"github.com/medrex/appointment-service/pkg/logger"
)

// SMTPSender delivers plain-text email through an SMTP relay
type SMTPSender struct {
	dialer   *gomail.Dialer
	from     string
	fromName string
	logger   *logger.Logger
}

// NewSMTPSender creates a sender for the configured relay
func NewSMTPSender(cfg *config.SMTPConfig, log *logger.Logger) *SMTPSender {
	return &SMTPSender{
		dialer:   gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:     cfg.From,
		fromName: cfg.FromName,
		logger:   log,
	}
}

// New picks the SMTP sender when a relay host is configured and the logging
// sender otherwise
func New(cfg *config.SMTPConfig, log *logger.Logger) interfaces.EmailSender {
	if cfg.Host == "" {
		log.WithComponent("mailer").Warn("SMTP host not configured, emails will only be logged")
		return NewLogSender(log)
	}
	return NewSMTPSender(cfg, log)
}

// SendEmail implements interfaces.EmailSender
func (s *SMTPSender) SendEmail(ctx context.Context, to, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m := s.buildMessage(to, subject, body)

	// gomail has no context support, so the dial runs in the background and
	// the caller stops waiting once ctx is done
	done := make(chan error, 1)
	go func() { done <- s.dialer.DialAndSend(m) }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to send email to %s: %w", to, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sending email to %s: %w", to, ctx.Err())
	}
}

func (s *SMTPSender) buildMessage(to, subject, body string) *gomail.Message {
	m := gomail.NewMessage()
	m.SetAddressHeader("From", s.from, s.fromName)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", body)
	return m
}

// LogSender writes emails to the log instead of sending them
type LogSender struct {
	logger *logger.Logger
}

// NewLogSender creates a logging sender
func NewLogSender(log *logger.Logger) *LogSender {
	return &LogSender{logger: log}
}

// SendEmail implements interfaces.EmailSender
func (s *LogSender) SendEmail(ctx context.Context, to, subject, body string) error {
	s.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"component": "mailer",
		"to":        to,
		"subject":   subject,
		"body_size": len(body),
	}).Info("Email logged (SMTP disabled)")
	return nil
}
