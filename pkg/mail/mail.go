// Package mail delivers outbound email.
package mail

import (
	"context"
	"errors"
	"log/slog"
	"strings"
)

// Message is a single outbound email. Text is optional; HTML is required.
type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

func (m Message) validate() error {
	switch {
	case strings.TrimSpace(m.To) == "":
		return errors.New("mail recipient required")
	case strings.TrimSpace(m.Subject) == "":
		return errors.New("mail subject required")
	case strings.TrimSpace(m.HTML) == "":
		return errors.New("mail body required")
	}
	return nil
}

// Mailer sends a message synchronously.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// LogMailer writes messages to the log instead of sending them. It is used
// when no SMTP host is configured.
type LogMailer struct {
	Logger *slog.Logger
}

func (l LogMailer) Send(ctx context.Context, msg Message) error {
	if err := msg.validate(); err != nil {
		return err
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "mail not sent, no smtp configured", "to", msg.To, "subject", msg.Subject)
	return nil
}

// New returns an SMTPMailer for cfg, or a LogMailer when no host is set.
func New(cfg SMTPConfig, logger *slog.Logger) (Mailer, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return LogMailer{Logger: logger}, nil
	}
	return NewSMTPMailer(cfg)
}
