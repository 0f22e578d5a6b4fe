// Package notifier delivers the owner's digest. Send never retries; callers
// decide what a failure means.
package notifier

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"go.uber.org/zap"
)

// Notifier is the notification capability.
type Notifier interface {
	Send(ctx context.Context, recipient, subject, htmlBody string) error
}

var recipientPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// ValidRecipient reports whether addr looks like a deliverable address.
func ValidRecipient(addr string) bool {
	return recipientPattern.MatchString(addr)
}

// Config selects and tunes a backend.
type Config struct {
	Backend string `yaml:"backend" validate:"oneof=log smtp ses"`
	From    string `yaml:"from"`

	SMTPHost     string `yaml:"smtp_host"`
	SMTPPort     int    `yaml:"smtp_port"`
	SMTPUsername string `yaml:"smtp_username"`
	SMTPPassword string `yaml:"smtp_password"`

	SESRegion string `yaml:"ses_region"`
}

// New builds the configured backend.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (Notifier, error) {
	switch cfg.Backend {
	case "", "log":
		return NewLog(logger), nil
	case "smtp":
		return NewSMTP(cfg)
	case "ses":
		return NewSES(ctx, cfg)
	default:
		return nil, fmt.Errorf("notifier: unknown backend %q", cfg.Backend)
	}
}

// Sent is one message recorded by Log.
type Sent struct {
	Recipient string
	Subject   string
	Body      string
}

// Log writes messages to the log instead of delivering them. It keeps what
// it sent, which makes it the notifier of choice in tests and local runs.
type Log struct {
	logger *zap.Logger

	mu   sync.Mutex
	sent []Sent
}

func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger}
}

func (l *Log) Send(ctx context.Context, recipient, subject, htmlBody string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.logger.Info("notification",
		zap.String("recipient", recipient),
		zap.String("subject", subject),
		zap.Int("body_bytes", len(htmlBody)),
	)
	l.mu.Lock()
	l.sent = append(l.sent, Sent{Recipient: recipient, Subject: subject, Body: htmlBody})
	l.mu.Unlock()
	return nil
}

// Sent returns a copy of the messages sent so far.
func (l *Log) Sent() []Sent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Sent(nil), l.sent...)
}
