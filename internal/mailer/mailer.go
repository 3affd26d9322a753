// Package mailer is the email delivery port. The worker decides when to
// send; implementations only know how.
package mailer

import (
	"context"

	"bursar/internal/log"
)

// Message is one plain-text email.
type Message struct {
	To      string
	ToName  string
	Subject string
	Body    string
}

// Mailer sends a single message. A returned error means the message was not
// delivered and the caller may retry.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// Console logs messages instead of sending them. Used in development and
// whenever no SendGrid key is configured.
type Console struct {
	logger *log.Logger
}

func NewConsole(logger *log.Logger) *Console {
	return &Console{logger: logger.WithComponent(log.ComponentMailer)}
}

func (c *Console) Send(ctx context.Context, msg Message) error {
	c.logger.InfoContext(ctx, "email (console)",
		"to", msg.To,
		"subject", msg.Subject,
		"body", msg.Body)
	return nil
}
