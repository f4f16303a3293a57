// Package mailer defines the outbound email port. Delivery mechanics live
// outside this system; services depend only on the interface.
package mailer

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Mail is a single outbound message.
type Mail struct {
	To      string
	Subject string
	Body    string
}

// Mailer sends mail. Implementations must be safe for concurrent use.
type Mailer interface {
	Send(ctx context.Context, m Mail) error
}

// LogMailer is the default implementation: it records the mail instead of
// delivering it. Deployments swap in a real sender.
type LogMailer struct {
	log *logrus.Logger
}

// NewLogMailer builds the logging mailer.
func NewLogMailer(log *logrus.Logger) *LogMailer {
	return &LogMailer{log: log}
}

// Send logs the message at info level.
func (m *LogMailer) Send(_ context.Context, mail Mail) error {
	m.log.WithFields(logrus.Fields{
		"to":      mail.To,
		"subject": mail.Subject,
	}).Info("outbound mail")
	return nil
}
