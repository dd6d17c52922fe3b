// Package email is the delivery collaborator boundary. The core only knows
// the Deliverer interface; whether a code actually lands in an inbox is the
// transport's problem.
package email

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Deliverer requests delivery of a login code to an address. A returned
// error means the transport did not accept the request; the OTP session
// stays usable either way.
type Deliverer interface {
	Deliver(ctx context.Context, email, code string) error
}

// LogDeliverer is the development stand-in for the email transport: it
// writes the code to the log instead of sending it. The delivery channel is
// the one place plaintext codes are allowed to appear, and in this mode the
// log is that channel. Never wire it in production.
type LogDeliverer struct {
	logger *logrus.Logger
}

func NewLogDeliverer(logger *logrus.Logger) *LogDeliverer {
	return &LogDeliverer{logger: logger}
}

func (d *LogDeliverer) Deliver(ctx context.Context, email, code string) error {
	d.logger.WithFields(logrus.Fields{
		"email": email,
		"code":  code,
	}).Warn("Email transport not configured; delivering login code via log")
	return nil
}
