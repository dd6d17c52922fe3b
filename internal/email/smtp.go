package email

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	gomail "github.com/wneessen/go-mail"

	"github.com/astrosense/authd/internal/config"
)

const messageBody = `Your AstroSense login code is: %s

This code will expire in 5 minutes.

If you didn't request this code, please ignore this email.`

// SMTPDeliverer sends login codes through an SMTP relay.
type SMTPDeliverer struct {
	client *gomail.Client
	from   string
	logger *logrus.Logger
}

func NewSMTPDeliverer(cfg *config.SMTPConfig, logger *logrus.Logger) (*SMTPDeliverer, error) {
	client, err := gomail.NewClient(cfg.Host,
		gomail.WithPort(cfg.Port),
		gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
		gomail.WithUsername(cfg.Username),
		gomail.WithPassword(cfg.Password),
		gomail.WithTLSPortPolicy(gomail.TLSMandatory),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create smtp client: %w", err)
	}

	return &SMTPDeliverer{
		client: client,
		from:   cfg.From,
		logger: logger,
	}, nil
}

func (d *SMTPDeliverer) Deliver(ctx context.Context, email, code string) error {
	msg := gomail.NewMsg()
	if err := msg.From(d.from); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	if err := msg.To(email); err != nil {
		return fmt.Errorf("failed to set recipient: %w", err)
	}
	msg.Subject("AstroSense Login Code")
	msg.SetBodyString(gomail.TypeTextPlain, fmt.Sprintf(messageBody, code))

	if err := d.client.DialAndSendWithContext(ctx, msg); err != nil {
		d.logger.WithError(err).WithField("email", email).Error("Failed to send login code")
		return fmt.Errorf("failed to send login code: %w", err)
	}

	d.logger.WithField("email", email).Info("Login code sent")
	return nil
}
