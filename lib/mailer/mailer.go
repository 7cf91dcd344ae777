// CertHub
// Copyright (C) 2025 Gravitational, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package mailer delivers operator notification mail. CertHub only mails
// password tokens; running without a configured mailer is fine, the
// password flows still work and tokens are just not emailed.
package mailer

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gravitational/trace"
	"github.com/mailgun/mailgun-go/v4"
	"gopkg.in/mail.v2"

	"github.com/gravitational/certhub"
)

const (
	// mailgunHTTPTimeout caps one Mailgun API request.
	mailgunHTTPTimeout = 10 * time.Second
	// smtpDialerTimeout caps SMTP dial and read/write operations.
	smtpDialerTimeout = 10 * time.Second
)

// Mailer is the interface to a mail transport.
type Mailer interface {
	// Send delivers one plain-text message to the recipient.
	Send(ctx context.Context, recipient, subject, body string) error
	// CheckHealth checks that the transport is reachable.
	CheckHealth(ctx context.Context) error
}

// SMTPConfig holds the SMTP transport settings.
type SMTPConfig struct {
	// Host is the SMTP server host.
	Host string
	// Port is the SMTP server port.
	Port int
	// Username authenticates the SMTP session. Optional.
	Username string
	// Password authenticates the SMTP session. Optional.
	Password string
	// From is the sender address.
	From string
	// StartTLS requires STARTTLS on the session.
	StartTLS bool
	// Logger emits mailer log messages.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *SMTPConfig) CheckAndSetDefaults() error {
	if c.Host == "" {
		return trace.BadParameter("missing parameter Host")
	}
	if c.From == "" {
		return trace.BadParameter("missing parameter From")
	}
	if c.Port == 0 {
		c.Port = 587
	}
	if c.Logger == nil {
		c.Logger = slog.With(certhub.ComponentKey, certhub.ComponentMailer)
	}
	return nil
}

// SMTPMailer delivers mail over SMTP.
type SMTPMailer struct {
	dialer *mail.Dialer
	from   string
	logger *slog.Logger
}

var _ Mailer = (*SMTPMailer)(nil)

// NewSMTP returns an SMTP-backed mailer.
func NewSMTP(cfg SMTPConfig) (*SMTPMailer, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	dialer := mail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	dialer.Timeout = smtpDialerTimeout
	if cfg.StartTLS {
		dialer.StartTLSPolicy = mail.MandatoryStartTLS
	}
	return &SMTPMailer{dialer: dialer, from: cfg.From, logger: cfg.Logger}, nil
}

// Send delivers the message over SMTP.
func (m *SMTPMailer) Send(ctx context.Context, recipient, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return trace.Wrap(err)
	}
	msg := mail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", recipient)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", body)
	if err := m.dialer.DialAndSend(msg); err != nil {
		return trace.Wrap(err)
	}
	m.logger.DebugContext(ctx, "Sent mail over SMTP.", "to", recipient, "subject", subject)
	return nil
}

// CheckHealth dials the SMTP server.
func (m *SMTPMailer) CheckHealth(ctx context.Context) error {
	client, err := m.dialer.Dial()
	if err != nil {
		return trace.Wrap(err)
	}
	if err := client.Close(); err != nil {
		m.logger.DebugContext(ctx, "Failed to close connection after health check.", "error", err)
	}
	return nil
}

// MailgunConfig holds the Mailgun transport settings.
type MailgunConfig struct {
	// Domain is the sending domain registered with Mailgun.
	Domain string
	// PrivateKey is the Mailgun API key.
	PrivateKey string
	// From is the sender address.
	From string
	// APIBase overrides the Mailgun API endpoint. Used in tests.
	APIBase string
	// Client overrides the HTTP client. Used in tests.
	Client *http.Client
	// Logger emits mailer log messages.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *MailgunConfig) CheckAndSetDefaults() error {
	if c.Domain == "" {
		return trace.BadParameter("missing parameter Domain")
	}
	if c.PrivateKey == "" {
		return trace.BadParameter("missing parameter PrivateKey")
	}
	if c.From == "" {
		return trace.BadParameter("missing parameter From")
	}
	if c.Logger == nil {
		c.Logger = slog.With(certhub.ComponentKey, certhub.ComponentMailer)
	}
	return nil
}

// MailgunMailer delivers mail through the Mailgun API.
type MailgunMailer struct {
	mailgun *mailgun.MailgunImpl
	from    string
	logger  *slog.Logger
}

var _ Mailer = (*MailgunMailer)(nil)

// NewMailgun returns a Mailgun-backed mailer.
func NewMailgun(cfg MailgunConfig) (*MailgunMailer, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	mg := mailgun.NewMailgun(cfg.Domain, cfg.PrivateKey)
	if cfg.APIBase != "" {
		mg.SetAPIBase(cfg.APIBase)
	}
	if cfg.Client != nil {
		mg.SetClient(cfg.Client)
	}
	return &MailgunMailer{mailgun: mg, from: cfg.From, logger: cfg.Logger}, nil
}

// Send delivers the message through the Mailgun API.
func (m *MailgunMailer) Send(ctx context.Context, recipient, subject, body string) error {
	msg := m.mailgun.NewMessage(m.from, subject, body, recipient)
	msg.SetRequireTLS(true)

	ctx, cancel := context.WithTimeout(ctx, mailgunHTTPTimeout)
	defer cancel()
	if _, _, err := m.mailgun.Send(ctx, msg); err != nil {
		return trace.Wrap(err)
	}
	m.logger.DebugContext(ctx, "Sent mail through Mailgun.", "to", recipient, "subject", subject)
	return nil
}

// CheckHealth submits a test-mode message, which Mailgun accepts without
// delivering.
func (m *MailgunMailer) CheckHealth(ctx context.Context) error {
	msg := m.mailgun.NewMessage(m.from, "CertHub health check", "Testing Mailgun API connection...", m.from)
	msg.SetRequireTLS(true)
	msg.EnableTestMode()

	ctx, cancel := context.WithTimeout(ctx, mailgunHTTPTimeout)
	defer cancel()
	_, _, err := m.mailgun.Send(ctx, msg)
	return trace.Wrap(err)
}
