// Package mailer sends the transactional checkout emails over SMTP.
// Delivery is best-effort: callers log failures and carry on.
package mailer

import (
	"bytes"
	"context"
	"fmt"
	"text/template"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"

	"github.com/iliyamo/trip-checkout/internal/config"
)

// Receipt is the order data shown in confirmation emails.
type Receipt struct {
	OrderNumber  string
	Email        string
	FirstName    string
	TotalCents   int64
	PointsUsed   int64
	PointsEarned int64
}

// Mailer renders plain-text messages and hands them to an SMTP dialer.
type Mailer struct {
	from    string
	log     *logrus.Logger
	enabled bool
	send    func(m ...*gomail.Message) error
}

// New returns a Mailer.  With an empty SMTP host messages are logged and
// dropped.
func New(cfg config.SMTPConfig, log *logrus.Logger) *Mailer {
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	return &Mailer{
		from:    cfg.From,
		log:     log,
		enabled: cfg.Host != "",
		send:    d.DialAndSend,
	}
}

// WithSendFunc replaces the SMTP transport.
func (m *Mailer) WithSendFunc(fn func(msgs ...*gomail.Message) error) *Mailer {
	m.send = fn
	m.enabled = true
	return m
}

var (
	magicLinkTmpl = template.Must(template.New("magic").Parse(
		`Hello,

use the link below to apply your loyalty points to your booking:

{{.Link}}

The link works once and expires at {{.ExpiresAt}}.
If you did not request it you can ignore this message.
`))

	orderTmpl = template.Must(template.New("order").Funcs(funcs).Parse(
		`Hello {{.FirstName}},

we received your booking {{.OrderNumber}}.
Amount due: {{money .TotalCents}}{{if .PointsUsed}} ({{.PointsUsed}} loyalty points applied){{end}}.

Your seats are held until the payment is settled.
`))

	paymentTmpl = template.Must(template.New("payment").Funcs(funcs).Parse(
		`Hello {{.FirstName}},

payment for booking {{.OrderNumber}} ({{money .TotalCents}}) is confirmed.
{{if .PointsEarned}}You earned {{.PointsEarned}} loyalty points.
{{end}}
Have a good trip!
`))

	funcs = template.FuncMap{"money": FormatCents}
)

// FormatCents renders an amount in cents as units with two decimals.
func FormatCents(c int64) string {
	return fmt.Sprintf("%d.%02d", c/100, c%100)
}

func (m *Mailer) SendMagicLink(ctx context.Context, to, link string, expiresAt time.Time) error {
	return m.deliver(ctx, to, "Your checkout link", magicLinkTmpl, map[string]string{
		"Link":      link,
		"ExpiresAt": expiresAt.UTC().Format("15:04 MST"),
	})
}

func (m *Mailer) SendOrderConfirmation(ctx context.Context, r Receipt) error {
	return m.deliver(ctx, r.Email, "Booking "+r.OrderNumber+" received", orderTmpl, r)
}

func (m *Mailer) SendPaymentConfirmation(ctx context.Context, r Receipt) error {
	return m.deliver(ctx, r.Email, "Booking "+r.OrderNumber+" confirmed", paymentTmpl, r)
}

func (m *Mailer) deliver(ctx context.Context, to, subject string, tmpl *template.Template, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var body bytes.Buffer
	if err := tmpl.Execute(&body, data); err != nil {
		return fmt.Errorf("render %s: %w", tmpl.Name(), err)
	}
	if !m.enabled {
		m.log.WithFields(logrus.Fields{"to": to, "subject": subject}).Info("smtp disabled, email not sent")
		return nil
	}
	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", body.String())
	if err := m.send(msg); err != nil {
		return fmt.Errorf("send %s email: %w", tmpl.Name(), err)
	}
	return nil
}
