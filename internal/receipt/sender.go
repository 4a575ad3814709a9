package receipt

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/smtp"
	"os"
	"text/template"

	"github.com/fintlabs/payment-reconciler/internal/gateway"
	"github.com/fintlabs/payment-reconciler/internal/order"
)

// Service sends the customer a receipt for an in-person (card-present)
// payment using the merchant's display settings.
type Service interface {
	SendCustomerIPPReceiptEmail(ctx context.Context, o *order.Order, settings gateway.Settings, charge gateway.Charge) error
}

// SMTPSender delivers receipts over SMTP.
type SMTPSender struct {
	host string
	port string
	from string
	to   string
	auth smtp.Auth // nil for local dev (MailHog)
}

func NewSMTPSender() *SMTPSender {
	return &SMTPSender{
		host: getenv("SMTP_HOST", "localhost"),
		port: getenv("SMTP_PORT", "1025"),
		from: getenv("SMTP_FROM", "no-reply@example.local"),
		to:   getenv("DEMO_TO_EMAIL", "test@example.local"),
		// auth: add when using a real provider (smtp.PlainAuth("", user, pass, host))
	}
}

func (s *SMTPSender) SendCustomerIPPReceiptEmail(ctx context.Context, o *order.Order, settings gateway.Settings, charge gateway.Charge) error {
	addr := fmt.Sprintf("%s:%s", s.host, s.port)
	subject := fmt.Sprintf("Receipt for your payment to %s", settings.BusinessName)
	body := renderIPPReceipt(o, settings, charge)
	msg := buildRFC822(s.from, s.to, subject, body)
	return smtp.SendMail(addr, s.auth, s.from, []string{s.to}, msg)
}

var ippReceiptTpl = template.Must(template.New("ippReceipt").Parse(`
<h2>Thanks for your payment to {{.BusinessName}}!</h2>
<p>Order ID: <b>{{.OrderID}}</b></p>
<p>Total: <b>{{.Amount}}</b></p>
<p>Charge: {{.ChargeID}}</p>
<p>Questions? Contact {{.SupportEmail}}{{if .SupportPhone}} or {{.SupportPhone}}{{end}}.</p>
`))

func renderIPPReceipt(o *order.Order, settings gateway.Settings, charge gateway.Charge) string {
	var buf bytes.Buffer
	_ = ippReceiptTpl.Execute(&buf, map[string]any{
		"BusinessName": settings.BusinessName,
		"OrderID":      o.ID,
		"Amount":       o.FormatAmount(),
		"ChargeID":     charge.ID,
		"SupportEmail": settings.SupportEmail,
		"SupportPhone": settings.SupportPhone,
	})
	return buf.String()
}

func buildRFC822(from, to, subject, html string) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", to)
	fmt.Fprintf(&buf, "Subject: %s\r\n", subject)
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&buf, "\r\n%s\r\n", html)
	return buf.Bytes()
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

// LogSender is a fallback for dev environments without SMTP.
type LogSender struct{}

func (LogSender) SendCustomerIPPReceiptEmail(ctx context.Context, o *order.Order, settings gateway.Settings, charge gateway.Charge) error {
	log.Printf("[Receipt] order=%s charge=%s amount=%s", o.ID, charge.ID, o.FormatAmount())
	return nil
}
