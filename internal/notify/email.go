package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/wneessen/go-mail"
	"go.uber.org/zap"

	"github.com/mpesa-sap-bridge/internal/models"
	"github.com/mpesa-sap-bridge/internal/reconcile"
)

// Mailer sends operational emails. Delivery failures are reported to
// the caller, who logs and moves on: notifications never gate a
// transaction outcome.
type Mailer struct {
	client *mail.Client
	from   string
	log    *zap.Logger
}

// NewMailer creates an SMTP-backed mailer
func NewMailer(host string, port int, user, pass, from string, log *zap.Logger) (*Mailer, error) {
	c, err := mail.NewClient(host,
		mail.WithPort(port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(user),
		mail.WithPassword(pass),
	)
	if err != nil {
		return nil, fmt.Errorf("could not initialize smtp client: %w", err)
	}
	return &Mailer{client: c, from: from, log: log.Named("notify")}, nil
}

// SendTransactionResult emails the outcome of one completed payment.
func (m *Mailer) SendTransactionResult(ctx context.Context, to string, tx *models.Transaction) error {
	receipt := ""
	if tx.MpesaReceipt != nil {
		receipt = *tx.MpesaReceipt
	}

	subject := fmt.Sprintf("Transaction %s", tx.Status)
	if receipt != "" {
		subject = fmt.Sprintf("Transaction %s: %s", tx.Status, receipt)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Payment update\n\n")
	fmt.Fprintf(&b, "Status:    %s\n", tx.Status)
	fmt.Fprintf(&b, "Amount:    KES %s\n", tx.Amount.StringFixed(2))
	fmt.Fprintf(&b, "Phone:     %s\n", tx.PhoneNumber)
	fmt.Fprintf(&b, "Reference: %s\n", tx.AccountReference)
	if receipt != "" {
		fmt.Fprintf(&b, "Receipt:   %s\n", receipt)
	}
	if tx.ResultDesc != nil {
		fmt.Fprintf(&b, "Result:    %s\n", *tx.ResultDesc)
	}

	return m.send(ctx, to, subject, b.String())
}

// SendDailyReport emails the reconciliation summary for one day.
func (m *Mailer) SendDailyReport(ctx context.Context, to string, report *reconcile.Report) error {
	subject := fmt.Sprintf("Daily Reconciliation Report - %s", report.Date)

	var b strings.Builder
	fmt.Fprintf(&b, "Reconciliation for %s\n\n", report.Date)
	fmt.Fprintf(&b, "Successful transactions: %d\n", report.TotalTransactions)
	fmt.Fprintf(&b, "Total amount:            KES %s\n", report.TotalAmount.StringFixed(2))
	fmt.Fprintf(&b, "Ledger status:           %s\n", report.LedgerStatus)
	fmt.Fprintf(&b, "Discrepancies:           %d\n", len(report.Discrepancies))
	for _, d := range report.Discrepancies {
		fmt.Fprintf(&b, "  - %s %s", d.Type, d.Reference)
		if d.Description != "" {
			fmt.Fprintf(&b, " (%s)", d.Description)
		}
		if d.Difference != nil {
			fmt.Fprintf(&b, " difference KES %s", d.Difference.StringFixed(2))
		}
		fmt.Fprintln(&b)
	}

	return m.send(ctx, to, subject, b.String())
}

func (m *Mailer) send(ctx context.Context, to, subject, body string) error {
	msg := mail.NewMsg()
	if err := msg.From(m.from); err != nil {
		return fmt.Errorf("invalid sender address: %w", err)
	}
	if err := msg.To(to); err != nil {
		return fmt.Errorf("invalid recipient address: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, body)

	if err := m.client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("failed to send mail: %w", err)
	}
	m.log.Info("notification sent", zap.String("to", to), zap.String("subject", subject))
	return nil
}
