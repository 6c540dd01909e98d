package notify

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"commguard/internal/config"
)

// Mailer is the mail-transport collaborator contract. Failures are
// reported, never swallowed; the caller decides whether they retry.
type Mailer interface {
	Send(ctx context.Context, recipients []string, subject, body string) error
}

type smtpMailer struct {
	addr     string
	from     string
	username string
	password string
}

// NewMailer returns nil when mail is disabled; call sites treat a nil
// mailer as an absent collaborator.
func NewMailer(cfg config.MailConfig) Mailer {
	if !cfg.Enabled {
		return nil
	}
	return &smtpMailer{
		addr:     cfg.Addr,
		from:     cfg.From,
		username: cfg.Username,
		password: cfg.Password,
	}
}

func (m *smtpMailer) Send(ctx context.Context, recipients []string, subject, body string) error {
	if len(recipients) == 0 {
		return errors.New("mail: no recipients")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := buildMessage(m.from, recipients, subject, body)

	done := make(chan error, 1)
	go func() {
		var auth smtp.Auth
		if m.username != "" {
			host := m.addr
			if i := strings.LastIndex(host, ":"); i >= 0 {
				host = host[:i]
			}
			auth = smtp.PlainAuth("", m.username, m.password, host)
		}
		done <- smtp.SendMail(m.addr, auth, m.from, recipients, msg)
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("mail: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func buildMessage(from string, recipients []string, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(recipients, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(body)
	return []byte(b.String())
}
