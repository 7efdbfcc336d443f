// Package notify sends operator emails for account lifecycle events.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"
	"time"

	"github.com/dg-devloper/mjopen-api-sub001/internal/redis"
)

// dedupTTL bounds how often the same account may trigger a mail.
const dedupTTL = 24 * time.Hour

// Mailer emails the operator when an account gets disabled. A Redis
// lock deduplicates repeated disables of the same account.
type Mailer struct {
	log   *slog.Logger
	redis *redis.Client

	host string
	port int
	user string
	pass string
	to   []string
}

func NewMailer(log *slog.Logger, redisClient *redis.Client, host string, port int, user, pass string, to []string) *Mailer {
	return &Mailer{
		log:   log,
		redis: redisClient,
		host:  host,
		port:  port,
		user:  user,
		pass:  pass,
		to:    to,
	}
}

// Enabled reports whether the mailer has enough config to send.
func (m *Mailer) Enabled() bool {
	return m != nil && m.host != "" && len(m.to) > 0
}

// AccountDisabled notifies the operator once per account per day.
func (m *Mailer) AccountDisabled(ctx context.Context, accountID, reason string) {
	if !m.Enabled() {
		return
	}
	if m.redis != nil {
		ok, err := m.redis.TryLock(ctx, "mj:notify:disabled:"+accountID, dedupTTL)
		if err != nil {
			m.log.Warn("notify_dedup_check_failed", "account_id", accountID, "error", err)
		} else if !ok {
			return
		}
	}

	subject := fmt.Sprintf("Discord account %s disabled", accountID)
	body := fmt.Sprintf("Account %s was disabled.\r\nReason: %s\r\nTime: %s\r\n",
		accountID, reason, time.Now().Format(time.RFC3339))
	if err := m.send(subject, body); err != nil {
		m.log.Error("notify_mail_failed", "account_id", accountID, "error", err)
		return
	}
	m.log.Info("notify_mail_sent", "account_id", accountID, "reason", reason)
}

func (m *Mailer) send(subject, body string) error {
	addr := fmt.Sprintf("%s:%d", m.host, m.port)
	msg := strings.Join([]string{
		"From: " + m.user,
		"To: " + strings.Join(m.to, ","),
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=UTF-8",
		"",
		body,
	}, "\r\n")

	var auth smtp.Auth
	if m.pass != "" {
		auth = smtp.PlainAuth("", m.user, m.pass, m.host)
	}
	if err := smtp.SendMail(addr, auth, m.user, m.to, []byte(msg)); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return nil
}
