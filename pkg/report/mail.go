package report

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	gomail "gopkg.in/gomail.v2"
)

// Mailer delivers the rendered report by SMTP. Migration runs are usually
// unattended; mailing the review document beats hoping someone reads the
// log.
type Mailer struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
}

// MailerFromEnv reads UPGRADE_SMTP_* settings. ok is false when no host is
// configured, which disables mailing.
func MailerFromEnv() (*Mailer, bool) {
	host := os.Getenv("UPGRADE_SMTP_HOST")
	if host == "" {
		return nil, false
	}
	port := 587
	if raw := os.Getenv("UPGRADE_SMTP_PORT"); raw != "" {
		if p, err := strconv.Atoi(raw); err == nil {
			port = p
		}
	}
	m := &Mailer{
		Host:     host,
		Port:     port,
		Username: os.Getenv("UPGRADE_SMTP_USER"),
		Password: os.Getenv("UPGRADE_SMTP_PASSWORD"),
		From:     os.Getenv("UPGRADE_SMTP_FROM"),
	}
	if m.From == "" {
		m.From = "upgrade@" + host
	}
	if to := os.Getenv("UPGRADE_SMTP_TO"); to != "" {
		for _, addr := range strings.Split(to, ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				m.To = append(m.To, addr)
			}
		}
	}
	return m, len(m.To) > 0
}

// Send mails the HTML document.
func (m *Mailer) Send(subject, html string) error {
	msg := gomail.NewMessage()
	msg.SetHeader("From", m.From)
	msg.SetHeader("To", m.To...)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/html", html)

	dialer := gomail.NewDialer(m.Host, m.Port, m.Username, m.Password)
	if err := dialer.DialAndSend(msg); err != nil {
		return fmt.Errorf("sending report to %s: %w", strings.Join(m.To, ", "), err)
	}
	return nil
}
