package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"
)

// ErrEmailDisabled is returned by a mailer built without an SMTP host.
var ErrEmailDisabled = errors.New("email transport not configured")

type SMTPConfig struct {
	Host      string
	Port      int
	Username  string
	Password  string
	FromEmail string
	FromName  string
}

type messageSender interface {
	DialAndSend(m ...*gomail.Message) error
}

type SMTPMailer struct {
	cfg    SMTPConfig
	sender messageSender
}

func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	if strings.TrimSpace(cfg.Host) == "" {
		return &SMTPMailer{cfg: cfg}
	}
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	d.TLSConfig = &tls.Config{ServerName: cfg.Host}
	return &SMTPMailer{cfg: cfg, sender: d}
}

// SendEmail delivers one message and returns the Message-ID it was sent
// with. gomail has no context support, so a cancelled ctx abandons the
// wait but not the SMTP session.
func (m *SMTPMailer) SendEmail(ctx context.Context, to, subject, body string) (string, error) {
	if m.sender == nil {
		return "", ErrEmailDisabled
	}
	if strings.TrimSpace(to) == "" {
		return "", fmt.Errorf("missing recipient address")
	}

	msgID := m.messageID()

	msg := gomail.NewMessage()
	if m.cfg.FromName != "" {
		msg.SetAddressHeader("From", m.cfg.FromEmail, m.cfg.FromName)
	} else {
		msg.SetHeader("From", m.cfg.FromEmail)
	}
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", subject)
	msg.SetHeader("Message-ID", msgID)
	msg.SetHeader("Auto-Submitted", "auto-generated")
	if looksLikeHTML(body) {
		msg.SetBody("text/html", body)
	} else {
		msg.SetBody("text/plain", body)
	}

	done := make(chan error, 1)
	go func() { done <- m.sender.DialAndSend(msg) }()

	select {
	case err := <-done:
		if err != nil {
			return "", fmt.Errorf("smtp send to %s: %w", to, err)
		}
		return msgID, nil
	case <-ctx.Done():
		return "", fmt.Errorf("smtp send to %s: %w", to, ctx.Err())
	}
}

func (m *SMTPMailer) messageID() string {
	domain := "localhost"
	if i := strings.LastIndex(m.cfg.FromEmail, "@"); i >= 0 && i < len(m.cfg.FromEmail)-1 {
		domain = m.cfg.FromEmail[i+1:]
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}

func looksLikeHTML(body string) bool {
	s := strings.ToLower(body)
	return strings.Contains(s, "</") || strings.Contains(s, "<br")
}
