package delivery

import (
	"context"
	"fmt"

	"github.com/badoux/checkmail"
	"github.com/google/uuid"
	"gopkg.in/gomail.v2"
)

// SMTPConfig holds the outgoing mail settings.
type SMTPConfig struct {
	Host      string
	Port      int
	Username  string
	Password  string
	FromEmail string
	FromName  string

	// MessageIDDomain is the right-hand side of generated Message-Id headers.
	MessageIDDomain string
}

type mailSender interface {
	DialAndSend(m ...*gomail.Message) error
}

// SMTPChannel delivers steps as HTML email.
type SMTPChannel struct {
	cfg    SMTPConfig
	sender mailSender
}

func NewSMTPChannel(cfg SMTPConfig) *SMTPChannel {
	if cfg.MessageIDDomain == "" {
		cfg.MessageIDDomain = "dripline.local"
	}
	return &SMTPChannel{
		cfg:    cfg,
		sender: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
	}
}

func (c *SMTPChannel) Send(ctx context.Context, req Request) Result {
	if err := checkmail.ValidateFormat(req.To); err != nil {
		return Failed(fmt.Errorf("recipient %q: %w", req.To, err))
	}

	messageID := fmt.Sprintf("<%s@%s>", uuid.New().String(), c.cfg.MessageIDDomain)

	m := gomail.NewMessage()
	m.SetHeader("From", m.FormatAddress(c.cfg.FromEmail, c.cfg.FromName))
	if req.ToName != "" {
		m.SetHeader("To", m.FormatAddress(req.To, req.ToName))
	} else {
		m.SetHeader("To", req.To)
	}
	m.SetHeader("Subject", req.Content.Subject)
	m.SetHeader("Message-Id", messageID)
	m.SetHeader("X-Dripline-Key", req.IdempotencyKey)
	m.SetBody("text/html", req.Content.Body)

	// gomail has no context support; the send is abandoned, not cancelled.
	done := make(chan error, 1)
	go func() { done <- c.sender.DialAndSend(m) }()

	select {
	case err := <-done:
		if err != nil {
			return Failed(fmt.Errorf("error sending email: %w", err))
		}
		return Delivered(messageID)
	case <-ctx.Done():
		return Failed(ctx.Err())
	}
}
