package channel

import (
	"context"
	"fmt"

	"gopkg.in/gomail.v2"

	"github.com/jwalitptl/caseflow/internal/model"
)

// mailDialer is the part of *gomail.Dialer the adapter uses.
type mailDialer interface {
	DialAndSend(m ...*gomail.Message) error
}

type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type EmailAdapter struct {
	dialer mailDialer
	from   string
}

func NewEmailAdapter(cfg EmailConfig) *EmailAdapter {
	return &EmailAdapter{
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:   cfg.From,
	}
}

func (a *EmailAdapter) Channel() model.Channel {
	return model.ChannelEmail
}

// Send dials per message. gomail has no context support, so the dial runs in
// a goroutine and an expired ctx is reported as a failure while the dial
// finishes in the background.
func (a *EmailAdapter) Send(ctx context.Context, msg Message) (Result, error) {
	if msg.Address == "" {
		return Result{}, ErrNoAddress
	}

	messageID := fmt.Sprintf("<%s@caseflow>", msg.NotificationID)
	m := gomail.NewMessage()
	m.SetHeader("From", a.from)
	if msg.Name != "" {
		m.SetAddressHeader("To", msg.Address, msg.Name)
	} else {
		m.SetHeader("To", msg.Address)
	}
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", messageID)
	m.SetBody("text/plain", msg.Body)

	done := make(chan error, 1)
	go func() {
		done <- a.dialer.DialAndSend(m)
	}()

	select {
	case err := <-done:
		if err != nil {
			return Result{}, fmt.Errorf("smtp send failed: %w", err)
		}
		return Result{ProviderMessageID: messageID}, nil
	case <-ctx.Done():
		return Result{}, fmt.Errorf("smtp send aborted: %w", ctx.Err())
	}
}
