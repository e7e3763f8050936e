package channel

import (
	"context"
	"errors"
	"fmt"
	"net/textproto"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"

	"github.com/jwalitptl/iris/internal/model"
)

// MailSender delivers composed messages. *gomail.Dialer satisfies it.
type MailSender interface {
	DialAndSend(m ...*gomail.Message) error
}

type EmailConfig struct {
	From string
}

type EmailAdapter struct {
	sender MailSender
	config EmailConfig
}

func NewEmailAdapter(sender MailSender, config EmailConfig) *EmailAdapter {
	return &EmailAdapter{sender: sender, config: config}
}

func NewSMTPDialer(host string, port int, username, password string) *gomail.Dialer {
	return gomail.NewDialer(host, port, username, password)
}

func (a *EmailAdapter) Provider() model.Provider { return model.ProviderEmail }

func (a *EmailAdapter) Send(ctx context.Context, msg Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	id := fmt.Sprintf("<%s@iris>", uuid.NewString())
	m := gomail.NewMessage()
	m.SetHeader("From", a.config.From)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", id)
	m.SetBody("text/plain", msg.Body)

	if err := a.sender.DialAndSend(m); err != nil {
		return "", classifySMTPError(err)
	}
	return id, nil
}

// classifySMTPError treats 5xx replies (bad mailbox, rejected sender) as
// permanent and everything else as transient.
func classifySMTPError(err error) error {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) && tpErr.Code >= 500 {
		return Permanent(fmt.Errorf("smtp: %w", err))
	}
	return fmt.Errorf("smtp: %w", err)
}
