package notify

import (
	"context"
	"fmt"

	"gopkg.in/gomail.v2"

	"github.com/agrilink/commission-engine/commission"
)

// Mailer sends composed messages. *gomail.Dialer satisfies it.
type Mailer interface {
	DialAndSend(m ...*gomail.Message) error
}

// EmailChannel sends plain-text mail over SMTP.
type EmailChannel struct {
	mailer Mailer
	from   string
}

func NewEmailChannel(host string, port int, user, pass, from string) *EmailChannel {
	if from == "" {
		from = user
	}
	return &EmailChannel{mailer: gomail.NewDialer(host, port, user, pass), from: from}
}

// NewEmailChannelWithMailer is used by tests and by callers that manage
// their own SMTP connection.
func NewEmailChannelWithMailer(m Mailer, from string) *EmailChannel {
	return &EmailChannel{mailer: m, from: from}
}

func (c *EmailChannel) Name() commission.Channel { return commission.ChannelEmail }

// Deliver ignores ctx: gomail has no cancellation.
func (c *EmailChannel) Deliver(_ context.Context, contact commission.Contact, msg commission.Message) error {
	if contact.Email == "" {
		return ErrNoAddress
	}

	m := gomail.NewMessage()
	m.SetHeader("From", c.from)
	m.SetHeader("To", contact.Email)
	m.SetHeader("Subject", msg.Title)
	greeting := "Hello"
	if contact.Name != "" {
		greeting += " " + contact.Name
	}
	m.SetBody("text/plain", fmt.Sprintf("%s,\n\n%s\n", greeting, msg.Body))

	if err := c.mailer.DialAndSend(m); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}
