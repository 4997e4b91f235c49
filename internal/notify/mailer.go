package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// Mailer delivers a single email.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// SendGridMailer implements Mailer on the SendGrid API.
type SendGridMailer struct {
	apiKey string
	from   string
}

// NewSendGridMailer constructs a SendGrid-backed mailer.
func NewSendGridMailer(apiKey, from string) *SendGridMailer {
	return &SendGridMailer{apiKey: strings.TrimSpace(apiKey), from: strings.TrimSpace(from)}
}

// Send delivers one email through SendGrid.
func (m *SendGridMailer) Send(ctx context.Context, to, subject, body string) error {
	if m.apiKey == "" {
		return fmt.Errorf("sendgrid api key is empty")
	}
	if to == "" {
		return fmt.Errorf("recipient address is empty")
	}
	message := mail.NewSingleEmail(
		mail.NewEmail("Socialens", m.from),
		subject,
		mail.NewEmail("", to),
		body,
		fmt.Sprintf("<pre>%s</pre>", body),
	)
	client := sendgrid.NewSendClient(m.apiKey)
	response, err := client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("sendgrid send: %w", err)
	}
	if response.StatusCode >= 400 {
		return fmt.Errorf("sendgrid send failed: status=%d body=%s", response.StatusCode, response.Body)
	}
	return nil
}
