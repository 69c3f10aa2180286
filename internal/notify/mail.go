package notify

import (
	"context"
	"errors"
	"fmt"
	"html"

	"gopkg.in/gomail.v2"

	"pairing-widget/internal/model"
)

// Mail sends notifications over SMTP.
type Mail struct {
	from string
	to   []string
	send func(m *gomail.Message) error
}

func NewMail(host string, port int, user, password, from string, to []string) (*Mail, error) {
	if host == "" || from == "" || len(to) == 0 {
		return nil, errors.New("smtp host, from and to are required")
	}
	dialer := gomail.NewDialer(host, port, user, password)
	return &Mail{from: from, to: to, send: func(m *gomail.Message) error { return dialer.DialAndSend(m) }}, nil
}

// newMailWithSender is used by tests to capture messages.
func newMailWithSender(from string, to []string, s gomail.Sender) *Mail {
	return &Mail{from: from, to: to, send: func(m *gomail.Message) error { return gomail.Send(s, m) }}
}

func (m *Mail) Notify(ctx context.Context, n model.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", m.to...)
	msg.SetHeader("Subject", n.Title)

	body := fmt.Sprintf("<h3>%s</h3>\n<p>%s</p>\n", html.EscapeString(n.Title), n.Body)
	if n.DeviceName != "" {
		body += fmt.Sprintf("<p>Device: <strong>%s</strong></p>\n", n.DeviceName)
	}
	msg.SetBody("text/html", body)

	if err := m.send(msg); err != nil {
		return fmt.Errorf("failed to send confirmation email: %w", err)
	}
	return nil
}
