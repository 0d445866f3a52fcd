// Package mailer composes notification envelopes and transmits them over SMTP.
package mailer

import (
	"fmt"

	"github.com/wneessen/go-mail"
)

// Subject is the fixed subject line of every notification.
const Subject = "Email from the bot"

const (
	templateHead = "Здравствуйте!\n\nВаша расшифровка аудио запроса:\n\n"
	templateTail = "\n\nЕсли вы получили это сообщение по ошибке, то сообщите мне по email или в чате.\n"
)

// Envelope is a fully composed message for exactly one recipient.
type Envelope struct {
	FromName string
	From     string
	To       string
	Bcc      string
	Subject  string
	Body     string
}

// RenderBody substitutes text into the notification template verbatim.
func RenderBody(text string) string {
	return templateHead + text + templateTail
}

// Compose builds the envelope for one recipient. The recipient doubles as the
// display name of the From header while the address is the sender, and Bcc
// records the sender. Addresses are not validated here.
func Compose(recipient, body, sender string) Envelope {
	return Envelope{
		FromName: recipient,
		From:     sender,
		To:       recipient,
		Bcc:      sender,
		Subject:  Subject,
		Body:     RenderBody(body),
	}
}

// Message converts the envelope into a go-mail message ready for transmission.
// The recipient is the only envelope address: Bcc is not registered with
// go-mail, so a refused sender copy can never fail the recipient's delivery.
func (e Envelope) Message() (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.FromFormat(e.FromName, e.From); err != nil {
		return nil, fmt.Errorf("invalid from address %q: %w", e.From, err)
	}
	if err := m.To(e.To); err != nil {
		return nil, fmt.Errorf("invalid recipient %q: %w", e.To, err)
	}
	m.Subject(e.Subject)
	m.SetDate()
	m.SetMessageID()
	m.SetBodyString(mail.TypeTextPlain, e.Body)
	return m, nil
}
