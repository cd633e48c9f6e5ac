package utils

import (
	"crypto/tls"
	"fmt"

	"gopkg.in/gomail.v2"
)

// Email is one outbound message handed to the delivery collaborator.
type Email struct {
	FromName  string
	FromEmail string
	To        string
	Subject   string
	HTMLBody  string
}

// Mailer is the email-delivery collaborator. The processor only depends
// on this interface so tests can substitute a fake.
type Mailer interface {
	Send(email Email) error
}

// SMTPMailer delivers mail over a single SMTP account.
type SMTPMailer struct {
	dialer    *gomail.Dialer
	fromName  string
	fromEmail string
}

func NewSMTPMailer(host string, port int, username, password, fromName, fromEmail string) *SMTPMailer {
	dialer := gomail.NewDialer(host, port, username, password)
	dialer.TLSConfig = &tls.Config{ServerName: host}

	return &SMTPMailer{
		dialer:    dialer,
		fromName:  fromName,
		fromEmail: fromEmail,
	}
}

func (m *SMTPMailer) Send(email Email) error {
	fromEmail := email.FromEmail
	if fromEmail == "" {
		fromEmail = m.fromEmail
	}
	fromName := email.FromName
	if fromName == "" {
		fromName = m.fromName
	}
	if fromEmail == "" {
		return fmt.Errorf("no sender address configured")
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", msg.FormatAddress(fromEmail, fromName))
	msg.SetHeader("To", email.To)
	msg.SetHeader("Subject", email.Subject)
	msg.SetBody("text/html", email.HTMLBody)

	if err := m.dialer.DialAndSend(msg); err != nil {
		return fmt.Errorf("error sending email to %s: %w", email.To, err)
	}
	return nil
}
