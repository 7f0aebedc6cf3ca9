// Package email delivers queue jobs through an association's SMTP relay.
package email

import (
	"context"
	"crypto/tls"
	"io"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/gomail.v2"

	"TicketMail/internal/errs"
	"TicketMail/internal/models"
)

var htmlTag = regexp.MustCompile(`(?i)<[a-z][\s\S]*>`)

// Message is one outgoing email.
type Message struct {
	To          string
	Subject     string
	Body        string
	ReplyTo     string
	Attachments []models.Attachment
}

// DialFunc opens an SMTP session for the given relay settings.
type DialFunc func(settings *models.EmailSettings) (gomail.SendCloser, error)

type Sender struct {
	dial DialFunc
	log  *zap.Logger
}

func NewSender(log *zap.Logger) *Sender {
	return &Sender{dial: DialSMTP, log: log}
}

// NewSenderWithDialer is used by tests to capture messages.
func NewSenderWithDialer(dial DialFunc, log *zap.Logger) *Sender {
	return &Sender{dial: dial, log: log}
}

// DialSMTP connects with implicit TLS when the relay is marked secure and
// falls back to opportunistic STARTTLS otherwise.
func DialSMTP(settings *models.EmailSettings) (gomail.SendCloser, error) {
	d := gomail.NewDialer(settings.Host, settings.Port, settings.User, settings.Password)
	d.SSL = settings.Secure
	d.TLSConfig = &tls.Config{ServerName: settings.Host}
	return d.Dial()
}

// Send delivers msg. Incomplete settings are reported as permanent errors,
// connection and transfer failures as retryable ones.
func (s *Sender) Send(ctx context.Context, settings *models.EmailSettings, msg Message) error {
	if settings == nil {
		return errs.Permanent(models.ErrSettingsNotFound)
	}
	if err := settings.Validate(); err != nil {
		return errs.Permanent(err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m := Compose(settings, msg)

	sc, err := s.dial(settings)
	if err != nil {
		return errs.Wrapf(err, "smtp dial %s:%d", settings.Host, settings.Port)
	}
	defer sc.Close()

	if err := gomail.Send(sc, m); err != nil {
		return errs.Wrap(err, "smtp send")
	}

	s.log.Debug("smtp message accepted",
		zap.String("to", msg.To),
		zap.String("relay", settings.Host),
		zap.Int("attachments", len(msg.Attachments)),
	)
	return nil
}

// Compose builds the MIME message. The body is always sent as plain text and
// additionally as HTML when it looks like markup.
func Compose(settings *models.EmailSettings, msg Message) *gomail.Message {
	m := gomail.NewMessage()
	m.SetAddressHeader("From", settings.SenderEmail, settings.SenderName)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)

	replyTo := strings.TrimSpace(msg.ReplyTo)
	if replyTo == "" {
		replyTo = strings.TrimSpace(settings.ReplyTo)
	}
	if replyTo != "" {
		m.SetHeader("Reply-To", replyTo)
	}

	m.SetBody("text/plain", msg.Body)
	if IsHTML(msg.Body) {
		m.AddAlternative("text/html", msg.Body)
	}

	for _, a := range msg.Attachments {
		content := a.Content
		contentType := a.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		m.Attach(a.Filename,
			gomail.SetCopyFunc(func(w io.Writer) error {
				_, err := w.Write(content)
				return err
			}),
			gomail.SetHeader(map[string][]string{
				"Content-Type": {contentType},
			}),
		)
	}
	return m
}

func IsHTML(body string) bool {
	return htmlTag.MatchString(body)
}
