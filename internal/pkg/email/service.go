package email

import (
	"bytes"
	"context"
	"errors"
	"html/template"

	"github.com/rs/zerolog/log"
)

// Sender delivers a fully rendered message
type Sender interface {
	Send(ctx context.Context, msg *EmailMessage) error
}

// LogSender writes messages to the log instead of sending them. Used when
// no SendGrid key is configured.
type LogSender struct{}

func (LogSender) Send(ctx context.Context, msg *EmailMessage) error {
	log.Info().
		Str("to", msg.To).
		Str("subject", msg.Subject).
		Int("html_bytes", len(msg.HTMLContent)).
		Msg("Email not sent (no provider configured)")
	return nil
}

// Service wraps content in the base layout and hands it to a Sender
type Service struct {
	sender       Sender
	siteName     string
	baseTemplate *template.Template
}

// NewService creates email service. A blank API key falls back to LogSender.
func NewService(config SendGridConfig, siteName string) *Service {
	var sender Sender = LogSender{}
	if config.APIKey != "" {
		sender = NewSendGridClient(config)
	}
	return NewServiceWithSender(sender, siteName)
}

// NewServiceWithSender creates email service on top of an arbitrary sender
func NewServiceWithSender(sender Sender, siteName string) *Service {
	return &Service{
		sender:       sender,
		siteName:     siteName,
		baseTemplate: template.Must(template.New("base").Parse(BaseTemplate)),
	}
}

// Send renders htmlBody inside the base layout and delivers it synchronously
func (s *Service) Send(ctx context.Context, to, subject, htmlBody string) error {
	if to == "" {
		return errors.New("email: empty recipient")
	}

	var htmlBuf bytes.Buffer
	if err := s.baseTemplate.Execute(&htmlBuf, map[string]interface{}{
		"SiteName": s.siteName,
		"Content":  template.HTML(htmlBody),
	}); err != nil {
		return err
	}

	if err := s.sender.Send(ctx, &EmailMessage{
		To:          to,
		Subject:     subject,
		HTMLContent: htmlBuf.String(),
	}); err != nil {
		log.Error().Err(err).Str("to", to).Msg("Failed to send email")
		return err
	}
	return nil
}
