package worker

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	gomail "gopkg.in/gomail.v2"

	"github.com/avisitor/mail-service-sub000/internal/db"
)

// SMTPSender delivers through whatever SMTP endpoint the resolved config
// names. The dialer is built per send because every app can resolve to a
// different host and credential set.
type SMTPSender struct {
	logger *zap.Logger
}

// NewSMTPSender creates an SMTP sender.
func NewSMTPSender(logger *zap.Logger) *SMTPSender {
	return &SMTPSender{logger: logger}
}

func (s *SMTPSender) Send(ctx context.Context, req *SendRequest) (*SendResult, error) {
	cfg := req.Config
	if cfg.Host == "" {
		return nil, fmt.Errorf("resolved config has no smtp host")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), cfg.Host)

	m := gomail.NewMessage()
	m.SetHeader("From", m.FormatAddress(req.FromAddress, req.FromName))
	m.SetHeader("To", req.To)
	m.SetHeader("Subject", req.Subject)
	m.SetHeader("Message-ID", messageID)
	m.SetBody("text/html", req.Body)

	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.User, cfg.Pass)
	d.SSL = cfg.Secure

	if err := d.DialAndSend(m); err != nil {
		return nil, fmt.Errorf("smtp send via %s: %w", cfg.Host, err)
	}

	s.logger.Info("email sent via smtp",
		zap.String("to", req.To),
		zap.String("host", cfg.Host),
		zap.String("message_id", messageID),
	)

	return &SendResult{
		MessageID: messageID,
		Status:    "sent",
		Accepted:  []string{req.To},
		Response:  "250 ok",
	}, nil
}

func (s *SMTPSender) SupportsService(service string) bool {
	return service == db.ServiceSMTP || service == ""
}
