package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/avisitor/mail-service-sub000/internal/smtpcfg"
)

// SendRequest carries one message plus the provider configuration resolved
// for its app. Delivery goes to To only; the job's full recipient list is
// preserved in storage but never expanded here.
type SendRequest struct {
	To          string
	Subject     string
	Body        string
	FromAddress string
	FromName    string
	Config      *smtpcfg.Resolved
}

// SendResult reports what the provider accepted.
type SendResult struct {
	MessageID string
	Status    string
	Accepted  []string
	Rejected  []string
	Response  string
}

// Sender delivers a message through one provider family.
type Sender interface {
	Send(ctx context.Context, req *SendRequest) (*SendResult, error)
	SupportsService(service string) bool
}

// DryRunSender pretends to deliver. Used when test mode is on or the
// resolved host carries the test prefix; the result is shaped like a real
// provider response so downstream bookkeeping is exercised.
type DryRunSender struct {
	logger *zap.Logger
	now    func() time.Time
}

// NewDryRunSender creates a sender that logs instead of delivering.
func NewDryRunSender(logger *zap.Logger) *DryRunSender {
	return &DryRunSender{logger: logger, now: time.Now}
}

func (s *DryRunSender) Send(_ context.Context, req *SendRequest) (*SendResult, error) {
	s.logger.Info("dry-run send",
		zap.String("to", req.To),
		zap.String("subject", req.Subject),
		zap.String("host", req.Config.Host),
	)
	return &SendResult{
		MessageID: fmt.Sprintf("dry-run-%d", s.now().UnixMilli()),
		Status:    "sent",
		Accepted:  []string{req.To},
		Response:  "dry-run",
	}, nil
}

// SupportsService always reports true; dry-run stands in for any provider.
func (s *DryRunSender) SupportsService(string) bool { return true }
