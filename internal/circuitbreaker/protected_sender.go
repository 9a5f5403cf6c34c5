package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/avisitor/mail-service-sub000/internal/worker"
)

// ProtectedSender wraps a worker.Sender with a CircuitBreaker. While the
// provider is down, jobs fail fast with ErrCircuitOpen and stay retryable
// instead of each waiting out a connect timeout.
type ProtectedSender struct {
	sender  worker.Sender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedSender wraps a sender with breaker protection.
func NewProtectedSender(sender worker.Sender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:  sender,
		breaker: breaker,
		logger:  logger,
	}
}

// Send delivers through the breaker, recording the outcome.
func (p *ProtectedSender) Send(ctx context.Context, req *worker.SendRequest) (*worker.SendResult, error) {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected send",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("to", req.To),
			zap.String("state", p.breaker.GetState().String()),
		)
		return nil, fmt.Errorf("%w: %s sender unavailable", ErrCircuitOpen, p.breaker.config.Name)
	}

	result, err := p.sender.Send(ctx, req)
	if err != nil {
		p.breaker.RecordFailure()
		return nil, err
	}

	p.breaker.RecordSuccess()
	return result, nil
}

// SupportsService delegates to the underlying sender.
func (p *ProtectedSender) SupportsService(service string) bool {
	return p.sender.SupportsService(service)
}

// Breaker exposes the underlying breaker for health reporting.
func (p *ProtectedSender) Breaker() *CircuitBreaker {
	return p.breaker
}
