package circuitbreaker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/notekeeper/internal/db"
	"github.com/lalithlochan/notekeeper/internal/worker"
)

var _ worker.Dispatcher = (*ProtectedDispatcher)(nil)

// ProtectedDispatcher wraps a worker.Dispatcher with a Breaker. While the
// circuit is open, Send fails fast with ErrCircuitOpen.
type ProtectedDispatcher struct {
	dispatcher worker.Dispatcher
	breaker    *Breaker
	logger     *zap.Logger
}

func NewProtectedDispatcher(d worker.Dispatcher, breaker *Breaker, logger *zap.Logger) *ProtectedDispatcher {
	return &ProtectedDispatcher{
		dispatcher: d,
		breaker:    breaker,
		logger:     logger,
	}
}

// Send forwards to the wrapped dispatcher. Missing configuration does not
// count against the transport, and neither does a caller cancellation.
func (p *ProtectedDispatcher) Send(ctx context.Context, r *db.Reminder) error {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected dispatch",
			zap.String("breaker", p.breaker.Name()),
			zap.String("reminder_id", r.ID.String()),
			zap.String("state", p.breaker.State().String()),
		)
		return fmt.Errorf("%w: %s transport unavailable", ErrCircuitOpen, p.breaker.Name())
	}

	err := p.dispatcher.Send(ctx, r)
	switch {
	case err == nil:
		p.breaker.RecordSuccess()
	case errors.Is(err, worker.ErrNotConfigured), errors.Is(err, context.Canceled):
		p.breaker.Release()
	default:
		p.breaker.RecordFailure()
		p.logger.Debug("circuit breaker recorded failure",
			zap.String("breaker", p.breaker.Name()),
			zap.Error(err),
		)
	}

	return err
}

// Breaker returns the underlying breaker for health reporting.
func (p *ProtectedDispatcher) Breaker() *Breaker {
	return p.breaker
}
