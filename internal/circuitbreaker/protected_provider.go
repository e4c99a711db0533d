package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/db"
	"github.com/beaconhq/beacon/internal/provider"
)

// ProtectedProvider wraps a delivery provider with a circuit breaker.
// When the downstream service starts failing, the circuit opens and
// sends fail fast instead of piling up.
type ProtectedProvider struct {
	inner   provider.Provider
	breaker *CircuitBreaker
	logger  *zap.Logger
}

func NewProtectedProvider(inner provider.Provider, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedProvider {
	return &ProtectedProvider{
		inner:   inner,
		breaker: breaker,
		logger:  logger,
	}
}

func (p *ProtectedProvider) Name() string        { return p.inner.Name() }
func (p *ProtectedProvider) Channel() db.Channel { return p.inner.Channel() }

// Send delivers through the breaker. An open circuit returns
// ErrCircuitOpen without touching the downstream service.
func (p *ProtectedProvider) Send(ctx context.Context, user *db.User, content string, meta provider.Meta) error {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected send",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("user_id", user.ID.String()),
			zap.String("channel", string(p.inner.Channel())),
			zap.String("state", p.breaker.GetState().String()),
		)
		return fmt.Errorf("%w: %s provider unavailable", ErrCircuitOpen, p.breaker.config.Name)
	}

	err := p.inner.Send(ctx, user, content, meta)
	if err != nil {
		p.breaker.RecordFailure()
		p.logger.Debug("circuit breaker recorded failure",
			zap.String("breaker", p.breaker.config.Name),
			zap.Error(err),
		)
		return err
	}

	p.breaker.RecordSuccess()
	return nil
}

// Breaker exposes the underlying breaker for stats endpoints.
func (p *ProtectedProvider) Breaker() *CircuitBreaker {
	return p.breaker
}
