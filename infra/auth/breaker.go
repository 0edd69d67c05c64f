package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/relaygrid/session-fabric/config"
)

const (
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second
)

// Interface guard
var _ TokenValidator = (*breakerValidator)(nil)

// breakerValidator fences the downstream validator with a circuit breaker.
// Rejections pass through untouched; only infrastructure errors count as
// failures. While the circuit is open every check fails fast as a rejection,
// so a dead verifier degrades to refused handshakes instead of a connect
// queue stacking up behind timeouts.
type breakerValidator struct {
	next    TokenValidator
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// NewBreaker wraps next with the configured trip threshold and cooldown.
func NewBreaker(cfg *config.Config, next TokenValidator, logger *slog.Logger) TokenValidator {
	threshold := cfg.Auth.BreakerThreshold
	if threshold == 0 {
		threshold = defaultBreakerThreshold
	}
	cooldown := cfg.Auth.BreakerCooldown
	if cooldown <= 0 {
		cooldown = defaultBreakerCooldown
	}

	return &breakerValidator{
		next: next,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "auth",
			Timeout: cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(_ string, from, to gobreaker.State) {
				logger.Warn("AUTH_BREAKER_STATE",
					"from", from.String(),
					"to", to.String(),
				)
			},
		}),
		logger: logger,
	}
}

func (v *breakerValidator) ValidateToken(ctx context.Context, token string) (*Identity, error) {
	res, err := v.breaker.Execute(func() (any, error) {
		return v.next.ValidateToken(ctx, token)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Reject("verifier unavailable"), nil
		}
		return nil, err
	}
	return res.(*Identity), nil
}
