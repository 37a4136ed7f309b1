package reliability

import (
	"context"

	"go.uber.org/zap"

	"meshlink/internal/core/domain"
	"meshlink/internal/core/ports"
	"meshlink/pkg/circuitbreaker"
	"meshlink/pkg/retry"
)

// CredentialStoreWrapper wraps a CredentialStore with retry logic and a
// circuit breaker. A flapping Redis backend then degrades to cheap fast
// failures instead of stalling every save on the renewal path.
type CredentialStoreWrapper struct {
	store  ports.CredentialStore
	logger *zap.SugaredLogger

	retryConfig    retry.Config
	circuitBreaker *circuitbreaker.CircuitBreaker
}

// NewCredentialStoreWrapper creates a new wrapper with retry and circuit breaker
func NewCredentialStoreWrapper(
	store ports.CredentialStore,
	retryConfig retry.Config,
	cbConfig circuitbreaker.Config,
	logger *zap.SugaredLogger,
) *CredentialStoreWrapper {
	wrapper := &CredentialStoreWrapper{
		store:          store,
		logger:         logger,
		retryConfig:    retryConfig,
		circuitBreaker: circuitbreaker.New(cbConfig),
	}

	wrapper.circuitBreaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Infow("credential store circuit breaker state changed",
			"from", from.String(),
			"to", to.String(),
		)
	})

	return wrapper
}

// Save persists the credential with retry logic
func (w *CredentialStoreWrapper) Save(ctx context.Context, cred *domain.RelayCredential) error {
	if !w.retryConfig.Enabled {
		return w.store.Save(ctx, cred)
	}

	return retry.Retry(ctx, w.retryConfig, func() error {
		return w.circuitBreaker.Execute(ctx, func() error {
			return w.store.Save(ctx, cred)
		})
	})
}

// Load reads the persisted credential with retry logic
func (w *CredentialStoreWrapper) Load(ctx context.Context) (*domain.RelayCredential, error) {
	if !w.retryConfig.Enabled {
		return w.store.Load(ctx)
	}

	var cred *domain.RelayCredential
	err := retry.Retry(ctx, w.retryConfig, func() error {
		return w.circuitBreaker.Execute(ctx, func() error {
			var loadErr error
			cred, loadErr = w.store.Load(ctx)
			return loadErr
		})
	})
	if err != nil {
		return nil, err
	}
	return cred, nil
}

// GetCircuitBreakerState returns the current breaker state for health reporting
func (w *CredentialStoreWrapper) GetCircuitBreakerState() circuitbreaker.State {
	return w.circuitBreaker.GetState()
}

var _ ports.CredentialStore = (*CredentialStoreWrapper)(nil)
