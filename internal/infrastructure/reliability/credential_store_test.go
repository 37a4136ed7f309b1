package reliability

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"meshlink/internal/core/domain"
	"meshlink/pkg/circuitbreaker"
	"meshlink/pkg/retry"
)

type flakyStore struct {
	failures int32
	saves    int32
	loads    int32
	cred     *domain.RelayCredential
}

func (s *flakyStore) Save(ctx context.Context, cred *domain.RelayCredential) error {
	if atomic.AddInt32(&s.saves, 1) <= atomic.LoadInt32(&s.failures) {
		return errors.New("backend unavailable")
	}
	s.cred = cred
	return nil
}

func (s *flakyStore) Load(ctx context.Context) (*domain.RelayCredential, error) {
	if atomic.AddInt32(&s.loads, 1) <= atomic.LoadInt32(&s.failures) {
		return nil, errors.New("backend unavailable")
	}
	return s.cred, nil
}

func testRetryConfig() retry.Config {
	return retry.Config{
		Enabled:      true,
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}
}

func testCredential() *domain.RelayCredential {
	return &domain.RelayCredential{
		ICEServers: []domain.ICEServer{{URLs: []string{"turn:relay.example.com:3478"}}},
		TTL:        time.Hour,
		IssuedAt:   time.Now(),
	}
}

func TestSaveRetriesTransientFailures(t *testing.T) {
	store := &flakyStore{failures: 2}
	w := NewCredentialStoreWrapper(store, testRetryConfig(), circuitbreaker.DefaultConfig(), zap.NewNop().Sugar())

	cred := testCredential()
	require.NoError(t, w.Save(context.Background(), cred))
	assert.Equal(t, int32(3), atomic.LoadInt32(&store.saves))
	assert.Equal(t, cred, store.cred)
}

func TestLoadReturnsPersistedCredential(t *testing.T) {
	store := &flakyStore{failures: 1, cred: testCredential()}
	w := NewCredentialStoreWrapper(store, testRetryConfig(), circuitbreaker.DefaultConfig(), zap.NewNop().Sugar())

	got, err := w.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Len(t, got.ICEServers, 1)
}

func TestSaveGivesUpAfterBudget(t *testing.T) {
	store := &flakyStore{failures: 100}
	w := NewCredentialStoreWrapper(store, testRetryConfig(), circuitbreaker.DefaultConfig(), zap.NewNop().Sugar())

	err := w.Save(context.Background(), testCredential())
	assert.Error(t, err)
}
