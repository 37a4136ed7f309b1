package memory

import (
	"context"
	"sync"

	"meshlink/internal/core/domain"
	"meshlink/internal/core/ports"
)

// MemoryCredentialStore keeps the last relay credential in process
// memory. It is the fallback when Redis is disabled or unreachable;
// the credential then survives session restarts but not process ones.
type MemoryCredentialStore struct {
	mu   sync.RWMutex
	cred *domain.RelayCredential
}

func NewMemoryCredentialStore() ports.CredentialStore {
	return &MemoryCredentialStore{}
}

func (s *MemoryCredentialStore) Save(_ context.Context, cred *domain.RelayCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = cred
	return nil
}

func (s *MemoryCredentialStore) Load(_ context.Context) (*domain.RelayCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cred == nil || s.cred.Expired() {
		return nil, nil
	}
	return s.cred, nil
}
