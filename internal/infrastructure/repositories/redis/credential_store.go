package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"meshlink/internal/core/domain"
	"meshlink/internal/core/ports"
)

const credentialKey = "meshlink:relay:credential"

// storedCredential is the wire form of a persisted relay credential.
type storedCredential struct {
	ICEServers []domain.ICEServer    `json:"ice_servers"`
	TTLSeconds int64                 `json:"ttl_seconds"`
	IssuedAt   int64                 `json:"issued_at"`
	Quota      *domain.QuotaSnapshot `json:"quota,omitempty"`
}

// RedisCredentialStore persists the last-known-good relay credential in
// Redis, keyed per deployment. The entry expires together with the
// credential itself so a stale grant is never resurrected.
type RedisCredentialStore struct {
	client *redis.Client
}

func NewRedisCredentialStore(client *redis.Client) ports.CredentialStore {
	return &RedisCredentialStore{client: client}
}

func (s *RedisCredentialStore) Save(ctx context.Context, cred *domain.RelayCredential) error {
	if cred == nil {
		return fmt.Errorf("credential is nil")
	}

	data, err := json.Marshal(storedCredential{
		ICEServers: cred.ICEServers,
		TTLSeconds: int64(cred.TTL / time.Second),
		IssuedAt:   cred.IssuedAt.UnixMilli(),
		Quota:      cred.Quota,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal credential: %w", err)
	}

	expiry := cred.TTL - time.Since(cred.IssuedAt)
	if expiry <= 0 {
		return fmt.Errorf("credential already expired")
	}

	if err := s.client.Set(ctx, credentialKey, data, expiry).Err(); err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

func (s *RedisCredentialStore) Load(ctx context.Context) (*domain.RelayCredential, error) {
	data, err := s.client.Get(ctx, credentialKey).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}

	var stored storedCredential
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal credential: %w", err)
	}

	cred := &domain.RelayCredential{
		ICEServers: stored.ICEServers,
		TTL:        time.Duration(stored.TTLSeconds) * time.Second,
		IssuedAt:   time.UnixMilli(stored.IssuedAt),
		Quota:      stored.Quota,
	}
	if cred.Expired() {
		return nil, nil
	}
	return cred, nil
}
