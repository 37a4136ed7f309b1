package monitoring

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"meshlink/internal/core/ports"
)

// AddRedisCheck adds a Redis connectivity check.
func (h *HealthChecker) AddRedisCheck(client *redis.Client, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}, timeout)
}

// AddSignalingCheck verifies the signaling channel is connected and
// authenticated. A session can limp along STUN-only without it, so this
// check gates readiness, not liveness.
func (h *HealthChecker) AddSignalingCheck(channel ports.SignalingChannel, timeout time.Duration) {
	h.AddCheck("signaling", func(ctx context.Context) error {
		if channel.State() != ports.ChannelConnected {
			return fmt.Errorf("channel state is %s", channel.State())
		}
		if !channel.Authenticated() {
			return fmt.Errorf("channel is not authenticated")
		}
		return nil
	}, timeout)
}

// AddCredentialStoreCheck verifies the credential store responds.
func (h *HealthChecker) AddCredentialStoreCheck(store ports.CredentialStore, timeout time.Duration) {
	h.AddCheck("credential_store", func(ctx context.Context) error {
		_, err := store.Load(ctx)
		return err
	}, timeout)
}
