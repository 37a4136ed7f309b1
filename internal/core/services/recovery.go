package services

import (
	"strings"
	"sync"
	"time"

	"meshlink/internal/core/domain"
	"meshlink/internal/core/ports"
	mlerrors "meshlink/pkg/errors"

	"go.uber.org/zap"
)

// failureKind is the engine's internal classification of a failure.
type failureKind int

const (
	kindPermission failureKind = iota
	kindDevice
	kindNetwork
	kindGeneric
)

// RecoveryConfig bounds the engine's repair budget.
type RecoveryConfig struct {
	MaxAttempts     int           // per error signature
	MaxPeerAttempts int           // per peer identifier
	RetryBaseDelay  time.Duration // device retry delay grows linearly from this
}

// DefaultRecoveryConfig returns the stock budget: three attempts per
// signature and per peer, one second base delay.
func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		MaxAttempts:     3,
		MaxPeerAttempts: 3,
		RetryBaseDelay:  time.Second,
	}
}

// RecoveryEngine classifies failures from any session subsystem and picks
// a bounded repair strategy. Attempt counters are process-lifetime only.
type RecoveryEngine struct {
	config RecoveryConfig
	logger *zap.SugaredLogger

	mu           sync.Mutex
	attempts     map[string]int
	peerAttempts map[domain.PeerID]int
}

// NewRecoveryEngine creates a recovery engine.
func NewRecoveryEngine(config RecoveryConfig, logger *zap.SugaredLogger) *RecoveryEngine {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.MaxPeerAttempts <= 0 {
		config.MaxPeerAttempts = 3
	}
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = time.Second
	}
	return &RecoveryEngine{
		config:       config,
		logger:       logger,
		attempts:     make(map[string]int),
		peerAttempts: make(map[domain.PeerID]int),
	}
}

// HandleFailure classifies err and invokes exactly one hook, or none when
// the per-signature budget is exhausted. The returned strategy lets
// callers without hooks act on the verdict directly.
func (e *RecoveryEngine) HandleFailure(err error, hooks ports.RecoveryHooks) ports.RecoveryStrategy {
	sig := mlerrors.Signature(err)

	e.mu.Lock()
	n := e.attempts[sig]
	if n >= e.config.MaxAttempts {
		e.mu.Unlock()
		e.logger.Errorw("unrecoverable failure, attempt budget exhausted",
			"signature", sig,
			"attempts", n,
		)
		return ports.RecoveryUnrecoverable
	}
	e.attempts[sig] = n + 1
	e.mu.Unlock()

	strategy, delay := e.decide(classify(err), n)

	e.logger.Warnw("handling failure",
		"signature", sig,
		"attempt", n+1,
		"strategy", strategy,
	)

	e.invoke(strategy, delay, hooks)
	return strategy
}

// HandlePeerFailure is HandleFailure with the budget keyed by peer, so
// one misbehaving peer's retries cannot consume another's.
func (e *RecoveryEngine) HandlePeerFailure(peerID domain.PeerID, err error, hooks ports.RecoveryHooks) ports.RecoveryStrategy {
	e.mu.Lock()
	n := e.peerAttempts[peerID]
	if n >= e.config.MaxPeerAttempts {
		e.mu.Unlock()
		e.logger.Errorw("unrecoverable peer failure, attempt budget exhausted",
			"peer_id", peerID,
			"attempts", n,
		)
		return ports.RecoveryUnrecoverable
	}
	e.peerAttempts[peerID] = n + 1
	e.mu.Unlock()

	strategy, delay := e.decide(classify(err), n)

	e.logger.Warnw("handling peer failure",
		"peer_id", peerID,
		"attempt", n+1,
		"strategy", strategy,
		"error", err,
	)

	e.invoke(strategy, delay, hooks)
	return strategy
}

// decide maps a failure kind and prior attempt count to a strategy.
func (e *RecoveryEngine) decide(kind failureKind, prior int) (ports.RecoveryStrategy, time.Duration) {
	switch kind {
	case kindPermission:
		// Retrying cannot succeed without external state change; the
		// caller must re-request permission or degrade.
		return ports.RecoveryFallback, 0
	case kindDevice:
		if prior < 2 {
			return ports.RecoveryRetry, e.config.RetryBaseDelay * time.Duration(prior+1)
		}
		return ports.RecoveryReset, 0
	case kindNetwork:
		return ports.RecoveryRetry, e.config.RetryBaseDelay
	default:
		if prior < 2 {
			return ports.RecoveryRetry, e.config.RetryBaseDelay
		}
		return ports.RecoveryReset, 0
	}
}

func (e *RecoveryEngine) invoke(strategy ports.RecoveryStrategy, delay time.Duration, hooks ports.RecoveryHooks) {
	switch strategy {
	case ports.RecoveryRetry:
		if hooks.OnRetry != nil {
			hooks.OnRetry(delay)
		}
	case ports.RecoveryFallback:
		if hooks.OnFallback != nil {
			hooks.OnFallback()
		}
	case ports.RecoveryReset:
		if hooks.OnReset != nil {
			hooks.OnReset()
		}
	}
}

// Reset clears the attempt counter for err's signature, typically after a
// successful repair.
func (e *RecoveryEngine) Reset(err error) {
	e.mu.Lock()
	delete(e.attempts, mlerrors.Signature(err))
	e.mu.Unlock()
}

// ResetPeer clears the attempt counter for one peer.
func (e *RecoveryEngine) ResetPeer(peerID domain.PeerID) {
	e.mu.Lock()
	delete(e.peerAttempts, peerID)
	e.mu.Unlock()
}

// ResetAll clears every counter.
func (e *RecoveryEngine) ResetAll() {
	e.mu.Lock()
	e.attempts = make(map[string]int)
	e.peerAttempts = make(map[domain.PeerID]int)
	e.mu.Unlock()
}

// classify buckets an error by session error code first, message pattern
// second.
func classify(err error) failureKind {
	if err == nil {
		return kindGeneric
	}

	switch mlerrors.CodeOf(err) {
	case mlerrors.ErrCodePermissionDenied:
		return kindPermission
	case mlerrors.ErrCodeDeviceUnavailable:
		return kindDevice
	case mlerrors.ErrCodeNetwork, mlerrors.ErrCodeTimeout:
		return kindNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "permission denied", "not allowed", "access denied"):
		return kindPermission
	case containsAny(msg, "device", "not readable", "aborted", "in use", "hardware"):
		return kindDevice
	case containsAny(msg, "network", "connection", "unreachable", "timeout", "ice"):
		return kindNetwork
	default:
		return kindGeneric
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
