package services

import (
	"errors"
	"testing"
	"time"

	"meshlink/internal/core/domain"
	"meshlink/internal/core/ports"
	mlerrors "meshlink/pkg/errors"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func newTestEngine() *RecoveryEngine {
	cfg := DefaultRecoveryConfig()
	cfg.RetryBaseDelay = time.Millisecond
	return NewRecoveryEngine(cfg, zap.NewNop().Sugar())
}

type hookRecorder struct {
	retries   []time.Duration
	fallbacks int
	resets    int
}

func (h *hookRecorder) hooks() ports.RecoveryHooks {
	return ports.RecoveryHooks{
		OnRetry:    func(d time.Duration) { h.retries = append(h.retries, d) },
		OnFallback: func() { h.fallbacks++ },
		OnReset:    func() { h.resets++ },
	}
}

func TestHandleFailure_GenericBudget(t *testing.T) {
	engine := newTestEngine()
	rec := &hookRecorder{}
	err := errors.New("something odd happened")

	var strategies []ports.RecoveryStrategy
	for i := 0; i < 6; i++ {
		strategies = append(strategies, engine.HandleFailure(err, rec.hooks()))
	}

	// retry, retry, reset, then three unrecoverable verdicts without any
	// further hook invocations.
	assert.Equal(t, []ports.RecoveryStrategy{
		ports.RecoveryRetry,
		ports.RecoveryRetry,
		ports.RecoveryReset,
		ports.RecoveryUnrecoverable,
		ports.RecoveryUnrecoverable,
		ports.RecoveryUnrecoverable,
	}, strategies)
	assert.Len(t, rec.retries, 2)
	assert.Equal(t, 1, rec.resets)
	assert.Equal(t, 0, rec.fallbacks)
}

func TestHandleFailure_PermissionDeniedFallsBackImmediately(t *testing.T) {
	engine := newTestEngine()
	rec := &hookRecorder{}

	strategy := engine.HandleFailure(mlerrors.NewPermissionDeniedError("camera denied"), rec.hooks())

	assert.Equal(t, ports.RecoveryFallback, strategy)
	assert.Equal(t, 1, rec.fallbacks)
	assert.Empty(t, rec.retries)
}

func TestHandleFailure_DeviceRetryDelaysGrowLinearly(t *testing.T) {
	cfg := DefaultRecoveryConfig()
	cfg.RetryBaseDelay = 1000 * time.Millisecond
	engine := NewRecoveryEngine(cfg, zap.NewNop().Sugar())
	rec := &hookRecorder{}
	err := mlerrors.NewDeviceUnavailableError("camera busy")

	assert.Equal(t, ports.RecoveryRetry, engine.HandleFailure(err, rec.hooks()))
	assert.Equal(t, ports.RecoveryRetry, engine.HandleFailure(err, rec.hooks()))
	assert.Equal(t, ports.RecoveryReset, engine.HandleFailure(err, rec.hooks()))

	assert.Equal(t, []time.Duration{1000 * time.Millisecond, 2000 * time.Millisecond}, rec.retries)
	assert.Equal(t, 1, rec.resets)
}

func TestHandleFailure_NetworkAlwaysRetriesWithinBudget(t *testing.T) {
	engine := newTestEngine()
	rec := &hookRecorder{}
	err := mlerrors.NewNetworkError("signaling unreachable")

	for i := 0; i < 3; i++ {
		assert.Equal(t, ports.RecoveryRetry, engine.HandleFailure(err, rec.hooks()))
	}
	assert.Equal(t, ports.RecoveryUnrecoverable, engine.HandleFailure(err, rec.hooks()))
}

func TestHandleFailure_MessagePatternClassification(t *testing.T) {
	engine := newTestEngine()
	rec := &hookRecorder{}

	// Plain errors are classified by message pattern.
	strategy := engine.HandleFailure(errors.New("NotAllowedError: permission denied by user"), rec.hooks())
	assert.Equal(t, ports.RecoveryFallback, strategy)
}

func TestHandleFailure_ResetClearsBudget(t *testing.T) {
	engine := newTestEngine()
	err := errors.New("flaky thing")

	for i := 0; i < 3; i++ {
		engine.HandleFailure(err, ports.RecoveryHooks{})
	}
	assert.Equal(t, ports.RecoveryUnrecoverable, engine.HandleFailure(err, ports.RecoveryHooks{}))

	engine.Reset(err)
	assert.Equal(t, ports.RecoveryRetry, engine.HandleFailure(err, ports.RecoveryHooks{}))
}

func TestHandlePeerFailure_BudgetsAreIndependent(t *testing.T) {
	engine := newTestEngine()
	err := mlerrors.NewNetworkError("ice failed")

	for i := 0; i < 3; i++ {
		assert.Equal(t, ports.RecoveryRetry, engine.HandlePeerFailure("peer-a", err, ports.RecoveryHooks{}))
	}
	assert.Equal(t, ports.RecoveryUnrecoverable, engine.HandlePeerFailure("peer-a", err, ports.RecoveryHooks{}))

	// peer-b still has a full budget.
	assert.Equal(t, ports.RecoveryRetry, engine.HandlePeerFailure("peer-b", err, ports.RecoveryHooks{}))

	engine.ResetPeer(domain.PeerID("peer-a"))
	assert.Equal(t, ports.RecoveryRetry, engine.HandlePeerFailure("peer-a", err, ports.RecoveryHooks{}))
}

func TestDiagnoseMediaLoadFailure(t *testing.T) {
	cases := []struct {
		err  error
		kind string
	}{
		{errors.New("codec vp9 not supported"), "codec_unsupported"},
		{errors.New("file size exceeds limit"), "file_too_large"},
		{errors.New("out of memory during decode"), "memory_exhausted"},
		{errors.New("mystery"), "unknown"},
	}

	for _, tc := range cases {
		problem := DiagnoseMediaLoadFailure(tc.err)
		assert.Equal(t, tc.kind, problem.Kind)
		assert.NotEmpty(t, problem.Suggestion)
	}
}
