package turn

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"meshlink/internal/core/domain"
	"meshlink/internal/core/ports"
	mlerrors "meshlink/pkg/errors"
)

// Config tunes the credential lifecycle timers.
type Config struct {
	ChannelWaitTimeout time.Duration
	ChannelPollEvery   time.Duration
	RequestTimeout     time.Duration
	MaxRetries         int
	MaxBackoff         time.Duration
}

func (c *Config) applyDefaults() {
	if c.ChannelWaitTimeout <= 0 {
		c.ChannelWaitTimeout = 10 * time.Second
	}
	if c.ChannelPollEvery <= 0 {
		c.ChannelPollEvery = 250 * time.Millisecond
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
}

type result struct {
	cred *domain.RelayCredential
	err  error
}

// CredentialManager keeps a valid relay credential for the lifetime of a
// session. It requests credentials over the signaling channel, renews them
// at 75% of their TTL, and falls back to the last-known-good credential or
// the public STUN servers whenever the relay service misbehaves.
//
// Exactly one response listener is registered for the life of the manager.
// Per-request timeouts are plain timers the response path cancels, which
// avoids the listener add/remove churn a listener-per-request design has.
type CredentialManager struct {
	channel ports.SignalingChannel
	store   ports.CredentialStore
	cfg     Config
	logger  *zap.SugaredLogger

	mu         sync.Mutex
	current    *domain.RelayCredential
	lastGood   *domain.RelayCredential
	inFlight   bool
	pending    chan result
	renewTimer *time.Timer
	retryTimer *time.Timer
	attempts   int
	stunOnly   bool
	closed     bool

	onWarning func(message string, quota *domain.QuotaSnapshot)
	onUpdate  func(cred *domain.RelayCredential)
	onFailure func(err error)
}

// NewCredentialManager wires the manager to the signaling channel. The
// store is optional; when present, its last saved credential seeds the
// fallback chain until the first renewal completes.
func NewCredentialManager(channel ports.SignalingChannel, store ports.CredentialStore, cfg Config, logger *zap.SugaredLogger) *CredentialManager {
	cfg.applyDefaults()

	m := &CredentialManager{
		channel: channel,
		store:   store,
		cfg:     cfg,
		logger:  logger,
	}

	if store != nil {
		if cred, err := store.Load(context.Background()); err != nil {
			logger.Warnw("stored credential load failed", "error", err)
		} else if cred != nil && !cred.Expired() {
			m.lastGood = cred
		}
	}

	channel.On(domain.EventCredentials, m.handleResponse)
	channel.On(domain.EventReconnect, m.handleReconnect)
	return m
}

// Request obtains a fresh relay credential. It first waits for the
// signaling channel to come up, polling its state; if the channel never
// becomes ready the session proceeds STUN-only rather than failing.
// While a retryable failure is being backed off in the background the
// call still returns a usable fallback credential.
func (m *CredentialManager) Request(ctx context.Context) (*domain.RelayCredential, error) {
	if err := m.waitChannel(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		m.logger.Warnw("signaling channel not ready, continuing STUN-only", "error", err)
		return stunOnlyCredential(), nil
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, domain.ErrSessionClosed
	}
	if m.stunOnly {
		m.mu.Unlock()
		return stunOnlyCredential(), nil
	}
	if m.inFlight {
		m.mu.Unlock()
		return nil, domain.ErrRequestInFlight
	}
	m.inFlight = true
	pending := make(chan result, 1)
	m.pending = pending
	m.mu.Unlock()

	if err := m.channel.Send(domain.EventRequestCredentials, struct{}{}); err != nil {
		m.clearInFlight()
		return m.failRetryable(mlerrors.Wrap(err, mlerrors.ErrCodeNetwork, "credential request send failed"))
	}

	timer := time.NewTimer(m.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case res := <-pending:
		return res.cred, res.err
	case <-timer.C:
		m.mu.Lock()
		if !m.inFlight {
			// Response raced the timeout; it already landed in pending.
			m.mu.Unlock()
			select {
			case res := <-pending:
				return res.cred, res.err
			default:
			}
			return nil, domain.ErrCredentialUnavailable
		}
		m.inFlight = false
		m.pending = nil
		m.mu.Unlock()
		return m.failRetryable(mlerrors.NewTimeoutError("credential request timed out"))
	case <-ctx.Done():
		m.clearInFlight()
		return nil, ctx.Err()
	}
}

// ICEServers returns the best server set currently held: the active
// credential, then the last-known-good one, then the STUN defaults.
func (m *CredentialManager) ICEServers() []domain.ICEServer {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil && !m.current.Expired() {
		return m.current.ICEServers
	}
	if m.lastGood != nil && !m.lastGood.Expired() {
		return m.lastGood.ICEServers
	}
	return domain.DefaultSTUNServers()
}

// OnWarning registers the quota warning callback.
func (m *CredentialManager) OnWarning(fn func(message string, quota *domain.QuotaSnapshot)) {
	m.mu.Lock()
	m.onWarning = fn
	m.mu.Unlock()
}

// OnUpdate registers the credential update callback.
func (m *CredentialManager) OnUpdate(fn func(cred *domain.RelayCredential)) {
	m.mu.Lock()
	m.onUpdate = fn
	m.mu.Unlock()
}

// OnFailure registers the terminal failure callback.
func (m *CredentialManager) OnFailure(fn func(err error)) {
	m.mu.Lock()
	m.onFailure = fn
	m.mu.Unlock()
}

// Close cancels all timers and detaches the manager from the channel.
func (m *CredentialManager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	stopTimer(&m.renewTimer)
	stopTimer(&m.retryTimer)
	pending := m.pending
	m.pending = nil
	m.inFlight = false
	m.mu.Unlock()

	m.channel.Off(domain.EventCredentials)
	m.channel.Off(domain.EventReconnect)

	if pending != nil {
		pending <- result{err: domain.ErrSessionClosed}
	}
}

func (m *CredentialManager) waitChannel(ctx context.Context) error {
	deadline := time.Now().Add(m.cfg.ChannelWaitTimeout)
	ticker := time.NewTicker(m.cfg.ChannelPollEvery)
	defer ticker.Stop()

	for {
		if m.channel.State() == ports.ChannelConnected && m.channel.Authenticated() {
			return nil
		}
		if time.Now().After(deadline) {
			return domain.ErrChannelNotReady
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *CredentialManager) handleResponse(payload json.RawMessage) {
	var resp domain.CredentialResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		m.logger.Warnw("malformed credential response", "error", err)
		return
	}

	m.mu.Lock()
	if m.closed || !m.inFlight {
		// Late response after a timeout already gave up on it.
		m.mu.Unlock()
		return
	}
	m.inFlight = false
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()

	if resp.Error != "" || resp.Code != "" {
		m.handleErrorResponse(resp, pending)
		return
	}

	cred := credentialFromResponse(resp)

	m.mu.Lock()
	m.current = cred
	m.lastGood = cred
	m.attempts = 0
	m.armRenewalLocked(cred.TTL)
	onUpdate := m.onUpdate
	onWarning := m.onWarning
	m.mu.Unlock()

	m.logger.Infow("relay credential obtained",
		"ttl", cred.TTL,
		"servers", len(cred.ICEServers),
	)

	if m.store != nil {
		go func() {
			if err := m.store.Save(context.Background(), cred); err != nil {
				m.logger.Warnw("credential save failed", "error", err)
			}
		}()
	}

	if cred.Quota != nil && cred.Quota.Percentage > 80 {
		msg := fmt.Sprintf("relay quota at %.0f%% of limit", cred.Quota.Percentage)
		m.logger.Warnw("relay quota warning", "percentage", cred.Quota.Percentage)
		if onWarning != nil {
			onWarning(msg, cred.Quota)
		}
	}

	if onUpdate != nil {
		onUpdate(cred)
	}

	deliver(pending, result{cred: cred})
}

func (m *CredentialManager) handleErrorResponse(resp domain.CredentialResponse, pending chan result) {
	switch resp.Code {
	case domain.CredErrorAuthRequired:
		err := mlerrors.NewAuthRequiredError(respMessage(resp))
		m.logger.Errorw("credential request rejected, authentication required", "error", resp.Error)
		m.notifyFailure(err)
		deliver(pending, result{err: err})

	case domain.CredErrorRateLimited:
		err := mlerrors.New(mlerrors.ErrCodeRateLimited, respMessage(resp))
		delay := time.Duration(resp.RetryAfter) * time.Second
		if delay <= 0 {
			delay = time.Second
		}
		m.logger.Warnw("credential request rate limited", "retry_after", delay)
		m.mu.Lock()
		m.scheduleRetryLocked(delay)
		fb := m.fallbackLocked()
		m.mu.Unlock()
		deliver(pending, result{cred: fb, err: err})

	case domain.CredErrorQuotaExceeded:
		err := mlerrors.NewQuotaExceededError(respMessage(resp))
		m.logger.Errorw("relay quota exceeded, switching to STUN-only", "error", resp.Error)
		m.mu.Lock()
		m.stunOnly = true
		m.current = nil
		stopTimer(&m.renewTimer)
		stopTimer(&m.retryTimer)
		m.mu.Unlock()
		m.notifyFailure(err)
		deliver(pending, result{cred: stunOnlyCredential(), err: err})

	case domain.CredErrorConnectionLimit:
		err := mlerrors.New(mlerrors.ErrCodeConnectionLimit, respMessage(resp))
		m.logger.Errorw("relay connection limit reached", "error", resp.Error)
		m.notifyFailure(err)
		deliver(pending, result{err: err})

	default:
		err := mlerrors.New(mlerrors.ErrCodeInternal, respMessage(resp))
		cred, ferr := m.failRetryable(err)
		deliver(pending, result{cred: cred, err: ferr})
	}
}

// failRetryable handles unclassified failures and timeouts: it schedules
// an exponential backoff retry and hands back whatever fallback servers
// the session can keep running on. After the retry budget is exhausted
// the failure is surfaced as terminal instead.
func (m *CredentialManager) failRetryable(cause error) (*domain.RelayCredential, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, domain.ErrSessionClosed
	}
	m.attempts++
	attempt := m.attempts
	fb := m.fallbackLocked()
	if attempt > m.cfg.MaxRetries {
		m.mu.Unlock()
		m.logger.Errorw("credential retries exhausted", "attempts", attempt-1, "error", cause)
		m.notifyFailure(cause)
		return fb, cause
	}
	delay := backoffDelay(attempt, m.cfg.MaxBackoff)
	m.scheduleRetryLocked(delay)
	m.mu.Unlock()

	m.logger.Warnw("credential request failed, will retry",
		"attempt", attempt,
		"delay", delay,
		"error", cause,
	)
	return fb, nil
}

func (m *CredentialManager) handleReconnect(json.RawMessage) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	stopTimer(&m.retryTimer)
	stopTimer(&m.renewTimer)
	m.attempts = 0
	m.stunOnly = false
	m.mu.Unlock()

	m.logger.Infow("signaling reconnected, refreshing relay credential")
	go m.backgroundRequest()
}

func (m *CredentialManager) backgroundRequest() {
	if _, err := m.Request(context.Background()); err != nil && err != domain.ErrRequestInFlight {
		m.logger.Warnw("background credential request failed", "error", err)
	}
}

// armRenewalLocked schedules renewal at 75% of the TTL, replacing any
// previously armed timer so overlapping responses leave exactly one.
func (m *CredentialManager) armRenewalLocked(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	stopTimer(&m.renewTimer)
	m.renewTimer = time.AfterFunc(ttl*3/4, func() {
		m.mu.Lock()
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return
		}
		m.logger.Debugw("relay credential renewal due")
		m.backgroundRequest()
	})
}

func (m *CredentialManager) scheduleRetryLocked(delay time.Duration) {
	stopTimer(&m.retryTimer)
	m.retryTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return
		}
		m.backgroundRequest()
	})
}

func (m *CredentialManager) fallbackLocked() *domain.RelayCredential {
	if m.lastGood != nil && !m.lastGood.Expired() {
		return m.lastGood
	}
	return stunOnlyCredential()
}

func (m *CredentialManager) clearInFlight() {
	m.mu.Lock()
	m.inFlight = false
	m.pending = nil
	m.mu.Unlock()
}

func (m *CredentialManager) notifyFailure(err error) {
	m.mu.Lock()
	fn := m.onFailure
	m.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func backoffDelay(attempt int, max time.Duration) time.Duration {
	if attempt > 30 {
		return max
	}
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > max {
		return max
	}
	return d
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func deliver(ch chan result, res result) {
	if ch == nil {
		return
	}
	select {
	case ch <- res:
	default:
	}
}

func credentialFromResponse(resp domain.CredentialResponse) *domain.RelayCredential {
	issued := time.Now()
	if resp.Timestamp > 0 {
		issued = time.UnixMilli(resp.Timestamp)
	}
	servers := resp.ICEServers
	if len(servers) == 0 {
		servers = domain.DefaultSTUNServers()
	}
	return &domain.RelayCredential{
		ICEServers: servers,
		TTL:        time.Duration(resp.TTL) * time.Second,
		IssuedAt:   issued,
		Quota:      resp.Quota,
	}
}

func stunOnlyCredential() *domain.RelayCredential {
	return &domain.RelayCredential{ICEServers: domain.DefaultSTUNServers()}
}

func respMessage(resp domain.CredentialResponse) string {
	if resp.Error != "" {
		return resp.Error
	}
	return "credential request failed: " + resp.Code
}

var _ ports.CredentialProvider = (*CredentialManager)(nil)
