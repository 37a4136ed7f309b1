package services

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"meshlink/internal/core/domain"
	"meshlink/internal/core/ports"
	mlerrors "meshlink/pkg/errors"
	"meshlink/pkg/tracing"
)

// SessionConfig carries the identity and capture tunables of one media
// session.
type SessionConfig struct {
	PeerID  domain.PeerID
	Capture domain.CaptureConfig
}

// SessionStats is the live picture of a session, served by the
// diagnostics API.
type SessionStats struct {
	PeerID   domain.PeerID        `json:"peer_id"`
	Links    []domain.LinkInfo    `json:"links"`
	Strategy domain.Strategy      `json:"strategy,omitempty"`
	Capture  *domain.CaptureStats `json:"capture,omitempty"`
}

// LinkManagerFactory builds the link manager once the session has its
// event callbacks ready. The indirection exists because links call back
// into the session (outbound signals, failures) while the session owns
// the links.
type LinkManagerFactory func(events ports.LinkEvents) ports.LinkManager

// MediaSession ties the session layer together: it keeps relay
// credentials fresh, routes signaling to peer links, turns the local
// media source into a stream and feeds every failure through the
// recovery engine. One MediaSession corresponds to one local peer.
type MediaSession struct {
	cfg      SessionConfig
	channel  ports.SignalingChannel
	links    ports.LinkManager
	streams  ports.StreamProvider
	creds    ports.CredentialProvider
	recovery ports.RecoveryService
	metrics  ports.MetricsRecorder
	logger   *zap.SugaredLogger

	mu          sync.Mutex
	result      *ports.StreamResult
	source      ports.MediaSource
	sink        ports.ChunkSink
	linkStarted map[domain.PeerID]time.Time
	started     bool
	closed      bool
}

// nopMetrics is the recorder used when no collector is attached.
type nopMetrics struct{}

func (nopMetrics) RecordLinkCreated()                                {}
func (nopMetrics) RecordLinkState(from, to domain.LinkState)         {}
func (nopMetrics) RecordLinkSetup(duration time.Duration)            {}
func (nopMetrics) RecordSignalRouted()                               {}
func (nopMetrics) RecordBroadcast()                                  {}
func (nopMetrics) RecordChunk(bytes int)                             {}
func (nopMetrics) RecordCaptureBitrate(s domain.Strategy, b float64) {}
func (nopMetrics) RecordStrategySelected(s domain.Strategy)          {}
func (nopMetrics) RecordCredentialRenewal()                          {}
func (nopMetrics) RecordCredentialFailure()                          {}
func (nopMetrics) RecordRecovery(strategy string)                    {}

func NewMediaSession(
	cfg SessionConfig,
	channel ports.SignalingChannel,
	newLinks LinkManagerFactory,
	streams ports.StreamProvider,
	creds ports.CredentialProvider,
	recovery ports.RecoveryService,
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
) *MediaSession {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	s := &MediaSession{
		cfg:         cfg,
		channel:     channel,
		streams:     streams,
		creds:       creds,
		recovery:    recovery,
		metrics:     metrics,
		logger:      logger,
		linkStarted: make(map[domain.PeerID]time.Time),
	}

	s.links = newLinks(ports.LinkEvents{
		OnSignal:  s.sendSignal,
		OnConnect: s.onLinkConnected,
		OnClose:   s.onLinkClosed,
		OnError:   s.onLinkError,
	})
	return s
}

// Start brings the session up: obtains relay credentials and subscribes
// to the signaling events that drive link lifecycle. It does not block
// on peers arriving.
func (s *MediaSession) Start(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "session.start")
	defer span.End()
	span.SetAttributes(tracing.PeerIDKey.String(string(s.cfg.PeerID)))

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.ErrSessionClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	// Credential failures never block startup: the provider hands back
	// STUN-only fallbacks and keeps retrying in the background.
	if _, err := s.creds.Request(ctx); err != nil && err != domain.ErrRequestInFlight {
		tracing.RecordError(ctx, err)
		s.logger.Warnw("initial credential request failed, continuing with fallback servers", "error", err)
	}
	s.links.UpdateICEServers(s.creds.ICEServers())

	s.creds.OnUpdate(func(cred *domain.RelayCredential) {
		s.metrics.RecordCredentialRenewal()
		s.links.UpdateICEServers(cred.ICEServers)
	})
	s.creds.OnWarning(func(message string, quota *domain.QuotaSnapshot) {
		s.logger.Warnw("relay quota warning", "message", message)
	})
	s.creds.OnFailure(func(err error) {
		s.metrics.RecordCredentialFailure()
		s.logger.Errorw("relay credential renewal failed for good", "error", err)
	})

	s.channel.On(domain.EventSignal, s.handleInboundSignal)
	s.channel.On(domain.EventPeerJoined, s.handlePeerJoined)
	s.channel.On(domain.EventPeerLeft, s.handlePeerLeft)

	s.logger.Infow("media session started", "peer_id", s.cfg.PeerID)
	return nil
}

// StartCapture turns the local source into a transmittable stream and
// attaches the resulting tracks to every link. Failures run through the
// recovery engine; a retry or fallback verdict re-attempts selection, an
// unrecoverable one surfaces the error.
func (s *MediaSession) StartCapture(ctx context.Context, source ports.MediaSource, sink ports.ChunkSink) (*ports.StreamResult, error) {
	ctx, span := tracing.StartSpan(ctx, "session.start_capture")
	defer span.End()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, domain.ErrSessionClosed
	}
	if s.result != nil {
		s.mu.Unlock()
		return nil, domain.ErrStreamerActive
	}
	s.mu.Unlock()

	metered := s.meterSink(sink)

	for {
		result, err := s.streams.CreateStream(source, metered)
		if err == nil {
			span.SetAttributes(tracing.StrategyKey.String(string(result.Strategy)))
			s.metrics.RecordStrategySelected(result.Strategy)

			s.mu.Lock()
			s.result = result
			s.source = source
			s.sink = sink
			s.mu.Unlock()

			if len(result.Tracks) > 0 {
				s.links.AddTracks(result.Tracks)
			}
			s.logger.Infow("capture started", "strategy", result.Strategy)
			return result, nil
		}

		var retryDelay time.Duration
		again := false
		verdict := s.recovery.HandleFailure(err, ports.RecoveryHooks{
			OnRetry:    func(delay time.Duration) { again = true; retryDelay = delay },
			OnFallback: func() { again = true },
			OnReset:    func() { again = true },
		})
		s.metrics.RecordRecovery(string(verdict))
		if !again {
			tracing.RecordError(ctx, err)
			fields := []interface{}{"verdict", verdict, "error", err}
			// Uncoded failures usually trace back to the source media
			// itself; attach the load diagnosis for the operator.
			if mlerrors.CodeOf(err) == mlerrors.ErrCodeInternal {
				problem := DiagnoseMediaLoadFailure(err)
				fields = append(fields, "problem", problem.Kind, "suggestion", problem.Suggestion)
			}
			s.logger.Errorw("capture failed", fields...)
			return nil, err
		}

		s.logger.Warnw("capture attempt failed, recovering",
			"verdict", verdict,
			"delay", retryDelay,
			"error", err,
		)
		if retryDelay > 0 {
			select {
			case <-time.After(retryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
}

// StopCapture tears down the active stream, flushing any buffered chunk
// through the sink. Safe to call with no capture running.
func (s *MediaSession) StopCapture() {
	s.mu.Lock()
	result := s.result
	s.result = nil
	s.source = nil
	s.sink = nil
	s.mu.Unlock()

	if result != nil && result.Cleanup != nil {
		result.Cleanup()
	}
}

// SwapCapture switches the session to a new source without recreating
// peer links: each old track is replaced in place on every sender, so
// remote peers keep receiving on the same transceiver with no
// renegotiation. With no capture running this is a plain StartCapture.
// The old stream is torn down only after the new one is live; a failed
// swap leaves the previous capture untouched.
func (s *MediaSession) SwapCapture(ctx context.Context, source ports.MediaSource, sink ports.ChunkSink) (*ports.StreamResult, error) {
	ctx, span := tracing.StartSpan(ctx, "session.swap_capture")
	defer span.End()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, domain.ErrSessionClosed
	}
	old := s.result
	s.mu.Unlock()

	if old == nil {
		return s.StartCapture(ctx, source, sink)
	}

	result, err := s.streams.CreateStream(source, s.meterSink(sink))
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}
	span.SetAttributes(tracing.StrategyKey.String(string(result.Strategy)))
	s.metrics.RecordStrategySelected(result.Strategy)

	// Pair old and new tracks by kind; leftovers on the new side attach
	// as additional tracks.
	remaining := append([]webrtc.TrackLocal(nil), result.Tracks...)
	for _, oldTrack := range old.Tracks {
		for i, newTrack := range remaining {
			if newTrack.Kind() == oldTrack.Kind() {
				s.links.ReplaceTrack(oldTrack, newTrack)
				remaining = append(remaining[:i], remaining[i+1:]...)
				break
			}
		}
	}
	if len(remaining) > 0 {
		s.links.AddTracks(remaining)
	}

	s.mu.Lock()
	s.result = result
	s.source = source
	s.sink = sink
	s.mu.Unlock()

	if old.Cleanup != nil {
		old.Cleanup()
	}
	s.logger.Infow("capture swapped", "strategy", result.Strategy)
	return result, nil
}

// meterSink wraps the chunk sink so every emitted chunk is counted.
// A nil sink still gets metered; chunk delivery itself is skipped.
func (s *MediaSession) meterSink(sink ports.ChunkSink) ports.ChunkSink {
	return func(chunk []byte, timestampMS int64) {
		s.metrics.RecordChunk(len(chunk))
		if sink != nil {
			sink(chunk, timestampMS)
		}
	}
}

// Connect initiates a link to a remote peer.
func (s *MediaSession) Connect(ctx context.Context, peerID domain.PeerID) error {
	ctx, span := tracing.StartSpan(ctx, "session.connect")
	defer span.End()
	tracing.AddSpanAttributes(ctx, tracing.PeerIDKey.String(string(peerID)))

	return s.createLink(ctx, peerID)
}

// createLink initiates a link and stamps its start so the setup
// duration can be observed once the link connects.
func (s *MediaSession) createLink(ctx context.Context, peerID domain.PeerID) error {
	s.mu.Lock()
	s.linkStarted[peerID] = time.Now()
	s.mu.Unlock()

	s.metrics.RecordLinkCreated()
	return s.links.CreateLink(ctx, peerID, true)
}

// Disconnect removes the link to a remote peer. Idempotent.
func (s *MediaSession) Disconnect(peerID domain.PeerID) {
	s.links.RemoveLink(peerID)
	s.recovery.ResetPeer(peerID)
}

// Broadcast sends data to every connected peer and reports how many
// received it.
func (s *MediaSession) Broadcast(message []byte) int {
	s.metrics.RecordBroadcast()
	return s.links.Broadcast(message)
}

// Stats snapshots the session for diagnostics.
func (s *MediaSession) Stats() SessionStats {
	stats := SessionStats{
		PeerID: s.cfg.PeerID,
		Links:  s.links.Links(),
	}

	s.mu.Lock()
	result := s.result
	s.mu.Unlock()

	if result != nil {
		stats.Strategy = result.Strategy
		if result.Stats != nil {
			cs := result.Stats()
			stats.Capture = &cs
			s.metrics.RecordCaptureBitrate(result.Strategy, cs.CurrentBitrate)
		}
	}
	return stats
}

// Stop shuts the session down. Idempotent; the signaling channel itself
// is owned by the caller and left open.
func (s *MediaSession) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.channel.Off(domain.EventSignal)
	s.channel.Off(domain.EventPeerJoined)
	s.channel.Off(domain.EventPeerLeft)

	s.StopCapture()
	s.links.RemoveAll()
	s.creds.Close()
	s.recovery.ResetAll()

	s.logger.Infow("media session stopped", "peer_id", s.cfg.PeerID)
}

// sendSignal relays one outbound negotiation payload through the
// signaling channel.
func (s *MediaSession) sendSignal(peerID domain.PeerID, payload json.RawMessage) {
	env := domain.SignalEnvelope{PeerID: peerID, Payload: payload}
	s.metrics.RecordSignalRouted()
	if err := s.channel.Send(domain.EventSignal, env); err != nil {
		s.logger.Warnw("signal send failed", "peer_id", peerID, "error", err)
	}
}

// handleInboundSignal routes a negotiation payload to the peer's link.
// The link manager creates the responder side when no link exists yet,
// so an unsolicited offer is how inbound connections begin.
func (s *MediaSession) handleInboundSignal(payload json.RawMessage) {
	var env domain.SignalEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		s.logger.Warnw("malformed signal envelope", "error", err)
		return
	}
	if env.PeerID == "" {
		s.logger.Warnw("signal envelope without peer id dropped")
		return
	}

	s.metrics.RecordSignalRouted()
	if err := s.links.ReceiveSignal(context.Background(), env.PeerID, env.Payload); err != nil {
		s.onLinkError(env.PeerID, err)
	}
}

func (s *MediaSession) handlePeerJoined(payload json.RawMessage) {
	var env domain.SignalEnvelope
	if err := json.Unmarshal(payload, &env); err != nil || env.PeerID == "" {
		return
	}
	if err := s.createLink(context.Background(), env.PeerID); err != nil {
		s.onLinkError(env.PeerID, err)
	}
}

func (s *MediaSession) handlePeerLeft(payload json.RawMessage) {
	var env domain.SignalEnvelope
	if err := json.Unmarshal(payload, &env); err != nil || env.PeerID == "" {
		return
	}
	s.Disconnect(env.PeerID)
}

func (s *MediaSession) onLinkConnected(peerID domain.PeerID) {
	s.logger.Infow("peer link connected", "peer_id", peerID)
	s.recovery.ResetPeer(peerID)

	s.mu.Lock()
	startedAt, timed := s.linkStarted[peerID]
	delete(s.linkStarted, peerID)
	s.mu.Unlock()

	s.metrics.RecordLinkState("", domain.LinkConnected)
	if timed {
		s.metrics.RecordLinkSetup(time.Since(startedAt))
	}
	// Late joiners already carry the local stream: link creation attaches
	// every remembered track before the first offer goes out.
}

func (s *MediaSession) onLinkClosed(peerID domain.PeerID) {
	s.logger.Infow("peer link closed", "peer_id", peerID)
	s.metrics.RecordLinkState(domain.LinkConnected, "")
}

// onLinkError feeds a per-peer failure through the recovery engine. A
// retry verdict rebuilds the link after the advised delay; a reset
// verdict clears the peer's budget first so the rebuild starts clean.
func (s *MediaSession) onLinkError(peerID domain.PeerID, err error) {
	verdict := s.recovery.HandlePeerFailure(peerID, err, ports.RecoveryHooks{
		OnRetry: func(delay time.Duration) {
			time.AfterFunc(delay, func() { s.rebuildLink(peerID) })
		},
		OnReset: func() {
			s.recovery.ResetPeer(peerID)
			s.rebuildLink(peerID)
		},
		OnFallback: func() {
			// No alternative transport for a peer link; rebuilding is
			// the closest equivalent.
			s.rebuildLink(peerID)
		},
	})
	s.metrics.RecordRecovery(string(verdict))
	if verdict == ports.RecoveryUnrecoverable {
		s.logger.Errorw("peer link unrecoverable, removing", "peer_id", peerID, "error", err)
		s.links.RemoveLink(peerID)
	}
}

func (s *MediaSession) rebuildLink(peerID domain.PeerID) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}

	s.links.RemoveLink(peerID)
	if err := s.createLink(context.Background(), peerID); err != nil {
		s.logger.Warnw("link rebuild failed", "peer_id", peerID, "error", err)
	}
}
