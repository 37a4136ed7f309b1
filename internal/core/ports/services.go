package ports

import (
	"context"
	"encoding/json"
	"time"

	"meshlink/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// LinkEvents is the single event contract a link manager surfaces. Every
// callback is scoped to a peer identifier and invoked at most once per
// underlying event. Nil callbacks are skipped.
type LinkEvents struct {
	OnSignal  func(peerID domain.PeerID, payload json.RawMessage)
	OnConnect func(peerID domain.PeerID)
	OnStream  func(peerID domain.PeerID, track *webrtc.TrackRemote)
	OnData    func(peerID domain.PeerID, data []byte)
	OnClose   func(peerID domain.PeerID)
	OnError   func(peerID domain.PeerID, err error)
}

// LinkManager owns the set of live peer links.
type LinkManager interface {
	// CreateLink establishes a link with the given peer. When initiator
	// is true an outbound offer is generated asynchronously; otherwise the
	// link waits for an inbound signal. If a link for the peer already
	// exists the call logs and returns without error; callers must remove
	// before recreating.
	CreateLink(ctx context.Context, peerID domain.PeerID, initiator bool) error

	// ReceiveSignal feeds an inbound negotiation payload to the peer's
	// link, creating the responder side if no link exists yet.
	ReceiveSignal(ctx context.Context, peerID domain.PeerID, payload json.RawMessage) error

	// Broadcast sends to every connected link's data channel and returns
	// the count of successful sends.
	Broadcast(message []byte) int

	// ReplaceTrack swaps oldTrack for newTrack on every link. Per-link
	// failures are logged, not propagated.
	ReplaceTrack(oldTrack, newTrack webrtc.TrackLocal)

	// AddTracks attaches local tracks to every current link.
	AddTracks(tracks []webrtc.TrackLocal)

	// UpdateICEServers applies a new server set to links created after
	// this call; existing links are not renegotiated.
	UpdateICEServers(servers []domain.ICEServer)

	RemoveLink(peerID domain.PeerID)
	RemoveAll()
	Links() []domain.LinkInfo
}

// CredentialProvider maintains a continuously valid relay configuration.
type CredentialProvider interface {
	// Request issues a single in-flight credential request. A second call
	// while one is outstanding is dropped, not queued, and reports
	// domain.ErrRequestInFlight.
	Request(ctx context.Context) (*domain.RelayCredential, error)

	// ICEServers returns the current server set, falling back to the
	// public STUN defaults when no credential is held.
	ICEServers() []domain.ICEServer

	// OnWarning registers a callback for quota warnings (>80% utilization).
	OnWarning(fn func(message string, quota *domain.QuotaSnapshot))

	// OnUpdate registers a callback invoked with each renewed credential.
	OnUpdate(fn func(cred *domain.RelayCredential))

	// OnFailure registers a callback for terminal credential failures,
	// raised after the retry budget is exhausted or for errors that
	// cannot be retried.
	OnFailure(fn func(err error))

	Close()
}

// RecoveryStrategy is the engine's verdict for one failure.
type RecoveryStrategy string

const (
	RecoveryRetry         RecoveryStrategy = "retry"
	RecoveryFallback      RecoveryStrategy = "fallback"
	RecoveryReset         RecoveryStrategy = "reset"
	RecoveryUnrecoverable RecoveryStrategy = "unrecoverable"
)

// RecoveryHooks are the caller-supplied strategy callbacks. Exactly one
// hook fires per HandleFailure call, or none when the verdict is
// unrecoverable.
type RecoveryHooks struct {
	OnRetry    func(delay time.Duration)
	OnFallback func()
	OnReset    func()
}

// RecoveryService classifies failures and drives bounded repair.
type RecoveryService interface {
	HandleFailure(err error, hooks RecoveryHooks) RecoveryStrategy
	HandlePeerFailure(peerID domain.PeerID, err error, hooks RecoveryHooks) RecoveryStrategy
	Reset(err error)
	ResetPeer(peerID domain.PeerID)
	ResetAll()
}

// CredentialStore persists the last-known-good relay credential so a
// restart can fall back to it before the first renewal completes.
type CredentialStore interface {
	Save(ctx context.Context, cred *domain.RelayCredential) error
	Load(ctx context.Context) (*domain.RelayCredential, error)
}
