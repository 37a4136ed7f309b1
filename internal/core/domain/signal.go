package domain

import "encoding/json"

// Signaling event names exchanged over the channel.
const (
	EventSignal             = "signal"
	EventRequestCredentials = "request-turn-credentials"
	EventCredentials        = "turn-credentials"
	EventReconnect          = "reconnect"
	EventPeerJoined         = "peer-joined"
	EventPeerLeft           = "peer-left"
)

// SignalEnvelope relays one opaque negotiation payload to or from a peer.
// The session layer never interprets Payload; only the connection layer
// that produced it does.
type SignalEnvelope struct {
	PeerID  PeerID          `json:"peer_id"`
	Payload json.RawMessage `json:"payload"`
}

// Credential error codes carried by a turn-credentials response.
const (
	CredErrorAuthRequired    = "auth_required"
	CredErrorRateLimited     = "rate_limited"
	CredErrorQuotaExceeded   = "quota_exceeded"
	CredErrorConnectionLimit = "connection_limit_exceeded"
)

// CredentialResponse is the turn-credentials response shape.
type CredentialResponse struct {
	ICEServers []ICEServer    `json:"iceServers,omitempty"`
	TTL        int            `json:"ttl,omitempty"` // seconds
	Timestamp  int64          `json:"timestamp,omitempty"`
	Error      string         `json:"error,omitempty"`
	Code       string         `json:"code,omitempty"`
	RetryAfter int            `json:"retryAfter,omitempty"` // seconds, set with rate_limited
	Quota      *QuotaSnapshot `json:"quota,omitempty"`
}
