package domain

import "time"

// ICEServer describes one STUN or TURN endpoint.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// QuotaSnapshot is the relay usage picture a credential response may carry.
type QuotaSnapshot struct {
	Used       int64   `json:"used"`
	Limit      int64   `json:"limit"`
	Remaining  int64   `json:"remaining"`
	Percentage float64 `json:"percentage"`
}

// RelayCredential is a time-limited relay configuration. Credentials are
// superseded on renewal, never mutated; links created before a renewal
// keep the credential they were built with.
type RelayCredential struct {
	ICEServers []ICEServer
	TTL        time.Duration
	IssuedAt   time.Time
	Quota      *QuotaSnapshot
}

// Expired reports whether the credential's TTL has elapsed.
func (c *RelayCredential) Expired() bool {
	if c.TTL <= 0 {
		return false
	}
	return time.Since(c.IssuedAt) >= c.TTL
}

// DefaultSTUNServers returns the STUN-only fallback used when no relay
// credentials are available. No TURN relay capability in this mode.
func DefaultSTUNServers() []ICEServer {
	return []ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
		{URLs: []string{"stun:global.stun.twilio.com:3478"}},
	}
}
