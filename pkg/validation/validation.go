package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var (
	// PeerIDRegex validates peer ID format
	PeerIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// SessionIDRegex validates session ID format
	SessionIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// ValidatePeerID validates a peer identifier
func ValidatePeerID(peerID string) error {
	if peerID == "" {
		return fmt.Errorf("peer ID is required")
	}
	if len(peerID) > 100 {
		return fmt.Errorf("peer ID is too long (max 100 characters)")
	}
	if !PeerIDRegex.MatchString(peerID) {
		return fmt.Errorf("peer ID contains invalid characters (only letters, numbers, _, - allowed)")
	}
	return nil
}

// ValidateSessionID validates a session identifier
func ValidateSessionID(sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session ID is required")
	}
	if len(sessionID) > 100 {
		return fmt.Errorf("session ID is too long (max 100 characters)")
	}
	if !SessionIDRegex.MatchString(sessionID) {
		return fmt.Errorf("invalid session ID format")
	}
	return nil
}

// ValidateSignalingURL validates a signaling server URL
func ValidateSignalingURL(rawURL string) error {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return fmt.Errorf("signaling URL is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid signaling URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("signaling URL must use ws or wss scheme, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("signaling URL is missing a host")
	}
	return nil
}

// ValidateICEServerURL validates a STUN or TURN server URL
func ValidateICEServerURL(rawURL string) error {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return fmt.Errorf("ICE server URL is required")
	}
	scheme, rest, found := strings.Cut(rawURL, ":")
	if !found || rest == "" {
		return fmt.Errorf("ICE server URL %q is missing a host", rawURL)
	}
	switch scheme {
	case "stun", "stuns", "turn", "turns":
	default:
		return fmt.Errorf("ICE server URL must use stun, stuns, turn or turns scheme, got %q", scheme)
	}
	return nil
}

// ValidateSDP performs a shallow sanity check on a session description
// before it is handed to the negotiation machinery.
func ValidateSDP(sdp string) error {
	if sdp == "" {
		return fmt.Errorf("session description is required")
	}
	if !strings.HasPrefix(sdp, "v=") {
		return fmt.Errorf("session description does not start with a version line")
	}
	if !strings.Contains(sdp, "o=") {
		return fmt.Errorf("session description is missing an origin line")
	}
	return nil
}

// ValidateAuthSecret validates a shared token-signing secret
func ValidateAuthSecret(secret string) error {
	if secret == "" {
		return fmt.Errorf("auth secret is required")
	}
	if len(secret) < 16 {
		return fmt.Errorf("auth secret must be at least 16 characters")
	}
	return nil
}
