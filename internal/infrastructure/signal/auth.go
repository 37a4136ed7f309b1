package signal

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// sessionClaims is the token payload presented during the websocket
// handshake. The signaling service validates it before accepting the
// connection, so a successful upgrade implies an authenticated channel.
type sessionClaims struct {
	PeerID string `json:"peer_id"`
	jwt.RegisteredClaims
}

// NewToken mints a short-lived HMAC-signed session token for peerID.
func NewToken(secret, peerID string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("auth secret is empty")
	}
	now := time.Now()
	claims := sessionClaims{
		PeerID: peerID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   peerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseToken validates a session token and returns the peer it was
// issued for.
func ParseToken(secret, token string) (string, error) {
	claims := &sessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", err
	}
	if !parsed.Valid {
		return "", fmt.Errorf("invalid session token")
	}
	return claims.PeerID, nil
}
