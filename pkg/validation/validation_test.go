package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidatePeerID(t *testing.T) {
	assert.NoError(t, ValidatePeerID("peer-1"))
	assert.NoError(t, ValidatePeerID("camera_42"))
	assert.Error(t, ValidatePeerID(""))
	assert.Error(t, ValidatePeerID("peer one"))
	assert.Error(t, ValidatePeerID("peer/../etc"))
}

func TestValidateSignalingURL(t *testing.T) {
	assert.NoError(t, ValidateSignalingURL("ws://localhost:8080/ws"))
	assert.NoError(t, ValidateSignalingURL("wss://signal.example.com/ws"))
	assert.Error(t, ValidateSignalingURL(""))
	assert.Error(t, ValidateSignalingURL("http://example.com"))
	assert.Error(t, ValidateSignalingURL("ws://"))
}

func TestValidateICEServerURL(t *testing.T) {
	assert.NoError(t, ValidateICEServerURL("stun:stun.l.google.com:19302"))
	assert.NoError(t, ValidateICEServerURL("turns:relay.example.com:5349"))
	assert.Error(t, ValidateICEServerURL("udp:relay.example.com"))
	assert.Error(t, ValidateICEServerURL("turn:"))
	assert.Error(t, ValidateICEServerURL(""))
}

func TestValidateSDP(t *testing.T) {
	assert.NoError(t, ValidateSDP("v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\n"))
	assert.Error(t, ValidateSDP(""))
	assert.Error(t, ValidateSDP("o=- 0 0 IN IP4 127.0.0.1"))
}

func TestValidateAuthSecret(t *testing.T) {
	assert.NoError(t, ValidateAuthSecret("0123456789abcdef"))
	assert.Error(t, ValidateAuthSecret(""))
	assert.Error(t, ValidateAuthSecret("short"))
}
