package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionError_Error(t *testing.T) {
	err := New(ErrCodeNetwork, "signaling unreachable")
	assert.Equal(t, "NETWORK_ERROR: signaling unreachable", err.Error())

	wrapped := Wrap(errors.New("dial tcp: refused"), ErrCodeNetwork, "signaling unreachable")
	assert.Contains(t, wrapped.Error(), "caused by: dial tcp: refused")
}

func TestSessionError_Unwrap(t *testing.T) {
	cause := errors.New("underlying")
	err := Wrap(cause, ErrCodeDeviceUnavailable, "camera gone")

	assert.True(t, errors.Is(err, cause))
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, ErrCodePermissionDenied, CodeOf(NewPermissionDeniedError("denied")))
	assert.Equal(t, ErrCodeInternal, CodeOf(errors.New("plain")))

	// Code survives fmt wrapping.
	wrapped := fmt.Errorf("outer: %w", NewQuotaExceededError("relay quota"))
	assert.Equal(t, ErrCodeQuotaExceeded, CodeOf(wrapped))
}

func TestHasCode(t *testing.T) {
	err := NewTimeoutError("credential request timed out")
	assert.True(t, HasCode(err, ErrCodeTimeout))
	assert.False(t, HasCode(err, ErrCodeNetwork))
	assert.False(t, HasCode(errors.New("plain"), ErrCodeTimeout))
}

func TestSignature_Truncates(t *testing.T) {
	long := New(ErrCodeInternal, strings.Repeat("x", 200))
	sig := Signature(long)
	assert.LessOrEqual(t, len(sig), len(string(ErrCodeInternal))+1+48)

	// Same class of error with identical prefix maps to one signature.
	a := New(ErrCodeDeviceUnavailable, "device busy: cam0")
	b := New(ErrCodeDeviceUnavailable, "device busy: cam0")
	assert.Equal(t, Signature(a), Signature(b))
}

func TestWithContext(t *testing.T) {
	err := NewNetworkError("send failed").WithContext("peer_id", "peer-1")
	assert.Equal(t, "peer-1", err.Context["peer_id"])
}
