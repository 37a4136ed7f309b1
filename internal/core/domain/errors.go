package domain

import "errors"

var (
	ErrLinkNotFound         = errors.New("peer link not found")
	ErrStreamerActive       = errors.New("chunked streamer already active")
	ErrAllStrategiesFailed  = errors.New("all streaming strategies failed")
	ErrChannelNotReady      = errors.New("signaling channel not ready")
	ErrRequestInFlight      = errors.New("credential request already in flight")
	ErrCredentialUnavailable = errors.New("no relay credential available")
	ErrSessionClosed        = errors.New("session closed")
)
