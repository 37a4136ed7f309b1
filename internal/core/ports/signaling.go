package ports

import (
	"encoding/json"
)

// ChannelState is the readiness of the signaling transport.
type ChannelState string

const (
	ChannelDisconnected ChannelState = "disconnected"
	ChannelConnecting   ChannelState = "connecting"
	ChannelConnected    ChannelState = "connected"
)

// Handler receives one inbound signaling event payload. Handlers for a
// given event are invoked sequentially, never concurrently.
type Handler func(payload json.RawMessage)

// SignalingChannel is the duplex, ordered message channel the session
// consumes. The transport behind it (websocket, in tests a fake) is not
// the session's concern.
//
// On registers at most one handler per event: re-registering replaces the
// previous handler. This keeps response/timeout races to a single listener
// plus explicit timer cancellation instead of two listeners for one event.
type SignalingChannel interface {
	State() ChannelState
	Authenticated() bool
	Send(event string, payload interface{}) error
	On(event string, handler Handler)
	Off(event string)
	Close() error
}
