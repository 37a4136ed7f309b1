package domain

import "time"

type PeerID string

// LinkRole says which side of the negotiation this participant took.
type LinkRole string

const (
	RoleInitiator LinkRole = "initiator"
	RoleResponder LinkRole = "responder"
)

// LinkState is the lifecycle state of one peer link.
type LinkState string

const (
	LinkSignaling  LinkState = "signaling"
	LinkConnecting LinkState = "connecting"
	LinkConnected  LinkState = "connected"
	LinkClosed     LinkState = "closed"
)

// LinkInfo is a read-only snapshot of a live peer link, exposed for
// monitoring and diagnostics. The link itself is owned by the link manager.
type LinkInfo struct {
	PeerID       PeerID
	Role         LinkRole
	State        LinkState
	DataReady    bool
	CreatedAt    time.Time
	PacketsLost  int64
}
