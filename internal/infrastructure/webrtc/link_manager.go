package webrtc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"meshlink/internal/core/domain"
	"meshlink/internal/core/ports"
	"meshlink/pkg/validation"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Config holds transport configuration for new links.
type Config struct {
	ICEServers []domain.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
}

// negotiation is the opaque payload relayed through the signaling layer.
// Only this package reads or writes it.
type negotiation struct {
	Kind      string                   `json:"kind"` // offer | answer | candidate
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

// peerLink is the negotiated transport to one remote participant.
type peerLink struct {
	peerID    domain.PeerID
	role      domain.LinkRole
	createdAt time.Time

	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	// sendData is split from dc so tests can stub delivery.
	sendData func([]byte) error

	state       atomic.Value // domain.LinkState
	dataReady   atomic.Bool
	packetsLost atomic.Int64

	// alive guards against stale async completions: once a link is
	// replaced or removed its callbacks become no-ops.
	alive atomic.Bool
}

func (l *peerLink) setState(s domain.LinkState) { l.state.Store(s) }

func (l *peerLink) getState() domain.LinkState {
	if s, ok := l.state.Load().(domain.LinkState); ok {
		return s
	}
	return domain.LinkSignaling
}

// LinkManager owns the set of live peer links. All mutating operations
// snapshot the link set before acting so handlers that remove entries
// mid-iteration cannot corrupt it.
type LinkManager struct {
	config Config
	events ports.LinkEvents
	logger *zap.SugaredLogger

	mu          sync.RWMutex
	links       map[domain.PeerID]*peerLink
	localTracks []webrtc.TrackLocal
	closed      bool
}

// NewLinkManager creates a link manager. Events callbacks may be nil.
func NewLinkManager(config Config, events ports.LinkEvents, logger *zap.SugaredLogger) *LinkManager {
	return &LinkManager{
		config: config,
		events: events,
		logger: logger,
		links:  make(map[domain.PeerID]*peerLink),
	}
}

func (m *LinkManager) api() (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	if m.config.PortRange.Min != 0 || m.config.PortRange.Max != 0 {
		if err := se.SetEphemeralUDPPortRange(m.config.PortRange.Min, m.config.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se)), nil
}

func (m *LinkManager) rtcConfig() webrtc.Configuration {
	m.mu.RLock()
	servers := m.config.ICEServers
	m.mu.RUnlock()

	cfg := webrtc.Configuration{}
	for _, s := range servers {
		cfg.ICEServers = append(cfg.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return cfg
}

// UpdateICEServers applies a new server set to links created after this
// call. Existing links keep the credential they were built with and are
// not renegotiated.
func (m *LinkManager) UpdateICEServers(servers []domain.ICEServer) {
	m.mu.Lock()
	m.config.ICEServers = servers
	m.mu.Unlock()
	m.logger.Infow("ice servers updated for future links", "count", len(servers))
}

// CreateLink establishes a link with the given peer. If a link already
// exists the call logs and returns without error: callers must remove
// before recreating, so a new link always replaces, never merges.
func (m *LinkManager) CreateLink(ctx context.Context, peerID domain.PeerID, initiator bool) error {
	// Snapshot the ICE configuration before locking; newLink runs with the
	// write lock held and must not reacquire it.
	rtcCfg := m.rtcConfig()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return domain.ErrSessionClosed
	}
	if _, exists := m.links[peerID]; exists {
		m.mu.Unlock()
		m.logger.Warnw("link already exists, ignoring create", "peer_id", peerID)
		return nil
	}

	link, err := m.newLink(peerID, initiator, rtcCfg)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.links[peerID] = link
	m.mu.Unlock()

	if initiator {
		// The offer is generated asynchronously; failures surface through
		// the error callback, not the CreateLink return.
		go m.negotiateOffer(link)
	}
	return nil
}

func (m *LinkManager) newLink(peerID domain.PeerID, initiator bool, cfg webrtc.Configuration) (*peerLink, error) {
	api, err := m.api()
	if err != nil {
		return nil, err
	}

	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	role := domain.RoleResponder
	if initiator {
		role = domain.RoleInitiator
	}

	link := &peerLink{
		peerID:    peerID,
		role:      role,
		createdAt: time.Now(),
		pc:        pc,
	}
	link.setState(domain.LinkSignaling)
	link.alive.Store(true)

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || !link.alive.Load() {
			return
		}
		init := c.ToJSON()
		m.emitSignal(peerID, negotiation{Kind: "candidate", Candidate: &init})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if !link.alive.Load() {
			return
		}
		switch state {
		case webrtc.PeerConnectionStateConnecting:
			link.setState(domain.LinkConnecting)
		case webrtc.PeerConnectionStateConnected:
			link.setState(domain.LinkConnected)
			if m.events.OnConnect != nil {
				m.events.OnConnect(peerID)
			}
		case webrtc.PeerConnectionStateFailed:
			m.logger.Warnw("link failed", "peer_id", peerID)
			if m.events.OnError != nil {
				m.events.OnError(peerID, fmt.Errorf("peer connection failed"))
			}
			m.RemoveLink(peerID)
		case webrtc.PeerConnectionStateClosed:
			link.setState(domain.LinkClosed)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if !link.alive.Load() {
			return
		}
		m.logger.Infow("remote track received",
			"peer_id", peerID,
			"kind", track.Kind().String(),
		)
		if m.events.OnStream != nil {
			m.events.OnStream(peerID, track)
		}
	})

	// Local tracks present at creation ride along on the first offer.
	m.attachTracks(link, m.localTracks)

	if initiator {
		dc, err := pc.CreateDataChannel("data", nil)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("failed to create data channel: %w", err)
		}
		m.bindDataChannel(link, dc)
	} else {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			m.bindDataChannel(link, dc)
		})
	}

	return link, nil
}

func (m *LinkManager) bindDataChannel(link *peerLink, dc *webrtc.DataChannel) {
	link.dc = dc
	link.sendData = func(b []byte) error { return dc.Send(b) }

	dc.OnOpen(func() {
		if !link.alive.Load() {
			return
		}
		link.dataReady.Store(true)
	})
	dc.OnClose(func() {
		link.dataReady.Store(false)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if !link.alive.Load() {
			return
		}
		if m.events.OnData != nil {
			m.events.OnData(link.peerID, msg.Data)
		}
	})
}

func (m *LinkManager) attachTracks(link *peerLink, tracks []webrtc.TrackLocal) {
	for _, track := range tracks {
		sender, err := link.pc.AddTrack(track)
		if err != nil {
			m.logger.Warnw("failed to attach track",
				"peer_id", link.peerID,
				"track_id", track.ID(),
				"error", err,
			)
			continue
		}
		go m.drainRTCP(link, sender)
	}
}

// drainRTCP keeps the sender's RTCP stream flowing and folds loss reports
// into the link's stats.
func (m *LinkManager) drainRTCP(link *peerLink, sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		n, _, err := sender.Read(buf)
		if err != nil {
			return
		}
		pkts, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		for _, pkt := range pkts {
			if rr, ok := pkt.(*rtcp.ReceiverReport); ok {
				for _, report := range rr.Reports {
					link.packetsLost.Store(int64(report.TotalLost))
				}
			}
		}
	}
}

func (m *LinkManager) negotiateOffer(link *peerLink) {
	offer, err := link.pc.CreateOffer(nil)
	if err == nil {
		err = link.pc.SetLocalDescription(offer)
	}
	if err != nil {
		m.logger.Errorw("offer negotiation failed", "peer_id", link.peerID, "error", err)
		if link.alive.Load() && m.events.OnError != nil {
			m.events.OnError(link.peerID, err)
		}
		return
	}
	if !link.alive.Load() {
		return
	}
	m.emitSignal(link.peerID, negotiation{Kind: "offer", SDP: offer.SDP})
}

func (m *LinkManager) emitSignal(peerID domain.PeerID, n negotiation) {
	if m.events.OnSignal == nil {
		return
	}
	payload, err := json.Marshal(n)
	if err != nil {
		m.logger.Errorw("failed to marshal negotiation payload", "peer_id", peerID, "error", err)
		return
	}
	m.events.OnSignal(peerID, payload)
}

// ReceiveSignal feeds an inbound negotiation payload to the peer's link.
// With no existing link the responder side is constructed first; with one,
// the payload continues the running negotiation.
func (m *LinkManager) ReceiveSignal(ctx context.Context, peerID domain.PeerID, payload json.RawMessage) error {
	var n negotiation
	if err := json.Unmarshal(payload, &n); err != nil {
		return fmt.Errorf("malformed negotiation payload from %s: %w", peerID, err)
	}
	if n.Kind == "offer" || n.Kind == "answer" {
		if err := validation.ValidateSDP(n.SDP); err != nil {
			return fmt.Errorf("bad %s from %s: %w", n.Kind, peerID, err)
		}
	}

	m.mu.RLock()
	link, exists := m.links[peerID]
	m.mu.RUnlock()

	if !exists {
		if err := m.CreateLink(ctx, peerID, false); err != nil {
			return err
		}
		m.mu.RLock()
		link = m.links[peerID]
		m.mu.RUnlock()
		if link == nil {
			return domain.ErrLinkNotFound
		}
	}

	switch n.Kind {
	case "offer":
		if err := link.pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeOffer, SDP: n.SDP,
		}); err != nil {
			return fmt.Errorf("failed to apply offer from %s: %w", peerID, err)
		}
		answer, err := link.pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("failed to create answer for %s: %w", peerID, err)
		}
		if err := link.pc.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("failed to set local answer for %s: %w", peerID, err)
		}
		m.emitSignal(peerID, negotiation{Kind: "answer", SDP: answer.SDP})

	case "answer":
		if err := link.pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeAnswer, SDP: n.SDP,
		}); err != nil {
			return fmt.Errorf("failed to apply answer from %s: %w", peerID, err)
		}

	case "candidate":
		if n.Candidate == nil {
			return fmt.Errorf("candidate payload from %s missing candidate", peerID)
		}
		if err := link.pc.AddICECandidate(*n.Candidate); err != nil {
			return fmt.Errorf("failed to add candidate from %s: %w", peerID, err)
		}

	default:
		return fmt.Errorf("unknown negotiation kind %q from %s", n.Kind, peerID)
	}
	return nil
}

// Broadcast sends to every connected link's data channel and returns the
// count of successful sends. One failing peer never aborts the rest.
func (m *LinkManager) Broadcast(message []byte) int {
	sent := 0
	for _, link := range m.snapshot() {
		if link.getState() != domain.LinkConnected || !link.dataReady.Load() || link.sendData == nil {
			continue
		}
		if err := link.sendData(message); err != nil {
			m.logger.Warnw("broadcast send failed", "peer_id", link.peerID, "error", err)
			continue
		}
		sent++
	}
	return sent
}

// ReplaceTrack swaps oldTrack for newTrack on every link within one
// iteration, e.g. for a camera/screen-share swap. Per-link failures are
// logged so the remaining links keep functioning.
func (m *LinkManager) ReplaceTrack(oldTrack, newTrack webrtc.TrackLocal) {
	for _, link := range m.snapshot() {
		replaced := false
		for _, sender := range link.pc.GetSenders() {
			current := sender.Track()
			if current == nil || current.ID() != oldTrack.ID() {
				continue
			}
			if err := sender.ReplaceTrack(newTrack); err != nil {
				m.logger.Warnw("track replacement failed",
					"peer_id", link.peerID,
					"track_id", oldTrack.ID(),
					"error", err,
				)
				continue
			}
			replaced = true
		}
		if !replaced {
			m.logger.Debugw("no sender carried the old track", "peer_id", link.peerID)
		}
	}

	m.mu.Lock()
	for i, t := range m.localTracks {
		if t.ID() == oldTrack.ID() {
			m.localTracks[i] = newTrack
		}
	}
	m.mu.Unlock()
}

// AddTracks attaches local tracks to every current link and remembers
// them for links created later. Tracks already known by ID are skipped,
// so a repeated add never duplicates a sender. Initiator links
// renegotiate when anything new was attached.
func (m *LinkManager) AddTracks(tracks []webrtc.TrackLocal) {
	m.mu.Lock()
	known := make(map[string]struct{}, len(m.localTracks))
	for _, t := range m.localTracks {
		known[t.ID()] = struct{}{}
	}
	var fresh []webrtc.TrackLocal
	for _, t := range tracks {
		if _, dup := known[t.ID()]; dup {
			continue
		}
		known[t.ID()] = struct{}{}
		fresh = append(fresh, t)
	}
	m.localTracks = append(m.localTracks, fresh...)
	m.mu.Unlock()

	if len(fresh) == 0 {
		return
	}
	for _, link := range m.snapshot() {
		m.attachTracks(link, fresh)
		if link.role == domain.RoleInitiator {
			go m.negotiateOffer(link)
		}
	}
}

// RemoveLink releases the link's transport resources. Idempotent.
func (m *LinkManager) RemoveLink(peerID domain.PeerID) {
	m.mu.Lock()
	link, exists := m.links[peerID]
	if exists {
		delete(m.links, peerID)
	}
	m.mu.Unlock()

	if !exists {
		return
	}

	link.alive.Store(false)
	link.setState(domain.LinkClosed)
	if link.pc != nil {
		if err := link.pc.Close(); err != nil {
			m.logger.Debugw("peer connection close", "peer_id", peerID, "error", err)
		}
	}
	if m.events.OnClose != nil {
		m.events.OnClose(peerID)
	}
}

// RemoveAll releases every link. Idempotent.
func (m *LinkManager) RemoveAll() {
	for _, link := range m.snapshot() {
		m.RemoveLink(link.peerID)
	}
}

// Close removes all links and rejects further creates.
func (m *LinkManager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.RemoveAll()
}

// Links returns a read-only snapshot of the live link set.
func (m *LinkManager) Links() []domain.LinkInfo {
	links := m.snapshot()
	infos := make([]domain.LinkInfo, 0, len(links))
	for _, link := range links {
		infos = append(infos, domain.LinkInfo{
			PeerID:      link.peerID,
			Role:        link.role,
			State:       link.getState(),
			DataReady:   link.dataReady.Load(),
			CreatedAt:   link.createdAt,
			PacketsLost: link.packetsLost.Load(),
		})
	}
	return infos
}

// snapshot copies the link set so callers can iterate while handlers
// mutate the map.
func (m *LinkManager) snapshot() []*peerLink {
	m.mu.RLock()
	defer m.mu.RUnlock()
	links := make([]*peerLink, 0, len(m.links))
	for _, link := range m.links {
		links = append(links, link)
	}
	return links
}

var _ ports.LinkManager = (*LinkManager)(nil)
