// Package mesh implements the Mesh Manager (C6): it owns the map of peer id
// to per-peer negotiation/transport state, decides who initiates each new
// pairwise connection, and gives the rest of the stack broadcast/send
// primitives over the resulting full mesh.
//
// Grounded on the teacher's client/client.go global Peers map and
// handleSignal dispatch (_examples/n0remac-robot-webrtc/client/client.go),
// generalized from a single-robot star topology to a symmetric N-peer mesh:
// every pairwise link gets its own negotiate.State instead of one shared
// map guarded by three separate mutexes.
package mesh

import (
	"fmt"
	"log"
	"sync"

	"github.com/n0remac/meshchat/negotiate"
	"github.com/n0remac/meshchat/protocol"
	"github.com/n0remac/meshchat/router"
	"github.com/pion/webrtc/v4"
)

// Signaling is the subset of the signaling client the mesh manager needs to
// address a message to one specific remote peer.
type Signaling interface {
	SendOffer(peerID string, sdp webrtc.SessionDescription) error
	SendAnswer(peerID string, sdp webrtc.SessionDescription) error
	SendCandidate(peerID string, c *webrtc.ICECandidate) error
}

// Peer bundles one remote peer's negotiation state and control-channel
// router. Control frames and file chunks go through Router; media.Plane
// reaches the raw PeerConnection through Manager.PeerConnection.
type Peer struct {
	ID        string
	Negotiate *negotiate.State
	Router    *router.Router
}

// Handlers are the callbacks the owner (typically room.Room) wires in to
// react to mesh events. All are optional.
type Handlers struct {
	// OnPeerReady fires once a peer's control channel finishes its
	// deferred data_channel_ready window (router.ReadyFunc), i.e. once
	// it's safe to start the sync handshake with that peer.
	OnPeerReady func(p *Peer)
	// OnMessage fires for every decoded JSON control frame from any peer.
	OnMessage func(p *Peer, tag protocol.Tag, payload any)
	// OnChunk fires for every binary frame bound to an armed
	// file-chunk-meta.
	OnChunk func(p *Peer, transferID string, chunkIndex int, data []byte)
	// OnTrack fires when a peer's PeerConnection receives a new inbound
	// media track (wired to media.Plane).
	OnTrack func(p *Peer, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	// OnPeerClosed fires once a peer's connection tears down.
	OnPeerClosed func(peerID string)
}

// Manager owns every pairwise link in the mesh for one local identity.
type Manager struct {
	localID  string
	username string
	api      *webrtc.API
	signal   Signaling
	handlers Handlers

	mu    sync.RWMutex
	peers map[string]*Peer
}

// New constructs a Manager. localID must be comparable with every remote
// peer id via plain string ordering — see the glossary's "polite peer"
// definition for why this has to be a stable total order (UUIDv7 message
// ids and peer ids both qualify).
func New(localID, username string, api *webrtc.API, signal Signaling, handlers Handlers) *Manager {
	return &Manager{
		localID:  localID,
		username: username,
		api:      api,
		signal:   signal,
		handlers: handlers,
		peers:    make(map[string]*Peer),
	}
}

// peerSender adapts Signaling to negotiate.SignalSender for one peer id.
type peerSender struct {
	signal Signaling
	peerID string
}

func (s peerSender) SendOffer(sdp webrtc.SessionDescription) error     { return s.signal.SendOffer(s.peerID, sdp) }
func (s peerSender) SendAnswer(sdp webrtc.SessionDescription) error    { return s.signal.SendAnswer(s.peerID, sdp) }
func (s peerSender) SendCandidate(c *webrtc.ICECandidate) error        { return s.signal.SendCandidate(s.peerID, c) }

// EnsurePeer returns the existing Peer for peerID, or creates one. initiator
// controls whether the local side opens the control DataChannel itself
// (true) or waits for the remote side's channel via OnDataChannel (false),
// so exactly one side of each pair has to pass true for a Router to be
// wired on both ends. The polite/impolite roles inside negotiate.State are
// id-ordering derived regardless of this flag.
func (m *Manager) EnsurePeer(peerID string, initiator bool) (*Peer, error) {
	m.mu.Lock()
	if p, ok := m.peers[peerID]; ok {
		m.mu.Unlock()
		return p, nil
	}
	m.mu.Unlock()

	state, err := negotiate.New(m.api, m.localID, peerID, peerSender{m.signal, peerID})
	if err != nil {
		return nil, fmt.Errorf("negotiate.New(%s): %w", peerID, err)
	}

	p := &Peer{ID: peerID, Negotiate: state}

	if initiator {
		dc, err := state.PC.CreateDataChannel("control", nil)
		if err != nil {
			state.Close()
			return nil, fmt.Errorf("create control channel: %w", err)
		}
		p.Router = m.wireRouter(p, dc)
	} else {
		state.PC.OnDataChannel(func(dc *webrtc.DataChannel) {
			if dc.Label() != "control" {
				return
			}
			m.mu.Lock()
			if p.Router == nil {
				p.Router = m.wireRouter(p, dc)
			}
			m.mu.Unlock()
		})
	}

	state.PC.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if m.handlers.OnTrack != nil {
			m.handlers.OnTrack(p, track, receiver)
		}
	})
	state.PC.OnConnectionStateChange(func(cs webrtc.PeerConnectionState) {
		if cs == webrtc.PeerConnectionStateFailed || cs == webrtc.PeerConnectionStateClosed {
			m.RemovePeer(peerID)
		}
	})

	m.mu.Lock()
	m.peers[peerID] = p
	m.mu.Unlock()
	return p, nil
}

func (m *Manager) wireRouter(p *Peer, dc *webrtc.DataChannel) *router.Router {
	r := router.New(dc, m.username, m.localID)
	r.Attach(
		func() {
			if m.handlers.OnPeerReady != nil {
				m.handlers.OnPeerReady(p)
			}
		},
		func(tag protocol.Tag, payload any) {
			if m.handlers.OnMessage != nil {
				m.handlers.OnMessage(p, tag, payload)
			}
		},
		func(transferID string, chunkIndex int, data []byte) {
			if m.handlers.OnChunk != nil {
				m.handlers.OnChunk(p, transferID, chunkIndex, data)
			}
		},
	)
	return r
}

// Peer returns the peer for peerID, if connected.
func (m *Manager) Peer(peerID string) (*Peer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.peers[peerID]
	return p, ok
}

// Peers returns a snapshot of all currently tracked peers.
func (m *Manager) Peers() []*Peer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Peer, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p)
	}
	return out
}

// PeerIDs returns the ids of every currently tracked peer. Satisfies
// media.PeerConnections.
func (m *Manager) PeerIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.peers))
	for id := range m.peers {
		out = append(out, id)
	}
	return out
}

// PeerConnection returns the raw PeerConnection for peerID. Satisfies
// media.PeerConnections; the media plane is the one caller allowed to
// reach through to the raw connection, since AddTrack/RemoveTrack have no
// router.Router equivalent.
func (m *Manager) PeerConnection(peerID string) (*webrtc.PeerConnection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.peers[peerID]
	if !ok {
		return nil, false
	}
	return p.Negotiate.PC, true
}

// RemovePeer tears down and forgets one peer. Safe to call more than once.
func (m *Manager) RemovePeer(peerID string) {
	m.mu.Lock()
	p, ok := m.peers[peerID]
	if ok {
		delete(m.peers, peerID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := p.Negotiate.Close(); err != nil {
		log.Printf("[mesh] close peer %s: %v", peerID, err)
	}
	if m.handlers.OnPeerClosed != nil {
		m.handlers.OnPeerClosed(peerID)
	}
}

// Broadcast encodes payload under tag and sends it to every connected peer
// whose control channel is open, per spec.md's "broadcast" primitive. It
// reports whether at least one delivery actually occurred.
func (m *Manager) Broadcast(tag protocol.Tag, payload any) bool {
	raw, err := protocol.Encode(tag, payload)
	if err != nil {
		log.Printf("[mesh] encode %s: %v", tag, err)
		return false
	}
	delivered := false
	for _, p := range m.Peers() {
		if p.Router == nil || p.Router.ReadyState() != webrtc.DataChannelStateOpen {
			continue
		}
		if err := p.Router.Send(raw); err != nil {
			log.Printf("[mesh] send to %s: %v", p.ID, err)
			continue
		}
		delivered = true
	}
	return delivered
}

// Send encodes payload under tag and sends it to exactly one peer.
func (m *Manager) Send(peerID string, tag protocol.Tag, payload any) error {
	p, ok := m.Peer(peerID)
	if !ok || p.Router == nil {
		return fmt.Errorf("send to %s: no open control channel", peerID)
	}
	return p.Router.SendTagged(tag, payload)
}

// Rebroadcast forwards an already-encoded frame to every peer except
// excludePeerID, used by cmd/peer to fan a received message, reaction or
// channel announcement back out across the mesh without a re-encode (§4.6).
func (m *Manager) Rebroadcast(raw []byte, excludePeerID string) {
	for _, p := range m.Peers() {
		if p.ID == excludePeerID || p.Router == nil || p.Router.ReadyState() != webrtc.DataChannelStateOpen {
			continue
		}
		if err := p.Router.Send(raw); err != nil {
			log.Printf("[mesh] rebroadcast to %s: %v", p.ID, err)
		}
	}
}

// Close tears down every peer connection, for process shutdown.
func (m *Manager) Close() {
	for _, p := range m.Peers() {
		m.RemovePeer(p.ID)
	}
}
