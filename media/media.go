// Package media implements the Media Track Plane (C10): attaching and
// detaching local audio/camera/screen-share tracks to every mesh peer,
// classifying an inbound track as camera or screen-share, enforcing the
// mute override on the local speaking-state, and relaying keyframe
// requests back to whichever peer published a track.
//
// The PLI/FIR relay loop is grounded directly on the teacher's
// relayRTCPToPublisher and handleProcessedRTCP
// (_examples/n0remac-robot-webrtc/webrtc/sfu.go), generalized from
// "subscriber RTPSender back to one central publisher PC" to "any mesh
// peer's RTPSender back to whichever peer's PeerConnection actually
// published the track", since there is no central SFU in a mesh.
package media

import (
	"fmt"
	"log"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

// Kind classifies a track by role, independent of its codec.
type Kind int

const (
	KindAudio Kind = iota
	KindCamera
	KindScreenShare
)

func (k Kind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindCamera:
		return "camera"
	case KindScreenShare:
		return "screen-share"
	default:
		return "unknown"
	}
}

// inboundPeerState tracks what we last heard about one remote peer's
// camera, so ClassifyInboundTrack can tell a webcam track apart from a
// screen-share track — pion exposes no native distinction between the two
// for a plain video track (§4.10).
type inboundPeerState struct {
	cameraOn       bool
	cameraRecorded bool
}

// LocalTrack is one local media source currently attached to the mesh.
type LocalTrack struct {
	Kind  Kind
	track *webrtc.TrackLocalStaticRTP
	// senders maps peer id to the RTPSender AddTrack returned for that
	// peer, so Detach can RemoveTrack per connection.
	senders map[string]*webrtc.RTPSender
}

// PeerConnections is the subset of mesh.Manager the media plane needs: the
// ability to enumerate peer ids and reach each one's raw PeerConnection.
type PeerConnections interface {
	PeerIDs() []string
	PeerConnection(peerID string) (*webrtc.PeerConnection, bool)
}

// Plane owns every local track currently published into the mesh and the
// bookkeeping needed to add newly-joined peers to tracks already live.
type Plane struct {
	peers PeerConnections

	mu     sync.Mutex
	tracks map[Kind]*LocalTrack

	muted bool

	// watchers tracks which peer ids have screen-watch subscribed to our
	// screen share (§4.10's subscription model: screen-share frames only
	// flow to peers that asked for them).
	watchers map[string]bool

	// inbound tracks each remote peer's last known camera-on state, read
	// by ClassifyInboundTrack and written by SetRemoteCameraOn.
	inbound map[string]*inboundPeerState

	// onKeyframeRequest fires whenever any peer's subscriber asks for a
	// keyframe on one of our published tracks, so the capture/encoder
	// pipeline feeding that track can force one. Optional.
	onKeyframeRequest func(kind Kind)
}

// New constructs a Plane bound to the given mesh peer surface.
func New(peers PeerConnections) *Plane {
	return &Plane{
		peers:    peers,
		tracks:   make(map[Kind]*LocalTrack),
		watchers: make(map[string]bool),
		inbound:  make(map[string]*inboundPeerState),
	}
}

// OnKeyframeRequest registers the callback invoked when a subscriber asks
// for a keyframe on one of our published tracks.
func (p *Plane) OnKeyframeRequest(f func(kind Kind)) {
	p.mu.Lock()
	p.onKeyframeRequest = f
	p.mu.Unlock()
}

// Attach publishes a local track of the given kind to every current peer
// (and, for camera/audio, every future one — callers re-invoke Attach's
// AddToPeer for peers that join later). Screen-share is subscription-gated:
// AddToPeer for a screen-share kind is a no-op for peers that haven't sent
// screen-watch yet.
func (p *Plane) Attach(kind Kind, codec webrtc.RTPCodecCapability, trackID, streamID string) (*LocalTrack, error) {
	track, err := webrtc.NewTrackLocalStaticRTP(codec, trackID, streamID)
	if err != nil {
		return nil, fmt.Errorf("new local track: %w", err)
	}
	lt := &LocalTrack{Kind: kind, track: track, senders: make(map[string]*webrtc.RTPSender)}

	p.mu.Lock()
	p.tracks[kind] = lt
	p.mu.Unlock()

	for _, peerID := range p.peers.PeerIDs() {
		if kind == KindScreenShare && !p.isWatching(peerID) {
			continue
		}
		if err := p.AddToPeer(lt, peerID); err != nil {
			log.Printf("[media] attach %s to %s: %v", kind, peerID, err)
		}
	}
	return lt, nil
}

// AddToPeer adds lt's track to one peer's connection and starts relaying
// PLI/FIR requests for it back toward us (the publisher).
func (p *Plane) AddToPeer(lt *LocalTrack, peerID string) error {
	pc, ok := p.peers.PeerConnection(peerID)
	if !ok {
		return fmt.Errorf("no connection for peer %s", peerID)
	}
	sender, err := pc.AddTrack(lt.track)
	if err != nil {
		return fmt.Errorf("add track to %s: %w", peerID, err)
	}

	p.mu.Lock()
	lt.senders[peerID] = sender
	p.mu.Unlock()

	go p.relayKeyframeRequests(lt.Kind, sender)
	return nil
}

// Detach removes a track of the given kind from every peer it was added to.
func (p *Plane) Detach(kind Kind) {
	p.mu.Lock()
	lt, ok := p.tracks[kind]
	if ok {
		delete(p.tracks, kind)
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	for peerID, sender := range lt.senders {
		pc, pcOK := p.peers.PeerConnection(peerID)
		if !pcOK {
			continue
		}
		if err := pc.RemoveTrack(sender); err != nil {
			log.Printf("[media] detach %s from %s: %v", kind, peerID, err)
		}
	}
}

// Track exposes the underlying local RTP track so a caller (the encoder
// pipeline) can write samples into it directly.
func (lt *LocalTrack) Track() *webrtc.TrackLocalStaticRTP { return lt.track }

// SetScreenWatch records whether peerID currently wants our screen-share
// track. A true transition adds the track (if a screen-share is currently
// attached); a false transition removes it, per the subscription model.
func (p *Plane) SetScreenWatch(peerID string, watch bool) {
	p.mu.Lock()
	wasWatching := p.watchers[peerID]
	p.watchers[peerID] = watch
	lt := p.tracks[KindScreenShare]
	p.mu.Unlock()

	if lt == nil || wasWatching == watch {
		return
	}
	if watch {
		if err := p.AddToPeer(lt, peerID); err != nil {
			log.Printf("[media] screen-watch add for %s: %v", peerID, err)
		}
		return
	}

	p.mu.Lock()
	sender, ok := lt.senders[peerID]
	if ok {
		delete(lt.senders, peerID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	if pc, pcOK := p.peers.PeerConnection(peerID); pcOK {
		_ = pc.RemoveTrack(sender)
	}
}

func (p *Plane) isWatching(peerID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.watchers[peerID]
}

// SetMuted toggles local mute. While muted, speaking-state reports false
// regardless of actual voice-activity-detection output (§4.10).
func (p *Plane) SetMuted(muted bool) {
	p.mu.Lock()
	p.muted = muted
	p.mu.Unlock()
}

// EffectiveSpeaking applies the mute override to a raw voice-activity
// reading before it's broadcast as a SpeakingStatePayload.
func (p *Plane) EffectiveSpeaking(rawSpeaking bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.muted {
		return false
	}
	return rawSpeaking
}

// SetRemoteCameraOn records peerID's last reported camera-on state, from an
// inbound CameraStatePayload; ClassifyInboundTrack consults it to
// disambiguate a webcam track from a screen-share one.
func (p *Plane) SetRemoteCameraOn(peerID string, on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inboundStateLocked(peerID).cameraOn = on
}

// inboundStateLocked returns (creating if necessary) peerID's inbound
// state. Callers must hold p.mu.
func (p *Plane) inboundStateLocked(peerID string) *inboundPeerState {
	st, ok := p.inbound[peerID]
	if !ok {
		st = &inboundPeerState{}
		p.inbound[peerID] = st
	}
	return st
}

// ClassifyInboundTrack implements §4.10's track classification: a video
// track is camera iff peerID's last known is_camera_on is true and no
// camera stream has been recorded for it yet; otherwise it's screen-share.
// Audio tracks are always voice. OnTrack callbacks wired from
// mesh.Handlers.OnTrack call this once per inbound track.
func (p *Plane) ClassifyInboundTrack(peerID string, track *webrtc.TrackRemote) Kind {
	return p.classifyInbound(peerID, track.Kind() == webrtc.RTPCodecTypeVideo)
}

// classifyInbound holds the actual decision, split out from
// ClassifyInboundTrack so it's testable without a live *webrtc.TrackRemote.
func (p *Plane) classifyInbound(peerID string, isVideo bool) Kind {
	if !isVideo {
		return KindAudio
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.inboundStateLocked(peerID)
	if st.cameraOn && !st.cameraRecorded {
		st.cameraRecorded = true
		return KindCamera
	}
	return KindScreenShare
}

// relayKeyframeRequests mirrors handleProcessedRTCP: reads RTCP off the
// sender and, on a PLI or FIR, invokes onKeyframeRequest so the capture
// pipeline behind this local track can force a keyframe. Unlike the
// teacher's SFU (which forwards the PLI upstream to a separate publisher
// PC), a mesh peer's local track has no upstream PC to forward to — we are
// the publisher, so the request terminates here.
func (p *Plane) relayKeyframeRequests(kind Kind, sender *webrtc.RTPSender) {
	rtcpBuf := make([]byte, 1500)
	for {
		n, _, err := sender.Read(rtcpBuf)
		if err != nil {
			return
		}
		pkts, err := rtcp.Unmarshal(rtcpBuf[:n])
		if err != nil {
			continue
		}
		for _, pkt := range pkts {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				p.mu.Lock()
				cb := p.onKeyframeRequest
				p.mu.Unlock()
				if cb != nil {
					cb(kind)
				}
			}
		}
	}
}
