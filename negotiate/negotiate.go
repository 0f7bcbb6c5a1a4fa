// Package negotiate implements perfect negotiation for one peer's media
// transport: offer/answer exchange, ICE candidate queueing, and glare
// (simultaneous-offer) collision resolution. One State lives per peer id,
// matching the per-peer state block in spec.md §4.4 — never a map shared
// across peers.
//
// The collision handling mirrors the teacher's webrtc/sfu.go negotiator and
// client/client.go's handleSignal "offer" case, generalized from the
// server-is-always-impolite SFU shape to the symmetric mesh rule: whichever
// side has the lexicographically smaller id is polite.
package negotiate

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// ICEServers is the configured STUN (and, when TURN credentials were
// fetched, TURN) server list handed to every new PeerConnection.
var ICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
}

// NewAPI builds the shared pion API: default audio/video codecs plus the
// default interceptor registry (NACK, PLI generation, REMB), exactly as the
// teacher's newSFUAPI registers them so the media plane (C10) gets
// congestion feedback for free.
func NewAPI() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register default codecs: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register default interceptors: %w", err)
	}
	return webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(ir)), nil
}

// SignalSender emits a negotiation message (offer/answer/candidate) toward
// exactly one remote peer, addressed by the caller's PeerId.
type SignalSender interface {
	SendOffer(sdp webrtc.SessionDescription) error
	SendAnswer(sdp webrtc.SessionDescription) error
	SendCandidate(c *webrtc.ICECandidate) error
}

// State is the perfect-negotiation state block for one remote peer.
type State struct {
	PC *webrtc.PeerConnection

	localID  string
	remoteID string
	polite   bool

	makingOffer  atomic.Bool
	ignoreOffer  atomic.Bool

	candMu      sync.Mutex
	remoteSet   bool
	pending     []webrtc.ICECandidateInit

	negCh   chan struct{}
	negOnce sync.Once
	closed  chan struct{}

	sender SignalSender
}

// New creates the negotiation state for a fresh media transport toward
// remoteID. localID < remoteID (lexicographic) makes the local side polite,
// per the glossary's "polite peer" definition.
func New(api *webrtc.API, localID, remoteID string, sender SignalSender) (*State, error) {
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: ICEServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	s := &State{
		PC:       pc,
		localID:  localID,
		remoteID: remoteID,
		polite:   localID < remoteID,
		negCh:    make(chan struct{}, 1),
		closed:   make(chan struct{}),
		sender:   sender,
	}

	pc.OnNegotiationNeeded(func() {
		s.requestNegotiation()
	})
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if err := s.sender.SendCandidate(c); err != nil {
			// Candidate send failures are ignored; they are non-fatal per §7.
			_ = err
		}
	})

	s.negOnce.Do(func() { go s.negotiatorWorker() })
	return s, nil
}

// Close stops the negotiator worker and the underlying transport. Safe to
// call once; the mesh manager owns the single call site per peer teardown.
func (s *State) Close() error {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	return s.PC.Close()
}

func (s *State) requestNegotiation() {
	select {
	case s.negCh <- struct{}{}:
	default: // already pending; coalesce
	}
}

// negotiatorWorker serializes offer creation the way webrtc/sfu.go's
// negotiatorWorker does: debounce bursts of "negotiation needed" events into
// a single offer, and never create one while the signaling state isn't
// stable.
func (s *State) negotiatorWorker() {
	const debounce = 25 * time.Millisecond

	for {
		select {
		case <-s.closed:
			return
		case <-s.negCh:
		}

		timer := time.NewTimer(debounce)
	coalesce:
		for {
			select {
			case <-s.closed:
				timer.Stop()
				return
			case <-s.negCh:
			case <-timer.C:
				break coalesce
			}
		}

		if s.PC.SignalingState() != webrtc.SignalingStateStable {
			continue
		}

		s.makingOffer.Store(true)
		offer, err := s.PC.CreateOffer(nil)
		if err != nil {
			s.makingOffer.Store(false)
			continue
		}
		if s.PC.SignalingState() != webrtc.SignalingStateStable {
			s.makingOffer.Store(false)
			continue
		}
		if err := s.PC.SetLocalDescription(offer); err != nil {
			s.makingOffer.Store(false)
			continue
		}
		s.makingOffer.Store(false)

		if ld := s.PC.LocalDescription(); ld != nil {
			_ = s.sender.SendOffer(*ld)
		}
	}
}

// OnOffer handles an inbound SDP offer per §4.4's collision rule:
// collision := making_offer || signaling_state != stable. An impolite peer
// drops the offer and sets ignore_offer; a polite peer rolls back first.
func (s *State) OnOffer(offer webrtc.SessionDescription) error {
	collision := s.makingOffer.Load() || s.PC.SignalingState() != webrtc.SignalingStateStable
	if collision {
		if !s.polite {
			s.ignoreOffer.Store(true)
			return nil
		}
		if err := s.PC.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			return fmt.Errorf("rollback local description: %w", err)
		}
	}
	s.ignoreOffer.Store(false)

	if err := s.PC.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("set remote description (offer): %w", err)
	}
	s.drainPendingCandidates()

	answer, err := s.PC.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := s.PC.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description (answer): %w", err)
	}
	return s.sender.SendAnswer(*s.PC.LocalDescription())
}

// OnAnswer handles an inbound SDP answer.
func (s *State) OnAnswer(answer webrtc.SessionDescription) error {
	if err := s.PC.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote description (answer): %w", err)
	}
	s.makingOffer.Store(false)
	s.drainPendingCandidates()
	return nil
}

// OnCandidate queues a candidate until the remote description is set, then
// adds it; per §4.4, add failures are logged and ignored by the caller.
func (s *State) OnCandidate(c webrtc.ICECandidateInit) error {
	s.candMu.Lock()
	if !s.remoteSet || s.PC.RemoteDescription() == nil {
		s.pending = append(s.pending, c)
		s.candMu.Unlock()
		return nil
	}
	s.candMu.Unlock()
	return s.PC.AddICECandidate(c)
}

func (s *State) drainPendingCandidates() {
	s.candMu.Lock()
	s.remoteSet = true
	pending := s.pending
	s.pending = nil
	s.candMu.Unlock()

	for _, c := range pending {
		_ = s.PC.AddICECandidate(c)
	}
}

// MakingOffer reports whether this peer currently has an outbound offer
// in flight — invariant 5 in spec.md §8.
func (s *State) MakingOffer() bool { return s.makingOffer.Load() }

// IgnoreOffer reports whether the last inbound offer from this peer was
// dropped due to glare.
func (s *State) IgnoreOffer() bool { return s.ignoreOffer.Load() }

// Polite reports whether the local side yields in a negotiation collision.
func (s *State) Polite() bool { return s.polite }
