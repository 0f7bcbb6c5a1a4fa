package negotiate

import (
	"testing"

	"github.com/pion/webrtc/v4"
)

type recordingSender struct {
	offers     []webrtc.SessionDescription
	answers    []webrtc.SessionDescription
	candidates int
}

func (r *recordingSender) SendOffer(sdp webrtc.SessionDescription) error {
	r.offers = append(r.offers, sdp)
	return nil
}
func (r *recordingSender) SendAnswer(sdp webrtc.SessionDescription) error {
	r.answers = append(r.answers, sdp)
	return nil
}
func (r *recordingSender) SendCandidate(c *webrtc.ICECandidate) error {
	r.candidates++
	return nil
}

func TestPoliteDeterminedByIDOrder(t *testing.T) {
	api, err := NewAPI()
	if err != nil {
		t.Fatalf("NewAPI: %v", err)
	}

	a, err := New(api, "peer-0", "user-1", &recordingSender{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()
	if !a.Polite() {
		t.Errorf("peer-0 (< user-1) should be polite")
	}

	b, err := New(api, "user-1", "peer-0", &recordingSender{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()
	if b.Polite() {
		t.Errorf("user-1 (> peer-0) should be impolite")
	}
}

func TestCandidateQueuedUntilRemoteDescriptionSet(t *testing.T) {
	api, err := NewAPI()
	if err != nil {
		t.Fatalf("NewAPI: %v", err)
	}
	offerer, err := New(api, "a", "b", &recordingSender{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer offerer.Close()

	answerer, err := New(api, "b", "a", &recordingSender{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer answerer.Close()

	if _, err := offerer.PC.CreateDataChannel("control", nil); err != nil {
		t.Fatalf("CreateDataChannel: %v", err)
	}

	offer, err := offerer.PC.CreateOffer(nil)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if err := offerer.PC.SetLocalDescription(offer); err != nil {
		t.Fatalf("SetLocalDescription: %v", err)
	}

	cand := webrtc.ICECandidateInit{Candidate: "candidate:1 1 UDP 1 127.0.0.1 9 typ host"}
	if err := answerer.OnCandidate(cand); err != nil {
		t.Fatalf("OnCandidate before remote description set: %v", err)
	}
	if len(answerer.pending) != 1 {
		t.Fatalf("pending candidates = %d, want 1 (queued until remote description set)", len(answerer.pending))
	}

	if err := answerer.OnOffer(*offerer.PC.LocalDescription()); err != nil {
		t.Fatalf("OnOffer: %v", err)
	}
	if len(answerer.pending) != 0 {
		t.Errorf("pending candidates after OnOffer = %d, want 0 (drained)", len(answerer.pending))
	}
}

func TestImpoliteDropsCollidingOffer(t *testing.T) {
	api, err := NewAPI()
	if err != nil {
		t.Fatalf("NewAPI: %v", err)
	}
	// "user-1" > "peer-0" lexicographically, so user-1 is impolite toward peer-0.
	impolite, err := New(api, "user-1", "peer-0", &recordingSender{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer impolite.Close()

	// Force the collision window open.
	impolite.makingOffer.Store(true)

	otherAPI, err := NewAPI()
	if err != nil {
		t.Fatalf("NewAPI: %v", err)
	}
	other, err := otherAPI.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("NewPeerConnection: %v", err)
	}
	defer other.Close()
	if _, err := other.CreateDataChannel("control", nil); err != nil {
		t.Fatalf("CreateDataChannel: %v", err)
	}
	offer, err := other.CreateOffer(nil)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if err := other.SetLocalDescription(offer); err != nil {
		t.Fatalf("SetLocalDescription: %v", err)
	}

	if err := impolite.OnOffer(*other.LocalDescription()); err != nil {
		t.Fatalf("OnOffer: %v", err)
	}
	if !impolite.IgnoreOffer() {
		t.Errorf("impolite peer should have set IgnoreOffer on a colliding inbound offer")
	}
}
