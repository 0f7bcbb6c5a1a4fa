package media

import (
	"testing"

	"github.com/pion/webrtc/v4"
)

type fakePeers struct {
	conns map[string]*webrtc.PeerConnection
}

func (f *fakePeers) PeerIDs() []string {
	ids := make([]string, 0, len(f.conns))
	for id := range f.conns {
		ids = append(ids, id)
	}
	return ids
}
func (f *fakePeers) PeerConnection(peerID string) (*webrtc.PeerConnection, bool) {
	pc, ok := f.conns[peerID]
	return pc, ok
}

func newTestPeerConnection(t *testing.T) *webrtc.PeerConnection {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("NewPeerConnection: %v", err)
	}
	t.Cleanup(func() { _ = pc.Close() })
	return pc
}

func TestClassifyInboundAudioIsAlwaysVoice(t *testing.T) {
	plane := New(&fakePeers{conns: map[string]*webrtc.PeerConnection{}})
	if got := plane.classifyInbound("peer-a", false); got != KindAudio {
		t.Errorf("classifyInbound(audio) = %v, want KindAudio", got)
	}
}

func TestClassifyInboundVideoIsCameraOnlyOnceWhileCameraOn(t *testing.T) {
	plane := New(&fakePeers{conns: map[string]*webrtc.PeerConnection{}})

	// No is_camera_on reported yet: defaults to screen-share.
	if got := plane.classifyInbound("peer-a", true); got != KindScreenShare {
		t.Errorf("classifyInbound before camera-state = %v, want KindScreenShare", got)
	}

	plane.SetRemoteCameraOn("peer-b", true)
	if got := plane.classifyInbound("peer-b", true); got != KindCamera {
		t.Errorf("first video track while camera on = %v, want KindCamera", got)
	}
	// A second video track from the same peer, still camera-on, is
	// screen-share: the camera slot is already recorded.
	if got := plane.classifyInbound("peer-b", true); got != KindScreenShare {
		t.Errorf("second video track while camera on = %v, want KindScreenShare", got)
	}
}

func TestClassifyInboundVideoIsScreenShareWhenCameraOff(t *testing.T) {
	plane := New(&fakePeers{conns: map[string]*webrtc.PeerConnection{}})
	plane.SetRemoteCameraOn("peer-a", false)
	if got := plane.classifyInbound("peer-a", true); got != KindScreenShare {
		t.Errorf("classifyInbound(camera off) = %v, want KindScreenShare", got)
	}
}

func TestAttachAddsTrackToExistingPeers(t *testing.T) {
	pcA := newTestPeerConnection(t)
	plane := New(&fakePeers{conns: map[string]*webrtc.PeerConnection{"peer-a": pcA}})

	lt, err := plane.Attach(KindCamera, webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video0", "camera")
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if lt.Kind != KindCamera {
		t.Errorf("Kind = %v, want KindCamera", lt.Kind)
	}
	if len(pcA.GetSenders()) != 1 {
		t.Errorf("GetSenders() len = %d, want 1", len(pcA.GetSenders()))
	}
}

func TestScreenShareRequiresWatchSubscription(t *testing.T) {
	pcA := newTestPeerConnection(t)
	plane := New(&fakePeers{conns: map[string]*webrtc.PeerConnection{"peer-a": pcA}})

	if _, err := plane.Attach(KindScreenShare, webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video1", "screen"); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if len(pcA.GetSenders()) != 0 {
		t.Fatalf("screen-share should not auto-add before screen-watch; senders = %d", len(pcA.GetSenders()))
	}

	plane.SetScreenWatch("peer-a", true)
	if len(pcA.GetSenders()) != 1 {
		t.Fatalf("after screen-watch=true, senders = %d, want 1", len(pcA.GetSenders()))
	}

	plane.SetScreenWatch("peer-a", false)
	if len(pcA.GetSenders()) != 0 {
		t.Fatalf("after screen-watch=false, senders = %d, want 0", len(pcA.GetSenders()))
	}
}

func TestMuteOverridesSpeakingState(t *testing.T) {
	plane := New(&fakePeers{conns: map[string]*webrtc.PeerConnection{}})

	if !plane.EffectiveSpeaking(true) {
		t.Error("unmuted + raw speaking=true should report true")
	}
	plane.SetMuted(true)
	if plane.EffectiveSpeaking(true) {
		t.Error("muted should force speaking=false even if raw detector says true")
	}
}
