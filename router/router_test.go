package router

import (
	"testing"
	"time"

	"github.com/n0remac/meshchat/protocol"
	"github.com/pion/webrtc/v4"
)

// pairedDataChannels returns two connected DataChannels, "a" and "b", over a
// real PeerConnection pair so OnOpen/OnMessage/Send exercise pion's actual
// SCTP plumbing rather than a mock.
func pairedDataChannels(t *testing.T) (*webrtc.DataChannel, *webrtc.DataChannel, func()) {
	t.Helper()

	pcA, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("NewPeerConnection a: %v", err)
	}
	pcB, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("NewPeerConnection b: %v", err)
	}

	dcAReady := make(chan *webrtc.DataChannel, 1)
	pcB.OnDataChannel(func(dc *webrtc.DataChannel) {
		dcAReady <- dc
	})

	dcA, err := pcA.CreateDataChannel("control", nil)
	if err != nil {
		t.Fatalf("CreateDataChannel: %v", err)
	}

	pcA.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		_ = pcB.AddICECandidate(c.ToJSON())
	})
	pcB.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		_ = pcA.AddICECandidate(c.ToJSON())
	})

	offer, err := pcA.CreateOffer(nil)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if err := pcA.SetLocalDescription(offer); err != nil {
		t.Fatalf("SetLocalDescription: %v", err)
	}
	if err := pcB.SetRemoteDescription(offer); err != nil {
		t.Fatalf("SetRemoteDescription: %v", err)
	}
	answer, err := pcB.CreateAnswer(nil)
	if err != nil {
		t.Fatalf("CreateAnswer: %v", err)
	}
	if err := pcB.SetLocalDescription(answer); err != nil {
		t.Fatalf("SetLocalDescription b: %v", err)
	}
	if err := pcA.SetRemoteDescription(answer); err != nil {
		t.Fatalf("SetRemoteDescription a: %v", err)
	}

	var dcB *webrtc.DataChannel
	select {
	case dcB = <-dcAReady:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for remote data channel")
	}

	cleanup := func() {
		_ = pcA.Close()
		_ = pcB.Close()
	}
	return dcA, dcB, cleanup
}

func TestUserInfoHandshakeAndDeferredReady(t *testing.T) {
	dcA, dcB, cleanup := pairedDataChannels(t)
	defer cleanup()

	rA := New(dcA, "alice", "user-a")
	rB := New(dcB, "bob", "user-b")

	gotUserInfo := make(chan protocol.UserInfo, 1)
	rB.Attach(nil, func(tag protocol.Tag, payload any) {
		if tag == protocol.TagUserInfo {
			gotUserInfo <- payload.(protocol.UserInfo)
		}
	}, nil)

	readyFired := make(chan struct{}, 1)
	rA.Attach(func() { readyFired <- struct{}{} }, nil, nil)

	select {
	case info := <-gotUserInfo:
		if info.Username != "alice" || info.UserID != "user-a" {
			t.Errorf("user-info = %+v, want alice/user-a", info)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for user-info frame")
	}

	select {
	case <-readyFired:
	case <-time.After(2 * time.Second):
		t.Fatal("deferred ready callback never fired")
	}
}

func TestBinaryFrameRequiresArmedChunkMeta(t *testing.T) {
	dcA, dcB, cleanup := pairedDataChannels(t)
	defer cleanup()

	rA := New(dcA, "alice", "user-a")
	rB := New(dcB, "bob", "user-b")

	chunks := make(chan []byte, 1)
	rB.Attach(nil, func(tag protocol.Tag, payload any) {}, func(transferID string, idx int, data []byte) {
		chunks <- data
	})
	rA.Attach(nil, nil, nil)

	// Wait for both sides to open before sending.
	time.Sleep(200 * time.Millisecond)

	if err := rA.SendTagged(protocol.TagFileChunkMeta, protocol.FileChunkMetaPayload{TransferID: "t1", ChunkIndex: 3}); err != nil {
		t.Fatalf("SendTagged: %v", err)
	}
	payload := []byte{1, 2, 3, 4}
	if err := rA.SendBinary(payload); err != nil {
		t.Fatalf("SendBinary: %v", err)
	}

	select {
	case got := <-chunks:
		if len(got) != len(payload) {
			t.Errorf("chunk len = %d, want %d", len(got), len(payload))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for chunk delivery")
	}

	// A second binary frame with no preceding file-chunk-meta must be
	// dropped rather than delivered.
	if err := rA.SendBinary([]byte{9, 9}); err != nil {
		t.Fatalf("SendBinary: %v", err)
	}
	select {
	case got := <-chunks:
		t.Fatalf("unexpected chunk delivered with no armed meta: %v", got)
	case <-time.After(300 * time.Millisecond):
	}
}
