package relay

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestGenerateTurnCredentialsMatchesHMACScheme(t *testing.T) {
	username, password := GenerateTurnCredentials("shared-secret", "alice", time.Hour)

	parts := strings.SplitN(username, ":", 2)
	if len(parts) != 2 || parts[1] != "alice" {
		t.Fatalf("username = %q, want \"<expires>:alice\"", username)
	}
	expires, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		t.Fatalf("expires not an integer: %v", err)
	}
	if expires <= time.Now().Unix() {
		t.Errorf("expires = %d, want a future unix timestamp", expires)
	}

	mac := hmac.New(sha1.New, []byte("shared-secret"))
	mac.Write([]byte(username))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if password != want {
		t.Errorf("password = %q, want %q", password, want)
	}
}

func TestGenerateTurnCredentialsDifferentSecretsDiffer(t *testing.T) {
	_, p1 := GenerateTurnCredentials("secret-a", "alice", time.Hour)
	_, p2 := GenerateTurnCredentials("secret-b", "alice", time.Hour)
	if p1 == p2 {
		t.Error("different secrets should produce different passwords")
	}
}

func TestHubBroadcastPeerListExcludesNoOne(t *testing.T) {
	hub := NewHub(nil)
	sendA := make(chan SignalMessage, 4)
	sendB := make(chan SignalMessage, 4)
	a := &client{id: "a", room: "room1", send: sendA}
	b := &client{id: "b", room: "room1", send: sendB}
	hub.register(a)
	hub.register(b)

	hub.broadcastPeerList("room1")

	for _, ch := range []chan SignalMessage{sendA, sendB} {
		select {
		case msg := <-ch:
			if msg.Type != "peer-list" || len(msg.Peers) != 2 {
				t.Errorf("peer-list = %+v, want 2 peers", msg)
			}
		default:
			t.Fatal("expected a peer-list message")
		}
	}
}

func TestHubRelayToOneAddressesCorrectPeer(t *testing.T) {
	hub := NewHub(nil)
	sendA := make(chan SignalMessage, 4)
	sendB := make(chan SignalMessage, 4)
	a := &client{id: "a", room: "room1", send: sendA}
	b := &client{id: "b", room: "room1", send: sendB}
	hub.register(a)
	hub.register(b)

	hub.relayToOne("room1", SignalMessage{Type: "offer", From: "a", To: "b"})

	select {
	case msg := <-sendB:
		if msg.Type != "offer" || msg.From != "a" {
			t.Errorf("sendB got %+v", msg)
		}
	default:
		t.Fatal("expected b to receive the offer")
	}
	select {
	case msg := <-sendA:
		t.Fatalf("a should not receive its own offer, got %+v", msg)
	default:
	}
}
