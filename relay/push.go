package relay

import (
	"encoding/json"
	"log"
)

// PushNotifier fans a wake-up out to a peer that isn't holding a websocket
// open, per §6.4's push-subscribe/push-notify/push-renew frames. A real
// deployment backs this with a Web Push provider; the reference relay
// binary (cmd/relay) uses NoopNotifier, which just logs.
type PushNotifier interface {
	// Subscribe records subscription (an opaque Web Push subscription
	// object) for peerID in room.
	Subscribe(room, peerID string, subscription json.RawMessage)
	// Renew refreshes an existing subscription's expiry.
	Renew(room, peerID string, subscription json.RawMessage)
	// Notify delivers payload (opaque, ≤~4 KiB) to every subscriber in
	// room via the Web Push provider, on behalf of senderEndpoint (the
	// subscription that originated the wake-up request, so a provider
	// can skip notifying its own sender).
	Notify(room string, payload json.RawMessage, senderEndpoint string)
	// PendingFor reports how many undelivered notifications are queued
	// for room, for the HTTP poll fallback.
	PendingFor(room string) int
	// VAPIDPublicKey returns the Web Push VAPID public key clients need
	// to create a subscription, or "" if push isn't configured.
	VAPIDPublicKey() string
}

// NoopNotifier logs push events without delivering anything. It's the
// default for the reference relay binary, which has no Web Push provider
// wired in.
type NoopNotifier struct{}

func (NoopNotifier) Subscribe(room, peerID string, subscription json.RawMessage) {
	log.Printf("[relay] push-subscribe room=%s peer=%s (noop notifier)", room, peerID)
}
func (NoopNotifier) Renew(room, peerID string, subscription json.RawMessage) {
	log.Printf("[relay] push-renew room=%s peer=%s (noop notifier)", room, peerID)
}
func (NoopNotifier) Notify(room string, payload json.RawMessage, senderEndpoint string) {
	log.Printf("[relay] push-notify room=%s sender=%s (noop notifier)", room, senderEndpoint)
}
func (NoopNotifier) PendingFor(room string) int { return 0 }
func (NoopNotifier) VAPIDPublicKey() string      { return "" }
