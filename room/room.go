// Package room implements the Room/Key Lifecycle (C9): acquiring the room's
// AES-256-GCM key in priority order, surfacing a pending-authorization
// notice while no key is held, and the in-band room-key-request/
// room-key-share handoff that lets an already-keyed peer admit a new one.
//
// There is no direct teacher precedent for key distribution (the teacher
// has no encryption layer at all), so this follows the same
// callback-driven, debounce-with-a-timestamp-map style the teacher uses
// for its own debounced work (webrtc/sfu.go's negotiatorWorker coalescing
// timer), applied here to per-peer request debouncing instead of
// per-connection offer debouncing.
package room

import (
	"fmt"
	"sync"
	"time"

	"github.com/n0remac/meshchat/crypto"
	"github.com/n0remac/meshchat/protocol"
)

// requestDebounce is the minimum interval between two room-key-request
// sends to the same peer, so a slow-to-authorize human on the other end
// doesn't get hammered every time a sync event re-triggers a request.
const requestDebounce = 10 * time.Second

// Store is the local key persistence surface, backed by store.Store (C11).
type Store interface {
	RoomKey(roomID string) (crypto.Key, bool)
	SetRoomKey(roomID string, key crypto.Key)
	// KnownChannelIDs and MessagesByChannel let HandleRoomKeyShare walk
	// every locally stored message once a key becomes available.
	KnownChannelIDs(roomID string) []string
	MessagesByChannel(channelID string) []protocol.WireMessage
	// RewriteMessageContent persists a message's decrypted content in
	// place, the one sanctioned exception to "never decrypted at rest".
	RewriteMessageContent(messageID, content string) error
}

// Sender addresses tagged frames to one peer or the whole mesh.
type Sender interface {
	Send(peerID string, tag protocol.Tag, payload any) error
}

// Resyncer re-runs the anti-entropy hello exchange with a peer, typically
// *syncengine.Engine.
type Resyncer interface {
	RequestResync(peerID string) error
}

// Notice is a local system notice the UI/CLI layer should surface; Room
// never renders anything itself.
type Notice struct {
	Kind     string // "pending-authorization", "key-installed", "key-share-denied"
	Message  string
	PeerID   string // set on "pending-authorization" and "key-share-denied"
	Username string // the requester's display name, set alongside PeerID
}

// AuthorizeFunc decides whether an inbound room-key-request from
// requesterUsername should be granted. The CLI reference peer auto-approves;
// a richer client could prompt a human here.
type AuthorizeFunc func(requesterUsername string) bool

// Room owns one room's key lifecycle.
type Room struct {
	id       string
	username string
	store    Store
	sender   Sender
	resync   Resyncer
	notify   func(Notice)
	authorize AuthorizeFunc

	mu          sync.Mutex
	key         *crypto.Key
	lastRequest map[string]time.Time
	// pending holds requester usernames for room-key-requests awaiting a
	// later, human-driven Authorize call, keyed by the requesting peer id.
	pending map[string]string
}

// New constructs a Room. explicitKey and fragmentKey are, respectively, a
// key passed directly by the caller (e.g. --key flag) and one parsed out of
// an invite URL's #ek= fragment; either may be nil. Acquisition order is
// explicit arg, then URL fragment, then whatever the local store already
// has for this room id (§4.9).
func New(id, username string, explicitKey, fragmentKey *crypto.Key, store Store, sender Sender, resync Resyncer, notify func(Notice), authorize AuthorizeFunc) *Room {
	r := &Room{
		id:          id,
		username:    username,
		store:       store,
		sender:      sender,
		resync:      resync,
		notify:      notify,
		authorize:   authorize,
		lastRequest: make(map[string]time.Time),
		pending:     make(map[string]string),
	}

	switch {
	case explicitKey != nil:
		r.key = explicitKey
		store.SetRoomKey(id, *explicitKey)
	case fragmentKey != nil:
		r.key = fragmentKey
		store.SetRoomKey(id, *fragmentKey)
	default:
		if k, ok := store.RoomKey(id); ok {
			r.key = &k
		}
	}

	if r.key == nil && notify != nil {
		notify(Notice{Kind: "pending-authorization", Message: "waiting for a room key from another member"})
	}
	return r
}

// ID returns the room id this Room governs.
func (r *Room) ID() string { return r.id }

// HasKey reports whether the room currently holds a usable key.
func (r *Room) HasKey() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.key != nil
}

// Key returns the current room key, if any.
func (r *Room) Key() (crypto.Key, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.key == nil {
		return crypto.Key{}, false
	}
	return *r.key, true
}

// Encrypt encrypts content with the room key if one is held, otherwise
// returns it unchanged — per spec.md §7, an unkeyed room is a plaintext
// room, never a blocked one.
func (r *Room) Encrypt(content string) (string, error) {
	k, ok := r.Key()
	if !ok {
		return content, nil
	}
	return crypto.Encrypt(content, k)
}

// Decrypt decrypts content if it looks encrypted and a key is held; it
// returns content unchanged (and no error) whenever decryption isn't
// applicable, matching crypto.Decrypt's non-fatal-failure contract.
func (r *Room) Decrypt(content string) (string, error) {
	k, ok := r.Key()
	if !ok || !crypto.LooksEncrypted(content) {
		return content, nil
	}
	plain, err := crypto.Decrypt(content, k)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	if plain == nil {
		return content, nil
	}
	return *plain, nil
}

// RequestKeyFrom sends a debounced room-key-request to peerID. Callers wire
// this to mesh.Handlers.OnPeerReady when HasKey() is false, so every newly
// ready peer gets asked once per debounce window.
func (r *Room) RequestKeyFrom(peerID string) error {
	if r.HasKey() {
		return nil
	}

	r.mu.Lock()
	if last, ok := r.lastRequest[peerID]; ok && time.Since(last) < requestDebounce {
		r.mu.Unlock()
		return nil
	}
	r.lastRequest[peerID] = time.Now()
	r.mu.Unlock()

	return r.sender.Send(peerID, protocol.TagRoomKeyRequest, protocol.RoomKeyRequestPayload{RequesterUsername: r.username})
}

// HandleRoomKeyRequest answers an inbound request: if we hold a key, the
// request is parked in r.pending and a pending-authorization notice is
// raised — admitting the requester is a separate, later action via
// Authorize, not something this call resolves itself. A non-nil
// AuthorizeFunc is an automatic policy layered on top: when configured, it
// decides immediately and calls through to Authorize on the caller's
// behalf, which is how the CLI reference peer's auto-admit behavior and its
// tests keep working without a human in the loop.
func (r *Room) HandleRoomKeyRequest(fromPeer string, req protocol.RoomKeyRequestPayload) error {
	if !r.HasKey() {
		return nil
	}

	r.mu.Lock()
	r.pending[fromPeer] = req.RequesterUsername
	r.mu.Unlock()

	if r.notify != nil {
		r.notify(Notice{
			Kind:     "pending-authorization",
			PeerID:   fromPeer,
			Username: req.RequesterUsername,
			Message:  fmt.Sprintf("%s is requesting the room key", req.RequesterUsername),
		})
	}

	if r.authorize == nil {
		return nil
	}
	return r.Authorize(fromPeer, r.authorize(req.RequesterUsername))
}

// Authorize resolves a pending room-key-request raised by
// HandleRoomKeyRequest for peerID: grant shares the room key, deny sends a
// key-share-denied notice. Calling Authorize for a peer with no pending
// request is a no-op, so a stray or duplicate call is harmless.
func (r *Room) Authorize(peerID string, grant bool) error {
	r.mu.Lock()
	requester, ok := r.pending[peerID]
	if ok {
		delete(r.pending, peerID)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}

	if !grant {
		if r.notify != nil {
			r.notify(Notice{
				Kind:     "key-share-denied",
				PeerID:   peerID,
				Username: requester,
				Message:  fmt.Sprintf("declined to share the room key with %s", requester),
			})
		}
		return nil
	}

	k, ok := r.Key()
	if !ok {
		return nil
	}
	return r.sender.Send(peerID, protocol.TagRoomKeyShare, protocol.RoomKeySharePayload{RoomKey: k.String(), SharedByUsername: r.username})
}

// HandleRoomKeyShare installs an inbound key, flips any previously-stored
// ciphertext this key now decrypts back to stored plaintext, and asks the
// sharer (via Resyncer.RequestResync) to re-run its sync-hello toward us.
// If a key is already held, last-writer-wins: the inbound
// key replaces ours, per the Open Question decision recorded alongside this
// package's design notes (a genuine simultaneous-share race is rare and
// either key is equally legitimate — there's no authority to arbitrate
// which "wins").
func (r *Room) HandleRoomKeyShare(fromPeer string, share protocol.RoomKeySharePayload) error {
	key, err := crypto.ParseKey(share.RoomKey)
	if err != nil {
		return fmt.Errorf("parse shared room key: %w", err)
	}

	r.mu.Lock()
	r.key = &key
	r.mu.Unlock()
	r.store.SetRoomKey(r.id, key)
	r.reDecryptStored(key)

	if r.notify != nil {
		r.notify(Notice{Kind: "key-installed", Message: fmt.Sprintf("room key received from %s", share.SharedByUsername)})
	}

	if r.resync != nil {
		return r.resync.RequestResync(fromPeer)
	}
	return nil
}

// reDecryptStored walks every message stored for this room's channels and
// rewrites any row that still looks like ciphertext and that key now
// decrypts, so history that predates key acquisition reads as plaintext
// without waiting on a fresh sync round (§4.9).
func (r *Room) reDecryptStored(key crypto.Key) {
	for _, channelID := range r.store.KnownChannelIDs(r.id) {
		for _, msg := range r.store.MessagesByChannel(channelID) {
			if !crypto.LooksEncrypted(msg.Content) {
				continue
			}
			plain, err := crypto.Decrypt(msg.Content, key)
			if err != nil || plain == nil {
				continue
			}
			_ = r.store.RewriteMessageContent(msg.ID, *plain)
		}
	}
}
