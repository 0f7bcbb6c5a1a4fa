// Package syncengine implements the anti-entropy Sync Engine (C7): the
// sync-hello/sync-response diff reconciliation that lets a newly joined
// peer catch up on everything the mesh already knows, plus paginated
// history requests for scrolling back further than the initial sync.
//
// There is no teacher precedent for peer-to-peer anti-entropy in the
// retrieved pack, so the shape here follows the same defensive style as
// the teacher's websocket.Hub: small interfaces, a request/response map
// guarded by a mutex, and a time.After timeout on each in-flight request
// (mirroring the teacher's registry pattern in websocket/websocket.go).
package syncengine

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/n0remac/meshchat/ids"
	"github.com/n0remac/meshchat/protocol"
)

const (
	// maxKnownMessageIDs caps how many ids a sync-hello advertises, per
	// spec.md §4.6's anti-entropy cost bound.
	maxKnownMessageIDs = 2000
	// maxMissingPerResponse caps how many messages one sync-response may
	// carry; a peer missing more than this catches the rest on a
	// follow-up hello/response round.
	maxMissingPerResponse = 100
	// historyTimeout bounds how long RequestHistory waits for a reply.
	historyTimeout = 6 * time.Second
)

// Store is everything the sync engine needs from local persistence. Callers
// typically back this with store.Store (C11).
type Store interface {
	RoomCreatedAt(roomID string) int64
	// RoomName returns "" for a room with no name set yet — also the
	// signal HandleSyncResponse uses to decide a peer's room name is worth
	// merging in (§4.7 step 1).
	RoomName(roomID string) string
	SetRoomName(roomID, name string)
	KnownMessageIDs(roomID string) []string
	KnownChannelIDs(roomID string) []string
	HasMessage(id string) bool
	MessagesByIDs(ids []string) []protocol.WireMessage
	ApplyMessage(msg protocol.WireMessage)
	ChannelByID(id string) (protocol.ChannelCreatedPayload, bool)
	ApplyChannel(roomID string, ch protocol.ChannelCreatedPayload)
	HistoryPage(channelID string, beforeMessageID *string, limit int) (msgs []protocol.WireMessage, hasMore bool)
}

// Sender addresses one tagged frame to one peer, satisfied by *mesh.Manager.
type Sender interface {
	Send(peerID string, tag protocol.Tag, payload any) error
}

// Engine drives sync-hello/sync-response exchanges and history paging for
// one room.
type Engine struct {
	roomID string
	store  Store
	sender Sender

	mu      sync.Mutex
	pending map[string]chan protocol.HistoryResponsePayload
}

// New builds an Engine bound to one room's store and a mesh sender.
func New(roomID string, store Store, sender Sender) *Engine {
	return &Engine{
		roomID:  roomID,
		store:   store,
		sender:  sender,
		pending: make(map[string]chan protocol.HistoryResponsePayload),
	}
}

// HelloTo sends our sync-hello to a newly ready peer, opening the
// anti-entropy exchange. Callers wire this to mesh.Handlers.OnPeerReady.
func (e *Engine) HelloTo(peerID string) error {
	known := e.store.KnownMessageIDs(e.roomID)
	last := maxMessageID(known)
	if len(known) > maxKnownMessageIDs {
		known = known[len(known)-maxKnownMessageIDs:]
	}
	hello := protocol.SyncHelloPayload{
		LastMessageID:   last,
		KnownMessageIDs: known,
		KnownChannelIDs: e.store.KnownChannelIDs(e.roomID),
		RoomCreatedAt:   e.store.RoomCreatedAt(e.roomID),
	}
	return e.sender.Send(peerID, protocol.TagSyncHello, hello)
}

// maxMessageID returns the chronologically latest id in known, relying on
// ids.Less's lexicographic-equals-chronological UUIDv7 guarantee. Returns ""
// for an empty slice.
func maxMessageID(known []string) string {
	var max string
	for _, id := range known {
		if max == "" || ids.Less(max, id) {
			max = id
		}
	}
	return max
}

// RequestResync sends peerID a sync-request, asking it to re-run the hello
// exchange toward us (it answers via HandleSyncRequest with its own
// sync-hello); used after installing a room key (§4.9).
func (e *Engine) RequestResync(peerID string) error {
	return e.sender.Send(peerID, protocol.TagSyncRequest, protocol.SyncRequestPayload{})
}

// HandleSyncHello computes what the sender is missing and replies with a
// sync-response capped at maxMissingPerResponse messages. If hello carries a
// LastMessageID cursor, missing is computed as everything newer than it
// (cheap: no set built from KnownMessageIDs); otherwise it falls back to a
// full id-set diff against hello.KnownMessageIDs (§4.7 step 1).
func (e *Engine) HandleSyncHello(fromPeer string, hello protocol.SyncHelloPayload) error {
	allKnown := e.store.KnownMessageIDs(e.roomID)

	var missingIDs []string
	if hello.LastMessageID != "" {
		for _, id := range allKnown {
			if ids.Less(hello.LastMessageID, id) {
				missingIDs = append(missingIDs, id)
			}
		}
	} else {
		theirKnown := make(map[string]bool, len(hello.KnownMessageIDs))
		for _, id := range hello.KnownMessageIDs {
			theirKnown[id] = true
		}
		for _, id := range allKnown {
			if !theirKnown[id] {
				missingIDs = append(missingIDs, id)
			}
		}
	}
	if len(missingIDs) > maxMissingPerResponse {
		missingIDs = missingIDs[len(missingIDs)-maxMissingPerResponse:]
	}

	theirChannels := make(map[string]bool, len(hello.KnownChannelIDs))
	for _, id := range hello.KnownChannelIDs {
		theirChannels[id] = true
	}
	var missingChannels []protocol.ChannelCreatedPayload
	for _, id := range e.store.KnownChannelIDs(e.roomID) {
		if theirChannels[id] {
			continue
		}
		if ch, ok := e.store.ChannelByID(id); ok {
			missingChannels = append(missingChannels, ch)
		}
	}

	resp := protocol.SyncResponsePayload{
		Channels: missingChannels,
		Messages: e.store.MessagesByIDs(missingIDs),
	}
	if name := e.store.RoomName(e.roomID); name != "" {
		resp.Room = &protocol.RoomSync{ID: e.roomID, Name: name}
	}
	if len(missingIDs) == 0 && len(missingChannels) == 0 && resp.Room == nil {
		// Nothing worth sending: no missing work, and our own room has no
		// name a peer could learn from us.
		return nil
	}
	return e.sender.Send(fromPeer, protocol.TagSyncResponse, resp)
}

// HandleSyncResponse applies whatever a peer determined we were missing,
// and merges the peer's room name in iff our local room has none yet.
func (e *Engine) HandleSyncResponse(resp protocol.SyncResponsePayload) {
	for _, ch := range resp.Channels {
		e.store.ApplyChannel(e.roomID, ch)
	}
	for _, msg := range resp.Messages {
		if e.store.HasMessage(msg.ID) {
			continue
		}
		e.store.ApplyMessage(msg)
	}
	if resp.Room != nil && e.store.RoomName(e.roomID) == "" {
		e.store.SetRoomName(e.roomID, resp.Room.Name)
	}
}

// HandleSyncRequest answers a peer's request to re-run the hello exchange.
func (e *Engine) HandleSyncRequest(fromPeer string) error {
	return e.HelloTo(fromPeer)
}

// RequestHistory pages older messages in channelID from peerID, returning
// once the response arrives or historyTimeout elapses.
func (e *Engine) RequestHistory(requestID, peerID, channelID string, beforeMessageID *string, limit int) (protocol.HistoryResponsePayload, error) {
	ch := make(chan protocol.HistoryResponsePayload, 1)
	e.mu.Lock()
	e.pending[requestID] = ch
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.pending, requestID)
		e.mu.Unlock()
	}()

	req := protocol.HistoryRequestPayload{
		RequestID:       requestID,
		ChannelID:       channelID,
		BeforeMessageID: beforeMessageID,
		Limit:           limit,
	}
	if err := e.sender.Send(peerID, protocol.TagHistoryRequest, req); err != nil {
		return protocol.HistoryResponsePayload{}, fmt.Errorf("send history-request: %w", err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-time.After(historyTimeout):
		return protocol.HistoryResponsePayload{}, fmt.Errorf("history request %s to %s timed out after %s", requestID, peerID, historyTimeout)
	}
}

// HandleHistoryRequest answers a peer's paginated history request from our
// own store.
func (e *Engine) HandleHistoryRequest(fromPeer string, req protocol.HistoryRequestPayload) error {
	msgs, hasMore := e.store.HistoryPage(req.ChannelID, req.BeforeMessageID, req.Limit)
	resp := protocol.HistoryResponsePayload{
		RequestID: req.RequestID,
		Messages:  msgs,
		HasMore:   hasMore,
	}
	return e.sender.Send(fromPeer, protocol.TagHistoryResponse, resp)
}

// HandleHistoryResponse resolves a pending RequestHistory call, if one is
// still waiting; a response for an unknown or already-timed-out request id
// is logged and dropped.
func (e *Engine) HandleHistoryResponse(resp protocol.HistoryResponsePayload) {
	e.mu.Lock()
	ch, ok := e.pending[resp.RequestID]
	e.mu.Unlock()
	if !ok {
		log.Printf("[sync] history-response for unknown request %s", resp.RequestID)
		return
	}
	select {
	case ch <- resp:
	default:
	}
}
