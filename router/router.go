// Package router implements the control-channel router (C5): it multiplexes
// one peer's reliable DataChannel, dispatching tagged JSON frames to
// handlers and binding file-chunk binary frames to the single-slot pending
// metadata described in protocol.PendingChunkMeta.
package router

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/n0remac/meshchat/protocol"
	"github.com/pion/webrtc/v4"
)

// readyDelay is the deferred data_channel_ready notification delay: long
// enough that the remote side has processed our user-info before sync
// starts, per §4.5.
const readyDelay = 300 * time.Millisecond

// Handler is invoked once per decoded control-channel frame.
type Handler func(tag protocol.Tag, payload any)

// ChunkHandler is invoked for each binary frame that arrives while a
// file-chunk-meta envelope is armed.
type ChunkHandler func(transferID string, chunkIndex int, data []byte)

// ReadyFunc is invoked once, ~300ms after the channel opens, as long as the
// channel is still open at that point.
type ReadyFunc func()

// Router owns one peer's reliable DataChannel.
type Router struct {
	dc *webrtc.DataChannel

	username string
	userID   string

	mu      sync.Mutex
	pending protocol.PendingChunkMeta

	onHandler ReadyFunc
	handler   Handler
	chunks    ChunkHandler

	sendMu sync.Mutex // single-writer discipline over dc.Send
}

// New wires a Router onto dc. Call Attach before the channel opens to
// receive OnOpen's user-info handshake and the deferred ready callback.
func New(dc *webrtc.DataChannel, username, userID string) *Router {
	dc.SetBufferedAmountLowThreshold(bufferedAmountLowThreshold)
	return &Router{dc: dc, username: username, userID: userID}
}

// bufferedAmountLowThreshold is the low-water mark for OnBufferedAmountLow;
// filetransfer's backpressureThreshold uses the same value (§4.8, §8
// invariant 6).
const bufferedAmountLowThreshold = 1 << 20 // 1 MiB

// Attach installs OnOpen/OnMessage handlers. onReady fires once the deferred
// data_channel_ready window elapses; handler receives every decoded JSON
// frame, user-info and file-chunk-meta included; chunks receives binary
// frames bound to an armed file-chunk-meta.
func (r *Router) Attach(onReady ReadyFunc, handler Handler, chunks ChunkHandler) {
	r.onHandler = onReady
	r.handler = handler
	r.chunks = chunks

	r.dc.OnOpen(func() {
		if err := r.sendEnvelope(protocol.TagUserInfo, protocol.UserInfo{Username: r.username, UserID: r.userID}); err != nil {
			log.Printf("[router] send user-info: %v", err)
		}
		time.AfterFunc(readyDelay, func() {
			if r.dc.ReadyState() == webrtc.DataChannelStateOpen && r.onHandler != nil {
				r.onHandler()
			}
		})
	})

	r.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if msg.IsString {
			r.handleJSON(msg.Data)
			return
		}
		r.handleBinary(msg.Data)
	})
}

func (r *Router) handleJSON(raw []byte) {
	decoded, err := protocol.Decode(raw)
	if err != nil {
		log.Printf("[router] malformed frame: %v", err)
		return
	}

	// Any non-"file-chunk-meta" JSON frame clears the armed slot, so an
	// aborted chunk never mis-frames a later binary frame (§9).
	if decoded.Tag != protocol.TagFileChunkMeta {
		r.mu.Lock()
		r.pending.Clear()
		r.mu.Unlock()
	}

	switch decoded.Tag {
	case protocol.TagUserInfo:
		// Passed on to the handler below like any other frame; the router
		// itself has no state keyed on remote identity.
	case protocol.TagFileChunkMeta:
		meta := decoded.Payload.(protocol.FileChunkMetaPayload)
		r.mu.Lock()
		r.pending.Set(meta)
		r.mu.Unlock()
	}

	if unk, ok := decoded.Payload.(protocol.UnknownMessage); ok {
		log.Printf("[router] unknown tag %q ignored", unk.Type)
		return
	}

	if r.handler != nil {
		r.handler(decoded.Tag, decoded.Payload)
	}
}

func (r *Router) handleBinary(data []byte) {
	r.mu.Lock()
	meta, ok := r.pending.Take()
	r.mu.Unlock()
	if !ok {
		log.Printf("[router] binary frame with no pending file-chunk-meta; dropping %d bytes", len(data))
		return
	}
	if r.chunks != nil {
		r.chunks(meta.TransferID, meta.ChunkIndex, data)
	}
}

func (r *Router) sendEnvelope(tag protocol.Tag, payload any) error {
	raw, err := protocol.Encode(tag, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", tag, err)
	}
	return r.Send(raw)
}

// SendTagged encodes and sends one JSON control frame.
func (r *Router) SendTagged(tag protocol.Tag, payload any) error {
	return r.sendEnvelope(tag, payload)
}

// Send writes raw bytes as a text frame on the reliable stream. The mesh
// manager and file transfer engine both funnel through here, so a single
// mutex enforces the single-writer discipline §5 requires.
func (r *Router) Send(raw []byte) error {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	return r.dc.SendText(string(raw))
}

// SendBinary writes one binary frame (a file chunk). Must be preceded, in
// stream order, by a file-chunk-meta JSON frame — enforced by callers in
// filetransfer, not here.
func (r *Router) SendBinary(data []byte) error {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	return r.dc.Send(data)
}

// BufferedAmount reports the outbound buffered byte count, used by
// filetransfer's backpressure waiter.
func (r *Router) BufferedAmount() uint64 {
	return r.dc.BufferedAmount()
}

// OnBufferedAmountLow registers a one-shot waiter that fires once the
// buffered amount drops back to bufferedAmountLowThreshold, per §4.8.
func (r *Router) OnBufferedAmountLow(f func()) {
	r.dc.OnBufferedAmountLow(f)
}

// ReadyState exposes the underlying DataChannel's state for callers that
// need to check "still open" before a send (e.g. aborting a transfer).
func (r *Router) ReadyState() webrtc.DataChannelState {
	return r.dc.ReadyState()
}
