// Package filetransfer implements the chunked file transfer engine (C8):
// splitting a file into fixed-size chunks bound to file-chunk-meta frames,
// applying sender-side backpressure against the control channel's buffered
// amount, and reassembling inbound chunks on the receiving side.
//
// Grounded on the teacher's PumpRTP retry-on-backpressure loop
// (_examples/n0remac-robot-webrtc/client/client.go) generalized from a
// blocking UDP/RTP retry to a non-blocking OnBufferedAmountLow waiter, which
// is the idiomatic pion DataChannel equivalent.
package filetransfer

import (
	"fmt"
	"sync"

	"github.com/n0remac/meshchat/protocol"
	"github.com/pion/webrtc/v4"
)

const (
	// ChunkSize is the fixed binary frame payload size, per spec.md §4.8.
	ChunkSize = 16 * 1024
	// backpressureThreshold mirrors router.bufferedAmountLowThreshold; a
	// sender stops enqueuing new chunks once the channel's buffered
	// amount reaches this and resumes once OnBufferedAmountLow fires.
	backpressureThreshold = 1 << 20 // 1 MiB

	// inlineLimit and hardCeiling are the consumer-side
	// size policy thresholds from spec.md §4.8's "how a receiver treats
	// completed transfers" edge case.
	inlineLimit = 10 * 1024 * 1024
	hardCeiling = 100 * 1024 * 1024
)

// PeerSender is the subset of router.Router a transfer needs: tagged JSON
// sends, raw binary sends, and backpressure signaling.
type PeerSender interface {
	SendTagged(tag protocol.Tag, payload any) error
	SendBinary(data []byte) error
	BufferedAmount() uint64
	OnBufferedAmountLow(f func())
	ReadyState() webrtc.DataChannelState
}

// ChunkCount returns how many ChunkSize chunks size bytes splits into. A
// zero-byte file still splits into exactly one (empty) chunk, so Send emits
// a single file-chunk-meta/binary pair and Receiver completes on it rather
// than never firing onComplete at all.
func ChunkCount(size int64) int {
	if size == 0 {
		return 1
	}
	return int((size + ChunkSize - 1) / ChunkSize)
}

// Send streams data to one peer as a sequence of file-chunk-meta + binary
// frame pairs, blocking (via OnBufferedAmountLow) whenever the channel's
// buffered amount is at or above backpressureThreshold. Callers broadcast
// the file-metadata announcement themselves (it precedes the transfer and
// goes to every peer, not just this one).
func Send(peer PeerSender, transferID string, data []byte) error {
	total := ChunkCount(int64(len(data)))
	for idx := 0; idx < total; idx++ {
		if peer.ReadyState() != webrtc.DataChannelStateOpen {
			return fmt.Errorf("transfer %s: control channel closed at chunk %d/%d", transferID, idx, total)
		}
		if err := waitForBufferSpace(peer); err != nil {
			return fmt.Errorf("transfer %s: %w", transferID, err)
		}

		start := idx * ChunkSize
		end := start + ChunkSize
		if end > len(data) {
			end = len(data)
		}

		if err := peer.SendTagged(protocol.TagFileChunkMeta, protocol.FileChunkMetaPayload{TransferID: transferID, ChunkIndex: idx}); err != nil {
			return fmt.Errorf("transfer %s: send chunk-meta %d: %w", transferID, idx, err)
		}
		if err := peer.SendBinary(data[start:end]); err != nil {
			return fmt.Errorf("transfer %s: send chunk %d: %w", transferID, idx, err)
		}
	}
	return nil
}

func waitForBufferSpace(peer PeerSender) error {
	if peer.BufferedAmount() < backpressureThreshold {
		return nil
	}
	done := make(chan struct{})
	peer.OnBufferedAmountLow(func() {
		select {
		case <-done:
		default:
			close(done)
		}
	})
	<-done
	return nil
}

// SizePolicy classifies how a receiver should treat a completed transfer
// per spec.md §4.8's edge case table.
type SizePolicy int

const (
	// PolicyInline means the receiver keeps the full bytes in memory and
	// renders them directly.
	PolicyInline SizePolicy = iota
	// PolicyPreview means a downscaled preview is generated for display;
	// only applies to image MIME types above inlineLimit.
	PolicyPreview
	// PolicyMetadataOnly means the receiver keeps only FileMetadata
	// (name/size/type) and lets the user request the full bytes later.
	PolicyMetadataOnly
	// PolicyRejected means the transfer exceeds hardCeiling and must not
	// be accepted at all.
	PolicyRejected
)

// ClassifySize decides the SizePolicy for a file of the given size and
// MIME type.
func ClassifySize(size int64, mimeType string) SizePolicy {
	if size > hardCeiling {
		return PolicyRejected
	}
	if size <= inlineLimit {
		return PolicyInline
	}
	if isImage(mimeType) {
		return PolicyPreview
	}
	return PolicyMetadataOnly
}

func isImage(mimeType string) bool {
	return len(mimeType) >= 6 && mimeType[:6] == "image/"
}

// Progress reports how much of an inbound transfer has arrived.
type Progress struct {
	TransferID     string
	ReceivedChunks int
	TotalChunks    int
}

// Receiver reassembles one inbound transfer's chunks in order, tracking
// progress and completion. Chunks may arrive out of order on the wire only
// in theory (the reliable/ordered DataChannel guarantees in-order delivery
// per spec.md §4.4), but Receiver accepts ChunkIndex explicitly rather than
// assuming order, so a future unordered-channel mode stays correct.
type Receiver struct {
	mu          sync.Mutex
	transferID  string
	total       int
	chunks      map[int][]byte
	onProgress  func(Progress)
	onComplete  func(data []byte)
}

// NewReceiver starts reassembling transferID, expecting totalChunks chunks.
func NewReceiver(transferID string, totalChunks int, onProgress func(Progress), onComplete func(data []byte)) *Receiver {
	return &Receiver{
		transferID: transferID,
		total:      totalChunks,
		chunks:     make(map[int][]byte, totalChunks),
		onProgress: onProgress,
		onComplete: onComplete,
	}
}

// AddChunk stores one inbound chunk and fires onComplete once every chunk
// for this transfer has arrived.
func (r *Receiver) AddChunk(chunkIndex int, data []byte) {
	r.mu.Lock()
	if _, dup := r.chunks[chunkIndex]; !dup {
		buf := make([]byte, len(data))
		copy(buf, data)
		r.chunks[chunkIndex] = buf
	}
	received := len(r.chunks)
	total := r.total
	r.mu.Unlock()

	if r.onProgress != nil {
		r.onProgress(Progress{TransferID: r.transferID, ReceivedChunks: received, TotalChunks: total})
	}
	if received < total {
		return
	}

	r.mu.Lock()
	assembled := make([]byte, 0, total*ChunkSize)
	for i := 0; i < total; i++ {
		assembled = append(assembled, r.chunks[i]...)
	}
	r.mu.Unlock()

	if r.onComplete != nil {
		r.onComplete(assembled)
	}
}
