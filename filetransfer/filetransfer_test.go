package filetransfer

import (
	"bytes"
	"sync"
	"testing"

	"github.com/n0remac/meshchat/protocol"
	"github.com/pion/webrtc/v4"
)

type fakePeer struct {
	mu          sync.Mutex
	buffered    uint64
	state       webrtc.DataChannelState
	chunkMetas  []protocol.FileChunkMetaPayload
	binaries    [][]byte
	lowWaiters  []func()
}

func newFakePeer() *fakePeer {
	return &fakePeer{state: webrtc.DataChannelStateOpen}
}

func (p *fakePeer) SendTagged(tag protocol.Tag, payload any) error {
	if tag == protocol.TagFileChunkMeta {
		p.mu.Lock()
		p.chunkMetas = append(p.chunkMetas, payload.(protocol.FileChunkMetaPayload))
		p.mu.Unlock()
	}
	return nil
}
func (p *fakePeer) SendBinary(data []byte) error {
	p.mu.Lock()
	cp := make([]byte, len(data))
	copy(cp, data)
	p.binaries = append(p.binaries, cp)
	p.mu.Unlock()
	return nil
}
func (p *fakePeer) BufferedAmount() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buffered
}
func (p *fakePeer) OnBufferedAmountLow(f func()) {
	p.mu.Lock()
	p.lowWaiters = append(p.lowWaiters, f)
	p.mu.Unlock()
}
func (p *fakePeer) ReadyState() webrtc.DataChannelState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func TestSendChunksInOrder(t *testing.T) {
	peer := newFakePeer()
	data := bytes.Repeat([]byte{0xAB}, ChunkSize*3+10)

	if err := Send(peer, "t1", data); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if len(peer.chunkMetas) != 4 {
		t.Fatalf("chunkMetas count = %d, want 4", len(peer.chunkMetas))
	}
	for i, meta := range peer.chunkMetas {
		if meta.ChunkIndex != i || meta.TransferID != "t1" {
			t.Errorf("chunkMetas[%d] = %+v", i, meta)
		}
	}
	reassembled := bytes.Join(peer.binaries, nil)
	if !bytes.Equal(reassembled, data) {
		t.Errorf("reassembled data does not match original")
	}
}

func TestSendZeroByteFileEmitsOneEmptyChunk(t *testing.T) {
	peer := newFakePeer()

	if err := Send(peer, "t-empty", nil); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if len(peer.chunkMetas) != 1 || peer.chunkMetas[0].ChunkIndex != 0 || peer.chunkMetas[0].TransferID != "t-empty" {
		t.Fatalf("chunkMetas = %+v, want one chunk at index 0", peer.chunkMetas)
	}
	if len(peer.binaries) != 1 || len(peer.binaries[0]) != 0 {
		t.Fatalf("binaries = %+v, want one empty frame", peer.binaries)
	}

	var progressCalls int
	var completed []byte
	done := make(chan struct{})
	r := NewReceiver("t-empty", ChunkCount(0), func(p Progress) { progressCalls++ }, func(data []byte) {
		completed = data
		close(done)
	})
	r.AddChunk(0, nil)
	<-done
	if len(completed) != 0 {
		t.Errorf("completed = %v, want empty reassembly", completed)
	}
	if progressCalls != 1 {
		t.Errorf("progressCalls = %d, want 1", progressCalls)
	}
}

func TestSendBlocksUntilBufferedAmountLow(t *testing.T) {
	peer := newFakePeer()
	peer.buffered = backpressureThreshold // force backpressure

	done := make(chan error, 1)
	go func() {
		done <- Send(peer, "t2", make([]byte, ChunkSize))
	}()

	// Give Send a chance to block on OnBufferedAmountLow.
	select {
	case <-done:
		t.Fatal("Send returned before buffered amount dropped")
	default:
	}

	peer.mu.Lock()
	waiters := append([]func(){}, peer.lowWaiters...)
	peer.buffered = 0
	peer.mu.Unlock()
	for _, w := range waiters {
		w()
	}

	if err := <-done; err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestClassifySize(t *testing.T) {
	cases := []struct {
		size int64
		mime string
		want SizePolicy
	}{
		{1024, "text/plain", PolicyInline},
		{inlineLimit + 1, "image/png", PolicyPreview},
		{inlineLimit + 1, "application/pdf", PolicyMetadataOnly},
		{hardCeiling + 1, "image/png", PolicyRejected},
	}
	for _, c := range cases {
		if got := ClassifySize(c.size, c.mime); got != c.want {
			t.Errorf("ClassifySize(%d, %q) = %v, want %v", c.size, c.mime, got, c.want)
		}
	}
}

func TestReceiverAssemblesOutOfOrderChunks(t *testing.T) {
	var progressCalls int
	var completed []byte
	done := make(chan struct{})

	r := NewReceiver("t3", 3, func(p Progress) {
		progressCalls++
	}, func(data []byte) {
		completed = data
		close(done)
	})

	r.AddChunk(2, []byte{2, 2})
	r.AddChunk(0, []byte{0, 0})
	r.AddChunk(1, []byte{1, 1})

	<-done
	want := []byte{0, 0, 1, 1, 2, 2}
	if !bytes.Equal(completed, want) {
		t.Errorf("completed = %v, want %v", completed, want)
	}
	if progressCalls != 3 {
		t.Errorf("progressCalls = %d, want 3", progressCalls)
	}
}
