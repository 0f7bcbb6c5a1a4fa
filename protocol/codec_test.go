package protocol

import "testing"

func TestEncodeDecodeRoomKeyRequest(t *testing.T) {
	raw, err := Encode(TagRoomKeyRequest, RoomKeyRequestPayload{RequesterUsername: "sam"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Tag != TagRoomKeyRequest {
		t.Fatalf("Tag = %q, want %q", decoded.Tag, TagRoomKeyRequest)
	}
	payload, ok := decoded.Payload.(RoomKeyRequestPayload)
	if !ok {
		t.Fatalf("Payload type = %T, want RoomKeyRequestPayload", decoded.Payload)
	}
	if payload.RequesterUsername != "sam" {
		t.Errorf("RequesterUsername = %q, want sam", payload.RequesterUsername)
	}
}

func TestDecodeUnknownTagIsSilent(t *testing.T) {
	decoded, err := Decode([]byte(`{"type":"some-future-tag","foo":"bar"}`))
	if err != nil {
		t.Fatalf("Decode should not error on unknown tag: %v", err)
	}
	if _, ok := decoded.Payload.(UnknownMessage); !ok {
		t.Fatalf("Payload type = %T, want UnknownMessage", decoded.Payload)
	}
}

func TestPendingChunkMetaSingleSlot(t *testing.T) {
	var p PendingChunkMeta

	if _, ok := p.Take(); ok {
		t.Fatalf("Take on empty slot should report ok=false")
	}

	p.Set(FileChunkMetaPayload{TransferID: "t1", ChunkIndex: 0})
	meta, ok := p.Take()
	if !ok || meta.TransferID != "t1" {
		t.Fatalf("Take = %+v, %v; want t1, true", meta, ok)
	}

	// Consumed once; a second Take must see nothing armed.
	if _, ok := p.Take(); ok {
		t.Fatalf("slot should be cleared after Take")
	}

	p.Set(FileChunkMetaPayload{TransferID: "t2", ChunkIndex: 1})
	p.Clear()
	if _, ok := p.Take(); ok {
		t.Fatalf("Clear should drop armed metadata without a binary frame consuming it")
	}
}

func TestEncodeRoundTripMessage(t *testing.T) {
	wm := WireMessage{ID: "01JA", ChannelID: "c1", UserID: "u1", Username: "sam", Content: "hi", Timestamp: 1000}
	raw, err := Encode(TagMessage, MessagePayload{Message: wm})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got, ok := decoded.Payload.(MessagePayload)
	if !ok {
		t.Fatalf("Payload type = %T", decoded.Payload)
	}
	if got.Message.ID != wm.ID || got.Message.Content != wm.Content || got.Message.Timestamp != wm.Timestamp {
		t.Errorf("round-tripped message = %+v, want %+v", got.Message, wm)
	}
}
