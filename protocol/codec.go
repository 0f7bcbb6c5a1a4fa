package protocol

import (
	"encoding/json"
	"fmt"
)

// Decoded is the result of decoding one JSON control frame: the tag plus the
// already-typed payload. Handlers switch on Tag, not on the payload's
// dynamic type, keeping dispatch exhaustive.
type Decoded struct {
	Tag     Tag
	Payload any
}

// UnknownMessage wraps a frame whose Type the codec does not recognize. Per
// §4.5, unknown tags are silently ignored by the router — the codec never
// errors on them, it just hands back the raw bytes.
type UnknownMessage struct {
	Type Tag
	Raw  json.RawMessage
}

// Encode marshals a tagged payload into one JSON control frame: payload's
// fields flattened alongside a top-level "type" discriminator.
func Encode(tag Tag, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload for %s: %w", tag, err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("payload for %s is not a JSON object: %w", tag, err)
	}
	if fields == nil {
		fields = map[string]json.RawMessage{}
	}
	typeJSON, err := json.Marshal(tag)
	if err != nil {
		return nil, err
	}
	fields["type"] = typeJSON
	return json.Marshal(fields)
}

// Decode reads a frame's "type" field, then unmarshals the same bytes into
// the matching concrete struct. A frame with an unrecognized type decodes to
// UnknownMessage rather than failing, per §4.5 ("unknown tags are silently
// ignored").
func Decode(raw []byte) (Decoded, error) {
	var head struct {
		Type Tag `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return Decoded{}, fmt.Errorf("decode frame header: %w", err)
	}

	var payload any
	switch head.Type {
	case TagUserInfo:
		payload = new(UserInfo)
	case TagMessage:
		payload = new(MessagePayload)
	case TagReaction:
		payload = new(ReactionPayload)
	case TagChannelCreated:
		payload = new(ChannelCreatedPayload)
	case TagPresenceEvent:
		payload = new(PresenceEventPayload)
	case TagSyncHello:
		payload = new(SyncHelloPayload)
	case TagSyncRequest:
		payload = new(SyncRequestPayload)
	case TagSyncResponse:
		payload = new(SyncResponsePayload)
	case TagHistoryRequest:
		payload = new(HistoryRequestPayload)
	case TagHistoryResponse:
		payload = new(HistoryResponsePayload)
	case TagVoiceState:
		payload = new(VoiceStatePayload)
	case TagSpeakingState:
		payload = new(SpeakingStatePayload)
	case TagScreenShareState:
		payload = new(ScreenShareStatePayload)
	case TagCameraState:
		payload = new(CameraStatePayload)
	case TagScreenWatch:
		payload = new(ScreenWatchPayload)
	case TagFileMetadata:
		payload = new(FileMetadataPayload)
	case TagFileChunkMeta:
		payload = new(FileChunkMetaPayload)
	case TagRoomKeyRequest:
		payload = new(RoomKeyRequestPayload)
	case TagRoomKeyShare:
		payload = new(RoomKeySharePayload)
	default:
		return Decoded{Tag: head.Type, Payload: UnknownMessage{Type: head.Type, Raw: raw}}, nil
	}

	if err := json.Unmarshal(raw, payload); err != nil {
		return Decoded{}, fmt.Errorf("decode %s payload: %w", head.Type, err)
	}
	return Decoded{Tag: head.Type, Payload: derefPayload(payload)}, nil
}

// derefPayload dereferences the pointer Decode allocated so callers get
// values, matching how Encode accepts values.
func derefPayload(p any) any {
	switch v := p.(type) {
	case *UserInfo:
		return *v
	case *MessagePayload:
		return *v
	case *ReactionPayload:
		return *v
	case *ChannelCreatedPayload:
		return *v
	case *PresenceEventPayload:
		return *v
	case *SyncHelloPayload:
		return *v
	case *SyncRequestPayload:
		return *v
	case *SyncResponsePayload:
		return *v
	case *HistoryRequestPayload:
		return *v
	case *HistoryResponsePayload:
		return *v
	case *VoiceStatePayload:
		return *v
	case *SpeakingStatePayload:
		return *v
	case *ScreenShareStatePayload:
		return *v
	case *CameraStatePayload:
		return *v
	case *ScreenWatchPayload:
		return *v
	case *FileMetadataPayload:
		return *v
	case *FileChunkMetaPayload:
		return *v
	case *RoomKeyRequestPayload:
		return *v
	case *RoomKeySharePayload:
		return *v
	default:
		return p
	}
}

// PendingChunkMeta is the per-reliable-stream single-slot state described in
// §4.2 and the "pending chunk meta must be per stream" redesign flag in §9.
// A binary frame is only accepted while the slot is set; any non-binary
// frame clears it, so an aborted chunk can never mis-frame the next message.
type PendingChunkMeta struct {
	slot *FileChunkMetaPayload
}

// Set arms the slot with the metadata that must precede the next binary
// frame.
func (p *PendingChunkMeta) Set(meta FileChunkMetaPayload) {
	p.slot = &meta
}

// Take returns the armed metadata and clears the slot, or reports ok=false
// if no binary frame is currently expected.
func (p *PendingChunkMeta) Take() (meta FileChunkMetaPayload, ok bool) {
	if p.slot == nil {
		return FileChunkMetaPayload{}, false
	}
	meta, ok = *p.slot, true
	p.slot = nil
	return meta, ok
}

// Clear drops any armed metadata without consuming it. Called whenever a
// non-file-chunk-meta JSON frame arrives, per the router's framing rule.
func (p *PendingChunkMeta) Clear() {
	p.slot = nil
}
