// Package protocol defines the control-channel wire protocol: the tagged
// message set carried over the reliable stream (and, for a handshake subset,
// relayed verbatim by the signaling relay), plus the binary file-chunk
// framing rule.
//
// Every tag gets its own Go struct, matched in an exhaustive switch rather
// than probed out of a map[string]interface{} — see SPEC_FULL.md §4.2 and
// the "tagged discriminated type" redesign flag in spec.md §9.
package protocol

import "encoding/json"

// Tag identifies a control-channel message's shape.
type Tag string

const (
	TagUserInfo         Tag = "user-info"
	TagMessage          Tag = "message"
	TagReaction         Tag = "reaction"
	TagChannelCreated   Tag = "channel-created"
	TagPresenceEvent    Tag = "presence-event"
	TagSyncHello        Tag = "sync-hello"
	TagSyncRequest      Tag = "sync-request"
	TagSyncResponse     Tag = "sync-response"
	TagHistoryRequest   Tag = "history-request"
	TagHistoryResponse  Tag = "history-response"
	TagVoiceState       Tag = "voice-state"
	TagSpeakingState    Tag = "speaking-state"
	TagScreenShareState Tag = "screen-share-state"
	TagCameraState      Tag = "camera-state"
	TagScreenWatch      Tag = "screen-watch"
	TagFileMetadata     Tag = "file-metadata"
	TagFileChunkMeta    Tag = "file-chunk-meta"
	TagRoomKeyRequest   Tag = "room-key-request"
	TagRoomKeyShare     Tag = "room-key-share"
)

// Envelope is the shape every control-channel frame shares: a discriminator
// plus its payload. Decode does not go through Envelope: it reads the
// frame's "type" field first, then unmarshals the whole frame into the
// matching concrete struct.
type Envelope struct {
	Type    Tag             `json:"type"`
	Payload json.RawMessage `json:"-"`
}

// WireMessage is the on-the-wire shape of a Message entity (§3). Content is
// plaintext locally and ciphertext (crypto.Encrypt's wire form) whenever a
// room key exists for the room.
type WireMessage struct {
	ID            string          `json:"id"`
	ChannelID     string          `json:"channel_id"`
	UserID        string          `json:"user_id"`
	Username      string          `json:"username"`
	Content       string          `json:"content"`
	Timestamp     int64           `json:"timestamp"`
	FileMetadata  *FileMetadata   `json:"file_metadata,omitempty"`
	FileURL       string          `json:"file_url,omitempty"`
	StoredFileID  string          `json:"stored_file_id,omitempty"`
	GifURL        string          `json:"gif_url,omitempty"`
	Reactions     []ReactionState `json:"reactions,omitempty"`
	SystemAction  string          `json:"system_action,omitempty"`
}

// ReactionState is a reaction tally entry attached to a synced message.
type ReactionState struct {
	Emoji  string   `json:"emoji"`
	UserIDs []string `json:"user_ids"`
}

// FileMetadata describes a file transfer's shape, independent of chunk
// bytes.
type FileMetadata struct {
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	Type       string `json:"type"`
	Chunks     int    `json:"chunks"`
	TransferID string `json:"transfer_id"`
}

// UserInfo is sent once, immediately after the reliable stream opens.
type UserInfo struct {
	Username string `json:"username"`
	UserID   string `json:"user_id"`
}

// MessagePayload carries a WireMessage over the "message" tag.
type MessagePayload struct {
	Message WireMessage `json:"message"`
}

// ReactionPayload adds or removes a reaction; (MessageID, Emoji, UserID)
// keys the reaction, and applying it twice is a no-op (§8 round-trip law).
type ReactionPayload struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
	UserID    string `json:"user_id"`
	Add       bool   `json:"add"`
}

// ChannelCreatedPayload announces a new channel.
type ChannelCreatedPayload struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	CreatedAt int64  `json:"created_at"`
}

// PresenceAction is join or leave, per §4.7's presence state machine.
type PresenceAction string

const (
	PresenceJoin  PresenceAction = "join"
	PresenceLeave PresenceAction = "leave"
)

// PresenceEventPayload reports a peer transitioning between joined/left.
type PresenceEventPayload struct {
	Action   PresenceAction `json:"action"`
	Username string         `json:"username"`
}

// SyncHelloPayload is the anti-entropy handshake's opening frame.
type SyncHelloPayload struct {
	LastMessageID    string   `json:"last_message_id,omitempty"`
	KnownMessageIDs  []string `json:"known_message_ids"`
	KnownChannelIDs  []string `json:"known_channel_ids"`
	RoomCreatedAt    int64    `json:"room_created_at"`
}

// SyncRequestPayload asks a peer to re-run the hello/diff exchange (used
// after installing a room key, per §4.9).
type SyncRequestPayload struct{}

// SyncResponsePayload answers a sync-hello with whatever the recipient
// determined was missing on the sender's side.
type SyncResponsePayload struct {
	Room     *RoomSync        `json:"room,omitempty"`
	Channels []ChannelCreatedPayload `json:"channels"`
	Messages []WireMessage    `json:"messages"`
}

// RoomSync carries a room's name when it may be worth merging (§4.7 step 1).
type RoomSync struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// HistoryRequestPayload pages older messages in a channel.
type HistoryRequestPayload struct {
	RequestID      string  `json:"request_id"`
	ChannelID      string  `json:"channel_id"`
	BeforeMessageID *string `json:"before_message_id"`
	Limit          int     `json:"limit"`
}

// HistoryResponsePayload answers a HistoryRequestPayload.
type HistoryResponsePayload struct {
	RequestID string        `json:"request_id"`
	Messages  []WireMessage `json:"messages"`
	HasMore   bool          `json:"has_more"`
}

// VoiceStatePayload announces a peer's voice-channel membership.
type VoiceStatePayload struct {
	VoiceChannelID string `json:"voice_channel_id"`
	Joined         bool   `json:"joined"`
}

// SpeakingStatePayload reports voice-activity, forced false while muted.
type SpeakingStatePayload struct {
	Speaking bool `json:"speaking"`
}

// ScreenShareStatePayload announces starting/stopping a screen share.
type ScreenShareStatePayload struct {
	ChannelID string `json:"channel_id"`
	Sharing   bool   `json:"sharing"`
}

// CameraStatePayload announces camera on/off.
type CameraStatePayload struct {
	On bool `json:"on"`
}

// ScreenWatchPayload subscribes/unsubscribes a viewer to a streamer's track.
type ScreenWatchPayload struct {
	Watch bool `json:"watch"`
}

// FileMetadataPayload announces a file transfer before any chunk arrives.
type FileMetadataPayload struct {
	Metadata  FileMetadata `json:"metadata"`
	ChannelID string       `json:"channel_id"`
}

// FileChunkMetaPayload precedes exactly one binary frame in stream order; see
// PendingChunkMeta below.
type FileChunkMetaPayload struct {
	TransferID string `json:"transfer_id"`
	ChunkIndex int    `json:"chunk_index"`
}

// RoomKeyRequestPayload is sent by a peer that joined without a room key.
type RoomKeyRequestPayload struct {
	RequesterUsername string `json:"requester_username"`
}

// RoomKeySharePayload hands a room key to a peer that requested it.
type RoomKeySharePayload struct {
	RoomKey        string `json:"room_key"`
	SharedByUsername string `json:"shared_by_username"`
}
