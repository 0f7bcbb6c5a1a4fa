// Package store implements the local persisted store (C11): a gorm-backed
// SQLite database holding everything a peer needs to survive a restart
// without re-running the full anti-entropy sync — rooms, channels,
// messages, reactions, file metadata, and room keys.
//
// The teacher's go.mod already carries gorm.io/gorm and
// gorm.io/driver/sqlite (wired, in the teacher, to a deps.Deps struct whose
// db.DocumentStore type doesn't exist anywhere in the retrieved source —
// dead on arrival). This package gives that dependency pair its first real
// home: typed models plus AutoMigrate, the standard gorm idiom, since
// nothing in the pack shows a concrete gorm query pattern to imitate
// beyond the struct embedding.
package store

import (
	"fmt"

	"github.com/n0remac/meshchat/crypto"
	"github.com/n0remac/meshchat/protocol"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Room is a joined room's local record.
type Room struct {
	ID        string `gorm:"primaryKey"`
	Name      string
	CreatedAt int64
}

// Channel is a room's text or voice channel.
type Channel struct {
	ID        string `gorm:"primaryKey"`
	RoomID    string `gorm:"index"`
	Name      string
	Kind      string
	CreatedAt int64
}

// StoredMessage is one persisted message. Content is stored exactly as it
// arrived on the wire — plaintext or crypto.Encrypt's ciphertext form —
// and is never decrypted at rest, with one deliberate exception:
// RewriteMessageContent, called when a previously-unkeyed room installs a
// room key and a stored ciphertext row becomes decryptable (§4.9).
type StoredMessage struct {
	ID           string `gorm:"primaryKey"`
	ChannelID    string `gorm:"index"`
	UserID       string
	Username     string
	Content      string
	Timestamp    int64 `gorm:"index"`
	FileURL      string
	StoredFileID string
	GifURL       string
	SystemAction string
}

// StoredReaction is one (message, emoji, user) reaction tuple; applying the
// same tuple twice is a no-op, enforced by a unique index rather than
// application-level dedup.
type StoredReaction struct {
	MessageID string `gorm:"primaryKey"`
	Emoji     string `gorm:"primaryKey"`
	UserID    string `gorm:"primaryKey"`
}

// StoredFile holds a completed file transfer's bytes and metadata.
type StoredFile struct {
	TransferID string `gorm:"primaryKey"`
	Name       string
	Size       int64
	Type       string
	Data       []byte
}

// StoredRoomKey persists one room's AES-256-GCM key, base64url-encoded via
// crypto.Key.String.
type StoredRoomKey struct {
	RoomID string `gorm:"primaryKey"`
	Key    string
}

// There is no room-history model: a room's channel order and last-viewed
// channel are not persisted. ApplyChannel and ApplyMessage (the
// syncengine.Store write path) write Channel and StoredMessage rows.

// Store wraps a gorm.DB and implements room.Store and syncengine.Store.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if necessary) a SQLite database at path and runs
// AutoMigrate for every model.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open sqlite store at %s: %w", path, err)
	}
	if err := db.AutoMigrate(&Room{}, &Channel{}, &StoredMessage{}, &StoredReaction{}, &StoredFile{}, &StoredRoomKey{}); err != nil {
		return nil, fmt.Errorf("automigrate: %w", err)
	}
	return &Store{db: db}, nil
}

// PutRoom upserts a room record.
func (s *Store) PutRoom(id, name string, createdAt int64) error {
	return s.db.Save(&Room{ID: id, Name: name, CreatedAt: createdAt}).Error
}

// RoomCreatedAt implements syncengine.Store.
func (s *Store) RoomCreatedAt(roomID string) int64 {
	var r Room
	if err := s.db.First(&r, "id = ?", roomID).Error; err != nil {
		return 0
	}
	return r.CreatedAt
}

// RoomName implements syncengine.Store. It returns "" for a room that
// hasn't been named, which is also the signal syncengine uses to decide
// whether an inbound sync-response's room name is worth merging.
func (s *Store) RoomName(roomID string) string {
	var r Room
	if err := s.db.First(&r, "id = ?", roomID).Error; err != nil {
		return ""
	}
	return r.Name
}

// SetRoomName implements syncengine.Store.
func (s *Store) SetRoomName(roomID, name string) {
	_ = s.db.Model(&Room{}).Where("id = ?", roomID).Update("name", name).Error
}

// PutChannel upserts a channel record.
func (s *Store) PutChannel(roomID string, ch protocol.ChannelCreatedPayload) error {
	return s.db.Save(&Channel{ID: ch.ID, RoomID: roomID, Name: ch.Name, Kind: ch.Kind, CreatedAt: ch.CreatedAt}).Error
}

// ApplyChannel implements syncengine.Store for a channel arriving via sync.
func (s *Store) ApplyChannel(roomID string, ch protocol.ChannelCreatedPayload) {
	_ = s.db.Save(&Channel{ID: ch.ID, RoomID: roomID, Name: ch.Name, Kind: ch.Kind, CreatedAt: ch.CreatedAt}).Error
}

// ChannelByID implements syncengine.Store.
func (s *Store) ChannelByID(id string) (protocol.ChannelCreatedPayload, bool) {
	var c Channel
	if err := s.db.First(&c, "id = ?", id).Error; err != nil {
		return protocol.ChannelCreatedPayload{}, false
	}
	return protocol.ChannelCreatedPayload{ID: c.ID, Name: c.Name, Kind: c.Kind, CreatedAt: c.CreatedAt}, true
}

// KnownChannelIDs implements syncengine.Store.
func (s *Store) KnownChannelIDs(roomID string) []string {
	var ids []string
	s.db.Model(&Channel{}).Where("room_id = ?", roomID).Pluck("id", &ids)
	return ids
}

// PutMessage upserts a message.
func (s *Store) PutMessage(channelID string, wm protocol.WireMessage) error {
	m := StoredMessage{
		ID: wm.ID, ChannelID: channelID, UserID: wm.UserID, Username: wm.Username,
		Content: wm.Content, Timestamp: wm.Timestamp, FileURL: wm.FileURL,
		StoredFileID: wm.StoredFileID, GifURL: wm.GifURL, SystemAction: wm.SystemAction,
	}
	if err := s.db.Save(&m).Error; err != nil {
		return err
	}
	for _, r := range wm.Reactions {
		for _, uid := range r.UserIDs {
			if err := s.db.Save(&StoredReaction{MessageID: wm.ID, Emoji: r.Emoji, UserID: uid}).Error; err != nil {
				return err
			}
		}
	}
	return nil
}

// ApplyMessage implements syncengine.Store.
func (s *Store) ApplyMessage(wm protocol.WireMessage) {
	_ = s.PutMessage(wm.ChannelID, wm)
}

// HasMessage implements syncengine.Store.
func (s *Store) HasMessage(id string) bool {
	var count int64
	s.db.Model(&StoredMessage{}).Where("id = ?", id).Count(&count)
	return count > 0
}

// KnownMessageIDs implements syncengine.Store, oldest first. syncengine
// trims this to the most recent maxKnownMessageIDs before advertising it in
// a sync-hello, so the ordering here — not arbitrary row order — is what
// decides which ids survive that trim. UUIDv7 ids sort lexicographically in
// the same order as their embedded timestamp, so ordering by id is
// equivalent to ordering by timestamp and avoids a second index.
func (s *Store) KnownMessageIDs(roomID string) []string {
	var ids []string
	s.db.Model(&StoredMessage{}).
		Joins("JOIN channels ON channels.id = stored_messages.channel_id").
		Where("channels.room_id = ?", roomID).
		Order("stored_messages.id ASC").
		Pluck("stored_messages.id", &ids)
	return ids
}

// MessagesSince returns every message stored for roomID newer than
// lastMessageID (oldest first), or every message if lastMessageID is nil —
// the query backing a relay-brokered sync-poll response (§6.1).
func (s *Store) MessagesSince(roomID string, lastMessageID *string) []protocol.WireMessage {
	q := s.db.Model(&StoredMessage{}).
		Joins("JOIN channels ON channels.id = stored_messages.channel_id").
		Where("channels.room_id = ?", roomID)
	if lastMessageID != nil && *lastMessageID != "" {
		q = q.Where("stored_messages.id > ?", *lastMessageID)
	}
	var rows []StoredMessage
	q.Order("stored_messages.id ASC").Find(&rows)
	out := make([]protocol.WireMessage, 0, len(rows))
	for _, r := range rows {
		out = append(out, s.toWireMessage(r))
	}
	return out
}

// MessagesByIDs implements syncengine.Store.
func (s *Store) MessagesByIDs(ids []string) []protocol.WireMessage {
	if len(ids) == 0 {
		return nil
	}
	var rows []StoredMessage
	s.db.Where("id IN ?", ids).Find(&rows)
	out := make([]protocol.WireMessage, 0, len(rows))
	for _, r := range rows {
		out = append(out, s.toWireMessage(r))
	}
	return out
}

// MessagesByChannel returns every message in a channel, oldest first.
func (s *Store) MessagesByChannel(channelID string) []protocol.WireMessage {
	var rows []StoredMessage
	s.db.Where("channel_id = ?", channelID).Order("timestamp asc").Find(&rows)
	out := make([]protocol.WireMessage, 0, len(rows))
	for _, r := range rows {
		out = append(out, s.toWireMessage(r))
	}
	return out
}

// HistoryPage implements syncengine.Store: pages messages older than
// beforeMessageID (or the newest page, if nil), newest first, capped at
// limit, reporting whether more remain.
func (s *Store) HistoryPage(channelID string, beforeMessageID *string, limit int) ([]protocol.WireMessage, bool) {
	q := s.db.Where("channel_id = ?", channelID)
	if beforeMessageID != nil {
		var before StoredMessage
		if err := s.db.First(&before, "id = ?", *beforeMessageID).Error; err == nil {
			q = q.Where("timestamp < ?", before.Timestamp)
		}
	}
	var rows []StoredMessage
	q.Order("timestamp desc").Limit(limit + 1).Find(&rows)

	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}
	out := make([]protocol.WireMessage, 0, len(rows))
	for _, r := range rows {
		out = append(out, s.toWireMessage(r))
	}
	return out, hasMore
}

func (s *Store) toWireMessage(r StoredMessage) protocol.WireMessage {
	var reactions []StoredReaction
	s.db.Where("message_id = ?", r.ID).Find(&reactions)
	byEmoji := make(map[string][]string)
	var order []string
	for _, rec := range reactions {
		if _, ok := byEmoji[rec.Emoji]; !ok {
			order = append(order, rec.Emoji)
		}
		byEmoji[rec.Emoji] = append(byEmoji[rec.Emoji], rec.UserID)
	}
	var reactionStates []protocol.ReactionState
	for _, emoji := range order {
		reactionStates = append(reactionStates, protocol.ReactionState{Emoji: emoji, UserIDs: byEmoji[emoji]})
	}

	return protocol.WireMessage{
		ID: r.ID, ChannelID: r.ChannelID, UserID: r.UserID, Username: r.Username,
		Content: r.Content, Timestamp: r.Timestamp, FileURL: r.FileURL,
		StoredFileID: r.StoredFileID, GifURL: r.GifURL, SystemAction: r.SystemAction,
		Reactions: reactionStates,
	}
}

// ApplyReaction adds or removes one reaction tuple.
func (s *Store) ApplyReaction(messageID, emoji, userID string, add bool) error {
	if add {
		return s.db.Save(&StoredReaction{MessageID: messageID, Emoji: emoji, UserID: userID}).Error
	}
	return s.db.Delete(&StoredReaction{}, "message_id = ? AND emoji = ? AND user_id = ?", messageID, emoji, userID).Error
}

// PutFile persists a completed file transfer's bytes.
func (s *Store) PutFile(transferID, name string, size int64, mimeType string, data []byte) error {
	return s.db.Save(&StoredFile{TransferID: transferID, Name: name, Size: size, Type: mimeType, Data: data}).Error
}

// FileByTransferID looks up a completed file transfer by id.
func (s *Store) FileByTransferID(transferID string) (StoredFile, bool) {
	var f StoredFile
	if err := s.db.First(&f, "transfer_id = ?", transferID).Error; err != nil {
		return StoredFile{}, false
	}
	return f, true
}

// RewriteMessageContent implements room.Store: it overwrites a stored
// message's Content in place, the one sanctioned exception to "never
// decrypted at rest" documented on StoredMessage.
func (s *Store) RewriteMessageContent(messageID, content string) error {
	return s.db.Model(&StoredMessage{}).Where("id = ?", messageID).Update("content", content).Error
}

// RoomKey implements room.Store.
func (s *Store) RoomKey(roomID string) (crypto.Key, bool) {
	var rec StoredRoomKey
	if err := s.db.First(&rec, "room_id = ?", roomID).Error; err != nil {
		return crypto.Key{}, false
	}
	key, err := crypto.ParseKey(rec.Key)
	if err != nil {
		return crypto.Key{}, false
	}
	return key, true
}

// SetRoomKey implements room.Store.
func (s *Store) SetRoomKey(roomID string, key crypto.Key) {
	_ = s.db.Save(&StoredRoomKey{RoomID: roomID, Key: key.String()}).Error
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
