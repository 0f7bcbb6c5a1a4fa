// Package ids generates the identifiers used throughout the mesh: time-sortable
// message ids and short room codes.
package ids

import (
	"crypto/rand"
	"fmt"

	"github.com/google/uuid"
)

// roomCodeAlphabet excludes visually ambiguous characters (0, 1, I, O).
const roomCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const roomCodeLen = 6

// NewMessageID returns a UUIDv7: a 48-bit big-endian millisecond timestamp
// followed by 74 random bits. Lexicographic order on the canonical string
// form equals chronological order, which the sync engine relies on for
// convergent ordering across peers.
func NewMessageID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuidv7: %w", err)
	}
	return id.String(), nil
}

// NewTransferID returns a fresh random id for a file transfer.
func NewTransferID() string {
	return uuid.NewString()
}

// NewRoomCode returns a 6-character room code drawn from roomCodeAlphabet.
func NewRoomCode() (string, error) {
	buf := make([]byte, roomCodeLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	out := make([]byte, roomCodeLen)
	for i, b := range buf {
		out[i] = roomCodeAlphabet[int(b)%len(roomCodeAlphabet)]
	}
	return string(out), nil
}

// Less reports whether a sorts strictly before b under the message-id total
// order (plain lexicographic comparison on the canonical UUID string form).
func Less(a, b string) bool {
	return a < b
}
