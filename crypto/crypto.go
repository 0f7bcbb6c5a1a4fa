// Package crypto implements the room-key lifecycle's authenticated encryption:
// 256-bit symmetric keys, AES-256-GCM with random 96-bit IVs, and the invite
// URL encoding that carries a key out of band.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// KeySize is the room key length in bytes (256 bits).
const KeySize = 32

// ivSize is the AES-GCM nonce length in bytes (96 bits), per §4.1.
const ivSize = 12

// Key is a room's 256-bit symmetric key.
type Key [KeySize]byte

// Generate returns a fresh random room key.
func Generate() (Key, error) {
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		return Key{}, fmt.Errorf("read random key: %w", err)
	}
	return k, nil
}

// String serializes the key as unpadded base64url, the form carried in the
// invite fragment and the local key store.
func (k Key) String() string {
	return base64.RawURLEncoding.EncodeToString(k[:])
}

// ParseKey decodes a base64url key previously produced by Key.String.
func ParseKey(s string) (Key, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Key{}, fmt.Errorf("decode key: %w", err)
	}
	if len(raw) != KeySize {
		return Key{}, fmt.Errorf("key has wrong length: got %d want %d", len(raw), KeySize)
	}
	var k Key
	copy(k[:], raw)
	return k, nil
}

func newGCM(k Key) (cipher.AEAD, error) {
	block, err := aes.NewCipher(k[:])
	if err != nil {
		return nil, fmt.Errorf("new aes cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Encrypt authenticates and encrypts plaintext under key, returning the wire
// form base64url(iv) || ":" || base64url(ciphertext_with_tag). Cost is O(n)
// over len(plaintext); the GCM tag check at decrypt time is constant-time.
func Encrypt(plaintext string, key Key) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("read random iv: %w", err)
	}
	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	return base64.RawURLEncoding.EncodeToString(iv) + ":" + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Per §4.1 and §7, callers treat decrypt failure as
// "not our ciphertext" rather than a fatal error: a nil, nil return means the
// caller should fall back to displaying the raw wire text.
func Decrypt(wire string, key Key) (*string, error) {
	iv, sealed, ok := splitWire(wire)
	if !ok {
		return nil, nil
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != ivSize {
		return nil, nil
	}
	plain, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, nil
	}
	s := string(plain)
	return &s, nil
}

func splitWire(wire string) (iv, ciphertext []byte, ok bool) {
	idx := strings.IndexByte(wire, ':')
	if idx < 0 {
		return nil, nil, false
	}
	ivPart, ctPart := wire[:idx], wire[idx+1:]
	ivBytes, err := base64.RawURLEncoding.DecodeString(ivPart)
	if err != nil {
		return nil, nil, false
	}
	ctBytes, err := base64.RawURLEncoding.DecodeString(ctPart)
	if err != nil {
		return nil, nil, false
	}
	return ivBytes, ctBytes, true
}

// LooksEncrypted implements the source's content.includes(':') heuristic for
// "this text is our ciphertext wire form". It is a non-authoritative
// classifier, not a dedicated envelope byte — see SPEC_FULL.md §9's recorded
// open-question resolution.
func LooksEncrypted(s string) bool {
	return strings.Contains(s, ":")
}

// GenerateInvite builds the shareable invite URL for a room: ?join=<code>
// carries the room id to the relay, #ek=<key> carries the key and is never
// sent over the wire.
func GenerateInvite(baseURL, roomCode string, key Key) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	q := u.Query()
	q.Set("join", roomCode)
	u.RawQuery = q.Encode()
	u.Fragment = "ek=" + key.String()
	return u.String(), nil
}

// ErrNoInviteKey is returned by ParseInvite when the URL carries a join code
// but no key fragment.
var ErrNoInviteKey = errors.New("invite url has no ek fragment")

// ParseInvite extracts the room code and key from an invite URL. Callers
// MUST strip both the join query parameter and the fragment from the
// address bar after consuming them, per §6.2.
func ParseInvite(rawURL string) (roomCode string, key *Key, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", nil, fmt.Errorf("parse invite url: %w", err)
	}
	roomCode = u.Query().Get("join")

	frag := u.Fragment
	const prefix = "ek="
	if !strings.HasPrefix(frag, prefix) {
		return roomCode, nil, ErrNoInviteKey
	}
	k, err := ParseKey(strings.TrimPrefix(frag, prefix))
	if err != nil {
		return roomCode, nil, err
	}
	return roomCode, &k, nil
}
