// Package roomcrypto derives room keys and seals/opens clipboard events.
//
// A room key is a pure function of the room code and the current sorted set of
// device ids in the room: any two clients with the same membership view compute
// a bit-identical key without exchanging it. Events are sealed with
// XChaCha20-Poly1305 under a nonce deterministically derived from the sender's
// device id and its monotonic counter, so nonce uniqueness depends entirely on
// the sender never reusing a counter (see package replay).
package roomcrypto

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of a derived room key in bytes.
	KeySize = 32

	// MaxClipboardTextBytes is the maximum size of a clipboard event's text payload.
	MaxClipboardTextBytes = 256 * 1024

	// MaxMIMELen is the maximum length of the MIME field.
	MaxMIMELen = 128

	// MIMETextPlain is the MIME value for plain clipboard text.
	MIMETextPlain = "text/plain"

	// MIMEFileChunk is the MIME value for a chunked-file-transfer envelope.
	MIMEFileChunk = "application/x-cliprelay-file-chunk+json;base64"

	roomKeyInfo = "cliprelay v1 room key"
	aeadAAD     = "cliprelay:v1"
)

var (
	ErrEmptyRoomCode           = errors.New("room code must not be empty")
	ErrInvalidMIME             = errors.New("clipboard event MIME must be non-empty and <= 128 chars")
	ErrClipboardTooLarge       = errors.New("clipboard event payload exceeds 256 KiB")
	ErrKeyDerivationFailed     = errors.New("hkdf expand failed")
	ErrDecryptionFailed        = errors.New("decryption failed")
	ErrPayloadIdentityMismatch = errors.New("sender/counter mismatch in decrypted payload")
)

// ClipboardEventPlaintext is the JSON plaintext sealed inside an EncryptedPayload.
type ClipboardEventPlaintext struct {
	SenderDeviceID   string `json:"sender_device_id"`
	Counter          uint64 `json:"counter"`
	TimestampUnixMs  uint64 `json:"timestamp_unix_ms"`
	MIME             string `json:"mime"`
	TextUTF8         string `json:"text_utf8"`
}

// EncryptedPayload is the outer envelope carried on the wire.
type EncryptedPayload struct {
	SenderDeviceID string
	Counter        uint64
	Ciphertext     []byte
}

// DeriveRoomKey computes the 32-byte room key from the room code and the
// current device set. The device ids are sorted internally before hashing,
// so the result does not depend on the caller's iteration order.
func DeriveRoomKey(roomCode string, deviceIDs []string) ([KeySize]byte, error) {
	var key [KeySize]byte
	if roomCode == "" {
		return key, ErrEmptyRoomCode
	}

	roomCodeHash := sha256.Sum256([]byte(roomCode))
	salt := deviceListHash(deviceIDs)

	reader := hkdf.New(sha256.New, roomCodeHash[:], salt[:], []byte(roomKeyInfo))
	if _, err := io.ReadFull(reader, key[:]); err != nil {
		return key, ErrKeyDerivationFailed
	}
	return key, nil
}

func deviceListHash(deviceIDs []string) [32]byte {
	sorted := make([]string, len(deviceIDs))
	copy(sorted, deviceIDs)
	sort.Strings(sorted)

	h := sha256.New()
	for _, id := range sorted {
		h.Write([]byte(id))
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// BuildNonce derives the 24-byte XChaCha20-Poly1305 nonce for a given sender
// and counter: SHA-256(sender)[0:16] || counter (little-endian u64).
func BuildNonce(senderDeviceID string, counter uint64) [24]byte {
	senderHash := sha256.Sum256([]byte(senderDeviceID))
	var nonce [24]byte
	copy(nonce[0:16], senderHash[0:16])
	for i := 0; i < 8; i++ {
		nonce[16+i] = byte(counter >> (8 * i))
	}
	return nonce
}

// EncryptClipboardEvent seals event under roomKey, returning the wire envelope.
func EncryptClipboardEvent(roomKey [KeySize]byte, event ClipboardEventPlaintext) (EncryptedPayload, error) {
	mime := event.MIME
	if mime == "" || len(mime) > MaxMIMELen {
		return EncryptedPayload{}, ErrInvalidMIME
	}
	if len(event.TextUTF8) > MaxClipboardTextBytes {
		return EncryptedPayload{}, ErrClipboardTooLarge
	}

	nonce := BuildNonce(event.SenderDeviceID, event.Counter)
	plaintext, err := json.Marshal(event)
	if err != nil {
		return EncryptedPayload{}, fmt.Errorf("marshal clipboard event: %w", err)
	}

	aead, err := chacha20poly1305.NewX(roomKey[:])
	if err != nil {
		return EncryptedPayload{}, fmt.Errorf("create cipher: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce[:], plaintext, []byte(aeadAAD))
	return EncryptedPayload{
		SenderDeviceID: event.SenderDeviceID,
		Counter:        event.Counter,
		Ciphertext:     ciphertext,
	}, nil
}

// DecryptClipboardEvent opens payload under roomKey and validates the inner
// plaintext's identity fields and size bounds against the envelope.
func DecryptClipboardEvent(roomKey [KeySize]byte, payload EncryptedPayload) (ClipboardEventPlaintext, error) {
	var event ClipboardEventPlaintext

	nonce := BuildNonce(payload.SenderDeviceID, payload.Counter)
	aead, err := chacha20poly1305.NewX(roomKey[:])
	if err != nil {
		return event, fmt.Errorf("create cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce[:], payload.Ciphertext, []byte(aeadAAD))
	if err != nil {
		return event, ErrDecryptionFailed
	}

	if err := json.Unmarshal(plaintext, &event); err != nil {
		return event, ErrDecryptionFailed
	}

	if event.SenderDeviceID != payload.SenderDeviceID || event.Counter != payload.Counter {
		return event, ErrPayloadIdentityMismatch
	}

	if event.MIME == "" || len(event.MIME) > MaxMIMELen {
		return event, ErrInvalidMIME
	}
	if len(event.TextUTF8) > MaxClipboardTextBytes {
		return event, ErrClipboardTooLarge
	}

	return event, nil
}

// RoomIDFromCode computes the public routing id for a room code:
// lowercase hex SHA-256 of the code.
func RoomIDFromCode(roomCode string) string {
	sum := sha256.Sum256([]byte(roomCode))
	return fmt.Sprintf("%x", sum)
}
