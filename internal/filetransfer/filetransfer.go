// Package filetransfer implements the chunked small-file transfer protocol
// layered on top of encrypted clipboard events (spec §4.6). A file is split
// into base64-encoded chunks, each sent as its own clipboard event with MIME
// application/x-cliprelay-file-chunk+json;base64; the receiver reassembles
// chunks keyed by (sender_device_id, transfer_id) in an inflight table with a
// TTL and a cap on concurrent transfers.
package filetransfer

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	// MaxFileSize is the largest file this protocol will chunk or reassemble.
	MaxFileSize = 5 * 1024 * 1024

	// ChunkSize is the raw (pre-base64) size of every chunk but the last.
	ChunkSize = 64 * 1024

	// MaxChunks is the largest total_chunks value accepted.
	MaxChunks = 256

	// MaxInflightTransfers bounds the receiver's concurrent reassembly table.
	MaxInflightTransfers = 8

	// InflightTTLMillis is how long an incomplete transfer is kept before
	// being garbage-collected on the next incoming chunk from any sender.
	InflightTTLMillis = 120_000

	// MaxFilenameLen is the length a sanitized file name is truncated to.
	MaxFilenameLen = 128

	// DefaultFilename is used when sanitization leaves nothing usable.
	DefaultFilename = "file.bin"

	transferIDHexLen = 32 // 16 bytes, hex-encoded
)

var (
	ErrEmptyFile       = errors.New("filetransfer: file is empty")
	ErrFileTooLarge    = errors.New("filetransfer: file exceeds 5 MiB")
	ErrTooManyChunks   = errors.New("filetransfer: file requires more than 256 chunks")
	ErrEnvelopeTooLarge = errors.New("filetransfer: chunk envelope exceeds clipboard text budget")
)

// Chunk is the JSON plaintext of one file-transfer clipboard event.
type Chunk struct {
	TransferID   string `json:"transfer_id"`
	FileName     string `json:"file_name"`
	TotalSize    uint64 `json:"total_size"`
	ChunkIndex   uint32 `json:"chunk_index"`
	TotalChunks  uint32 `json:"total_chunks"`
	ChunkB64     string `json:"chunk_b64"`
}

// NewTransferID computes the per-transfer id: SHA-256(senderDeviceID ||
// nowMs || fileName) truncated to 16 bytes, hex.
func NewTransferID(senderDeviceID string, nowMs uint64, fileName string) string {
	h := sha256.New()
	h.Write([]byte(senderDeviceID))
	var ts [8]byte
	for i := 0; i < 8; i++ {
		ts[i] = byte(nowMs >> (8 * i))
	}
	h.Write(ts[:])
	h.Write([]byte(fileName))
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}

// ChunkFile splits raw file bytes into the ordered sequence of Chunk envelopes
// a sender should encrypt and send, one clipboard event each. maxEnvelopeLen
// bounds the JSON-encoded envelope size (the clipboard text budget).
func ChunkFile(transferID, fileName string, data []byte, maxEnvelopeLen int) ([]Chunk, error) {
	if len(data) == 0 {
		return nil, ErrEmptyFile
	}
	if len(data) > MaxFileSize {
		return nil, ErrFileTooLarge
	}

	totalChunks := (len(data) + ChunkSize - 1) / ChunkSize
	if totalChunks > MaxChunks {
		return nil, ErrTooManyChunks
	}

	chunks := make([]Chunk, 0, totalChunks)
	for i := 0; i < totalChunks; i++ {
		start := i * ChunkSize
		end := start + ChunkSize
		if end > len(data) {
			end = len(data)
		}

		c := Chunk{
			TransferID:  transferID,
			FileName:    fileName,
			TotalSize:   uint64(len(data)),
			ChunkIndex:  uint32(i),
			TotalChunks: uint32(totalChunks),
			ChunkB64:    base64.StdEncoding.EncodeToString(data[start:end]),
		}

		encoded, err := json.Marshal(c)
		if err != nil {
			return nil, fmt.Errorf("filetransfer: marshal chunk %d: %w", i, err)
		}
		if len(encoded) > maxEnvelopeLen {
			return nil, ErrEnvelopeTooLarge
		}

		chunks = append(chunks, c)
	}

	return chunks, nil
}

// DecodeChunk parses the plaintext JSON of a file-chunk clipboard event.
func DecodeChunk(textUTF8 string) (Chunk, error) {
	var c Chunk
	if err := json.Unmarshal([]byte(textUTF8), &c); err != nil {
		return c, fmt.Errorf("filetransfer: decode chunk: %w", err)
	}
	return c, nil
}

var filenameIllegal = regexp.MustCompile(`[\\/:*?"<>|]`)

// SanitizeFilename replaces path separators, reserved characters, and ASCII
// control characters with "_", trims whitespace, substitutes a default name
// if the result is empty, and truncates to MaxFilenameLen.
func SanitizeFilename(name string) string {
	var b strings.Builder
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			b.WriteByte('_')
			continue
		}
		b.WriteRune(r)
	}
	cleaned := filenameIllegal.ReplaceAllString(b.String(), "_")
	cleaned = strings.TrimSpace(cleaned)

	if cleaned == "" {
		return DefaultFilename
	}
	if len(cleaned) > MaxFilenameLen {
		cleaned = cleaned[:MaxFilenameLen]
	}
	return cleaned
}

func validTransferID(id string) bool {
	if len(id) != transferIDHexLen {
		return false
	}
	_, err := hex.DecodeString(id)
	return err == nil
}
