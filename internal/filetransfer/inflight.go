package filetransfer

import (
	"encoding/base64"
	"sync"
)

// transferKey identifies one inflight transfer.
type transferKey struct {
	SenderDeviceID string
	TransferID     string
}

// inflightTransfer tracks partial reassembly state for one transfer.
type inflightTransfer struct {
	fileName      string
	totalSize     uint64
	totalChunks   uint32
	received      [][]byte
	receivedCount int
	lastUpdateMs  uint64
}

// Completed is a fully reassembled file, ready to be written out and
// surfaced to the application as an IncomingFile event.
type Completed struct {
	SenderDeviceID string
	FileName       string
	Data           []byte
}

// Table is the receiver-side reassembly state: one process-wide, per-sender
// transfer map behind a single lock, capped at MaxInflightTransfers and
// garbage-collected by last-update age before each admission decision.
type Table struct {
	mu      sync.Mutex
	entries map[transferKey]*inflightTransfer
}

// NewTable returns an empty reassembly table.
func NewTable() *Table {
	return &Table{entries: make(map[transferKey]*inflightTransfer)}
}

// Admit processes one incoming chunk envelope. It returns a non-nil
// *Completed when the chunk completes its transfer; completed is nil and ok
// is true when the chunk is accepted but the transfer is still incomplete. ok is false when
// the chunk was invalid or dropped (capacity, mismatch, bad fields) and
// should not be treated as an error worth surfacing.
func (t *Table) Admit(senderDeviceID string, chunk Chunk, nowMs uint64) (completed *Completed, ok bool) {
	if !validChunkFields(chunk) {
		return nil, false
	}

	raw, err := base64.StdEncoding.DecodeString(chunk.ChunkB64)
	if err != nil || len(raw) == 0 {
		return nil, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.gcLocked(nowMs)

	key := transferKey{SenderDeviceID: senderDeviceID, TransferID: chunk.TransferID}
	entry, exists := t.entries[key]
	if !exists {
		if len(t.entries) >= MaxInflightTransfers {
			return nil, false
		}
		entry = &inflightTransfer{
			fileName:    chunk.FileName,
			totalSize:   chunk.TotalSize,
			totalChunks: chunk.TotalChunks,
			received:    make([][]byte, chunk.TotalChunks),
		}
		t.entries[key] = entry
	}

	if entry.totalChunks != chunk.TotalChunks || entry.totalSize != chunk.TotalSize {
		return nil, false
	}

	entry.lastUpdateMs = nowMs
	if entry.received[chunk.ChunkIndex] == nil {
		entry.received[chunk.ChunkIndex] = raw
		entry.receivedCount++
	}

	if entry.receivedCount < int(entry.totalChunks) {
		return nil, true
	}

	assembled := make([]byte, 0, entry.totalSize)
	for _, part := range entry.received {
		assembled = append(assembled, part...)
	}
	delete(t.entries, key)

	if uint64(len(assembled)) != entry.totalSize {
		return nil, false
	}

	return &Completed{
		SenderDeviceID: senderDeviceID,
		FileName:       SanitizeFilename(entry.fileName),
		Data:           assembled,
	}, true
}

// gcLocked removes entries whose last update is older than InflightTTLMillis.
// Callers must hold t.mu.
func (t *Table) gcLocked(nowMs uint64) {
	for key, entry := range t.entries {
		if nowMs > entry.lastUpdateMs && nowMs-entry.lastUpdateMs > InflightTTLMillis {
			delete(t.entries, key)
		}
	}
}

// Len reports the number of inflight transfers currently tracked.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func validChunkFields(c Chunk) bool {
	if !validTransferID(c.TransferID) {
		return false
	}
	if c.TotalChunks == 0 || c.TotalChunks > MaxChunks {
		return false
	}
	if c.ChunkIndex >= c.TotalChunks {
		return false
	}
	if c.TotalSize == 0 || c.TotalSize > MaxFileSize {
		return false
	}
	return true
}
