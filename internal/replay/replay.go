// Package replay tracks the highest counter seen per sender and rejects
// encrypted frames whose counter does not strictly increase. Together with
// the sender's persisted outgoing counter it guards against nonce reuse,
// since the nonce for a given sender is a deterministic function of
// (sender, counter).
package replay

import "sync"

// RejectedError is returned when a counter is not greater than the one last
// seen for that sender.
type RejectedError struct {
	Sender   string
	Counter  uint64
	LastSeen uint64
}

func (e *RejectedError) Error() string {
	return "stale or replayed counter for sender " + e.Sender
}

// Table is a process-local, concurrency-safe map of sender -> highest counter
// seen. The zero value is ready to use.
type Table struct {
	mu       sync.Mutex
	lastSeen map[string]uint64
}

// NewTable returns an empty replay table.
func NewTable() *Table {
	return &Table{lastSeen: make(map[string]uint64)}
}

// Validate accepts and records counter for sender if it is strictly greater
// than any previously seen counter for that sender; otherwise it returns a
// *RejectedError describing the conflict.
func (t *Table) Validate(sender string, counter uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.lastSeen == nil {
		t.lastSeen = make(map[string]uint64)
	}

	prev, ok := t.lastSeen[sender]
	if ok && counter <= prev {
		return &RejectedError{Sender: sender, Counter: counter, LastSeen: prev}
	}

	t.lastSeen[sender] = counter
	return nil
}

// LastSeen returns the highest counter recorded for sender and whether any
// counter has been recorded at all.
func (t *Table) LastSeen(sender string) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.lastSeen[sender]
	return v, ok
}

// Forget removes all state for sender, used when a device leaves a room.
func (t *Table) Forget(sender string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.lastSeen, sender)
}
