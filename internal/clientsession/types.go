// Package clientsession implements the client's long-lived session driver
// (spec §4.5): connect-with-retry, the Hello handshake, and four cooperating
// tasks — send, receive, presence, command — torn down together the instant
// any one of them exits.
package clientsession

import (
	"log/slog"
	"time"

	"github.com/cliprelay/cliprelay/internal/filetransfer"
	"github.com/cliprelay/cliprelay/internal/replay"
	"github.com/cliprelay/cliprelay/internal/wire"
)

// Status mirrors the client connection state machine (spec §4.7).
type Status string

const (
	StatusStarting     Status = "Starting"
	StatusConnecting   Status = "Connecting"
	StatusConnected    Status = "Connected"
	StatusReconnecting Status = "Reconnecting…"
)

// Handler receives every event the session surfaces to the application.
// Implementations must not block; slow handling delays the task that raised
// the event.
type Handler interface {
	OnStatusChange(status Status)
	OnRoomKeyReady(ready bool)
	OnPeers(peers []wire.PeerInfo)
	OnIncomingText(text, mime string)
	OnIncomingFile(path string, sizeBytes int64)
	OnRuntimeError(message string)
	// OnSendRejected reports a configuration error on a user-originated
	// command (empty text, oversized payload, no room key yet) — not a
	// session-ending condition.
	OnSendRejected(reason string)
}

// Options configures one Session.
type Options struct {
	ServerURL  string
	RoomCode   string
	DeviceID   string
	DeviceName string

	// ConfigDir holds config.json, read for the starting counter and
	// rewritten after every successful send.
	ConfigDir string
	// DataDir holds reassembled incoming files.
	DataDir string

	Logger *slog.Logger
	// Handler is required; Session calls it synchronously from its tasks.
	Handler Handler
}

// CommandKind names a user-originated command accepted by the session.
type CommandKind int

const (
	CommandSetAutoApply CommandKind = iota
	CommandMarkApplied
	CommandSendText
	CommandSendFile
)

// Command is a single user action routed to the command task.
type Command struct {
	Kind CommandKind

	AutoApply bool   // CommandSetAutoApply
	Text      string // CommandMarkApplied (applied text), CommandSendText
	FilePath  string // CommandSendFile
	FileData  []byte // CommandSendFile: raw bytes, already read off the blocking pool
	FileName  string // CommandSendFile
}

const (
	connectTimeout    = 12 * time.Second
	reconnectGap      = 5 * time.Second
	keepaliveInterval = 30 * time.Second
)

var connectBackoffSteps = []time.Duration{200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond}

func nowUnixMs(t time.Time) uint64 {
	return uint64(t.UnixNano() / int64(time.Millisecond))
}

// newReplayTable and newInflightTable exist only so Session's zero-value
// construction stays in one place. Both tables are created once per Session
// and are kept across reconnects.
func newReplayTable() *replay.Table         { return replay.NewTable() }
func newInflightTable() *filetransfer.Table { return filetransfer.NewTable() }
