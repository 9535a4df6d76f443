package clientsession

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"nhooyr.io/websocket"

	"github.com/cliprelay/cliprelay/internal/config"
	"github.com/cliprelay/cliprelay/internal/filetransfer"
	"github.com/cliprelay/cliprelay/internal/logging"
	"github.com/cliprelay/cliprelay/internal/roomcrypto"
	"github.com/cliprelay/cliprelay/internal/wire"
)

// sendTask drains outbound and ticks a 30s keepalive Ping (spec §4.5).
func (s *Session) sendTask(ctx context.Context, conn *websocket.Conn, outbound <-chan []byte) error {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := conn.Ping(ctx); err != nil {
				return err
			}
		case frame := <-outbound:
			if err := conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
				return err
			}
		}
	}
}

// receiveTask parses binary frames, routes controls to the presence task,
// and runs encrypted payloads through the replay guard, decryption, and
// dispatch to the application (spec §4.5).
func (s *Session) receiveTask(ctx context.Context, conn *websocket.Conn, controls chan<- *wire.ControlMessage) error {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if msgType != websocket.MessageBinary {
			continue
		}

		msg, err := wire.Decode(data)
		if err != nil {
			s.logger.Warn("dropping undecodable frame", logging.KeyReason, err.Error())
			continue
		}

		switch msg.Type {
		case wire.MessageTypeControl:
			select {
			case controls <- msg.Control:
			case <-ctx.Done():
				return ctx.Err()
			}
		case wire.MessageTypeEncrypted:
			s.handleEncrypted(msg.Encrypted)
		}
	}
}

// handleEncrypted validates, decrypts, and dispatches one incoming encrypted
// payload. Every failure drops the frame; replay and decryption failures are
// logged, and a frame that arrives before the room key is ready is dropped
// silently. None are session-ending (spec §7: crypto and replay errors never
// terminate the session).
func (s *Session) handleEncrypted(payload *roomcrypto.EncryptedPayload) {
	if err := s.replayTable.Validate(payload.SenderDeviceID, payload.Counter); err != nil {
		s.logger.Warn("dropping replayed frame",
			logging.KeyDeviceID, payload.SenderDeviceID,
			logging.KeyCounter, payload.Counter,
		)
		return
	}

	key, ready := s.room.snapshotKey()
	if !ready {
		return
	}

	event, err := roomcrypto.DecryptClipboardEvent(key, *payload)
	if err != nil {
		s.logger.Warn("dropping undecryptable frame", logging.KeyDeviceID, payload.SenderDeviceID)
		return
	}

	if event.MIME == roomcrypto.MIMEFileChunk {
		s.handleIncomingChunk(event)
		return
	}

	s.handleIncomingText(event)
}

func (s *Session) handleIncomingText(event roomcrypto.ClipboardEventPlaintext) {
	hash := sha256.Sum256([]byte(event.TextUTF8))

	s.lastAppliedMu.Lock()
	suppress := s.hasLastApplied && s.lastAppliedHash == hash
	s.lastAppliedMu.Unlock()
	if suppress {
		return
	}

	s.handler.OnIncomingText(event.TextUTF8, event.MIME)
}

func (s *Session) handleIncomingChunk(event roomcrypto.ClipboardEventPlaintext) {
	chunk, err := filetransfer.DecodeChunk(event.TextUTF8)
	if err != nil {
		s.logger.Warn("dropping malformed file chunk", logging.KeyDeviceID, event.SenderDeviceID)
		return
	}

	completed, ok := s.inflight.Admit(event.SenderDeviceID, chunk, nowUnixMs(time.Now()))
	if !ok {
		return
	}
	if completed == nil {
		return
	}

	path, err := s.writeIncomingFile(completed.FileName, completed.Data)
	if err != nil {
		s.logger.Warn("failed to write incoming file", logging.KeyReason, err.Error())
		return
	}

	s.handler.OnIncomingFile(path, int64(len(completed.Data)))
}

func (s *Session) writeIncomingFile(fileName string, data []byte) (string, error) {
	if err := os.MkdirAll(s.opts.DataDir, 0o700); err != nil {
		return "", fmt.Errorf("clientsession: create data dir: %w", err)
	}
	path := filepath.Join(s.opts.DataDir, fmt.Sprintf("%d-%s", time.Now().UnixNano(), fileName))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("clientsession: write incoming file: %w", err)
	}
	return path, nil
}

// presenceTask maintains the local peer map and room key (spec §4.5).
func (s *Session) presenceTask(ctx context.Context, controls <-chan *wire.ControlMessage) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ctl := <-controls:
			s.applyControl(ctl)
		}
	}
}

func (s *Session) applyControl(ctl *wire.ControlMessage) {
	switch ctl.Kind {
	case wire.ControlPeerList:
		s.handler.OnPeers(s.room.setPeers(ctl.PeerList.Peers))
	case wire.ControlPeerJoined:
		s.handler.OnPeers(s.room.upsertPeer(ctl.PeerJoined.Peer))
	case wire.ControlPeerLeft:
		s.replayTable.Forget(ctl.PeerLeft.DeviceID)
		s.handler.OnPeers(s.room.removePeer(ctl.PeerLeft.DeviceID))
	case wire.ControlSaltExchange:
		key, err := roomcrypto.DeriveRoomKey(s.opts.RoomCode, ctl.SaltExchange.DeviceIDs)
		if err != nil {
			s.logger.Warn("room key derivation failed", logging.KeyReason, err.Error())
			return
		}
		s.room.setKey(key)
		s.handler.OnRoomKeyReady(true)
	case wire.ControlError:
		s.handler.OnRuntimeError(ctl.Error.Message)
	}
}

// commandTask consumes user commands: auto-apply toggles, applied-text
// markers, and outgoing sends (spec §4.5).
func (s *Session) commandTask(ctx context.Context, outbound chan<- []byte) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-s.commands:
			s.applyCommand(ctx, cmd, outbound)
		}
	}
}

func (s *Session) applyCommand(ctx context.Context, cmd Command, outbound chan<- []byte) {
	switch cmd.Kind {
	case CommandSetAutoApply:
		s.autoApplyMu.Lock()
		s.autoApply = cmd.AutoApply
		s.autoApplyMu.Unlock()
	case CommandMarkApplied:
		hash := sha256.Sum256([]byte(cmd.Text))
		s.lastAppliedMu.Lock()
		s.lastAppliedHash = hash
		s.hasLastApplied = true
		s.lastAppliedMu.Unlock()
	case CommandSendText:
		s.sendText(ctx, cmd.Text, outbound)
	case CommandSendFile:
		s.sendFile(ctx, cmd, outbound)
	}
}

// sendText implements the send-text command contract (spec §4.5).
func (s *Session) sendText(ctx context.Context, text string, outbound chan<- []byte) {
	trimmed := text
	for len(trimmed) > 0 && (trimmed[0] == ' ' || trimmed[0] == '\t' || trimmed[0] == '\n' || trimmed[0] == '\r') {
		trimmed = trimmed[1:]
	}
	if trimmed == "" {
		s.handler.OnSendRejected("text is empty")
		return
	}
	if len(text) > roomcrypto.MaxClipboardTextBytes {
		s.handler.OnSendRejected("text exceeds 256 KiB")
		return
	}
	if _, ready := s.room.snapshotKey(); !ready {
		s.handler.OnSendRejected("room key not ready")
		return
	}

	if err := s.encryptAndEnqueue(ctx, roomcrypto.MIMETextPlain, text, outbound); err != nil {
		s.handler.OnSendRejected(err.Error())
	}
}

// sendFile implements the send-file command contract (spec §4.6): chunk,
// then push each chunk through the ordinary encrypt-and-enqueue path.
func (s *Session) sendFile(ctx context.Context, cmd Command, outbound chan<- []byte) {
	if _, ready := s.room.snapshotKey(); !ready {
		s.handler.OnSendRejected("room key not ready")
		return
	}

	fileName := cmd.FileName
	if fileName == "" {
		fileName = filepath.Base(cmd.FilePath)
	}
	fileName = filetransfer.SanitizeFilename(fileName)

	transferID := filetransfer.NewTransferID(s.opts.DeviceID, nowUnixMs(time.Now()), fileName)
	chunks, err := filetransfer.ChunkFile(transferID, fileName, cmd.FileData, roomcrypto.MaxClipboardTextBytes)
	if err != nil {
		s.handler.OnSendRejected(err.Error())
		return
	}

	for _, chunk := range chunks {
		encoded, err := json.Marshal(chunk)
		if err != nil {
			s.handler.OnSendRejected(err.Error())
			return
		}
		if err := s.encryptAndEnqueue(ctx, roomcrypto.MIMEFileChunk, string(encoded), outbound); err != nil {
			s.handler.OnSendRejected(err.Error())
			return
		}
	}
}

// encryptAndEnqueue allocates the next counter, builds and encrypts one
// clipboard event, enqueues its frame to the send task, and persists the new
// counter only after the enqueue succeeds (spec §4.3, §4.5).
func (s *Session) encryptAndEnqueue(ctx context.Context, mime, text string, outbound chan<- []byte) error {
	key, ready := s.room.snapshotKey()
	if !ready {
		return fmt.Errorf("clientsession: room key not ready")
	}

	s.counterMu.Lock()
	counter := s.counter + 1
	s.counterMu.Unlock()

	event := roomcrypto.ClipboardEventPlaintext{
		SenderDeviceID:  s.opts.DeviceID,
		Counter:         counter,
		TimestampUnixMs: nowUnixMs(time.Now()),
		MIME:            mime,
		TextUTF8:        text,
	}

	payload, err := roomcrypto.EncryptClipboardEvent(key, event)
	if err != nil {
		return fmt.Errorf("clientsession: encrypt: %w", err)
	}

	frame, err := wire.Encode(wire.Message{Type: wire.MessageTypeEncrypted, Encrypted: &payload})
	if err != nil {
		return fmt.Errorf("clientsession: encode: %w", err)
	}

	select {
	case outbound <- frame:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.counterMu.Lock()
	s.counter = counter
	s.counterMu.Unlock()

	if err := config.PersistCounter(s.opts.ConfigDir, counter); err != nil {
		s.logger.Warn("failed to persist counter", logging.KeyReason, err.Error())
	}
	return nil
}
