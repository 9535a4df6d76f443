package relaycore

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"github.com/cliprelay/cliprelay/internal/logging"
	"github.com/cliprelay/cliprelay/internal/recovery"
	"github.com/cliprelay/cliprelay/internal/wire"
)

// handleWS implements one WebSocket connection's full lifecycle (spec §4.4).
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	defer recovery.RecoverWithLog(s.logger, "relaycore.reader")

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(int64(s.opts.MaxMessageBytes) + wsReadLimitHeadroom)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	hello, ok := s.readHello(ctx, conn)
	if !ok {
		conn.Close(websocket.StatusPolicyViolation, "expected a valid Hello")
		return
	}

	dc, rm, accepted := s.registerConnection(hello)
	if !accepted {
		conn.Close(websocket.StatusPolicyViolation, "room is full")
		return
	}
	defer s.unregisterConnection(rm, hello.Peer.DeviceID)

	writerDone := make(chan struct{})
	go func() {
		defer recovery.RecoverWithLog(s.logger, "relaycore.writer")
		defer close(writerDone)
		s.writeLoop(ctx, conn, dc)
	}()

	s.readLoop(ctx, conn, rm, hello.Peer.DeviceID)

	cancel()
	dc.mailbox.Close()
	<-writerDone
}

// readHello waits for exactly one initial frame and requires it to be a
// well-formed Hello with non-empty room/device identifiers. No retries.
func (s *Server) readHello(ctx context.Context, conn *websocket.Conn) (*wire.Hello, bool) {
	msgType, data, err := conn.Read(ctx)
	if err != nil {
		return nil, false
	}
	if msgType != websocket.MessageBinary {
		return nil, false
	}

	msg, err := wire.Decode(data)
	if err != nil || msg.Type != wire.MessageTypeControl || msg.Control == nil {
		return nil, false
	}
	if msg.Control.Kind != wire.ControlHello || msg.Control.Hello == nil {
		return nil, false
	}

	hello := msg.Control.Hello
	if hello.RoomID == "" || hello.Peer.DeviceID == "" || hello.Peer.DeviceName == "" {
		return nil, false
	}
	return hello, true
}

// registerConnection admits the device into its room, replacing any prior
// connection for the same device id atomically, and broadcasts PeerJoined,
// PeerList, and SaltExchange to every member including the new one.
func (s *Server) registerConnection(hello *wire.Hello) (*deviceConn, *room, bool) {
	s.mu.Lock()

	rm, exists := s.rooms[hello.RoomID]
	if !exists {
		rm = newRoom(hello.RoomID)
		s.rooms[hello.RoomID] = rm
	}

	_, alreadyMember := rm.devices[hello.Peer.DeviceID]
	if !alreadyMember && len(rm.devices) >= s.opts.MaxDevicesPerRoom {
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.RecordRoomFull()
		}
		return nil, nil, false
	}

	dc := newDeviceConn(hello.Peer, s.opts.RateLimitCapacity, s.opts.RateLimitPerSecond)
	rm.devices[hello.Peer.DeviceID] = dc

	frames := s.joinBroadcastFramesLocked(rm, hello.Peer)
	rm.broadcastLocked(frames.peerJoined)
	rm.broadcastLocked(frames.peerList)
	rm.broadcastLocked(frames.saltExchange)

	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordJoin()
		s.metrics.SetRoomsActive(s.RoomCount())
	}
	s.logger.Info("device joined room",
		logging.KeyRoomID, hello.RoomID,
		logging.KeyDeviceID, hello.Peer.DeviceID,
	)

	return dc, rm, true
}

func (s *Server) unregisterConnection(rm *room, deviceID string) {
	s.mu.Lock()
	delete(rm.devices, deviceID)

	empty := len(rm.devices) == 0
	if !empty {
		frames := s.leaveBroadcastFramesLocked(rm, deviceID)
		rm.broadcastLocked(frames.peerLeft)
		rm.broadcastLocked(frames.peerList)
		rm.broadcastLocked(frames.saltExchange)
	} else {
		delete(s.rooms, rm.id)
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordLeave()
		s.metrics.SetRoomsActive(s.RoomCount())
	}
	s.logger.Info("device left room",
		logging.KeyRoomID, rm.id,
		logging.KeyDeviceID, deviceID,
	)
}

type joinFrames struct {
	peerJoined   []byte
	peerList     []byte
	saltExchange []byte
}

type leaveFrames struct {
	peerLeft     []byte
	peerList     []byte
	saltExchange []byte
}

// joinBroadcastFramesLocked pre-encodes the three join broadcasts while the
// rooms lock is held, so sends to sockets never happen under the lock
// (spec §5: "never held across network I/O except the fan-out enqueue,
// which is non-blocking into unbounded mailboxes").
func (s *Server) joinBroadcastFramesLocked(rm *room, joined wire.PeerInfo) joinFrames {
	peerJoined, _ := wire.Encode(wire.Message{
		Type: wire.MessageTypeControl,
		Control: &wire.ControlMessage{
			Kind:       wire.ControlPeerJoined,
			PeerJoined: &wire.PeerJoined{RoomID: rm.id, Peer: joined},
		},
	})
	peerList, _ := wire.Encode(wire.Message{
		Type: wire.MessageTypeControl,
		Control: &wire.ControlMessage{
			Kind:     wire.ControlPeerList,
			PeerList: &wire.PeerList{RoomID: rm.id, Peers: rm.peerListLocked()},
		},
	})
	saltExchange, _ := wire.Encode(wire.Message{
		Type: wire.MessageTypeControl,
		Control: &wire.ControlMessage{
			Kind:         wire.ControlSaltExchange,
			SaltExchange: &wire.SaltExchange{RoomID: rm.id, DeviceIDs: rm.sortedDeviceIDsLocked()},
		},
	})
	return joinFrames{peerJoined: peerJoined, peerList: peerList, saltExchange: saltExchange}
}

func (s *Server) leaveBroadcastFramesLocked(rm *room, leftDeviceID string) leaveFrames {
	peerLeft, _ := wire.Encode(wire.Message{
		Type: wire.MessageTypeControl,
		Control: &wire.ControlMessage{
			Kind:     wire.ControlPeerLeft,
			PeerLeft: &wire.PeerLeft{RoomID: rm.id, DeviceID: leftDeviceID},
		},
	})
	peerList, _ := wire.Encode(wire.Message{
		Type: wire.MessageTypeControl,
		Control: &wire.ControlMessage{
			Kind:     wire.ControlPeerList,
			PeerList: &wire.PeerList{RoomID: rm.id, Peers: rm.peerListLocked()},
		},
	})
	saltExchange, _ := wire.Encode(wire.Message{
		Type: wire.MessageTypeControl,
		Control: &wire.ControlMessage{
			Kind:         wire.ControlSaltExchange,
			SaltExchange: &wire.SaltExchange{RoomID: rm.id, DeviceIDs: rm.sortedDeviceIDsLocked()},
		},
	})
	return leaveFrames{peerLeft: peerLeft, peerList: peerList, saltExchange: saltExchange}
}

// readLoop implements the relay's receive-loop policy (spec §4.4) until the
// socket closes or an unrecoverable error occurs.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, rm *room, deviceID string) {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		switch msgType {
		case websocket.MessageText:
			continue
		case websocket.MessageBinary:
		default:
			continue
		}

		if len(data) > s.opts.MaxMessageBytes {
			s.drop("oversized")
			continue
		}

		msg, err := wire.Decode(data)
		if err != nil {
			s.drop("decode_error")
			continue
		}

		if msg.Type == wire.MessageTypeControl {
			s.drop("control_after_hello")
			continue
		}

		if msg.Encrypted == nil || msg.Encrypted.SenderDeviceID != deviceID {
			s.drop("sender_mismatch")
			continue
		}

		s.mu.RLock()
		dc, ok := rm.devices[deviceID]
		if !ok {
			s.mu.RUnlock()
			return
		}
		allowed := dc.limiter.Allow()
		if !allowed {
			s.mu.RUnlock()
			if s.metrics != nil {
				s.metrics.RecordRateLimitReject()
			}
			continue
		}
		rm.broadcastLocked(data, deviceID)
		s.mu.RUnlock()

		if s.metrics != nil {
			s.metrics.RecordForward("encrypted")
		}
	}
}

func (s *Server) drop(reason string) {
	if s.metrics != nil {
		s.metrics.RecordDrop(reason)
	}
	s.logger.Warn("dropped frame", logging.KeyReason, reason)
}

// writeLoop drains dc's mailbox and ticks a keepalive Ping every 30s.
func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, dc *deviceConn) {
	ticker := time.NewTicker(KeepaliveInterval)
	defer ticker.Stop()

	frames := make(chan []byte)
	go func() {
		defer recovery.RecoverWithLog(s.logger, "relaycore.mailbox-drain")
		defer close(frames)
		for {
			frame, ok := dc.mailbox.Pop()
			if !ok {
				return
			}
			select {
			case frames <- frame:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Ping(ctx); err != nil {
				return
			}
		case frame, ok := <-frames:
			if !ok {
				return
			}
			if err := conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
				return
			}
		}
	}
}
