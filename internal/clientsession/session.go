package clientsession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/cliprelay/cliprelay/internal/config"
	"github.com/cliprelay/cliprelay/internal/filetransfer"
	"github.com/cliprelay/cliprelay/internal/logging"
	"github.com/cliprelay/cliprelay/internal/recovery"
	"github.com/cliprelay/cliprelay/internal/replay"
	"github.com/cliprelay/cliprelay/internal/roomcrypto"
	"github.com/cliprelay/cliprelay/internal/wire"
)

// roomState is the presence task's view of the room, read by the receive and
// command tasks under its own lock (spec §5: "room-key slot ... behind its
// own lock; locks are never held across await points").
type roomState struct {
	mu    sync.Mutex
	key   [roomcrypto.KeySize]byte
	ready bool
	peers map[string]wire.PeerInfo
}

func newRoomState() *roomState {
	return &roomState{peers: make(map[string]wire.PeerInfo)}
}

func (r *roomState) snapshotKey() (key [roomcrypto.KeySize]byte, ready bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.key, r.ready
}

func (r *roomState) setKey(key [roomcrypto.KeySize]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.key = key
	r.ready = true
}

func (r *roomState) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.key = [roomcrypto.KeySize]byte{}
	r.ready = false
	r.peers = make(map[string]wire.PeerInfo)
}

func (r *roomState) setPeers(peers []wire.PeerInfo) []wire.PeerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers = make(map[string]wire.PeerInfo, len(peers))
	for _, p := range peers {
		r.peers[p.DeviceID] = p
	}
	return peers
}

func (r *roomState) upsertPeer(p wire.PeerInfo) []wire.PeerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[p.DeviceID] = p
	return sortedPeerList(r.peers)
}

func (r *roomState) removePeer(deviceID string) []wire.PeerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, deviceID)
	return sortedPeerList(r.peers)
}

func sortedPeerList(peers map[string]wire.PeerInfo) []wire.PeerInfo {
	out := make([]wire.PeerInfo, 0, len(peers))
	for _, p := range peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Session is one client's long-lived, reconnect-forever session driver
// (spec §4.5). Construct with New and run with Run; send user actions
// through Commands().
type Session struct {
	opts    Options
	logger  *slog.Logger
	handler Handler
	roomID  string

	commands chan Command

	replayTable *replay.Table
	inflight    *filetransfer.Table

	counterMu sync.Mutex
	counter   uint64

	lastAppliedMu   sync.Mutex
	lastAppliedHash [32]byte
	hasLastApplied  bool

	autoApplyMu sync.Mutex
	autoApply   bool

	room *roomState
}

// New constructs a Session. It loads the starting counter from the client
// config in opts.ConfigDir; a missing or unreadable config starts the
// counter at 0 (spec §4.3: a fresh install has never sent a frame).
func New(opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	var startCounter uint64
	if cfg, err := config.LoadClientConfig(opts.ConfigDir); err == nil {
		startCounter = cfg.LastCounter
	}

	return &Session{
		opts:        opts,
		logger:      logger,
		handler:     opts.Handler,
		roomID:      roomcrypto.RoomIDFromCode(opts.RoomCode),
		commands:    make(chan Command, 16),
		replayTable: newReplayTable(),
		inflight:    newInflightTable(),
		counter:     startCounter,
		room:        newRoomState(),
	}
}

// Commands returns the channel user actions are sent on.
func (s *Session) Commands() chan<- Command {
	return s.commands
}

// Run drives the reconnect-forever outer loop (spec §4.5) until ctx is
// cancelled.
func (s *Session) Run(ctx context.Context) {
	s.handler.OnStatusChange(StatusStarting)
	for {
		if ctx.Err() != nil {
			return
		}

		err := s.runOneConnection(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.logger.Warn("session ended", logging.KeyReason, err.Error())
		}

		s.handler.OnStatusChange(StatusReconnecting)
		select {
		case <-time.After(reconnectGap):
		case <-ctx.Done():
			return
		}
	}
}

// runOneConnection resolves the server URL, dials with retry, performs the
// Hello handshake, and runs the four session tasks until the first one
// exits.
func (s *Session) runOneConnection(ctx context.Context) error {
	serverURL, err := url.Parse(s.opts.ServerURL)
	if err != nil || (serverURL.Scheme != "ws" && serverURL.Scheme != "wss") {
		err := fmt.Errorf("clientsession: invalid server url %q", s.opts.ServerURL)
		s.handler.OnRuntimeError(err.Error())
		return err
	}

	s.handler.OnStatusChange(StatusConnecting)
	conn, err := s.dialWithRetry(ctx)
	if err != nil {
		s.handler.OnRuntimeError(err.Error())
		return err
	}

	helloFrame, err := wire.Encode(wire.Message{
		Type: wire.MessageTypeControl,
		Control: &wire.ControlMessage{
			Kind: wire.ControlHello,
			Hello: &wire.Hello{
				RoomID: s.roomID,
				Peer: wire.PeerInfo{
					DeviceID:   s.opts.DeviceID,
					DeviceName: s.opts.DeviceName,
				},
			},
		},
	})
	if err != nil {
		conn.Close(websocket.StatusInternalError, "encode hello failed")
		return err
	}
	if err := conn.Write(ctx, websocket.MessageBinary, helloFrame); err != nil {
		conn.Close(websocket.StatusInternalError, "write hello failed")
		return err
	}

	s.handler.OnStatusChange(StatusConnected)
	err = s.runTasks(ctx, conn)

	s.room.clear()
	s.handler.OnRoomKeyReady(false)
	conn.Close(websocket.StatusNormalClosure, "session ended")
	return err
}

// dialWithRetry attempts to connect once, retrying up to len(connectBackoffSteps)
// additional times with the fixed backoff schedule from spec §4.5.
func (s *Session) dialWithRetry(ctx context.Context) (*websocket.Conn, error) {
	var lastErr error
	attempts := append([]time.Duration{0}, connectBackoffSteps...)

	for i, wait := range attempts {
		if i > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		conn, _, err := websocket.Dial(dialCtx, s.opts.ServerURL, nil)
		cancel()
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}

	return nil, fmt.Errorf("clientsession: connect failed after retries: %w", lastErr)
}

// runTasks spawns the four cooperating session tasks and waits for the
// first to exit (spec §4.5: "first-exit wins selector").
func (s *Session) runTasks(ctx context.Context, conn *websocket.Conn) error {
	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	outbound := make(chan []byte, 32)
	controls := make(chan *wire.ControlMessage, 32)
	errCh := make(chan error, 4)

	// A panicking task must still unblock the first-exit-wins select below,
	// so its recovery callback reports a synthetic error rather than leaving
	// the other three tasks running against a dead fourth.
	panicErr := func(name string) func(interface{}) {
		return func(r interface{}) { errCh <- fmt.Errorf("clientsession: %s panicked: %v", name, r) }
	}

	var wg sync.WaitGroup
	wg.Add(4)
	go func() {
		defer wg.Done()
		defer recovery.RecoverWithCallback(s.logger, "clientsession.send", panicErr("send"))
		errCh <- s.sendTask(taskCtx, conn, outbound)
	}()
	go func() {
		defer wg.Done()
		defer recovery.RecoverWithCallback(s.logger, "clientsession.receive", panicErr("receive"))
		errCh <- s.receiveTask(taskCtx, conn, controls)
	}()
	go func() {
		defer wg.Done()
		defer recovery.RecoverWithCallback(s.logger, "clientsession.presence", panicErr("presence"))
		errCh <- s.presenceTask(taskCtx, controls)
	}()
	go func() {
		defer wg.Done()
		defer recovery.RecoverWithCallback(s.logger, "clientsession.command", panicErr("command"))
		errCh <- s.commandTask(taskCtx, outbound)
	}()

	firstErr := <-errCh
	cancel()
	wg.Wait()

	if firstErr != nil && errors.Is(firstErr, context.Canceled) {
		return nil
	}
	return firstErr
}
