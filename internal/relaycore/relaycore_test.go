package relaycore

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"nhooyr.io/websocket"

	"github.com/cliprelay/cliprelay/internal/logging"
	"github.com/cliprelay/cliprelay/internal/metrics"
	"github.com/cliprelay/cliprelay/internal/roomcrypto"
	"github.com/cliprelay/cliprelay/internal/wire"
)

// wsReadResult is one message (or terminal error) read from a connection's
// background reader goroutine.
type wsReadResult struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// connReaders funnels every read of a given *websocket.Conn through a single
// long-lived background goroutine, so helpers below can apply their own
// wait-with-timeout semantics without ever cancelling the context passed to
// conn.Read itself — nhooyr.io/websocket tears down the whole connection
// when that context is cancelled, which would break later reads/writes on
// the same conn.
var connReaders = struct {
	mu sync.Mutex
	m  map[*websocket.Conn]chan wsReadResult
}{m: map[*websocket.Conn]chan wsReadResult{}}

func readChan(conn *websocket.Conn) chan wsReadResult {
	connReaders.mu.Lock()
	defer connReaders.mu.Unlock()
	if ch, ok := connReaders.m[conn]; ok {
		return ch
	}
	ch := make(chan wsReadResult, 16)
	connReaders.m[conn] = ch
	go func() {
		for {
			typ, data, err := conn.Read(context.Background())
			ch <- wsReadResult{typ: typ, data: data, err: err}
			if err != nil {
				return
			}
		}
	}()
	return ch
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	core := NewServer(logging.NopLogger(), metrics.NewMetricsWithRegistry(prometheus.NewRegistry()), DefaultOptions())
	srv := httptest.NewServer(core.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + "/ws"
}

func dialAndHello(t *testing.T, ctx context.Context, url, roomID, deviceID, deviceName string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	hello, err := wire.Encode(wire.Message{
		Type: wire.MessageTypeControl,
		Control: &wire.ControlMessage{
			Kind: wire.ControlHello,
			Hello: &wire.Hello{
				RoomID: roomID,
				Peer:   wire.PeerInfo{DeviceID: deviceID, DeviceName: deviceName},
			},
		},
	})
	if err != nil {
		t.Fatalf("encode hello: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageBinary, hello); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	return conn
}

func encryptedFrame(t *testing.T, sender string, counter uint64, ciphertext []byte) []byte {
	t.Helper()
	frame, err := wire.Encode(wire.Message{
		Type: wire.MessageTypeEncrypted,
		Encrypted: &roomcrypto.EncryptedPayload{
			SenderDeviceID: sender,
			Counter:        counter,
			Ciphertext:     ciphertext,
		},
	})
	if err != nil {
		t.Fatalf("encode encrypted frame: %v", err)
	}
	return frame
}

func expectEncrypted(t *testing.T, ctx context.Context, conn *websocket.Conn, wantSender string, wantCounter uint64) {
	t.Helper()
	ch := readChan(conn)
	timeout := time.After(2 * time.Second)

	for {
		select {
		case res := <-ch:
			if res.err != nil {
				t.Fatalf("read: %v", res.err)
			}
			if res.typ != websocket.MessageBinary {
				continue
			}
			msg, err := wire.Decode(res.data)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if msg.Type == wire.MessageTypeControl {
				continue // still draining join-broadcast noise
			}
			if msg.Encrypted == nil || msg.Encrypted.SenderDeviceID != wantSender || msg.Encrypted.Counter != wantCounter {
				t.Fatalf("unexpected envelope: %+v", msg.Encrypted)
			}
			return
		case <-timeout:
			t.Fatal("read: timed out waiting for encrypted frame")
		}
	}
}

// drainUntilQuiet reads and discards messages from conn until no new
// message arrives within quiet, used to skip past an unpredictable number
// of join-broadcast controls before asserting on real traffic.
func drainUntilQuiet(t *testing.T, conn *websocket.Conn, quiet time.Duration) {
	t.Helper()
	ch := readChan(conn)
	for {
		select {
		case res := <-ch:
			if res.err != nil {
				return
			}
		case <-time.After(quiet):
			return
		}
	}
}

func expectNothingWithin(t *testing.T, conn *websocket.Conn, d time.Duration) {
	t.Helper()
	ch := readChan(conn)
	select {
	case res := <-ch:
		if res.err == nil {
			t.Fatal("expected no message within deadline, got one")
		}
	case <-time.After(d):
	}
}

// S1: fan-out excludes sender.
func TestFanOutExcludesSender(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	a := dialAndHello(t, ctx, wsURL(srv.URL), "room-a", "dev-a", "Device A")
	defer a.Close(websocket.StatusNormalClosure, "")
	b := dialAndHello(t, ctx, wsURL(srv.URL), "room-a", "dev-b", "Device B")
	defer b.Close(websocket.StatusNormalClosure, "")

	drainUntilQuiet(t, a, 300*time.Millisecond)
	drainUntilQuiet(t, b, 300*time.Millisecond)

	frame := encryptedFrame(t, "dev-a", 1, []byte{9, 8, 7, 6, 5})
	if err := a.Write(ctx, websocket.MessageBinary, frame); err != nil {
		t.Fatalf("write: %v", err)
	}

	expectEncrypted(t, ctx, b, "dev-a", 1)
	expectNothingWithin(t, a, 400*time.Millisecond)
}

// S2: oversized frame is dropped, sender stays connected.
func TestOversizedFrameDropped(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	a := dialAndHello(t, ctx, wsURL(srv.URL), "room-b", "dev-a", "A")
	defer a.Close(websocket.StatusNormalClosure, "")
	b := dialAndHello(t, ctx, wsURL(srv.URL), "room-b", "dev-b", "B")
	defer b.Close(websocket.StatusNormalClosure, "")

	drainUntilQuiet(t, a, 300*time.Millisecond)
	drainUntilQuiet(t, b, 300*time.Millisecond)

	oversized := make([]byte, MaxRelayMessageBytes+1)
	if err := a.Write(ctx, websocket.MessageBinary, oversized); err != nil {
		t.Fatalf("write oversized: %v", err)
	}

	expectNothingWithin(t, b, 400*time.Millisecond)

	// sender remains connected: a subsequent well-formed frame still works.
	good := encryptedFrame(t, "dev-a", 1, []byte{1, 2, 3})
	if err := a.Write(ctx, websocket.MessageBinary, good); err != nil {
		t.Fatalf("write good frame after oversized drop: %v", err)
	}
	expectEncrypted(t, ctx, b, "dev-a", 1)
}

// S3: bad first frame (not a Hello) closes the connection.
func TestBadHelloEviction(t *testing.T) {
	srv := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv.URL), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	bad := encryptedFrame(t, "dev-spoofed", 1, []byte{1})
	if err := conn.Write(ctx, websocket.MessageBinary, bad); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, _, err := conn.Read(ctx); err == nil {
		t.Fatal("expected connection to be closed after bad Hello")
	}
}

// S4: identity mismatch is dropped.
func TestIdentityMismatchDrop(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	a := dialAndHello(t, ctx, wsURL(srv.URL), "room-c", "dev-a", "A")
	defer a.Close(websocket.StatusNormalClosure, "")
	b := dialAndHello(t, ctx, wsURL(srv.URL), "room-c", "dev-b", "B")
	defer b.Close(websocket.StatusNormalClosure, "")

	drainUntilQuiet(t, a, 300*time.Millisecond)
	drainUntilQuiet(t, b, 300*time.Millisecond)

	spoofed := encryptedFrame(t, "dev-spoofed", 1, []byte{1, 2})
	if err := a.Write(ctx, websocket.MessageBinary, spoofed); err != nil {
		t.Fatalf("write: %v", err)
	}

	expectNothingWithin(t, b, 500*time.Millisecond)
}

// S5: garbage frame is tolerated; subsequent well-formed frame still forwards.
func TestGarbageFrameTolerance(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	a := dialAndHello(t, ctx, wsURL(srv.URL), "room-d", "dev-a", "A")
	defer a.Close(websocket.StatusNormalClosure, "")
	b := dialAndHello(t, ctx, wsURL(srv.URL), "room-d", "dev-b", "B")
	defer b.Close(websocket.StatusNormalClosure, "")

	drainUntilQuiet(t, a, 300*time.Millisecond)
	drainUntilQuiet(t, b, 300*time.Millisecond)

	if err := a.Write(ctx, websocket.MessageBinary, []byte{0xFF, 0x00, 0xAB, 0xCD}); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	expectNothingWithin(t, b, 500*time.Millisecond)

	good := encryptedFrame(t, "dev-a", 1, []byte{7})
	if err := a.Write(ctx, websocket.MessageBinary, good); err != nil {
		t.Fatalf("write good frame: %v", err)
	}
	expectEncrypted(t, ctx, b, "dev-a", 1)
}

// A second control frame after the initial Hello is dropped — control
// frames are only ever synthesized by the relay (spec §4.4) — and the
// sender stays connected: a subsequent well-formed encrypted frame still
// forwards normally.
func TestControlAfterHelloDropped(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	a := dialAndHello(t, ctx, wsURL(srv.URL), "room-e", "dev-a", "A")
	defer a.Close(websocket.StatusNormalClosure, "")
	b := dialAndHello(t, ctx, wsURL(srv.URL), "room-e", "dev-b", "B")
	defer b.Close(websocket.StatusNormalClosure, "")

	drainUntilQuiet(t, a, 300*time.Millisecond)
	drainUntilQuiet(t, b, 300*time.Millisecond)

	secondHello, err := wire.Encode(wire.Message{
		Type: wire.MessageTypeControl,
		Control: &wire.ControlMessage{
			Kind: wire.ControlHello,
			Hello: &wire.Hello{
				RoomID: "room-e",
				Peer:   wire.PeerInfo{DeviceID: "dev-a", DeviceName: "A"},
			},
		},
	})
	if err != nil {
		t.Fatalf("encode second hello: %v", err)
	}
	if err := a.Write(ctx, websocket.MessageBinary, secondHello); err != nil {
		t.Fatalf("write second hello: %v", err)
	}

	expectNothingWithin(t, b, 500*time.Millisecond)

	// sender remains connected after the drop: a well-formed encrypted
	// frame sent right after still forwards normally.
	good := encryptedFrame(t, "dev-a", 1, []byte{4, 2})
	if err := a.Write(ctx, websocket.MessageBinary, good); err != nil {
		t.Fatalf("write good frame after dropped control: %v", err)
	}
	expectEncrypted(t, ctx, b, "dev-a", 1)
}

// S6: room capacity of 10 devices; the 11th is rejected and receives no
// traffic from the first member.
func TestRoomCapacity(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	var members []*websocket.Conn
	for i := 1; i <= 10; i++ {
		conn := dialAndHello(t, ctx, wsURL(srv.URL), "room-cap", fmt.Sprintf("dev-%d", i), fmt.Sprintf("Device %d", i))
		members = append(members, conn)
	}
	defer func() {
		for _, c := range members {
			c.Close(websocket.StatusNormalClosure, "")
		}
	}()

	overflowCtx, overflowCancel := context.WithTimeout(ctx, 2*time.Second)
	defer overflowCancel()
	overflow, _, err := websocket.Dial(overflowCtx, wsURL(srv.URL), nil)
	if err != nil {
		t.Fatalf("dial overflow: %v", err)
	}
	defer overflow.Close(websocket.StatusNormalClosure, "")

	overflowHello, err := wire.Encode(wire.Message{
		Type: wire.MessageTypeControl,
		Control: &wire.ControlMessage{
			Kind: wire.ControlHello,
			Hello: &wire.Hello{
				RoomID: "room-cap",
				Peer:   wire.PeerInfo{DeviceID: "dev-overflow", DeviceName: "Overflow"},
			},
		},
	})
	if err != nil {
		t.Fatalf("encode overflow hello: %v", err)
	}
	if err := overflow.Write(overflowCtx, websocket.MessageBinary, overflowHello); err != nil {
		t.Fatalf("write overflow hello: %v", err)
	}
	if _, _, err := overflow.Read(overflowCtx); err == nil {
		t.Fatal("expected the relay to close the overflow connection")
	}

	for _, conn := range members {
		drainUntilQuiet(t, conn, 300*time.Millisecond)
	}

	frame := encryptedFrame(t, "dev-1", 1, []byte{1, 1, 1})
	if err := members[0].Write(ctx, websocket.MessageBinary, frame); err != nil {
		t.Fatalf("write: %v", err)
	}
	for i := 1; i < 10; i++ {
		expectEncrypted(t, ctx, members[i], "dev-1", 1)
	}
}

// Room capacity rejection increments the RoomFullRejections counter.
func TestRoomFullMetric(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)
	core := NewServer(logging.NopLogger(), m, DefaultOptions())
	srv := httptest.NewServer(core.Handler())
	t.Cleanup(srv.Close)

	ctx := context.Background()
	var members []*websocket.Conn
	for i := 1; i <= 10; i++ {
		conn := dialAndHello(t, ctx, wsURL(srv.URL), "room-metric", fmt.Sprintf("dev-%d", i), "D")
		members = append(members, conn)
	}
	defer func() {
		for _, c := range members {
			c.Close(websocket.StatusNormalClosure, "")
		}
	}()

	overflowCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	overflow, _, err := websocket.Dial(overflowCtx, wsURL(srv.URL), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer overflow.Close(websocket.StatusNormalClosure, "")

	hello, _ := wire.Encode(wire.Message{
		Type: wire.MessageTypeControl,
		Control: &wire.ControlMessage{
			Kind:  wire.ControlHello,
			Hello: &wire.Hello{RoomID: "room-metric", Peer: wire.PeerInfo{DeviceID: "dev-over", DeviceName: "D"}},
		},
	})
	overflow.Write(overflowCtx, websocket.MessageBinary, hello)
	overflow.Read(overflowCtx)

	if got := testutil.ToFloat64(m.RoomFullRejections); got != 1 {
		t.Fatalf("RoomFullRejections = %v, want 1", got)
	}
}
