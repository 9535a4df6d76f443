package relaycore

import (
	"golang.org/x/time/rate"

	"github.com/cliprelay/cliprelay/internal/wire"
)

// deviceConn is the relay's bookkeeping for one open WebSocket: its peer
// identity, its outbound mailbox, and its per-connection rate bucket. The
// room map holds the only strong reference; the socket-reader goroutine
// refers back to it only by device id (spec §3 Entities: Connection).
type deviceConn struct {
	peer    wire.PeerInfo
	mailbox *mailbox
	limiter *rate.Limiter
}

func newDeviceConn(peer wire.PeerInfo, capacity, perSecond int) *deviceConn {
	return &deviceConn{
		peer:    peer,
		mailbox: newMailbox(),
		limiter: rate.NewLimiter(rate.Limit(perSecond), capacity),
	}
}
