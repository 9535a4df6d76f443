package relaycore

import (
	"sort"

	"github.com/cliprelay/cliprelay/internal/wire"
)

// room is the relay-side registry of devices currently present for one room
// id. Cardinality is capped at Options.MaxDevicesPerRoom (spec §3, §4.4).
type room struct {
	id      string
	devices map[string]*deviceConn
}

func newRoom(id string) *room {
	return &room{id: id, devices: make(map[string]*deviceConn)}
}

// deviceIDsLocked returns the room's device ids. Callers must hold the
// server's rooms lock.
func (r *room) deviceIDsLocked() []string {
	ids := make([]string, 0, len(r.devices))
	for id := range r.devices {
		ids = append(ids, id)
	}
	return ids
}

// sortedDeviceIDsLocked returns device ids sorted ascending, used for the
// SaltExchange control payload (spec §4.4; wire order does not need to
// match the key-derivation order, but sorting here keeps the wire and
// derivation views identical and avoids depending on Go map iteration order
// being stable, which it is not).
func (r *room) sortedDeviceIDsLocked() []string {
	ids := r.deviceIDsLocked()
	sort.Strings(ids)
	return ids
}

func (r *room) peerListLocked() []wire.PeerInfo {
	ids := r.sortedDeviceIDsLocked()
	peers := make([]wire.PeerInfo, 0, len(ids))
	for _, id := range ids {
		peers = append(peers, r.devices[id].peer)
	}
	return peers
}

// broadcastLocked enqueues frame on every member's mailbox except the device
// ids in exclude. Callers must hold at least a read lock on the server's
// rooms map (enqueue itself never blocks on network I/O).
func (r *room) broadcastLocked(frame []byte, exclude ...string) {
	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}
	for id, dc := range r.devices {
		if skip[id] {
			continue
		}
		dc.mailbox.Push(frame)
	}
}
