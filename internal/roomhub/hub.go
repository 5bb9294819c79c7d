// Package roomhub tracks which live connections belong to which room and
// fans inbound frames out to the other members.
//
// The hub never parses payloads; frames are relayed verbatim. All membership
// mutations and relays are linearized under one lock, which is the
// serialization boundary the rest of the relay depends on.
package roomhub

import (
	"sync"

	"github.com/secure-chat/pairing-relay/internal/metrics"
)

// Conn is the transport surface the hub needs from a connection.
//
// Deliver must not block: implementations queue the frame and report false
// when the connection can no longer accept frames (closed socket, full
// queue). The hub skips such members silently; there is no buffering or
// replay.
type Conn interface {
	Deliver(frame []byte) bool
}

// Hub is the room membership map. The zero value is not usable; construct
// with New.
type Hub struct {
	metrics *metrics.Metrics

	mu    sync.Mutex
	rooms map[string]map[Conn]struct{}
}

func New(m *metrics.Metrics) *Hub {
	return &Hub{
		metrics: m,
		rooms:   make(map[string]map[Conn]struct{}),
	}
}

// Join attaches conn to roomID, creating the room if absent.
//
// The hub is N-ary on purpose: the 2-party expectation of the pairing flow
// is a client convention, not enforced here.
func (h *Hub) Join(roomID string, conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.rooms[roomID]
	if !ok {
		members = make(map[Conn]struct{})
		h.rooms[roomID] = members
		h.metrics.Inc(metrics.RoomCreated)
	}
	members[conn] = struct{}{}
}

// Leave detaches conn from roomID. The room is deleted as soon as its last
// member leaves; a later Join of the same id starts from an empty set.
func (h *Hub) Leave(roomID string, conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.rooms[roomID]
	if !ok {
		return
	}
	delete(members, conn)
	if len(members) == 0 {
		delete(h.rooms, roomID)
		h.metrics.Inc(metrics.RoomDeleted)
	}
}

// Relay forwards frame unmodified to every member of roomID except sender.
//
// Delivery is best-effort: members whose transport cannot accept the frame
// are skipped. Relaying to a room that does not exist is a no-op.
func (h *Hub) Relay(roomID string, sender Conn, frame []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for member := range h.rooms[roomID] {
		if member == sender {
			continue
		}
		if member.Deliver(frame) {
			h.metrics.Inc(metrics.RelayForwards)
		} else {
			h.metrics.Inc(metrics.RelayDropped)
		}
	}
}

// MemberCount reports the current size of roomID (0 if the room does not
// exist).
func (h *Hub) MemberCount(roomID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[roomID])
}
