package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"collab-engine/backend/internal/bus"
	"collab-engine/backend/internal/collab"
)

type room struct {
	conns map[*Conn]struct{}
	sub   bus.Subscription
}

// Hub tracks the local connections of every room and relays room events
// through the bus so members on other processes get them too.
type Hub struct {
	bus    bus.Bus
	logger *slog.Logger

	mu    sync.RWMutex
	rooms map[string]*room
}

var _ collab.Broadcaster = (*Hub)(nil)

func NewHub(b bus.Bus, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{bus: b, logger: logger, rooms: make(map[string]*room)}
}

// Join adds c to the room and subscribes to the room channel if this process
// is not subscribed yet. When the bus is unreachable c is still registered;
// the room then only sees events raised on this process and the subscription
// is retried by the next Join.
func (h *Hub) Join(ctx context.Context, roomID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.rooms[roomID]
	if r == nil {
		// one map per room of connections, not users: a user may have several tabs
		r = &room{conns: make(map[*Conn]struct{})}
		h.rooms[roomID] = r
	}
	if r.sub == nil {
		sub, err := h.bus.Subscribe(ctx, bus.RoomChannel(roomID), func(payload []byte) {
			h.deliver(roomID, payload)
		})
		if err != nil {
			h.logger.Warn("hub_subscribe_failed", "room", roomID, "err", err)
		} else {
			r.sub = sub
		}
	}
	r.conns[c] = struct{}{}
}

// Leave removes c; the last connection out drops the subscription.
func (h *Hub) Leave(roomID string, c *Conn) {
	h.mu.Lock()
	r, ok := h.rooms[roomID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(r.conns, c)
	var sub bus.Subscription
	if len(r.conns) == 0 {
		delete(h.rooms, roomID)
		sub = r.sub
	}
	h.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			h.logger.Warn("hub_unsubscribe_failed", "room", roomID, "err", err)
		}
	}
}

// LeaveAll removes c from every room it is still in.
func (h *Hub) LeaveAll(c *Conn) {
	h.mu.RLock()
	var ids []string
	for id, r := range h.rooms {
		if _, ok := r.conns[c]; ok {
			ids = append(ids, id)
		}
	}
	h.mu.RUnlock()
	for _, id := range ids {
		h.Leave(id, c)
	}
}

// Contains reports whether c is in the room.
func (h *Hub) Contains(roomID string, c *Conn) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r := h.rooms[roomID]
	if r == nil {
		return false
	}
	_, ok := r.conns[c]
	return ok
}

// HasUserConn reports whether userID has a local connection in the room
// other than except.
func (h *Hub) HasUserConn(roomID, userID string, except *Conn) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r := h.rooms[roomID]
	if r == nil {
		return false
	}
	for c := range r.conns {
		if c != except && c.actor.ID == userID {
			return true
		}
	}
	return false
}

// Rooms lists rooms with at least one local connection.
func (h *Hub) Rooms() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.rooms))
	for id := range h.rooms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Broadcast publishes ev on the room channel. Every process delivers it to
// its local connections except the origin. If the bus is unreachable, or this
// process holds no subscription for the room, local connections are served
// directly.
func (h *Hub) Broadcast(ctx context.Context, roomID string, ev collab.Event) error {
	payload, err := json.Marshal(envelope{Origin: ev.Origin, Event: ev})
	if err != nil {
		return err
	}
	if err := h.bus.Publish(ctx, bus.RoomChannel(roomID), payload); err != nil {
		h.logger.Warn("hub_publish_failed_local_only", "room", roomID, "type", ev.Type, "err", err)
		h.deliver(roomID, payload)
		return nil
	}
	if !h.subscribed(roomID) {
		h.deliver(roomID, payload)
	}
	return nil
}

// subscribed reports whether the bus delivers the room's channel here, or
// there is nobody local to deliver to.
func (h *Hub) subscribed(roomID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r := h.rooms[roomID]
	return r == nil || r.sub != nil
}

func (h *Hub) deliver(roomID string, payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		h.logger.Warn("hub_bad_envelope", "room", roomID, "err", err)
		return
	}
	msg, err := json.Marshal(env.Event)
	if err != nil {
		return
	}

	// enqueue under the read lock so a connection that has left the hub never
	// receives another message
	h.mu.RLock()
	defer h.mu.RUnlock()
	r := h.rooms[roomID]
	if r == nil {
		return
	}
	for c := range r.conns {
		if env.Origin != "" && c.id == env.Origin {
			continue
		}
		c.enqueue(msg)
	}
}

// Close drops every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	rooms := h.rooms
	h.rooms = make(map[string]*room)
	h.mu.Unlock()
	for id, r := range rooms {
		if r.sub == nil {
			continue
		}
		if err := r.sub.Unsubscribe(); err != nil {
			h.logger.Warn("hub_unsubscribe_failed", "room", id, "err", err)
		}
	}
}
