package collab

import (
	"context"

	"collab-engine/backend/internal/ot"
	"collab-engine/backend/internal/session"
)

const (
	EventUserJoined       = "user-joined"
	EventUserLeft         = "user-left"
	EventUserDisconnected = "user-disconnected"
	EventCursorUpdated    = "cursor-updated"
	EventSelectionUpdated = "selection-updated"
	EventPresenceUpdated  = "presence-updated"
	EventOperationApplied = "operation-applied"
)

// Event is a room change fanned out to members. Only the fields of the
// given Type are set.
type Event struct {
	Type      string             `json:"type"`
	RoomID    string             `json:"roomId"`
	UserID    string             `json:"userId,omitempty"`
	User      *session.Member    `json:"user,omitempty"`
	Cursor    *session.Cursor    `json:"cursor,omitempty"`
	Selection *session.Selection `json:"selection,omitempty"`
	Presence  session.Presence   `json:"presence,omitempty"`
	Operation *ot.Operation      `json:"operation,omitempty"`
	Version   uint64             `json:"version,omitempty"`

	// Origin is the connection that caused the event; it does not receive it.
	Origin string `json:"-"`
}

// Broadcaster delivers events to every member of a room, on every process.
type Broadcaster interface {
	Broadcast(ctx context.Context, roomID string, ev Event) error
}

type nopBroadcaster struct{}

func (nopBroadcaster) Broadcast(context.Context, string, Event) error { return nil }
