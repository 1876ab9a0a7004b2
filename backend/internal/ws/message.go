package ws

import (
	"collab-engine/backend/internal/collab"
	"collab-engine/backend/internal/session"
)

// inbound event types
const (
	MsgJoinRoom        = "join-room"
	MsgLeaveRoom       = "leave-room"
	MsgCursorUpdate    = "cursor-update"
	MsgSelectionUpdate = "selection-update"
	MsgOperation       = "operation"
	MsgPresenceUpdate  = "presence-update"
	MsgHeartbeat       = "heartbeat"
)

// outbound types sent only to the requesting connection
const (
	MsgRoomState         = "room-state"
	MsgOperationAck      = "operation-acknowledged"
	MsgOperationError    = "operation-error"
	MsgError             = "error"
	codeInvalidMessage   = "INVALID_MESSAGE"
	codeUnknownEventType = "UNKNOWN_EVENT"
)

type ClientMessage struct {
	Type string `json:"type"`
	// RoomID is either canonical ("page:p1") or bare ("p1", with RoomType).
	RoomID    string               `json:"roomId"`
	RoomType  string               `json:"roomType,omitempty"`
	Cursor    *session.Cursor      `json:"cursor,omitempty"`
	Selection *session.Selection   `json:"selection,omitempty"`
	Presence  session.Presence     `json:"presence,omitempty"`
	Operation *collab.RawOperation `json:"operation,omitempty"`
}

type RoomStateMessage struct {
	Type string `json:"type"`
	collab.Snapshot
}

type OperationAckMessage struct {
	Type        string `json:"type"`
	RoomID      string `json:"roomId"`
	OperationID string `json:"operationId"`
	ClientID    string `json:"clientId,omitempty"`
	Version     uint64 `json:"version"`
	Duplicate   bool   `json:"duplicate,omitempty"`
}

type ErrorMessage struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId,omitempty"`
	// Event is the inbound type that failed.
	Event        string `json:"event,omitempty"`
	Code         string `json:"code"`
	Message      string `json:"message,omitempty"`
	ClientID     string `json:"clientId,omitempty"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

// envelope is what travels on the bus.
type envelope struct {
	Origin string       `json:"origin,omitempty"`
	Event  collab.Event `json:"event"`
}
