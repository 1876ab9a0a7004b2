package session

import (
	"encoding/json"
	"time"

	"collab-engine/backend/internal/ot"
)

type Presence string

const (
	PresenceActive Presence = "active"
	PresenceIdle   Presence = "idle"
	PresenceAway   Presence = "away"
)

func (p Presence) Valid() bool {
	switch p {
	case PresenceActive, PresenceIdle, PresenceAway:
		return true
	}
	return false
}

type Cursor struct {
	X         int       `json:"x"`
	Y         int       `json:"y"`
	Timestamp time.Time `json:"timestamp"`
}

type Selection struct {
	Start     int       `json:"start"`
	End       int       `json:"end"`
	Timestamp time.Time `json:"timestamp"`
}

type Member struct {
	ID          string     `json:"id"`
	DisplayName string     `json:"displayName"`
	Avatar      string     `json:"avatar,omitempty"`
	Cursor      *Cursor    `json:"cursor,omitempty"`
	Selection   *Selection `json:"selection,omitempty"`
	Presence    Presence   `json:"presence"`
	LastSeen    time.Time  `json:"lastSeen"`
}

// RoomState is everything persisted for one room.
type RoomState struct {
	RoomID       string             `json:"roomId"`
	Users        map[string]*Member `json:"users"`
	Operations   []ot.Operation     `json:"operations"`
	Version      uint64             `json:"version"`
	LastModified time.Time          `json:"lastModified"`
}

// NewRoomState is the state of a room that was never created or has expired.
func NewRoomState(roomID string) *RoomState {
	return &RoomState{
		RoomID:     roomID,
		Users:      make(map[string]*Member),
		Operations: []ot.Operation{},
	}
}

// Append adds op to the log and trims the log to the newest limit entries.
func (s *RoomState) Append(op ot.Operation, limit int) {
	s.Operations = append(s.Operations, op)
	if limit > 0 && len(s.Operations) > limit {
		drop := len(s.Operations) - limit
		s.Operations = append([]ot.Operation(nil), s.Operations[drop:]...)
	}
}

// OldestVersion is the version the room had before the first retained
// operation was applied.
func (s *RoomState) OldestVersion() uint64 {
	return s.Version - uint64(len(s.Operations))
}

// FindClientOp looks up an operation by its client generated id.
func (s *RoomState) FindClientOp(userID, clientID string) (ot.Operation, bool) {
	if clientID == "" {
		return ot.Operation{}, false
	}
	for i := len(s.Operations) - 1; i >= 0; i-- {
		op := s.Operations[i]
		if op.UserID == userID && op.ClientID == clientID {
			return op, true
		}
	}
	return ot.Operation{}, false
}

func encodeState(s *RoomState) ([]byte, error) {
	return json.Marshal(s)
}

func decodeState(roomID string, b []byte) (*RoomState, error) {
	s := NewRoomState(roomID)
	if err := json.Unmarshal(b, s); err != nil {
		return nil, err
	}
	if s.Users == nil {
		s.Users = make(map[string]*Member)
	}
	if s.Operations == nil {
		s.Operations = []ot.Operation{}
	}
	return s, nil
}
