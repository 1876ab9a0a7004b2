package collab

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"collab-engine/backend/internal/ot"
	"collab-engine/backend/internal/session"
)

// Snapshot is the full room state handed to a joining member.
type Snapshot struct {
	RoomID     string                     `json:"roomId"`
	Users      map[string]*session.Member `json:"users"`
	Operations []ot.Operation             `json:"operations"`
	Version    uint64                     `json:"version"`
}

func snapshotOf(st *session.RoomState) Snapshot {
	return Snapshot{RoomID: st.RoomID, Users: st.Users, Operations: st.Operations, Version: st.Version}
}

// ResolveRoom accepts either a canonical room id ("page:p1") or a bare
// resource id together with its type.
func ResolveRoom(roomID, roomType string) (resourceType, resourceID string, err error) {
	if roomType != "" {
		if id, ok := strings.CutPrefix(roomID, roomType+":"); ok {
			roomID = id
		}
		if roomID == "" {
			return "", "", ErrInvalidRoom
		}
		return roomType, roomID, nil
	}
	t, id, ok := ParseRoomID(roomID)
	if !ok {
		return "", "", ErrInvalidRoom
	}
	return t, id, nil
}

func (s *Service) authorize(ctx context.Context, actor Actor, resourceType, resourceID string) error {
	if !s.validRoomType(resourceType) || resourceID == "" {
		return fmt.Errorf("%w: %q", ErrInvalidRoom, resourceType)
	}
	ok, err := s.gateway.CanAccess(ctx, actor.ID, resourceID, resourceType)
	if err != nil {
		s.logger.Warn("access_gateway_failed", "user", actor.ID, "resource", resourceID, "type", resourceType, "err", err)
		return fmt.Errorf("%w: %v", ErrAccessDenied, err)
	}
	if !ok {
		return ErrAccessDenied
	}
	return nil
}

// Join admits actor into the room of the resource, creating the room on
// first use, and returns the full snapshot.
func (s *Service) Join(ctx context.Context, actor Actor, resourceType, resourceID string) (Snapshot, error) {
	if err := s.authorize(ctx, actor, resourceType, resourceID); err != nil {
		return Snapshot{}, err
	}
	roomID := RoomID(resourceType, resourceID)
	now := s.now()

	var member session.Member
	state, err := s.update(ctx, roomID, func(st *session.RoomState) error {
		m := &session.Member{
			ID:          actor.ID,
			DisplayName: actor.DisplayName,
			Avatar:      actor.Avatar,
			Presence:    session.PresenceActive,
			LastSeen:    now,
		}
		// a second tab of the same user keeps the existing cursor
		if prev, ok := st.Users[actor.ID]; ok {
			m.Cursor, m.Selection = prev.Cursor, prev.Selection
		}
		st.Users[actor.ID] = m
		st.LastModified = now
		member = *m
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}

	s.metrics.joined()
	s.logger.Info("room_joined", "room", roomID, "user", actor.ID, "version", state.Version)
	s.broadcast(ctx, Event{Type: EventUserJoined, RoomID: roomID, UserID: actor.ID, User: &member, Origin: actor.ConnID})
	return snapshotOf(state), nil
}

// Leave removes actor from the room. Leaving a room one is not in is a no-op.
func (s *Service) Leave(ctx context.Context, actor Actor, roomID string) error {
	return s.removeMember(ctx, actor, roomID, EventUserLeft)
}

// Disconnect is the implicit leave of a dropped connection. Failures are
// logged only.
func (s *Service) Disconnect(ctx context.Context, actor Actor, roomIDs []string) {
	for _, roomID := range roomIDs {
		if err := s.removeMember(ctx, actor, roomID, EventUserDisconnected); err != nil {
			s.logger.Warn("disconnect_cleanup_failed", "room", roomID, "user", actor.ID, "err", err)
		}
	}
}

func (s *Service) removeMember(ctx context.Context, actor Actor, roomID, eventType string) error {
	now := s.now()
	_, err := s.update(ctx, roomID, func(st *session.RoomState) error {
		if _, ok := st.Users[actor.ID]; !ok {
			return session.ErrNoChange
		}
		delete(st.Users, actor.ID)
		st.LastModified = now
		return nil
	})
	if errors.Is(err, session.ErrNoChange) {
		return nil
	}
	if err != nil {
		return err
	}

	s.metrics.left(eventType)
	s.logger.Info("room_left", "room", roomID, "user", actor.ID, "reason", eventType)
	s.broadcast(ctx, Event{Type: eventType, RoomID: roomID, UserID: actor.ID, Origin: actor.ConnID})
	return nil
}

// Snapshot reads the room without joining it.
func (s *Service) Snapshot(ctx context.Context, actor Actor, resourceType, resourceID string) (Snapshot, error) {
	if err := s.authorize(ctx, actor, resourceType, resourceID); err != nil {
		return Snapshot{}, err
	}
	st, err := s.store.Get(ctx, RoomID(resourceType, resourceID))
	if err != nil {
		return Snapshot{}, storeErr(err)
	}
	return snapshotOf(st), nil
}
