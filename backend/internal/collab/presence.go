package collab

import (
	"context"
	"errors"
	"time"

	"collab-engine/backend/internal/session"
)

// touch applies change to actor's member entry and persists it. It reports
// the updated member and whether change asked for a broadcast. Non-members
// are ignored: ok is false and nothing is written.
func (s *Service) touch(ctx context.Context, actor Actor, roomID string, change func(m *session.Member, now time.Time) bool) (member session.Member, notify, ok bool, err error) {
	now := s.now()
	_, err = s.update(ctx, roomID, func(st *session.RoomState) error {
		m, found := st.Users[actor.ID]
		if !found {
			ok = false
			return session.ErrNoChange
		}
		ok = true
		notify = change(m, now)
		m.LastSeen = now
		st.LastModified = now
		member = *m
		return nil
	})
	if errors.Is(err, session.ErrNoChange) {
		err = nil
	}
	if err != nil {
		return session.Member{}, false, false, err
	}
	return member, notify, ok, nil
}

// UpdateCursor stores the member's cursor and sends it to the others.
func (s *Service) UpdateCursor(ctx context.Context, actor Actor, roomID string, cursor session.Cursor) error {
	m, _, ok, err := s.touch(ctx, actor, roomID, func(m *session.Member, now time.Time) bool {
		cursor.Timestamp = now
		m.Cursor = &cursor
		return true
	})
	if err != nil || !ok {
		return err
	}
	s.broadcast(ctx, Event{Type: EventCursorUpdated, RoomID: roomID, UserID: actor.ID, Cursor: m.Cursor, Origin: actor.ConnID})
	return nil
}

// UpdateSelection stores the member's selection; a reversed range is
// normalized so that Start <= End.
func (s *Service) UpdateSelection(ctx context.Context, actor Actor, roomID string, sel session.Selection) error {
	if sel.Start > sel.End {
		sel.Start, sel.End = sel.End, sel.Start
	}
	m, _, ok, err := s.touch(ctx, actor, roomID, func(m *session.Member, now time.Time) bool {
		sel.Timestamp = now
		m.Selection = &sel
		return true
	})
	if err != nil || !ok {
		return err
	}
	s.broadcast(ctx, Event{Type: EventSelectionUpdated, RoomID: roomID, UserID: actor.ID, Selection: m.Selection, Origin: actor.ConnID})
	return nil
}

func (s *Service) UpdatePresence(ctx context.Context, actor Actor, roomID string, p session.Presence) error {
	if !p.Valid() {
		return ErrInvalidPresence
	}
	_, _, ok, err := s.touch(ctx, actor, roomID, func(m *session.Member, _ time.Time) bool {
		m.Presence = p
		return true
	})
	if err != nil || !ok {
		return err
	}
	s.broadcast(ctx, Event{Type: EventPresenceUpdated, RoomID: roomID, UserID: actor.ID, Presence: p, Origin: actor.ConnID})
	return nil
}

// Heartbeat refreshes LastSeen and the room's TTL. A member that had gone
// idle or away becomes active again, which is announced.
func (s *Service) Heartbeat(ctx context.Context, actor Actor, roomID string) error {
	_, promoted, ok, err := s.touch(ctx, actor, roomID, func(m *session.Member, _ time.Time) bool {
		if m.Presence == session.PresenceActive {
			return false
		}
		m.Presence = session.PresenceActive
		return true
	})
	if err != nil || !ok || !promoted {
		return err
	}
	s.broadcast(ctx, Event{Type: EventPresenceUpdated, RoomID: roomID, UserID: actor.ID, Presence: session.PresenceActive, Origin: actor.ConnID})
	return nil
}

func presenceRank(p session.Presence) int {
	switch p {
	case session.PresenceIdle:
		return 1
	case session.PresenceAway:
		return 2
	}
	return 0
}

// DemoteIdle lowers the presence of members whose LastSeen is older than
// idleAfter (idle) or awayAfter (away). Presence only ever moves down here.
// It returns the number of members changed.
func (s *Service) DemoteIdle(ctx context.Context, roomID string, idleAfter, awayAfter time.Duration) (int, error) {
	now := s.now()
	var changed []Event
	_, err := s.update(ctx, roomID, func(st *session.RoomState) error {
		changed = changed[:0]
		for id, m := range st.Users {
			age := now.Sub(m.LastSeen)
			target := session.PresenceActive
			switch {
			case awayAfter > 0 && age >= awayAfter:
				target = session.PresenceAway
			case idleAfter > 0 && age >= idleAfter:
				target = session.PresenceIdle
			}
			if presenceRank(target) <= presenceRank(m.Presence) {
				continue
			}
			m.Presence = target
			changed = append(changed, Event{Type: EventPresenceUpdated, RoomID: roomID, UserID: id, Presence: target})
		}
		if len(changed) == 0 {
			return session.ErrNoChange
		}
		return nil
	})
	if errors.Is(err, session.ErrNoChange) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	for _, ev := range changed {
		s.broadcast(ctx, ev)
	}
	return len(changed), nil
}
