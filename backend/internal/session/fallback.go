package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// FallbackStore serves from primary and degrades to a local MemoryStore for
// any call the primary answers with ErrUnavailable.
//
// Every state the primary returns is mirrored into local, so a degraded room
// continues from the last version this process saw. Once a room has been
// written locally it stays pinned to local until the local copy expires;
// going back to the primary earlier would hand out versions again.
type FallbackStore struct {
	primary    Store
	local      *MemoryStore
	logger     *slog.Logger
	onFallback func(op string)

	mu     sync.Mutex
	pinned map[string]struct{}
}

var _ Store = (*FallbackStore)(nil)

// NewFallbackStore wraps primary. onFallback may be nil; it is called once per
// call the primary failed, with the name of the operation.
func NewFallbackStore(primary Store, local *MemoryStore, logger *slog.Logger, onFallback func(op string)) *FallbackStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackStore{
		primary:    primary,
		local:      local,
		logger:     logger,
		onFallback: onFallback,
		pinned:     make(map[string]struct{}),
	}
}

func (s *FallbackStore) degrade(op, roomID string, err error) {
	s.logger.Warn("session_store_degraded", "op", op, "room", roomID, "err", err)
	if s.onFallback != nil {
		s.onFallback(op)
	}
}

// isPinned reports whether roomID is served locally; expired local copies
// release the pin.
func (s *FallbackStore) isPinned(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pinned[roomID]; !ok {
		return false
	}
	if s.local.Has(roomID) {
		return true
	}
	delete(s.pinned, roomID)
	s.logger.Info("session_store_room_released", "room", roomID)
	return false
}

func (s *FallbackStore) pin(roomID string) {
	s.mu.Lock()
	s.pinned[roomID] = struct{}{}
	s.mu.Unlock()
}

// Pinned reports whether roomID is currently served from local memory.
func (s *FallbackStore) Pinned(roomID string) bool { return s.isPinned(roomID) }

func (s *FallbackStore) mirror(ctx context.Context, state *RoomState) {
	if state == nil {
		return
	}
	if err := s.local.Save(ctx, state); err != nil {
		s.logger.Debug("session_store_mirror_failed", "room", state.RoomID, "err", err)
	}
}

func (s *FallbackStore) Get(ctx context.Context, roomID string) (*RoomState, error) {
	if s.isPinned(roomID) {
		return s.local.Get(ctx, roomID)
	}
	state, err := s.primary.Get(ctx, roomID)
	if errors.Is(err, ErrUnavailable) {
		s.degrade("get", roomID, err)
		return s.local.Get(ctx, roomID)
	}
	return state, err
}

func (s *FallbackStore) Save(ctx context.Context, state *RoomState) error {
	if s.isPinned(state.RoomID) {
		return s.local.Save(ctx, state)
	}
	err := s.primary.Save(ctx, state)
	switch {
	case errors.Is(err, ErrUnavailable):
		s.degrade("save", state.RoomID, err)
		if err := s.local.Save(ctx, state); err != nil {
			return err
		}
		s.pin(state.RoomID)
		return nil
	case err == nil:
		s.mirror(ctx, state)
	}
	return err
}

func (s *FallbackStore) Transaction(ctx context.Context, roomID string, mutate Mutator) (*RoomState, error) {
	if s.isPinned(roomID) {
		return s.local.Transaction(ctx, roomID, mutate)
	}
	state, err := s.primary.Transaction(ctx, roomID, mutate)
	switch {
	case errors.Is(err, ErrUnavailable):
		s.degrade("transaction", roomID, err)
		state, err = s.local.Transaction(ctx, roomID, mutate)
		if err == nil {
			s.pin(roomID)
		}
		return state, err
	case err == nil, errors.Is(err, ErrNoChange):
		s.mirror(ctx, state)
	}
	return state, err
}
