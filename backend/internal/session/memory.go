package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

type memoryEntry struct {
	data     []byte
	rev      uint64
	expireAt time.Time
}

// MemoryStore is the in-process Store: used when no Redis is configured, as
// the degraded fallback, and in tests. Values are kept encoded so callers
// never share pointers with the store.
type MemoryStore struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	seq   uint64
	rooms map[string]memoryEntry
}

var _ Store = (*MemoryStore)(nil)

type MemoryOption func(*MemoryStore)

// WithClock replaces time.Now, mostly for expiry tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

func NewMemoryStore(ttl time.Duration, opts ...MemoryOption) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &MemoryStore{ttl: ttl, now: time.Now, rooms: make(map[string]memoryEntry)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// load returns the live entry for roomID; expired entries are dropped.
// Caller holds s.mu.
func (s *MemoryStore) load(roomID string) (memoryEntry, bool) {
	e, ok := s.rooms[roomID]
	if !ok {
		return memoryEntry{}, false
	}
	if !s.now().Before(e.expireAt) {
		delete(s.rooms, roomID)
		return memoryEntry{}, false
	}
	return e, true
}

// store writes data; caller holds s.mu.
func (s *MemoryStore) store(roomID string, data []byte) {
	s.seq++
	s.rooms[roomID] = memoryEntry{data: data, rev: s.seq, expireAt: s.now().Add(s.ttl)}
}

func (s *MemoryStore) Get(ctx context.Context, roomID string) (*RoomState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	e, ok := s.load(roomID)
	s.mu.Unlock()
	if !ok {
		return NewRoomState(roomID), nil
	}
	return decodeState(roomID, e.data)
}

func (s *MemoryStore) Save(ctx context.Context, state *RoomState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := encodeState(state)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store(state.RoomID, b)
	return nil
}

func (s *MemoryStore) Transaction(ctx context.Context, roomID string, mutate Mutator) (*RoomState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	e, ok := s.load(roomID)
	s.mu.Unlock()

	state := NewRoomState(roomID)
	if ok {
		var err error
		if state, err = decodeState(roomID, e.data); err != nil {
			return nil, err
		}
	}

	if err := mutate(state); err != nil {
		if errors.Is(err, ErrNoChange) {
			return state, ErrNoChange
		}
		return nil, err
	}

	b, err := encodeState(state)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cur, _ := s.load(roomID)
	if cur.rev != e.rev {
		return nil, ErrConflict
	}
	s.store(roomID, b)
	return state, nil
}

// Has reports whether roomID has a live entry.
func (s *MemoryStore) Has(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.load(roomID)
	return ok
}

// Purge drops expired rooms and reports how many were removed.
func (s *MemoryStore) Purge() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id := range s.rooms {
		if _, ok := s.load(id); !ok {
			n++
		}
	}
	return n
}
