// Package collab is the collaboration engine: room membership, presence and
// the operation log, all kept in a session.Store and fanned out through a
// Broadcaster.
package collab

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"collab-engine/backend/internal/access"
	"collab-engine/backend/internal/session"
)

const (
	DefaultLogSize      = 1000
	DefaultMaxRetries   = 3
	DefaultRetryBackoff = 20 * time.Millisecond

	submitAcquireTimeout  = 200 * time.Millisecond
	journalEnqueueTimeout = 50 * time.Millisecond
)

var DefaultRoomTypes = []string{"document", "page", "canvas", "notebook"}

type Options struct {
	Store       session.Store
	Gateway     access.Gateway
	Broadcaster Broadcaster
	Journal     Journal
	Metrics     *Metrics
	Logger      *slog.Logger

	LogSize              int
	MaxRetries           int
	RetryBackoff         time.Duration
	RoomTypes            []string
	MaxConcurrentSubmits int

	// Now defaults to UTC wall clock at millisecond precision.
	Now func() time.Time
}

// Service holds no room state of its own; every call goes through the store,
// so several processes can serve the same room.
type Service struct {
	store     session.Store
	gateway   access.Gateway
	bc        Broadcaster
	journal   Journal
	metrics   *Metrics
	logger    *slog.Logger
	submitSem *SemaphoreControl

	logSize      int
	maxRetries   int
	retryBackoff time.Duration
	roomTypes    map[string]struct{}
	now          func() time.Time
}

func New(opts Options) *Service {
	s := &Service{
		store:        opts.Store,
		gateway:      opts.Gateway,
		bc:           opts.Broadcaster,
		journal:      opts.Journal,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
		submitSem:    NewSemaphoreControl(opts.MaxConcurrentSubmits),
		logSize:      opts.LogSize,
		maxRetries:   opts.MaxRetries,
		retryBackoff: opts.RetryBackoff,
		roomTypes:    make(map[string]struct{}),
		now:          opts.Now,
	}
	if s.store == nil {
		s.store = session.NewMemoryStore(session.DefaultTTL)
	}
	if s.gateway == nil {
		s.gateway = access.AllowAll{}
	}
	if s.bc == nil {
		s.bc = nopBroadcaster{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.logSize <= 0 {
		s.logSize = DefaultLogSize
	}
	if s.maxRetries < 0 {
		s.maxRetries = 0
	} else if s.maxRetries == 0 {
		s.maxRetries = DefaultMaxRetries
	}
	if s.retryBackoff <= 0 {
		s.retryBackoff = DefaultRetryBackoff
	}
	types := opts.RoomTypes
	if len(types) == 0 {
		types = DefaultRoomTypes
	}
	for _, t := range types {
		s.roomTypes[t] = struct{}{}
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) }
	}
	return s
}

// SetBroadcaster installs the broadcaster after construction; the ws hub and
// the service refer to each other.
func (s *Service) SetBroadcaster(bc Broadcaster) { s.bc = bc }

func (s *Service) validRoomType(t string) bool {
	_, ok := s.roomTypes[t]
	return ok
}

// update runs mutate in a store transaction, retrying the whole read-modify-
// write on conflict with exponential backoff. mutate must be safe to re-run.
// ErrNoChange from mutate is passed through together with the state.
func (s *Service) update(ctx context.Context, roomID string, mutate session.Mutator) (*session.RoomState, error) {
	backoff := s.retryBackoff
	for attempt := 0; ; attempt++ {
		state, err := s.store.Transaction(ctx, roomID, mutate)
		if !errors.Is(err, session.ErrConflict) {
			if err != nil && !errors.Is(err, session.ErrNoChange) {
				return state, storeErr(err)
			}
			return state, err
		}
		s.metrics.conflict()
		if attempt >= s.maxRetries {
			s.logger.Warn("room_update_conflict", "room", roomID, "attempts", attempt+1)
			return nil, &ConflictError{RetryAfter: backoff}
		}
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
		backoff *= 2
	}
}

// broadcast is at-most-once: failures are logged and dropped.
func (s *Service) broadcast(ctx context.Context, ev Event) {
	if err := s.bc.Broadcast(ctx, ev.RoomID, ev); err != nil {
		s.logger.Warn("broadcast_failed", "room", ev.RoomID, "type", ev.Type, "err", err)
	}
}
