package session

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrConflict means the room changed between read and write.
	ErrConflict = errors.New("STATE_CONFLICT")
	// ErrUnavailable wraps backend failures (network, timeouts).
	ErrUnavailable = errors.New("STORE_UNAVAILABLE")
	// ErrNoChange may be returned by a Mutator to skip the write.
	ErrNoChange = errors.New("no change")
)

const DefaultTTL = time.Hour

// Mutator edits a room state in place inside Transaction.
type Mutator func(state *RoomState) error

// Store keeps per-room state with an inactivity TTL. A missing or expired
// room reads as a fresh empty state.
type Store interface {
	Get(ctx context.Context, roomID string) (*RoomState, error)
	Save(ctx context.Context, state *RoomState) error
	// Transaction reads the room, applies mutate and writes the result only if
	// nobody else wrote the room in between (ErrConflict otherwise). When
	// mutate returns ErrNoChange the state is returned unwritten together with
	// ErrNoChange; any other mutator error aborts the transaction.
	Transaction(ctx context.Context, roomID string, mutate Mutator) (*RoomState, error)
}
