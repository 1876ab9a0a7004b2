package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisStore keeps each room as one JSON value. Works against a single node
// or a cluster through redis.UniversalClient.
type RedisStore struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(rdb redis.UniversalClient, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func (s *RedisStore) Get(ctx context.Context, roomID string) (*RoomState, error) {
	b, err := s.rdb.Get(ctx, roomKey(roomID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return NewRoomState(roomID), nil
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return decodeState(roomID, b)
}

func (s *RedisStore) Save(ctx context.Context, state *RoomState) error {
	b, err := encodeState(state)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, roomKey(state.RoomID), b, s.ttl).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// mutatorError marks errors raised by the caller's mutator so they are not
// mistaken for backend failures.
type mutatorError struct{ err error }

func (e mutatorError) Error() string { return e.err.Error() }
func (e mutatorError) Unwrap() error { return e.err }

// Transaction uses WATCH/MULTI: EXEC aborts if the key was written by anyone
// after WATCH, which surfaces as redis.TxFailedErr.
func (s *RedisStore) Transaction(ctx context.Context, roomID string, mutate Mutator) (*RoomState, error) {
	key := roomKey(roomID)
	var (
		out     *RoomState
		skipped bool
	)

	txf := func(tx *redis.Tx) error {
		state := NewRoomState(roomID)
		b, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if state, err = decodeState(roomID, b); err != nil {
				return mutatorError{fmt.Errorf("decode room %s: %w", roomID, err)}
			}
		}

		if err := mutate(state); err != nil {
			if errors.Is(err, ErrNoChange) {
				out, skipped = state, true
				return nil
			}
			return mutatorError{err}
		}

		nb, err := encodeState(state)
		if err != nil {
			return mutatorError{err}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, nb, s.ttl)
			return nil
		})
		if err != nil {
			return err
		}
		out = state
		return nil
	}

	err := s.rdb.Watch(ctx, txf, key)
	var me mutatorError
	switch {
	case err == nil:
	case errors.Is(err, redis.TxFailedErr):
		return nil, ErrConflict
	case errors.As(err, &me):
		return nil, me.err
	default:
		return nil, unavailable(err)
	}
	if skipped {
		return out, ErrNoChange
	}
	return out, nil
}

func unavailable(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
