package collab

import (
	"errors"
	"fmt"
	"time"

	"collab-engine/backend/internal/ot"
	"collab-engine/backend/internal/session"
)

var (
	ErrAccessDenied      = errors.New("ACCESS_DENIED")
	ErrInvalidRoom       = errors.New("INVALID_ROOM")
	ErrTransformConflict = errors.New("TRANSFORM_CONFLICT")
	ErrStoreUnavailable  = errors.New("STORE_UNAVAILABLE")
	ErrInvalidOperation  = ot.ErrInvalidOperation
	ErrInvalidPresence   = errors.New("INVALID_PRESENCE")
	ErrStaleBase         = errors.New("STALE_BASE")
	ErrNotMember         = errors.New("NOT_MEMBER")
	ErrBusy              = errors.New("BUSY")
)

// ConflictError is returned once the optimistic retries are used up.
type ConflictError struct {
	RetryAfter time.Duration
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: retry after %s", ErrTransformConflict, e.RetryAfter)
}

func (e *ConflictError) Is(target error) bool { return target == ErrTransformConflict }

// ErrorCode maps an error to the code sent to clients.
func ErrorCode(err error) string {
	for _, known := range []error{
		ErrAccessDenied, ErrInvalidRoom, ErrTransformConflict, ErrStoreUnavailable,
		ErrInvalidOperation, ErrInvalidPresence, ErrStaleBase, ErrNotMember, ErrBusy,
	} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	if errors.Is(err, session.ErrUnavailable) {
		return ErrStoreUnavailable.Error()
	}
	return "INTERNAL"
}

func storeErr(err error) error {
	if errors.Is(err, session.ErrUnavailable) {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return err
}
