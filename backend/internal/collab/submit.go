package collab

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"

	"github.com/google/uuid"

	"collab-engine/backend/internal/ot"
	"collab-engine/backend/internal/session"
)

// RawOperation is an operation as a client submits it. Server owned fields
// (id, user, timestamp, version) are not accepted from clients.
type RawOperation struct {
	// ClientID identifies the operation for de-duplication of resubmits.
	// Older clients send it as "id".
	ClientID   string         `json:"clientId,omitempty"`
	LegacyID   string         `json:"id,omitempty"`
	Type       ot.Kind        `json:"type"`
	Position   int            `json:"position"`
	Content    string         `json:"content,omitempty"`
	Length     int            `json:"length,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Target     int            `json:"target,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
	// BaseVersion is the room version the client had applied when it made
	// the operation. Absent means the current version.
	BaseVersion *uint64 `json:"baseVersion,omitempty"`
}

func (r RawOperation) operation() ot.Operation {
	clientID := r.ClientID
	if clientID == "" {
		clientID = r.LegacyID
	}
	return ot.Operation{
		ClientID:   clientID,
		Kind:       r.Type,
		Position:   r.Position,
		Content:    r.Content,
		Length:     r.Length,
		Attributes: maps.Clone(r.Attributes),
		Target:     r.Target,
		Extensions: maps.Clone(r.Extensions),
	}
}

// Result is what Submit reports back to the submitter.
type Result struct {
	Operation ot.Operation
	Version   uint64
	// Duplicate is set when the operation had been applied before; Operation
	// and Version are the ones recorded then.
	Duplicate bool
}

func operationID(unixNano int64, userID string) string {
	nonce := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%d-%s-%s", unixNano, userID, nonce)
}

// Submit transforms raw against the operations the submitter had not seen,
// appends it to the room log and assigns the next version.
func (s *Service) Submit(ctx context.Context, actor Actor, roomID string, raw RawOperation) (Result, error) {
	op := raw.operation()
	if err := op.Validate(); err != nil {
		return Result{}, err
	}

	acqCtx, cancel := context.WithTimeout(ctx, submitAcquireTimeout)
	err := s.submitSem.Acquire(acqCtx)
	cancel()
	if err != nil {
		return Result{}, err
	}
	defer func() { _ = s.submitSem.Release() }()

	now := s.now()
	op.ID = operationID(now.UnixNano(), actor.ID)
	op.UserID = actor.ID
	op.Timestamp = now

	var res Result
	_, err = s.update(ctx, roomID, func(st *session.RoomState) error {
		res = Result{}
		m, ok := st.Users[actor.ID]
		if !ok {
			return ErrNotMember
		}
		if prev, ok := st.FindClientOp(actor.ID, op.ClientID); ok {
			res = Result{Operation: prev, Version: prev.Version, Duplicate: true}
			return session.ErrNoChange
		}

		base := st.Version
		if raw.BaseVersion != nil {
			base = *raw.BaseVersion
		}
		if base > st.Version {
			return fmt.Errorf("%w: base version %d is ahead of room version %d", ErrInvalidOperation, base, st.Version)
		}
		if base < st.OldestVersion() {
			return fmt.Errorf("%w: base version %d, oldest retained %d", ErrStaleBase, base, st.OldestVersion())
		}

		next := op
		for _, accepted := range st.Operations {
			if accepted.Version <= base || accepted.UserID == actor.ID {
				continue
			}
			next = ot.Transform(next, accepted)
		}
		st.Version++
		next.BaseVersion = base
		next.Version = st.Version
		st.Append(next, s.logSize)
		st.LastModified = now
		m.LastSeen = now
		res = Result{Operation: next, Version: next.Version}
		return nil
	})
	if errors.Is(err, session.ErrNoChange) {
		s.metrics.duplicate()
		s.logger.Debug("operation_duplicate", "room", roomID, "user", actor.ID, "client_id", op.ClientID, "version", res.Version)
		return res, nil
	}
	if err != nil {
		return Result{}, err
	}

	s.metrics.applied(string(res.Operation.Kind))
	applied := res.Operation
	s.broadcast(ctx, Event{Type: EventOperationApplied, RoomID: roomID, UserID: actor.ID, Operation: &applied, Version: res.Version, Origin: actor.ConnID})
	s.exportApplied(ctx, roomID, res.Operation)
	return res, nil
}

func (s *Service) exportApplied(ctx context.Context, roomID string, op ot.Operation) {
	if s.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), journalEnqueueTimeout)
	defer cancel()
	err := s.journal.Enqueue(ctx, OpEvent{
		EventType:   EventOpApplied,
		RoomID:      roomID,
		OperationID: op.ID,
		Version:     op.Version,
		UserID:      op.UserID,
		ClientID:    op.ClientID,
		BaseVersion: op.BaseVersion,
		Operation:   op,
		AppliedAt:   op.Timestamp,
	})
	if err != nil {
		s.logger.Warn("journal_enqueue_failed", "room", roomID, "op", op.ID, "err", err)
	}
}
