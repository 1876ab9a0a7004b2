package ot

import (
	"errors"
	"fmt"
	"maps"
	"time"
	"unicode/utf8"
)

type Kind string

const (
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
	KindFormat Kind = "format"
	KindMove   Kind = "move"
)

var ErrInvalidOperation = errors.New("INVALID_OPERATION")

// Operation is a single edit. Which fields are meaningful depends on Kind:
//
//	insert: Position, Content
//	delete: Position, Length
//	format: Position, Length, Attributes
//	move:   Position, Length, Target
//
// Extensions carries fields unknown to this server version untouched.
type Operation struct {
	ID          string         `json:"id"`
	ClientID    string         `json:"clientId,omitempty"`
	Kind        Kind           `json:"type"`
	Position    int            `json:"position"`
	Content     string         `json:"content,omitempty"`
	Length      int            `json:"length,omitempty"`
	Attributes  map[string]any `json:"attributes,omitempty"`
	Target      int            `json:"target,omitempty"`
	Extensions  map[string]any `json:"extensions,omitempty"`
	UserID      string         `json:"userId"`
	Timestamp   time.Time      `json:"timestamp"`
	BaseVersion uint64         `json:"baseVersion"`
	Version     uint64         `json:"version"`
}

// Validate checks that only the fields of the operation's variant are set.
func (op Operation) Validate() error {
	if op.Position < 0 {
		return fmt.Errorf("%w: negative position %d", ErrInvalidOperation, op.Position)
	}
	switch op.Kind {
	case KindInsert:
		if op.Content == "" {
			return fmt.Errorf("%w: insert without content", ErrInvalidOperation)
		}
		if op.Length != 0 || len(op.Attributes) > 0 || op.Target != 0 {
			return fmt.Errorf("%w: insert carries range fields", ErrInvalidOperation)
		}
	case KindDelete:
		if op.Length <= 0 {
			return fmt.Errorf("%w: delete length must be positive", ErrInvalidOperation)
		}
		if op.Content != "" || len(op.Attributes) > 0 || op.Target != 0 {
			return fmt.Errorf("%w: delete carries foreign fields", ErrInvalidOperation)
		}
	case KindFormat:
		if op.Length <= 0 || len(op.Attributes) == 0 {
			return fmt.Errorf("%w: format needs a range and attributes", ErrInvalidOperation)
		}
		if op.Content != "" || op.Target != 0 {
			return fmt.Errorf("%w: format carries foreign fields", ErrInvalidOperation)
		}
	case KindMove:
		if op.Length <= 0 || op.Target < 0 {
			return fmt.Errorf("%w: move needs a range and a target", ErrInvalidOperation)
		}
		if op.Content != "" || len(op.Attributes) > 0 {
			return fmt.Errorf("%w: move carries foreign fields", ErrInvalidOperation)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidOperation, op.Kind)
	}
	return nil
}

// Size is the number of runes an insert adds.
func (op Operation) Size() int {
	return utf8.RuneCountInString(op.Content)
}

// Precedes reports whether op wins the earlier slot against other when both
// insert at the same position: (Timestamp, UserID) ascending.
func (op Operation) Precedes(other Operation) bool {
	if !op.Timestamp.Equal(other.Timestamp) {
		return op.Timestamp.Before(other.Timestamp)
	}
	return op.UserID < other.UserID
}

// MoveDestination is where a move pastes its block, counted in the text
// after the block was cut. Target itself is counted before the cut.
func (op Operation) MoveDestination() int {
	switch {
	case op.Target >= op.Position+op.Length:
		return op.Target - op.Length
	case op.Target > op.Position:
		return op.Position
	}
	return op.Target
}

func (op Operation) Clone() Operation {
	out := op
	out.Attributes = maps.Clone(op.Attributes)
	out.Extensions = maps.Clone(op.Extensions)
	return out
}
