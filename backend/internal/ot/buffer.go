package ot

import (
	"fmt"
	"slices"
)

// Buffer is the materialized text an operation log applies to.
type Buffer interface {
	Len() int
	Apply(op Operation) error
	String() string
}

/*
Piece table layout

Initial content "Hello world":

	original = "Hello world", add = ""
	pieces   = [ (orig, offset=0, length=11) ]

Insert " collaborative" at 5 appends to add and splits the covering piece:

	add    = " collaborative"
	pieces = [
	  (orig, offset=0, length=5),  // "Hello"
	  (add,  offset=0, length=14), // " collaborative"
	  (orig, offset=5, length=6),  // " world"
	]
*/

// Replay materializes the text produced by ops applied in order to an empty
// buffer. It is only meaningful for a log that was never truncated.
func Replay(ops []Operation) (string, error) {
	ordered := slices.Clone(ops)
	slices.SortStableFunc(ordered, func(a, b Operation) int {
		switch {
		case a.Version < b.Version:
			return -1
		case a.Version > b.Version:
			return 1
		}
		return 0
	})
	pt := NewPieceTable("")
	for _, op := range ordered {
		if err := pt.Apply(op); err != nil {
			return "", fmt.Errorf("replay op %s (version %d): %w", op.ID, op.Version, err)
		}
	}
	return pt.String(), nil
}
