package ot

import (
	"errors"
	"strings"
)

var errOutOfBounds = errors.New("operation out of bounds")

type bufferKind int

const (
	bufOriginal bufferKind = iota
	bufAdd
)

type piece struct {
	buf    bufferKind
	offset int
	length int
}

// PieceTable is a Buffer backed by an immutable original slice, an
// append-only add slice and a list of pieces pointing into either one.
// Positions are rune offsets.
type PieceTable struct {
	original []rune
	add      []rune
	pieces   []piece
}

var _ Buffer = (*PieceTable)(nil)

func NewPieceTable(initial string) *PieceTable {
	r := []rune(initial)
	pt := &PieceTable{original: r}
	if len(r) > 0 {
		pt.pieces = []piece{{buf: bufOriginal, offset: 0, length: len(r)}}
	}
	return pt
}

func (pt *PieceTable) Len() int {
	n := 0
	for _, p := range pt.pieces {
		n += p.length
	}
	return n
}

func (pt *PieceTable) String() string {
	var b strings.Builder
	for _, p := range pt.pieces {
		b.WriteString(string(pt.runes(p)))
	}
	return b.String()
}

func (pt *PieceTable) runes(p piece) []rune {
	if p.buf == bufOriginal {
		return pt.original[p.offset : p.offset+p.length]
	}
	return pt.add[p.offset : p.offset+p.length]
}

// Apply edits the table. Format operations carry no text change and are
// accepted as long as their range is in bounds.
func (pt *PieceTable) Apply(op Operation) error {
	size := pt.Len()
	switch op.Kind {
	case KindInsert:
		if op.Position > size {
			return errOutOfBounds
		}
		pt.insert(op.Position, []rune(op.Content))
	case KindDelete:
		if op.Position+op.Length > size {
			return errOutOfBounds
		}
		pt.delete(op.Position, op.Length)
	case KindFormat:
		if op.Position+op.Length > size {
			return errOutOfBounds
		}
	case KindMove:
		if op.Position+op.Length > size || op.Target > size {
			return errOutOfBounds
		}
		moved := []rune(pt.String())[op.Position : op.Position+op.Length]
		pt.delete(op.Position, op.Length)
		pt.insert(op.MoveDestination(), moved)
	default:
		return ErrInvalidOperation
	}
	return nil
}

func (pt *PieceTable) insert(pos int, text []rune) {
	if len(text) == 0 {
		return
	}
	start := len(pt.add)
	pt.add = append(pt.add, text...)
	newPiece := piece{buf: bufAdd, offset: start, length: len(text)}

	idx, offset := pt.locate(pos)
	if idx == len(pt.pieces) {
		pt.pieces = append(pt.pieces, newPiece)
		return
	}

	cur := pt.pieces[idx]
	left := piece{buf: cur.buf, offset: cur.offset, length: offset}
	right := piece{buf: cur.buf, offset: cur.offset + offset, length: cur.length - offset}

	newPieces := make([]piece, 0, len(pt.pieces)+2)
	newPieces = append(newPieces, pt.pieces[:idx]...)
	if left.length > 0 {
		newPieces = append(newPieces, left)
	}
	newPieces = append(newPieces, newPiece)
	if right.length > 0 {
		newPieces = append(newPieces, right)
	}
	newPieces = append(newPieces, pt.pieces[idx+1:]...)
	pt.pieces = newPieces
}

func (pt *PieceTable) delete(pos, n int) {
	remain := n
	idx, offset := pt.locate(pos)

	for remain > 0 && idx < len(pt.pieces) {
		cur := pt.pieces[idx]
		can := cur.length - offset
		if can <= 0 {
			idx++
			offset = 0
			continue
		}
		take := min(remain, can)

		if offset == 0 && take == cur.length {
			// whole piece goes; idx now points at the next one
			pt.pieces = append(pt.pieces[:idx], pt.pieces[idx+1:]...)
		} else {
			leftLen := offset
			rightLen := cur.length - offset - take

			newPieces := make([]piece, 0, len(pt.pieces)+1)
			newPieces = append(newPieces, pt.pieces[:idx]...)
			if leftLen > 0 {
				newPieces = append(newPieces, piece{buf: cur.buf, offset: cur.offset, length: leftLen})
			}
			if rightLen > 0 {
				newPieces = append(newPieces, piece{buf: cur.buf, offset: cur.offset + offset + take, length: rightLen})
			}
			newPieces = append(newPieces, pt.pieces[idx+1:]...)
			pt.pieces = newPieces
			if leftLen > 0 {
				idx++
			}
			offset = 0
		}
		remain -= take
	}
}

// locate maps a logical position to the piece index and the offset inside it.
func (pt *PieceTable) locate(pos int) (idx int, offset int) {
	cur := 0
	for i, p := range pt.pieces {
		if pos < cur+p.length {
			return i, pos - cur
		}
		cur += p.length
	}
	return len(pt.pieces), 0
}
