package ot

// Transform rewrites incoming so that it applies on top of accepted, an
// operation the submitter had not seen when it produced incoming.
//
// Rules:
//   - insert vs insert: an accepted insert before the new one (or at the same
//     position and winning the (Timestamp, UserID) tie-break) shifts it forward.
//   - delete vs insert: an accepted delete starting before the insert shifts
//     it back, never past the start of the deleted range.
//   - insert vs range (delete/format/move): an insert at or before the range
//     start shifts it; an insert strictly inside grows it to cover the new text.
//   - delete vs range: ranges shift or lose their overlap with the deleted span.
//   - move vs anything: the moved block is cut and pasted; positions inside
//     it travel with it, other positions see a delete then an insert. A range
//     straddling the block edge loses the moved part.
//   - accepted format operations leave positions alone.
func Transform(incoming, accepted Operation) Operation {
	out := incoming.Clone()
	switch accepted.Kind {
	case KindInsert:
		transformAgainstInsert(&out, accepted)
	case KindDelete:
		transformAgainstDelete(&out, accepted)
	case KindMove:
		transformAgainstMove(&out, accepted)
	}
	return out
}

// TransformAll transforms op against each accepted operation in order.
func TransformAll(op Operation, accepted []Operation) Operation {
	for _, a := range accepted {
		op = Transform(op, a)
	}
	return op
}

func transformAgainstInsert(out *Operation, ins Operation) {
	n := ins.Size()
	if out.Kind == KindInsert {
		if ins.Position < out.Position || (ins.Position == out.Position && ins.Precedes(*out)) {
			out.Position += n
		}
		return
	}
	growRange(out, ins.Position, n)
}

// growRange applies n runes inserted at pos to a range operation.
func growRange(out *Operation, pos, n int) {
	switch out.Kind {
	case KindDelete, KindFormat, KindMove:
		switch {
		case pos <= out.Position:
			out.Position += n
		case pos < out.Position+out.Length:
			out.Length += n
		}
		if out.Kind == KindMove && pos <= out.Target {
			out.Target += n
		}
	}
}

func transformAgainstDelete(out *Operation, del Operation) {
	switch out.Kind {
	case KindInsert:
		if del.Position < out.Position {
			out.Position = max(del.Position, out.Position-del.Length)
		}
	case KindDelete, KindFormat, KindMove:
		out.Position, out.Length = shrinkRange(out.Position, out.Length, del.Position, del.Length)
		if out.Kind == KindMove {
			out.Target = shiftPoint(out.Target, del.Position, del.Length)
		}
	}
}

func transformAgainstMove(out *Operation, mv Operation) {
	paste := mv.MoveDestination()
	switch out.Kind {
	case KindInsert:
		out.Position = throughMove(out.Position, mv.Position, mv.Length, paste)
	case KindDelete, KindFormat, KindMove:
		target := out.Target
		if out.Position >= mv.Position && out.Position+out.Length <= mv.Position+mv.Length {
			out.Position = paste + (out.Position - mv.Position)
		} else {
			out.Position, out.Length = shrinkRange(out.Position, out.Length, mv.Position, mv.Length)
			switch {
			case paste <= out.Position:
				out.Position += mv.Length
			case paste < out.Position+out.Length:
				out.Length += mv.Length
			}
		}
		if out.Kind == KindMove {
			out.Target = throughMove(target, mv.Position, mv.Length, paste)
		}
	}
}

// throughMove maps point p across cutting [pos, pos+n) and pasting it at
// paste (a position in the text after the cut). A point at the paste
// position stays in front of the pasted block.
func throughMove(p, pos, n, paste int) int {
	if p > pos && p < pos+n {
		return paste + (p - pos)
	}
	q := shiftPoint(p, pos, n)
	if q > paste {
		q += n
	}
	return q
}

// shrinkRange maps [pos, pos+n) onto the text left after deleting
// [dpos, dpos+dn).
func shrinkRange(pos, n, dpos, dn int) (int, int) {
	end, dend := pos+n, dpos+dn
	switch {
	case dend <= pos:
		return pos - dn, n
	case end <= dpos:
		return pos, n
	}
	overlap := min(end, dend) - max(pos, dpos)
	return min(pos, dpos), n - overlap
}

func shiftPoint(p, dpos, dn int) int {
	switch {
	case p <= dpos:
		return p
	case p >= dpos+dn:
		return p - dn
	default:
		return dpos
	}
}
