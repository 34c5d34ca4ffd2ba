package docstore

import (
	"fmt"

	"github.com/maanworks/coedit/src/coedit/internal/protocol"
)

// The transform engine reconciles concurrent edits by rebasing an incoming
// operation's spans through every operation applied after its base revision.
// Internally spans are normalized to primitives: a span is either a pure
// insertion (DelLen == 0) or a pure deletion (InsText == ""). A combined
// replace span decomposes into a deletion followed by an insertion at the same
// position.

// decompose splits combined spans into pure primitives, dropping no-ops.
func decompose(spans []protocol.Span) []protocol.Span {
	prims := make([]protocol.Span, 0, len(spans))
	for _, s := range spans {
		if s.DelLen > 0 {
			prims = append(prims, protocol.Span{Pos: s.Pos, DelLen: s.DelLen})
		}
		if len(s.InsText) > 0 {
			prims = append(prims, protocol.Span{Pos: s.Pos, InsText: s.InsText})
		}
	}
	return prims
}

// transformPrim derives the bottom two sides of the OT diamond for two
// primitives sharing a base. b takes priority over a: b is the side that has
// already been applied, so for insert-insert conflicts at the same position a
// shifts right (last-applied-wins within overlapping ranges).
func transformPrim(a, b protocol.Span) (ap, bp protocol.Span) {
	switch {
	case a.DelLen == 0 && b.DelLen == 0:
		// Insert vs insert. When positions are equal, a shifts forward.
		if b.Pos <= a.Pos {
			a.Pos += len(b.InsText)
		} else {
			b.Pos += len(a.InsText)
		}
		return a, b

	case a.DelLen == 0:
		// a insert vs b delete.
		return transformInsertDelete(a, b)

	case b.DelLen == 0:
		// a delete vs b insert.
		bp, ap = transformInsertDelete(b, a)
		return ap, bp

	default:
		// Delete vs delete: the overlap is removed by whichever side applied
		// first, so both sides shrink by it.
		aEnd, bEnd := a.Pos+a.DelLen, b.Pos+b.DelLen
		if aEnd <= b.Pos {
			b.Pos -= a.DelLen
			return a, b
		}
		if bEnd <= a.Pos {
			a.Pos -= b.DelLen
			return a, b
		}
		pos := minInt(a.Pos, b.Pos)
		overlap := minInt(aEnd, bEnd) - maxInt(a.Pos, b.Pos)
		a = protocol.Span{Pos: pos, DelLen: a.DelLen - overlap}
		b = protocol.Span{Pos: pos, DelLen: b.DelLen - overlap}
		return a, b
	}
}

// transformInsertDelete derives the bottom two sides of the OT diamond where a
// is an insert and b is a delete. An insertion at the exact boundary of the
// deletion is kept; only an insertion strictly inside the deleted range is
// dropped (the delete then swallows it).
func transformInsertDelete(a, b protocol.Span) (ap, bp protocol.Span) {
	switch {
	case a.Pos <= b.Pos:
		// Insert at or before the delete. Delete shifts forward.
		b.Pos += len(a.InsText)
		return a, b
	case a.Pos >= b.Pos+b.DelLen:
		// Insert at or after the end of the delete. Insert shifts backward.
		a.Pos -= b.DelLen
		return a, b
	default:
		// Insert strictly inside the deleted range: the insert collapses to
		// nothing and the delete expands to include it.
		b.DelLen += len(a.InsText)
		a = protocol.Span{Pos: b.Pos}
		return a, b
	}
}

// rebase transforms the primitives of an incoming operation through the
// primitives of one previously applied operation. Both lists are sequential;
// the applied side is carried forward through the sweep so later comparisons
// see its shifted positions.
func rebase(incoming, applied []protocol.Span) []protocol.Span {
	out := make([]protocol.Span, len(incoming))
	copy(out, incoming)
	for _, b := range applied {
		for j := range out {
			out[j], b = transformPrim(out[j], b)
		}
	}
	return compact(out)
}

// compact drops primitives that no longer have any effect after rebasing.
func compact(prims []protocol.Span) []protocol.Span {
	out := prims[:0]
	for _, p := range prims {
		if p.DelLen == 0 && len(p.InsText) == 0 {
			continue
		}
		out = append(out, p)
	}
	return out
}

// applySpans applies sequential primitives to text. Positions out of bounds
// indicate an edit whose target region cannot be located; callers surface that
// as a stale base.
func applySpans(text string, prims []protocol.Span) (string, error) {
	for _, p := range prims {
		if p.Pos < 0 || p.Pos > len(text) {
			return "", fmt.Errorf("span position %d out of bounds for length %d", p.Pos, len(text))
		}
		if p.DelLen > 0 {
			if p.Pos+p.DelLen > len(text) {
				return "", fmt.Errorf("deletion [%d,%d) out of bounds for length %d", p.Pos, p.Pos+p.DelLen, len(text))
			}
			text = text[:p.Pos] + text[p.Pos+p.DelLen:]
		}
		if len(p.InsText) > 0 {
			text = text[:p.Pos] + p.InsText + text[p.Pos:]
		}
	}
	return text, nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
