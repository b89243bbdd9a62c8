package ot

import "workspace-collab/backend/internal/ot/delta"

type span struct {
	pos, length int
}

// mapper translates offsets in the base content of a committed operation into
// offsets in the content after it. Queries are expected in ascending order;
// the cursors only move forward, so mapping a whole sorted edit list is a
// single merge pass over both lists.
type mapper struct {
	ins []Operation // non-empty inserts of the committed op, ascending
	del []Operation // non-empty deletes of the committed op, ascending, disjoint

	i, d     int
	insShift int // size of inserts strictly before the last query
	delShift int // size of deletes ending at or before the last query
	last     int
}

func newMapper(op TextOperation) *mapper {
	m := &mapper{}
	for _, o := range Normalize(op.Operations) {
		if o.Size() == 0 {
			continue
		}
		switch o.Kind {
		case delta.KindInsert:
			m.ins = append(m.ins, o)
		case delta.KindDelete:
			m.del = append(m.del, o)
		}
	}
	return m
}

func (m *mapper) reset() {
	m.i, m.d, m.insShift, m.delShift, m.last = 0, 0, 0, 0, 0
}

// point maps offset x. With tie set, inserts sitting exactly at x also push
// x to the right.
func (m *mapper) point(x int, tie bool) int {
	if x < m.last {
		// out-of-order query, only happens for malformed input
		m.reset()
	}
	m.last = x
	for m.i < len(m.ins) && m.ins[m.i].Position < x {
		m.insShift += m.ins[m.i].Size()
		m.i++
	}
	for m.d < len(m.del) && m.del[m.d].Position+m.del[m.d].Length <= x {
		m.delShift += m.del[m.d].Length
		m.d++
	}
	shift := m.insShift - m.delShift
	if m.d < len(m.del) && m.del[m.d].Position < x {
		// x falls inside a deleted range: collapse onto its start
		shift -= x - m.del[m.d].Position
	}
	if tie {
		for j := m.i; j < len(m.ins) && m.ins[j].Position == x; j++ {
			shift += m.ins[j].Size()
		}
	}
	return x + shift
}

// cover maps the range [p, p+l) to the spans of it that survive the committed
// op, in post-op offsets. Ranges already deleted vanish; text inserted strictly
// inside the range splits it; adjacent survivors merge.
func (m *mapper) cover(p, l int) []span {
	end := p + l
	m.point(p, true)

	var segs [][2]int
	cur := p
	for j := m.d; j < len(m.del) && m.del[j].Position < end; j++ {
		ds, de := m.del[j].Position, m.del[j].Position+m.del[j].Length
		if ds > cur {
			segs = append(segs, [2]int{cur, ds})
		}
		if de > cur {
			cur = de
		}
	}
	if cur < end {
		segs = append(segs, [2]int{cur, end})
	}

	var pieces [][2]int
	k := m.i
	for _, s := range segs {
		a, b := s[0], s[1]
		for k < len(m.ins) && m.ins[k].Position <= a {
			k++
		}
		for k < len(m.ins) && m.ins[k].Position < b {
			q := m.ins[k].Position
			pieces = append(pieces, [2]int{a, q})
			a = q
			for k < len(m.ins) && m.ins[k].Position == q {
				k++
			}
		}
		pieces = append(pieces, [2]int{a, b})
	}

	var spans []span
	for _, pc := range pieces {
		pos := m.point(pc[0], true)
		n := pc[1] - pc[0]
		if last := len(spans) - 1; last >= 0 && spans[last].pos+spans[last].length == pos {
			spans[last].length += n
			continue
		}
		spans = append(spans, span{pos: pos, length: n})
	}
	return spans
}

// Transform rewrites op1 so it applies after op2, where both were authored
// against the same content and op2 is already committed.
//
// Inserts at the same offset are ordered by author id: the larger id goes
// right. When the authors are equal op1 goes right, since op2 committed first.
// A delete whose whole range op2 already removed becomes a zero-length delete.
// The result's base version is op2.BaseVersion + 1.
func Transform(op1, op2 TextOperation) TextOperation {
	m := newMapper(op2)
	insertTie := op1.Author >= op2.Author

	out := make([]Operation, 0, len(op1.Operations))
	for _, o := range Normalize(op1.Operations) {
		switch o.Kind {
		case delta.KindInsert:
			out = append(out, Insert(m.point(o.Position, insertTie), o.Content))
		case delta.KindDelete:
			spans := m.cover(o.Position, o.Length)
			if len(spans) == 0 {
				out = append(out, Delete(m.point(o.Position, true), 0))
				continue
			}
			for _, s := range spans {
				out = append(out, Delete(s.pos, s.length))
			}
		case delta.KindRetain:
			spans := m.cover(o.Position, o.Length)
			if len(spans) == 0 {
				out = append(out, Retain(m.point(o.Position, true), 0))
				continue
			}
			first, last := spans[0], spans[len(spans)-1]
			out = append(out, Retain(first.pos, last.pos+last.length-first.pos))
		default:
			out = append(out, o)
		}
	}

	res := op1
	res.Operations = out
	res.BaseVersion = op2.BaseVersion + 1
	return res
}

// TransformAll transforms op against each committed operation in order.
func TransformAll(op TextOperation, committed []TextOperation) TextOperation {
	for _, c := range committed {
		op = Transform(op, c)
	}
	return op
}
