// Package ot implements operational transformation over plain text.
//
// A TextOperation is a list of position-addressed edits. Every position is an
// offset into the content the operation was authored against; edits are
// applied in ascending position order with a running offset. Positions and
// lengths count Unicode code points.
package ot

import (
	"errors"
	"sort"
	"time"

	"golang.org/x/xerrors"

	"workspace-collab/backend/internal/ot/delta"
)

var (
	ErrMalformed      = errors.New("malformed operation")
	ErrOutOfBounds    = errors.New("operation out of bounds")
	ErrNotConsecutive = errors.New("operations are not consecutive")
)

// Operation is one atomic edit.
type Operation struct {
	Kind     delta.Kind `json:"kind"`
	Position int        `json:"position"`
	Content  string     `json:"content,omitempty"` // insert only
	Length   int        `json:"length,omitempty"`  // delete / retain
}

// TextOperation is an author-attributed, version-tagged bundle of edits.
type TextOperation struct {
	Operations  []Operation `json:"operations"`
	BaseVersion int         `json:"baseVersion"`
	Author      string      `json:"author"`
	Timestamp   time.Time   `json:"timestamp"`
}

func Insert(pos int, content string) Operation {
	return Operation{Kind: delta.KindInsert, Position: pos, Content: content}
}

func Delete(pos, length int) Operation {
	return Operation{Kind: delta.KindDelete, Position: pos, Length: length}
}

func Retain(pos, length int) Operation {
	return Operation{Kind: delta.KindRetain, Position: pos, Length: length}
}

// Size is the number of code points an insert adds or a delete removes.
func (o Operation) Size() int {
	if o.Kind == delta.KindInsert {
		return len([]rune(o.Content))
	}
	return o.Length
}

// IsNoop reports whether the operation leaves every document unchanged.
func (op TextOperation) IsNoop() bool {
	for _, o := range op.Operations {
		if o.Kind != delta.KindRetain && o.Size() > 0 {
			return false
		}
	}
	return true
}

// Validate checks the shape of op without looking at any content.
func Validate(op TextOperation) error {
	if op.BaseVersion < 0 {
		return xerrors.Errorf("negative base version %d: %w", op.BaseVersion, ErrMalformed)
	}
	for i, o := range op.Operations {
		switch o.Kind {
		case delta.KindInsert, delta.KindDelete, delta.KindRetain:
		default:
			return xerrors.Errorf("edit %d has unknown kind %q: %w", i, o.Kind, ErrMalformed)
		}
		if o.Position < 0 || o.Length < 0 {
			return xerrors.Errorf("edit %d has negative position or length: %w", i, ErrMalformed)
		}
	}
	return nil
}

func kindRank(k delta.Kind) int {
	switch k {
	case delta.KindInsert:
		return 0
	case delta.KindRetain:
		return 1
	default:
		return 2
	}
}

// Normalize returns the edits in apply order: ascending position, and at an
// equal position inserts before retains before deletes. Input order is kept
// otherwise, so two inserts at one position land in the order given.
func Normalize(ops []Operation) []Operation {
	out := make([]Operation, len(ops))
	copy(out, ops)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return kindRank(out[i].Kind) < kindRank(out[j].Kind)
	})
	return out
}

// ToDelta converts op into the sequential retain/insert/delete form used by
// text buffers. docLen < 0 skips the upper bound checks. An edit that starts
// inside text already consumed by an earlier delete is out of bounds.
func ToDelta(op TextOperation, docLen int) (delta.Delta, error) {
	var d delta.Delta
	cursor := 0
	for _, o := range Normalize(op.Operations) {
		if o.Kind == delta.KindRetain {
			if docLen >= 0 && o.Position+o.Length > docLen {
				return nil, xerrors.Errorf("retain [%d,%d) past length %d: %w", o.Position, o.Position+o.Length, docLen, ErrOutOfBounds)
			}
			continue
		}
		if o.Size() == 0 {
			// no-op edit, e.g. a delete whose range was already removed
			if docLen >= 0 && o.Position > docLen {
				return nil, xerrors.Errorf("%s at %d past length %d: %w", o.Kind, o.Position, docLen, ErrOutOfBounds)
			}
			continue
		}
		if o.Position < cursor {
			return nil, xerrors.Errorf("%s at %d overlaps an earlier delete ending at %d: %w", o.Kind, o.Position, cursor, ErrOutOfBounds)
		}
		if docLen >= 0 && o.Position > docLen {
			return nil, xerrors.Errorf("%s at %d past length %d: %w", o.Kind, o.Position, docLen, ErrOutOfBounds)
		}
		d = d.Push(delta.Op{Kind: delta.KindRetain, Count: o.Position - cursor})
		cursor = o.Position
		switch o.Kind {
		case delta.KindInsert:
			d = d.Push(delta.Op{Kind: delta.KindInsert, Text: o.Content})
		case delta.KindDelete:
			if docLen >= 0 && o.Position+o.Length > docLen {
				return nil, xerrors.Errorf("delete [%d,%d) past length %d: %w", o.Position, o.Position+o.Length, docLen, ErrOutOfBounds)
			}
			d = d.Push(delta.Op{Kind: delta.KindDelete, Count: o.Length})
			cursor += o.Length
		}
	}
	return d, nil
}

// FromDelta converts a sequential delta back into position-addressed edits.
func FromDelta(d delta.Delta) []Operation {
	var ops []Operation
	cursor := 0
	for _, step := range d {
		switch step.Kind {
		case delta.KindRetain:
			cursor += step.Count
		case delta.KindInsert:
			ops = append(ops, Insert(cursor, step.Text))
		case delta.KindDelete:
			ops = append(ops, Delete(cursor, step.Count))
			cursor += step.Count
		}
	}
	return ops
}

// Apply applies op to content. It never clamps: any edit outside
// [0, len(content)] rejects the whole operation.
func Apply(content string, op TextOperation) (string, error) {
	if err := Validate(op); err != nil {
		return "", err
	}
	d, err := ToDelta(op, len([]rune(content)))
	if err != nil {
		return "", err
	}
	return delta.Apply(content, d)
}
