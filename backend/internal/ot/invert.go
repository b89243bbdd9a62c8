package ot

import (
	"golang.org/x/xerrors"

	"workspace-collab/backend/internal/ot/delta"
)

// Invert returns the operation that undoes op, given the content op is about
// to be applied to. Deleted text can only be recovered from that content, so
// callers must invert before applying (or hold the pre-apply content).
// The inverse is addressed against the content after op, at version
// op.BaseVersion + 1.
func Invert(op TextOperation, content string) (TextOperation, error) {
	if err := Validate(op); err != nil {
		return TextOperation{}, err
	}
	src := []rune(content)
	if _, err := ToDelta(op, len(src)); err != nil {
		return TextOperation{}, err
	}

	inv := make([]Operation, 0, len(op.Operations))
	offset := 0
	for _, o := range Normalize(op.Operations) {
		if o.Size() == 0 {
			continue
		}
		at := o.Position + offset
		switch o.Kind {
		case delta.KindInsert:
			inv = append(inv, Delete(at, o.Size()))
			offset += o.Size()
		case delta.KindDelete:
			inv = append(inv, Insert(at, string(src[o.Position:o.Position+o.Length])))
			offset -= o.Length
		}
	}

	return TextOperation{
		Operations:  inv,
		BaseVersion: op.BaseVersion + 1,
		Author:      op.Author,
		Timestamp:   op.Timestamp,
	}, nil
}

// Compose merges two consecutive operations, b authored on the result of a,
// into one operation against a's base. Used to compact history; the apply
// path never composes.
func Compose(a, b TextOperation) (TextOperation, error) {
	if b.BaseVersion != a.BaseVersion+1 {
		return TextOperation{}, xerrors.Errorf("base versions %d and %d: %w", a.BaseVersion, b.BaseVersion, ErrNotConsecutive)
	}
	if err := Validate(a); err != nil {
		return TextOperation{}, err
	}
	if err := Validate(b); err != nil {
		return TextOperation{}, err
	}
	da, err := ToDelta(a, -1)
	if err != nil {
		return TextOperation{}, err
	}
	db, err := ToDelta(b, -1)
	if err != nil {
		return TextOperation{}, err
	}

	res := a
	res.Operations = FromDelta(delta.Compose(da, db))
	if b.Timestamp.After(a.Timestamp) {
		res.Timestamp = b.Timestamp
	}
	return res, nil
}
