package ot

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"workspace-collab/backend/internal/ot/delta"
)

func TestApply_RunningOffset(t *testing.T) {
	// 位置都相对于原文：先插入后删除，删除位置随插入长度后移
	got := mustApply(t, "abcdef", op("a", 0, Delete(3, 2), Insert(1, "X")))
	require.Equal(t, "aXbcf", got)
}

func TestApply_InsertBeforeDeleteAtSamePosition(t *testing.T) {
	got := mustApply(t, "abc", op("a", 0, Delete(1, 1), Insert(1, "X")))
	require.Equal(t, "aXc", got)
}

func TestApply_RejectsOutOfBounds(t *testing.T) {
	cases := []TextOperation{
		op("a", 0, Insert(6, "x")),
		op("a", 0, Delete(3, 3)),
		op("a", 0, Retain(0, 9)),
		op("a", 0, Delete(0, 3), Insert(2, "x")),
	}
	for _, c := range cases {
		_, err := Apply("hello", c)
		require.ErrorIs(t, err, ErrOutOfBounds)
	}
}

func TestApply_RejectsMalformed(t *testing.T) {
	cases := []TextOperation{
		op("a", -1, Insert(0, "x")),
		op("a", 0, Operation{Kind: "replace", Position: 0}),
		op("a", 0, Delete(-1, 1)),
		op("a", 0, Delete(0, -2)),
	}
	for _, c := range cases {
		_, err := Apply("hello", c)
		require.True(t, errors.Is(err, ErrMalformed), "%v", err)
	}
}

func TestNormalize_StableWithinPosition(t *testing.T) {
	got := Normalize([]Operation{Delete(2, 1), Insert(2, "a"), Insert(0, "z"), Insert(2, "b")})
	require.Equal(t, []Operation{Insert(0, "z"), Insert(2, "a"), Insert(2, "b"), Delete(2, 1)}, got)
}

func TestToDelta_Sequential(t *testing.T) {
	d, err := ToDelta(op("a", 0, Insert(1, "X"), Delete(3, 2)), 6)
	require.NoError(t, err)
	require.Equal(t, delta.Delta{
		{Kind: delta.KindRetain, Count: 1},
		{Kind: delta.KindInsert, Text: "X"},
		{Kind: delta.KindRetain, Count: 2},
		{Kind: delta.KindDelete, Count: 2},
	}, d)
	require.Equal(t, []Operation{Insert(1, "X"), Delete(3, 2)}, FromDelta(d))
}

func TestInvert_RestoresContent(t *testing.T) {
	base := "abcdef"
	o := op("alice", 4, Insert(1, "X"), Delete(3, 2))

	inv, err := Invert(o, base)
	require.NoError(t, err)
	require.Equal(t, 5, inv.BaseVersion)
	require.Equal(t, []Operation{Delete(1, 1), Insert(4, "de")}, inv.Operations)

	after := mustApply(t, base, o)
	require.Equal(t, "aXbcf", after)
	require.Equal(t, base, mustApply(t, after, inv))
}

func TestInvert_RejectsOutOfBounds(t *testing.T) {
	_, err := Invert(op("a", 0, Delete(2, 10)), "abc")
	require.ErrorIs(t, err, ErrOutOfBounds)
}

func TestCompose_EqualsSequentialApply(t *testing.T) {
	cases := []struct {
		base string
		a, b TextOperation
	}{
		{"hello", op("a", 0, Insert(5, " world")), op("a", 1, Insert(0, "Oh, "))},
		{"abc", op("a", 0, Insert(1, "X")), op("a", 1, Delete(1, 1))},
		{"abcdef", op("a", 0, Delete(1, 2)), op("a", 1, Insert(1, "ZZ"), Delete(2, 1))},
		{"abcdef", op("a", 0, Insert(3, "123")), op("a", 1, Delete(2, 3))},
	}
	for _, tc := range cases {
		ab, err := Compose(tc.a, tc.b)
		require.NoError(t, err)
		require.Equal(t, tc.a.BaseVersion, ab.BaseVersion)
		want := mustApply(t, mustApply(t, tc.base, tc.a), tc.b)
		require.Equal(t, want, mustApply(t, tc.base, ab))
	}
}

func TestCompose_InsertThenDeleteCancels(t *testing.T) {
	ab, err := Compose(op("a", 0, Insert(1, "X")), op("a", 1, Delete(1, 1)))
	require.NoError(t, err)
	require.Empty(t, ab.Operations)
}

func TestCompose_RequiresConsecutiveVersions(t *testing.T) {
	_, err := Compose(op("a", 0, Insert(0, "x")), op("a", 3, Insert(0, "y")))
	require.ErrorIs(t, err, ErrNotConsecutive)
}
