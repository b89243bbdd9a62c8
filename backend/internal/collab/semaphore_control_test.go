package collab

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSemaphoreControl(t *testing.T) {
	s := NewSemaphoreControl(2)
	require.Equal(t, 2, s.Cap())

	require.True(t, s.TryAcquire())
	require.NoError(t, s.Acquire(context.Background()))
	require.False(t, s.TryAcquire())
	require.Equal(t, 2, s.InUse())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, s.Acquire(ctx), ErrAcquireTimeout)

	require.NoError(t, s.Release())
	require.NoError(t, s.Release())
	require.ErrorIs(t, s.Release(), ErrNotAcquired)
}

func TestSemaphoreControl_DefaultCapacity(t *testing.T) {
	require.Equal(t, MaxSemaphore, NewSemaphoreControl(0).Cap())
}
