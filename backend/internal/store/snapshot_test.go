package store

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"workspace-collab/backend/internal/collab"
)

func newTestStore(t *testing.T) *SnapshotStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), gormConfig())
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// 内存库只在同一个连接内可见
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, Migrate(db))
	return NewSnapshotStore(db)
}

func TestSnapshotStore_SaveAndLoadLatest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.Load(ctx, "ws:doc")
	require.ErrorIs(t, err, collab.ErrSnapshotNotFound)

	require.NoError(t, s.Save(ctx, "ws:doc", "v1", 1))
	require.NoError(t, s.Save(ctx, "ws:doc", "v3", 3))
	require.NoError(t, s.Save(ctx, "ws:other", "x", 9))

	content, version, err := s.Load(ctx, "ws:doc")
	require.NoError(t, err)
	require.Equal(t, "v3", content)
	require.Equal(t, 3, version)
}

func TestSnapshotStore_DuplicateVersionIsIgnored(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "ws:doc", "first", 2))
	require.NoError(t, s.Save(ctx, "ws:doc", "second", 2))

	content, _, err := s.Load(ctx, "ws:doc")
	require.NoError(t, err)
	require.Equal(t, "first", content)
}

func TestSnapshotStore_Prune(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for v := 1; v <= 5; v++ {
		require.NoError(t, s.Save(ctx, "ws:doc", "c", v))
	}

	n, err := s.Prune(ctx, "ws:doc", 2)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	var versions []int
	require.NoError(t, s.db.Model(&DocumentSnapshot{}).Order("version").Pluck("version", &versions).Error)
	require.Equal(t, []int{4, 5}, versions)

	n, err = s.Prune(ctx, "ws:missing", 2)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestSnapshotStore_RestoresEngine(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, "ws:doc", "saved text", 4))

	e := collab.NewEngine(collab.NewStore(), s, zerolog.Nop())
	require.NoError(t, e.Restore(ctx, "ws:doc"))
	st, err := e.Snapshot("ws:doc")
	require.NoError(t, err)
	require.Equal(t, "saved text", st.Content)
	require.Equal(t, 4, st.Version)
}
