package persistence

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexcodex/dbtmigrate/framework"
	"github.com/lexcodex/dbtmigrate/metrics"
)

func sampleState(runID string, updated time.Time) *framework.MigrationState {
	meta := &framework.Metadata{Tables: []framework.SourceObject{{Name: "Orders"}}}
	state := framework.NewMigrationState(runID, meta, "/tmp/project")
	state.Phase = framework.PhaseTesting
	score := 0.5
	state.Models = []framework.ModelState{
		{Name: "stg_orders", SourceObject: "Orders", Kind: framework.KindTable, Layer: framework.LayerStaging,
			Status: framework.StatusRebuilding, Attempts: 2, Errors: []string{"a", "b"}, ValidationScore: &score},
		{Name: "stg_customers", SourceObject: "Customers", Status: framework.StatusCompleted, Errors: []string{}},
	}
	state.CompletedCount = 1
	state.Errors = []string{"stg_orders: a"}
	state.CreatedAt = updated.Add(-time.Minute)
	state.UpdatedAt = updated
	return state
}

// exerciseStore runs the shared contract against any SnapshotStore.
func exerciseStore(t *testing.T, store SnapshotStore) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := store.Load(ctx, "missing")
	require.ErrorIs(t, err, framework.ErrSnapshotNotFound)

	first := sampleState("run-1", base)
	require.NoError(t, store.Save(ctx, first))
	loaded, err := store.Load(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, first.Models, loaded.Models)
	assert.Equal(t, first.Phase, loaded.Phase)
	assert.Equal(t, first.Errors, loaded.Errors)
	assert.Equal(t, 1, loaded.CompletedCount)
	assert.True(t, first.UpdatedAt.Equal(loaded.UpdatedAt))
	require.NotNil(t, loaded.Metadata)
	assert.Equal(t, "Orders", loaded.Metadata.Tables[0].Name)

	first.Phase = framework.PhaseCompleted
	first.Models[0].Status = framework.StatusFailed
	require.NoError(t, store.Save(ctx, first))
	loaded, err = store.Load(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, framework.PhaseCompleted, loaded.Phase)

	require.NoError(t, store.Save(ctx, sampleState("run-2", base.Add(time.Hour))))
	infos, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "run-2", infos[0].RunID)
	assert.Equal(t, SnapshotInfo{RunID: "run-1", Phase: framework.PhaseCompleted, Models: 2, Completed: 1, Failed: 1, UpdatedAt: infos[1].UpdatedAt}, infos[1])

	if archiver, ok := store.(Archiver); ok {
		require.NoError(t, archiver.Archive(ctx, "run-1"))
		loaded, err = store.Load(ctx, "run-1")
		require.NoError(t, err)
		assert.Equal(t, "run-1", loaded.RunID)
		infos, err = store.List(ctx)
		require.NoError(t, err)
		archived := map[string]bool{}
		for _, info := range infos {
			archived[info.RunID] = info.Archived
		}
		assert.True(t, archived["run-1"])
		assert.False(t, archived["run-2"])
	}

	require.NoError(t, store.Delete(ctx, "run-1"))
	_, err = store.Load(ctx, "run-1")
	assert.ErrorIs(t, err, framework.ErrSnapshotNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "run-1"), framework.ErrSnapshotNotFound)

	var cfgErr *framework.ConfigurationError
	assert.ErrorAs(t, store.Save(ctx, sampleState("../escape", base)), &cfgErr)
}

func TestFileSnapshotStore(t *testing.T) {
	store, err := NewFileSnapshotStore(t.TempDir())
	require.NoError(t, err)
	exerciseStore(t, store)
}

func TestFileSnapshotStoreLeavesNoTempFiles(t *testing.T) {
	root := t.TempDir()
	store, err := NewFileSnapshotStore(root)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, store.Save(context.Background(), sampleState("run-x", time.Now())))
	}
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "run-x.json", entries[0].Name())
}

func TestFileSnapshotStoreCancelledSave(t *testing.T) {
	store, err := NewFileSnapshotStore(t.TempDir())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, store.Save(ctx, sampleState("run-1", time.Now())), context.Canceled)
}

func TestSQLiteSnapshotStore(t *testing.T) {
	store, err := NewSQLiteSnapshotStore(filepath.Join(t.TempDir(), "snapshots.db"))
	require.NoError(t, err)
	defer store.Close()
	exerciseStore(t, store)
}

func TestRedisSnapshotStore(t *testing.T) {
	url := os.Getenv("DBTMIGRATE_TEST_REDIS_URL")
	if url == "" {
		t.Skip("DBTMIGRATE_TEST_REDIS_URL not set")
	}
	store, err := NewRedisSnapshotStore(url)
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Ping(context.Background()))
	for _, id := range []string{"run-1", "run-2"} {
		_ = store.Delete(context.Background(), id)
	}
	exerciseStore(t, store)
	_ = store.Delete(context.Background(), "run-2")
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	store, closer, err := Open(Config{Path: filepath.Join(dir, "files")})
	require.NoError(t, err)
	assert.IsType(t, &FileSnapshotStore{}, store)
	assert.NoError(t, closer.Close())

	store, closer, err = Open(Config{Driver: DriverSQLite, Path: filepath.Join(dir, "db")})
	require.NoError(t, err)
	assert.IsType(t, &SQLiteSnapshotStore{}, store)
	assert.FileExists(t, filepath.Join(dir, "db", "snapshots.db"))
	assert.NoError(t, closer.Close())

	var cfgErr *framework.ConfigurationError
	_, _, err = Open(Config{Driver: DriverRedis})
	assert.ErrorAs(t, err, &cfgErr)
	_, _, err = Open(Config{Driver: "etcd"})
	assert.ErrorAs(t, err, &cfgErr)
}

type failingStore struct{ SnapshotStore }

func (failingStore) Save(ctx context.Context, state *framework.MigrationState) error {
	return os.ErrPermission
}

func TestMeteredCountsWrites(t *testing.T) {
	inner, err := NewFileSnapshotStore(t.TempDir())
	require.NoError(t, err)
	m := metrics.New()
	store := &Metered{SnapshotStore: inner, Name: "file", Metrics: m}
	require.NoError(t, store.Save(context.Background(), sampleState("run-1", time.Now())))
	require.NoError(t, store.Archive(context.Background(), "run-1"))

	bad := &Metered{SnapshotStore: failingStore{}, Name: "file", Metrics: m}
	assert.ErrorIs(t, bad.Save(context.Background(), sampleState("run-2", time.Now())), os.ErrPermission)
	assert.Error(t, bad.Archive(context.Background(), "run-2"))

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	counts := map[string]float64{}
	for _, f := range families {
		if f.GetName() != "dbtmigrate_snapshot_writes_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "outcome" {
					counts[label.GetValue()] = metric.GetCounter().GetValue()
				}
			}
		}
	}
	assert.Equal(t, map[string]float64{"ok": 1, "error": 1}, counts)
}
