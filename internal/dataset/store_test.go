package dataset_test

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohammed-shakir/trail-cache/internal/core/model"
	"github.com/mohammed-shakir/trail-cache/internal/dataset"
	"github.com/mohammed-shakir/trail-cache/internal/dataset/datasettest"
	"github.com/mohammed-shakir/trail-cache/internal/logger"
)

func countTrails(t *testing.T, s *dataset.Store) int {
	t.Helper()
	var n int
	err := s.Read(context.Background(), func(ctx context.Context, db *sql.DB) error {
		return db.QueryRowContext(ctx, `SELECT COUNT(*) FROM trails`).Scan(&n)
	})
	require.NoError(t, err)
	return n
}

func TestOpen_MissingFileIsStorageUnavailable(t *testing.T) {
	_, err := dataset.Open(context.Background(), filepath.Join(t.TempDir(), "nope.db"), logger.Nop())
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrStorageUnavailable)
}

func TestOpen_NotADatasetIsRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.db")
	require.NoError(t, os.WriteFile(path, []byte("definitely not sqlite"), 0o644))
	_, err := dataset.Open(context.Background(), path, logger.Nop())
	assert.ErrorIs(t, err, model.ErrStorageUnavailable)
}

func TestOpen_ReadOnly(t *testing.T) {
	path := datasettest.Create(t, "trails.db", datasettest.Philadelphia())
	s, err := dataset.Open(context.Background(), path, logger.Nop())
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, 5, countTrails(t, s))
	err = s.Read(context.Background(), func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, `DELETE FROM trails`)
		return err
	})
	assert.Error(t, err, "writes must be rejected on the read-only handle")
}

func TestMetadata(t *testing.T) {
	path := datasettest.Create(t, "trails.db", datasettest.Philadelphia())
	s, err := dataset.Open(context.Background(), path, logger.Nop())
	require.NoError(t, err)
	defer s.Close()

	v, err := s.Metadata(context.Background(), "db_version")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", v)

	_, err = s.Metadata(context.Background(), "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestSwap_ReplacesBackingFile(t *testing.T) {
	oldPath := datasettest.Create(t, "old.db", datasettest.Philadelphia())
	fx := datasettest.Philadelphia()
	fx.Trails = fx.Trails[:2]
	newPath := datasettest.Create(t, "new.db", fx)

	s, err := dataset.Open(context.Background(), oldPath, logger.Nop())
	require.NoError(t, err)
	defer s.Close()
	require.Equal(t, 5, countTrails(t, s))

	require.NoError(t, s.Swap(context.Background(), newPath))
	assert.Equal(t, 2, countTrails(t, s))
	assert.Equal(t, newPath, s.Path())
}

func TestSwap_BadFileKeepsOldHandle(t *testing.T) {
	path := datasettest.Create(t, "trails.db", datasettest.Philadelphia())
	s, err := dataset.Open(context.Background(), path, logger.Nop())
	require.NoError(t, err)
	defer s.Close()

	err = s.Swap(context.Background(), filepath.Join(t.TempDir(), "missing.db"))
	require.ErrorIs(t, err, model.ErrStorageUnavailable)
	assert.Equal(t, 5, countTrails(t, s))
	assert.Equal(t, path, s.Path())
}

func TestClose_ThenReadFails(t *testing.T) {
	path := datasettest.Create(t, "trails.db", datasettest.Philadelphia())
	s, err := dataset.Open(context.Background(), path, logger.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Ping(context.Background()), model.ErrStorageUnavailable)
}

func TestOptimize_CreatesIndexes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raw.db")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE trails (id INTEGER PRIMARY KEY, name TEXT NOT NULL, length REAL, difficulty TEXT,
		elevation_gain REAL, route_type TEXT, latitude REAL NOT NULL, longitude REAL NOT NULL, park_id INTEGER,
		surface_type TEXT, is_accessible INTEGER)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	require.NoError(t, dataset.Optimize(context.Background(), path))

	db, err = sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name='idx_trails_location'`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestVerify_RejectsDatasetWithoutTrails(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, dataset.Verify(ctx, datasettest.Create(t, "full.db", datasettest.Philadelphia())))

	empty := filepath.Join(t.TempDir(), "empty.db")
	require.NoError(t, dataset.Bootstrap(ctx, empty))
	err := dataset.Verify(ctx, empty)
	require.ErrorIs(t, err, model.ErrStorageUnavailable)
	assert.Contains(t, err.Error(), "no trails")
}
