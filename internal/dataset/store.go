// Package dataset opens the local trails/parks/POI database read-only and
// lets the version manager swap its backing file.
package dataset

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/mohammed-shakir/trail-cache/internal/core/model"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Store is a read-only view of the active dataset file. Queries run under a
// read lock so a Swap never lands in the middle of one.
type Store struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// Open opens path read-only. A missing or unreadable file is
// model.ErrStorageUnavailable.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := openReadOnly(ctx, path)
	if err != nil {
		return nil, err
	}
	logger.Info("dataset opened", "path", path)
	return &Store{db: db, path: path, logger: logger}, nil
}

func openReadOnly(ctx context.Context, path string) (*sql.DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: stat dataset %q: %v", model.ErrStorageUnavailable, path, err)
	}
	dsn := fmt.Sprintf("file:%s?mode=ro&_busy_timeout=5000&_query_only=true", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open dataset: %v", model.ErrStorageUnavailable, err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)
	db.SetConnMaxIdleTime(15 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: ping dataset: %v", model.ErrStorageUnavailable, err)
	}
	// reject files that are not a trails dataset before they become active
	var n int
	row := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='trails'`)
	if err := row.Scan(&n); err != nil || n == 0 {
		_ = db.Close()
		if err == nil {
			err = errors.New("trails table missing")
		}
		return nil, fmt.Errorf("%w: validate dataset: %v", model.ErrStorageUnavailable, err)
	}
	return db, nil
}

// Verify checks that path opens read-only as a trails dataset holding at
// least one trail.
func Verify(ctx context.Context, path string) error {
	db, err := openReadOnly(ctx, path)
	if err != nil {
		return err
	}
	defer db.Close()
	var n int64
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM trails`).Scan(&n); err != nil {
		return fmt.Errorf("%w: count trails: %v", model.ErrStorageUnavailable, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: dataset has no trails", model.ErrStorageUnavailable)
	}
	return nil
}

// Read runs fn with the current connection held under the read lock.
func (s *Store) Read(ctx context.Context, fn func(ctx context.Context, db *sql.DB) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return fmt.Errorf("%w: dataset closed", model.ErrStorageUnavailable)
	}
	return fn(ctx, s.db)
}

// Swap reopens the store on path. The new file is opened and validated
// before the old handle is released; on error the old handle stays active.
func (s *Store) Swap(ctx context.Context, path string) error {
	db, err := openReadOnly(ctx, path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	old := s.db
	s.db = db
	s.path = path
	s.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			s.logger.Warn("close previous dataset handle", "err", err)
		}
	}
	s.logger.Info("dataset swapped", "path", path)
	return nil
}

func (s *Store) Path() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.path
}

// Ping reports whether the active file is readable.
func (s *Store) Ping(ctx context.Context) error {
	return s.Read(ctx, func(ctx context.Context, db *sql.DB) error {
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("%w: %v", model.ErrStorageUnavailable, err)
		}
		return nil
	})
}

// Metadata reads a value from app_metadata. Missing keys (or a dataset
// without the table) return model.ErrNotFound.
func (s *Store) Metadata(ctx context.Context, key string) (string, error) {
	var v sql.NullString
	err := s.Read(ctx, func(ctx context.Context, db *sql.DB) error {
		return db.QueryRowContext(ctx, `SELECT value FROM app_metadata WHERE key = ?`, key).Scan(&v)
	})
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", model.ErrNotFound
	case err != nil:
		if errors.Is(err, model.ErrStorageUnavailable) {
			return "", err
		}
		// older datasets ship without app_metadata
		return "", fmt.Errorf("%w: metadata %q: %v", model.ErrNotFound, key, err)
	}
	return v.String, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return fmt.Errorf("close dataset: %w", err)
	}
	return nil
}

// Bootstrap creates or upgrades a writable dataset at path: schema and
// query indexes via the embedded migrations.
func Bootstrap(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("open dataset for bootstrap: %w", err)
	}
	defer db.Close()
	return migrate(ctx, db)
}

func migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to run dataset migrations: %w", err)
	}
	return nil
}

// Optimize applies the query index set to an existing dataset and refreshes
// planner statistics.
func Optimize(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("%w: stat dataset %q: %v", model.ErrStorageUnavailable, path, err)
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("open dataset for optimize: %w", err)
	}
	defer db.Close()

	if err := migrate(ctx, db); err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, "ANALYZE"); err != nil {
		return fmt.Errorf("analyze: %w", err)
	}
	return nil
}
