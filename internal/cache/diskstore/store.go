// Package diskstore persists entity cache records as files on an afero
// filesystem, one file per key.
package diskstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/spf13/afero"

	"github.com/mohammed-shakir/trail-cache/internal/cache"
	"github.com/mohammed-shakir/trail-cache/internal/core/observability"
)

// Store writes each record to "<dir>/<xxhash(key)>.rec". Writes go through
// a temp file and a rename so a reader never sees a torn record.
type Store struct {
	fs  afero.Fs
	dir string
}

var _ cache.Store = (*Store)(nil)

func New(fsys afero.Fs, dir string) (*Store, error) {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir %q: %w", dir, err)
	}
	return &Store{fs: fsys, dir: dir}, nil
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, strconv.FormatUint(xxhash.Sum64String(key), 16)+".rec")
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	b, err := afero.ReadFile(s.fs, s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		observability.ObserveCacheOp("get", nil, time.Since(start).Seconds())
		return nil, false, nil
	}
	observability.ObserveCacheOp("get", err, time.Since(start).Seconds())
	if err != nil {
		return nil, false, fmt.Errorf("read record %q: %w", key, err)
	}
	return b, true, nil
}

func (s *Store) MGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		b, ok, err := s.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if ok {
			out[k] = b
		}
	}
	return out, nil
}

func (s *Store) Set(ctx context.Context, key string, val []byte) error {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return err
	}
	err := writeAtomic(s.fs, s.path(key), val)
	observability.ObserveCacheOp("set", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("write record %q: %w", key, err)
	}
	return nil
}

func (s *Store) Del(ctx context.Context, keys ...string) error {
	start := time.Now()
	var errs []error
	for _, k := range keys {
		if err := s.fs.Remove(s.path(k)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove record %q: %w", k, err))
		}
	}
	err := errors.Join(errs...)
	observability.ObserveCacheOp("del", err, time.Since(start).Seconds())
	return err
}

// writeAtomic writes b next to path and renames it into place.
func writeAtomic(fsys afero.Fs, path string, b []byte) error {
	f, err := afero.TempFile(fsys, filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		_ = fsys.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = fsys.Remove(tmp)
		return err
	}
	if err := fsys.Rename(tmp, path); err != nil {
		_ = fsys.Remove(tmp)
		return err
	}
	return nil
}

// WriteFileAtomic is writeAtomic for other packages that keep state on the
// same filesystem.
func WriteFileAtomic(fsys afero.Fs, path string, b []byte, perm os.FileMode) error {
	if err := writeAtomic(fsys, path, b); err != nil {
		return err
	}
	return fsys.Chmod(path, perm)
}
