package diskstore

import (
	"context"
	"testing"

	"github.com/spf13/afero"
)

func newMem(t *testing.T) (*Store, afero.Fs) {
	t.Helper()
	fsys := afero.NewMemMapFs()
	s, err := New(fsys, "/cache/entity")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, fsys
}

func TestSetGetDel(t *testing.T) {
	s, _ := newMem(t)
	ctx := context.Background()

	if err := s.Set(ctx, "trails:nearby:40.053:-75.220:r=5:l=0", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	b, ok, err := s.Get(ctx, "trails:nearby:40.053:-75.220:r=5:l=0")
	if err != nil || !ok || string(b) != `{"a":1}` {
		t.Fatalf("Get = %q,%v,%v", b, ok, err)
	}
	if _, ok, err := s.Get(ctx, "missing"); ok || err != nil {
		t.Fatalf("missing key: ok=%v err=%v", ok, err)
	}
	if err := s.Del(ctx, "trails:nearby:40.053:-75.220:r=5:l=0", "missing"); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "trails:nearby:40.053:-75.220:r=5:l=0"); ok {
		t.Fatal("record still present after Del")
	}
}

func TestSet_OverwritesAndLeavesNoTempFiles(t *testing.T) {
	s, fsys := newMem(t)
	ctx := context.Background()
	for _, v := range []string{"one", "two"} {
		if err := s.Set(ctx, "k", []byte(v)); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}
	b, _, _ := s.Get(ctx, "k")
	if string(b) != "two" {
		t.Fatalf("got %q, want two", b)
	}
	entries, err := afero.ReadDir(fsys, "/cache/entity")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("want exactly one record file, got %v", names)
	}
}

func TestMGet_ReturnsOnlyFound(t *testing.T) {
	s, _ := newMem(t)
	ctx := context.Background()
	_ = s.Set(ctx, "a", []byte("1"))
	_ = s.Set(ctx, "c", []byte("3"))

	got, err := s.MGet(ctx, []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("MGet: %v", err)
	}
	if len(got) != 2 || string(got["a"]) != "1" || string(got["c"]) != "3" {
		t.Fatalf("MGet = %v", got)
	}
}

func TestCancelledContext(t *testing.T) {
	s, _ := newMem(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Set(ctx, "k", []byte("v")); err == nil {
		t.Fatal("expected error on cancelled context")
	}
}

func TestReadOnlyFsSurfacesWriteError(t *testing.T) {
	base := afero.NewMemMapFs()
	if err := base.MkdirAll("/ro", 0o755); err != nil {
		t.Fatal(err)
	}
	s := &Store{fs: afero.NewReadOnlyFs(base), dir: "/ro"}
	if err := s.Set(context.Background(), "k", []byte("v")); err == nil {
		t.Fatal("expected write error on read-only fs")
	}
}
