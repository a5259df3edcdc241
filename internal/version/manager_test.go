package version_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohammed-shakir/trail-cache/internal/core/httpclient"
	"github.com/mohammed-shakir/trail-cache/internal/core/model"
	"github.com/mohammed-shakir/trail-cache/internal/dataset"
	"github.com/mohammed-shakir/trail-cache/internal/dataset/datasettest"
	"github.com/mohammed-shakir/trail-cache/internal/logger"
	"github.com/mohammed-shakir/trail-cache/internal/version"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func versionServer(t *testing.T, v string, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"version":"` + v + `"}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func memManager(t *testing.T, fsys afero.Fs, clk *clock, mod func(*version.Options)) *version.Manager {
	t.Helper()
	opt := version.Options{
		Fs:          fsys,
		DatasetPath: "/data/trails.db",
		Client:      httpclient.NewOutbound(2 * time.Second),
		SeedVersion: "1.0.0",
		Now:         clk.now,
		Logger:      logger.Nop(),
	}
	if mod != nil {
		mod(&opt)
	}
	m, err := version.New(opt)
	require.NoError(t, err)
	return m
}

func TestCheckForUpdates_SkipsWithinInterval(t *testing.T) {
	var calls atomic.Int32
	srv := versionServer(t, "1.1.0", &calls)
	clk := &clock{t: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	fsys := afero.NewMemMapFs()
	m := memManager(t, fsys, clk, func(o *version.Options) { o.VersionURL = srv.URL })
	ctx := context.Background()

	res, err := m.CheckForUpdates(ctx)
	require.NoError(t, err)
	assert.Equal(t, version.UpdateAvailable, res.State)
	assert.Equal(t, "1.1.0", res.Latest)
	assert.Equal(t, version.UpdateAvailable, m.State())

	clk.advance(23 * time.Hour)
	res, err = m.CheckForUpdates(ctx)
	require.NoError(t, err)
	assert.Equal(t, "recent", res.Skipped)
	assert.EqualValues(t, 1, calls.Load())

	// the last check time survives a restart
	m2 := memManager(t, fsys, clk, func(o *version.Options) { o.VersionURL = srv.URL })
	res, err = m2.CheckForUpdates(ctx)
	require.NoError(t, err)
	assert.Equal(t, "recent", res.Skipped)

	clk.advance(2 * time.Hour)
	_, err = m.CheckForUpdates(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load())
}

func TestCheckForUpdates_Offline(t *testing.T) {
	var calls atomic.Int32
	srv := versionServer(t, "9.0.0", &calls)
	m := memManager(t, afero.NewMemMapFs(), &clock{t: time.Now()}, func(o *version.Options) {
		o.VersionURL = srv.URL
		o.Connectivity = version.ConnectivityFunc(func(context.Context) bool { return false })
	})
	res, err := m.CheckForUpdates(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "offline", res.Skipped)
	assert.Zero(t, calls.Load())
	assert.Equal(t, version.Idle, m.State())
}

func TestCheckForUpdates_NetworkFailureIsSilent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	u := srv.URL
	srv.Close()
	m := memManager(t, afero.NewMemMapFs(), &clock{t: time.Now()}, func(o *version.Options) { o.VersionURL = u })

	res, err := m.CheckForUpdates(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "network", res.Skipped)
	assert.Equal(t, version.Idle, m.State())
}

func TestCheckForUpdates_UpToDateUsesNumericOrder(t *testing.T) {
	var calls atomic.Int32
	srv := versionServer(t, "1.2.0", &calls)
	m := memManager(t, afero.NewMemMapFs(), &clock{t: time.Now()}, func(o *version.Options) {
		o.VersionURL = srv.URL
		o.SeedVersion = "1.10.0"
	})
	res, err := m.CheckForUpdates(context.Background())
	require.NoError(t, err)
	assert.Equal(t, version.UpToDate, res.State)
	assert.Equal(t, "1.10.0", m.Active().Version)
}

func TestCheckForUpdates_BadBodyIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"version":"latest"}`))
	}))
	t.Cleanup(srv.Close)
	m := memManager(t, afero.NewMemMapFs(), &clock{t: time.Now()}, func(o *version.Options) { o.VersionURL = srv.URL })
	_, err := m.CheckForUpdates(context.Background())
	require.Error(t, err)
	assert.Equal(t, version.Idle, m.State())
}

func TestNew_SeedsMarker(t *testing.T) {
	fsys := afero.NewMemMapFs()
	m := memManager(t, fsys, &clock{t: time.Now()}, func(o *version.Options) { o.SeedVersion = "" })
	assert.Equal(t, "0.0.0", m.Active().Version)
	ok, err := afero.Exists(fsys, "/data/version.json")
	require.NoError(t, err)
	assert.True(t, ok)
}

// installEnv is an on-disk dataset opened by a real store plus a server
// that serves the next dataset version.
type installEnv struct {
	dir    string
	active string
	store  *dataset.Store
	next   []byte
	// empty is a valid schema with no trails
	empty []byte
}

func newInstallEnv(t *testing.T) *installEnv {
	t.Helper()
	dir := t.TempDir()
	active := filepath.Join(dir, "trails.db")
	datasettest.Write(t, active, datasettest.Philadelphia())
	s, err := dataset.Open(context.Background(), active, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	fx := datasettest.Philadelphia()
	fx.Metadata = map[string]string{"db_version": "1.1.0"}
	fx.Trails = append(fx.Trails, model.Trail{ID: 6, Name: "Tacony Creek Trail", Difficulty: "Easy", Latitude: 40.03, Longitude: -75.11})
	next, err := os.ReadFile(datasettest.Create(t, "next.db", fx))
	require.NoError(t, err)
	emptyPath := filepath.Join(t.TempDir(), "empty.db")
	require.NoError(t, dataset.Bootstrap(context.Background(), emptyPath))
	empty, err := os.ReadFile(emptyPath)
	require.NoError(t, err)
	return &installEnv{dir: dir, active: active, store: s, next: next, empty: empty}
}

func (e *installEnv) manager(t *testing.T, datasetURL string) *version.Manager {
	t.Helper()
	m, err := version.New(version.Options{
		Fs:          afero.NewOsFs(),
		DatasetPath: e.active,
		DatasetURL:  datasetURL,
		Client:      httpclient.NewOutbound(5 * time.Second),
		Store:       e.store,
		Verify:      dataset.Verify,
		SeedVersion: "1.0.0",
		Logger:      logger.Nop(),
	})
	require.NoError(t, err)
	return m
}

func (e *installEnv) assertNoTempFiles(t *testing.T) {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(e.dir, "*.download"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestDownloadUpdate_InstallsAndSwaps(t *testing.T) {
	env := newInstallEnv(t)
	var gotVersion atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotVersion.Store(r.URL.Query().Get("version"))
		_, _ = w.Write(env.next)
	}))
	t.Cleanup(srv.Close)
	m := env.manager(t, srv.URL+"/dataset")

	var hooked model.DatasetVersion
	m.OnInstalled(func(_ context.Context, v model.DatasetVersion) { hooked = v })

	installed, err := m.DownloadUpdate(context.Background(), "1.1.0")
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", gotVersion.Load())
	assert.Equal(t, "1.1.0", installed.Version)
	assert.Equal(t, "1.1.0", m.Active().Version)
	assert.Equal(t, installed, hooked)
	assert.Equal(t, version.Idle, m.State())

	v, err := env.store.Metadata(context.Background(), "db_version")
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", v, "store must read the new file")

	onDisk, err := os.ReadFile(env.active)
	require.NoError(t, err)
	assert.Equal(t, env.next, onDisk)
	env.assertNoTempFiles(t)

	m2 := env.manager(t, srv.URL)
	assert.Equal(t, "1.1.0", m2.Active().Version, "marker persisted")
}

func TestDownloadUpdate_FailureKeepsActiveDataset(t *testing.T) {
	cases := map[string]func(env *installEnv) http.HandlerFunc{
		"truncated body": func(env *installEnv) http.HandlerFunc {
			return func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Length", strconv.Itoa(len(env.next)))
				_, _ = w.Write(env.next[:len(env.next)/2])
				panic(http.ErrAbortHandler)
			}
		},
		"server error": func(*installEnv) http.HandlerFunc {
			return func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "boom", http.StatusInternalServerError)
			}
		},
		"no trails": func(env *installEnv) http.HandlerFunc {
			return func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write(env.empty)
			}
		},
		"not a dataset": func(*installEnv) http.HandlerFunc {
			return func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("definitely not sqlite"))
			}
		},
	}
	for name, handler := range cases {
		t.Run(name, func(t *testing.T) {
			env := newInstallEnv(t)
			before, err := os.ReadFile(env.active)
			require.NoError(t, err)
			srv := httptest.NewServer(handler(env))
			t.Cleanup(srv.Close)
			m := env.manager(t, srv.URL)
			hooked := false
			m.OnInstalled(func(context.Context, model.DatasetVersion) { hooked = true })

			_, err = m.DownloadUpdate(context.Background(), "1.1.0")
			require.ErrorIs(t, err, model.ErrPartialDownload)

			after, err := os.ReadFile(env.active)
			require.NoError(t, err)
			assert.Equal(t, before, after, "active dataset must be byte-identical")
			v, err := env.store.Metadata(context.Background(), "db_version")
			require.NoError(t, err)
			assert.Equal(t, "1.0.0", v, "active dataset must stay queryable")
			assert.Equal(t, "1.0.0", m.Active().Version)
			assert.Equal(t, version.Idle, m.State())
			assert.False(t, hooked)
			env.assertNoTempFiles(t)
		})
	}
}

func TestDownloadUpdate_RejectsBadInput(t *testing.T) {
	m := memManager(t, afero.NewMemMapFs(), &clock{t: time.Now()}, func(o *version.Options) {
		o.DatasetURL = "http://127.0.0.1:1"
		o.Connectivity = version.ConnectivityFunc(func(context.Context) bool { return false })
	})
	_, err := m.DownloadUpdate(context.Background(), "next")
	assert.ErrorIs(t, err, model.ErrQuery)
	_, err = m.DownloadUpdate(context.Background(), "1.1.0")
	assert.ErrorIs(t, err, model.ErrNetworkUnavailable)
}

func TestSchedule(t *testing.T) {
	m := memManager(t, afero.NewMemMapFs(), &clock{t: time.Now()}, nil)
	require.Error(t, m.Schedule("not a cron spec"))
	require.NoError(t, m.Schedule("@every 24h"))
	m.Stop()
	m.Stop()
}

func TestCheckForUpdates_RecentSkipReportsKnownLatest(t *testing.T) {
	var calls atomic.Int32
	srv := versionServer(t, "1.1.0", &calls)
	clk := &clock{t: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	fsys := afero.NewMemMapFs()
	m := memManager(t, fsys, clk, func(o *version.Options) { o.VersionURL = srv.URL })
	_, err := m.CheckForUpdates(context.Background())
	require.NoError(t, err)

	clk.advance(time.Hour)
	restarted := memManager(t, fsys, clk, func(o *version.Options) { o.VersionURL = srv.URL })
	assert.Equal(t, "1.1.0", restarted.Latest())
	res, err := restarted.CheckForUpdates(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "recent", res.Skipped)
	assert.Equal(t, "1.1.0", res.Latest)
	assert.EqualValues(t, 1, calls.Load())
}

func TestDownloadUpdate_SlowBodyOutlastsVersionClientTimeout(t *testing.T) {
	env := newInstallEnv(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fl := w.(http.Flusher)
		chunk := (len(env.next) + 3) / 4
		for off := 0; off < len(env.next); off += chunk {
			_, _ = w.Write(env.next[off:min(off+chunk, len(env.next))])
			fl.Flush()
			time.Sleep(100 * time.Millisecond)
		}
	}))
	t.Cleanup(srv.Close)

	m, err := version.New(version.Options{
		Fs:          afero.NewOsFs(),
		DatasetPath: env.active,
		DatasetURL:  srv.URL,
		// far shorter than the transfer
		Client:         httpclient.NewOutbound(150 * time.Millisecond),
		DownloadClient: httpclient.NewDownload(time.Second),
		Store:          env.store,
		Verify:         dataset.Verify,
		SeedVersion:    "1.0.0",
		Logger:         logger.Nop(),
	})
	require.NoError(t, err)

	installed, err := m.DownloadUpdate(context.Background(), "1.1.0")
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", installed.Version)
	env.assertNoTempFiles(t)
}
