// Package version checks a remote dataset version, downloads a full
// replacement and installs it atomically over the active dataset file.
package version

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/afero"

	"github.com/mohammed-shakir/trail-cache/internal/cache/diskstore"
	"github.com/mohammed-shakir/trail-cache/internal/core/httpclient"
	"github.com/mohammed-shakir/trail-cache/internal/core/model"
	"github.com/mohammed-shakir/trail-cache/internal/core/observability"
)

type State int

const (
	Idle State = iota
	Checking
	UpToDate
	UpdateAvailable
	Downloading
	Installing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Checking:
		return "checking"
	case UpToDate:
		return "up_to_date"
	case UpdateAvailable:
		return "update_available"
	case Downloading:
		return "downloading"
	case Installing:
		return "installing"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

const (
	DefaultCheckInterval = 24 * time.Hour
	markerFile           = "version.json"
	maxVersionBody       = 4 << 10
)

// Connectivity reports whether the network is usable.
type Connectivity interface {
	Online(ctx context.Context) bool
}

type ConnectivityFunc func(ctx context.Context) bool

func (f ConnectivityFunc) Online(ctx context.Context) bool { return f(ctx) }

// Swapper reopens the dataset store on a new file.
type Swapper interface {
	Swap(ctx context.Context, path string) error
}

// InstalledHook runs after a new dataset is active.
type InstalledHook func(ctx context.Context, v model.DatasetVersion)

type Options struct {
	// Fs holds the active dataset, the marker and download temp files. It
	// must be the OS filesystem when Store opens the dataset by path.
	Fs afero.Fs
	// DatasetPath is the active dataset file; the marker and temp files
	// live next to it.
	DatasetPath string
	VersionURL  string
	DatasetURL  string
	// Client fetches the version document.
	Client *http.Client
	// DownloadClient fetches the dataset. It should not carry a total
	// timeout; the install context bounds the transfer.
	DownloadClient *http.Client
	Connectivity   Connectivity
	Store          Swapper
	// Verify rejects a downloaded file before it is installed.
	Verify        func(ctx context.Context, path string) error
	CheckInterval time.Duration
	// SeedVersion is the active version when no marker exists yet.
	SeedVersion string
	Now         func() time.Time
	Logger      *slog.Logger
}

type marker struct {
	Version     string    `json:"version"`
	InstalledAt time.Time `json:"installedAt"`
	LastCheck   time.Time `json:"lastCheck"`
	Latest      string    `json:"latest,omitempty"`
}

type CheckResult struct {
	State   State  `json:"state"`
	Active  string `json:"active"`
	Latest  string `json:"latest,omitempty"`
	Skipped string `json:"skipped,omitempty"`
}

type Manager struct {
	opt    Options
	logger *slog.Logger

	// op serializes check and install
	op sync.Mutex

	mu        sync.Mutex
	state     State
	active    model.DatasetVersion
	lastCheck time.Time
	latest    string
	hooks     []InstalledHook

	cron *cron.Cron
}

// New loads the version marker next to the dataset, seeding it from
// opt.SeedVersion on first run.
func New(opt Options) (*Manager, error) {
	if opt.Fs == nil {
		opt.Fs = afero.NewOsFs()
	}
	if opt.Client == nil {
		opt.Client = httpclient.NewOutbound(0)
	}
	if opt.DownloadClient == nil {
		opt.DownloadClient = httpclient.NewDownload(0)
	}
	if opt.CheckInterval <= 0 {
		opt.CheckInterval = DefaultCheckInterval
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	if opt.DatasetPath == "" {
		return nil, errors.New("version: dataset path is required")
	}
	m := &Manager{opt: opt, logger: opt.Logger.With("component", "version_manager")}

	b, err := afero.ReadFile(opt.Fs, m.markerPath())
	switch {
	case err == nil:
		var mk marker
		if err := json.Unmarshal(b, &mk); err != nil || !Valid(mk.Version) {
			m.logger.Warn("ignoring unreadable version marker", "err", err)
			break
		}
		m.active = model.DatasetVersion{Version: mk.Version, InstalledAt: mk.InstalledAt}
		m.lastCheck = mk.LastCheck
		if Valid(mk.Latest) {
			m.latest = mk.Latest
		}
	case !isNotExist(err):
		return nil, fmt.Errorf("%w: read version marker: %v", model.ErrStorageUnavailable, err)
	}
	if m.active.Version == "" {
		seed := opt.SeedVersion
		if !Valid(seed) {
			seed = "0.0.0"
		}
		m.active = model.DatasetVersion{Version: seed, InstalledAt: opt.Now().UTC()}
		if err := m.saveMarker(); err != nil {
			return nil, err
		}
	}
	observability.ExposeBuildInfo(m.active.Version)
	return m, nil
}

func isNotExist(err error) bool { return errors.Is(err, fs.ErrNotExist) }

func (m *Manager) markerPath() string {
	return filepath.Join(filepath.Dir(m.opt.DatasetPath), markerFile)
}

func (m *Manager) saveMarker() error {
	m.mu.Lock()
	mk := marker{Version: m.active.Version, InstalledAt: m.active.InstalledAt, LastCheck: m.lastCheck, Latest: m.latest}
	m.mu.Unlock()
	b, err := json.Marshal(mk)
	if err != nil {
		return fmt.Errorf("encode version marker: %w", err)
	}
	if err := m.opt.Fs.MkdirAll(filepath.Dir(m.markerPath()), 0o755); err != nil {
		return fmt.Errorf("%w: create data dir: %v", model.ErrStorageUnavailable, err)
	}
	if err := diskstore.WriteFileAtomic(m.opt.Fs, m.markerPath(), b, 0o644); err != nil {
		return fmt.Errorf("%w: write version marker: %v", model.ErrStorageUnavailable, err)
	}
	return nil
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.mu.Unlock()
	if prev != s {
		m.logger.Debug("version state", "from", prev.String(), "to", s.String())
	}
}

func (m *Manager) Active() model.DatasetVersion {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Latest is the newest version seen by the last successful check.
func (m *Manager) Latest() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latest
}

// OnInstalled registers h to run after every successful install.
func (m *Manager) OnInstalled(h InstalledHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, h)
}

func (m *Manager) online(ctx context.Context) bool {
	return m.opt.Connectivity == nil || m.opt.Connectivity.Online(ctx)
}

// CheckForUpdates fetches the remote version unless a check succeeded
// within the check interval or the network is down. Network failures are
// logged and reported as a skip; other failures are returned. The manager
// returns to Idle on any failure.
func (m *Manager) CheckForUpdates(ctx context.Context) (CheckResult, error) {
	m.op.Lock()
	defer m.op.Unlock()

	res := CheckResult{State: m.State(), Active: m.Active().Version}
	m.mu.Lock()
	last := m.lastCheck
	res.Latest = m.latest
	m.mu.Unlock()
	if !last.IsZero() && m.opt.Now().Sub(last) < m.opt.CheckInterval {
		// the previous answer still stands
		res.Skipped = "recent"
		observability.IncVersionCheck("skipped_recent")
		return res, nil
	}
	if !m.online(ctx) {
		res.Skipped = "offline"
		observability.IncVersionCheck("skipped_offline")
		return res, nil
	}
	if m.opt.VersionURL == "" {
		res.Skipped = "unconfigured"
		return res, nil
	}

	m.setState(Checking)
	latest, err := m.fetchLatest(ctx)
	if err != nil {
		m.setState(Idle)
		res.State = Idle
		if errors.Is(err, model.ErrNetworkUnavailable) {
			m.logger.Warn("version check skipped", "err", err)
			res.Skipped = "network"
			observability.IncVersionCheck("skipped_offline")
			return res, nil
		}
		observability.IncVersionCheck("error")
		return res, fmt.Errorf("check dataset version: %w", err)
	}

	m.mu.Lock()
	m.lastCheck = m.opt.Now().UTC()
	m.latest = latest
	m.mu.Unlock()
	if err := m.saveMarker(); err != nil {
		m.logger.Warn("persist last check time", "err", err)
	}

	res.Latest = latest
	if Compare(latest, res.Active) > 0 {
		res.State = UpdateAvailable
		observability.IncVersionCheck("update_available")
		m.logger.Info("dataset update available", "active", res.Active, "latest", latest)
	} else {
		res.State = UpToDate
		observability.IncVersionCheck("up_to_date")
	}
	m.setState(res.State)
	return res, nil
}

func (m *Manager) fetchLatest(ctx context.Context) (string, error) {
	b, err := httpclient.GetBytes(ctx, m.opt.Client, "version", m.opt.VersionURL, maxVersionBody)
	if err != nil {
		return "", err
	}
	var body struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(b, &body); err != nil {
		return "", fmt.Errorf("decode version response: %w", err)
	}
	if !Valid(body.Version) {
		return "", fmt.Errorf("invalid remote version %q", body.Version)
	}
	return body.Version, nil
}

// DownloadUpdate downloads version v to a temp file, verifies it and
// renames it over the active dataset. Any failure discards the temp file
// and keeps the previous dataset active. Temp files never outlive the call.
func (m *Manager) DownloadUpdate(ctx context.Context, v string) (model.DatasetVersion, error) {
	if !Valid(v) {
		return model.DatasetVersion{}, fmt.Errorf("%w: invalid version %q", model.ErrQuery, v)
	}
	if m.opt.DatasetURL == "" {
		return model.DatasetVersion{}, errors.New("dataset download url is not configured")
	}
	if !m.online(ctx) {
		return model.DatasetVersion{}, fmt.Errorf("download dataset %s: %w", v, model.ErrNetworkUnavailable)
	}

	m.op.Lock()
	defer m.op.Unlock()

	installed, err := m.install(ctx, v)
	if err != nil {
		m.setState(Idle)
		observability.IncDatasetInstall("failed")
		m.logger.Warn("dataset install failed", "version", v, "err", err)
		return model.DatasetVersion{}, err
	}
	m.setState(Idle)
	observability.IncDatasetInstall("ok")
	observability.ExposeBuildInfo(installed.Version)
	m.logger.Info("dataset installed", "version", installed.Version)

	m.mu.Lock()
	hooks := append([]InstalledHook(nil), m.hooks...)
	m.mu.Unlock()
	for _, h := range hooks {
		h(ctx, installed)
	}
	return installed, nil
}

func (m *Manager) install(ctx context.Context, v string) (model.DatasetVersion, error) {
	fsys := m.opt.Fs
	dir := filepath.Dir(m.opt.DatasetPath)
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return model.DatasetVersion{}, fmt.Errorf("%w: create data dir: %v", model.ErrStorageUnavailable, err)
	}

	m.setState(Downloading)
	tmp, err := afero.TempFile(fsys, dir, "dataset-*.download")
	if err != nil {
		return model.DatasetVersion{}, fmt.Errorf("%w: create temp file: %v", model.ErrStorageUnavailable, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		if err := fsys.Remove(tmpPath); err != nil && !isNotExist(err) {
			m.logger.Warn("remove temp dataset", "path", tmpPath, "err", err)
		}
	}()

	if err := m.download(ctx, v, tmp); err != nil {
		return model.DatasetVersion{}, fmt.Errorf("%w: %w", model.ErrPartialDownload, err)
	}
	if err := tmp.Close(); err != nil {
		return model.DatasetVersion{}, fmt.Errorf("%w: close temp file: %v", model.ErrPartialDownload, err)
	}
	if err := ctx.Err(); err != nil {
		return model.DatasetVersion{}, err
	}
	if m.opt.Verify != nil {
		if err := m.opt.Verify(ctx, tmpPath); err != nil {
			return model.DatasetVersion{}, fmt.Errorf("%w: verify download: %w", model.ErrPartialDownload, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return model.DatasetVersion{}, err
	}

	// past this point the install runs to completion
	m.setState(Installing)
	if err := fsys.Rename(tmpPath, m.opt.DatasetPath); err != nil {
		return model.DatasetVersion{}, fmt.Errorf("%w: install dataset: %v", model.ErrStorageUnavailable, err)
	}
	installed := model.DatasetVersion{Version: v, InstalledAt: m.opt.Now().UTC()}
	m.mu.Lock()
	m.active = installed
	if Compare(m.latest, v) <= 0 {
		m.latest = v
	}
	m.mu.Unlock()
	if err := m.saveMarker(); err != nil {
		m.logger.Warn("persist version marker", "err", err)
	}
	if m.opt.Store != nil {
		if err := m.opt.Store.Swap(context.WithoutCancel(ctx), m.opt.DatasetPath); err != nil {
			m.logger.Error("reopen dataset after install", "err", err)
		}
	}
	return installed, nil
}

func (m *Manager) download(ctx context.Context, v string, dst afero.File) error {
	u, err := url.Parse(m.opt.DatasetURL)
	if err != nil {
		return fmt.Errorf("parse dataset url: %w", err)
	}
	q := u.Query()
	q.Set("version", v)
	u.RawQuery = q.Encode()

	return httpclient.Fetch(ctx, m.opt.DownloadClient, "dataset", u.String(), func(resp *http.Response) error {
		// a retry starts from an empty file
		if err := dst.Truncate(0); err != nil {
			return err
		}
		if _, err := dst.Seek(0, io.SeekStart); err != nil {
			return err
		}
		n, err := io.Copy(dst, resp.Body)
		if err != nil {
			return fmt.Errorf("copy body after %d bytes: %w", n, err)
		}
		if resp.ContentLength >= 0 && n != resp.ContentLength {
			return fmt.Errorf("got %d of %d bytes", n, resp.ContentLength)
		}
		if n == 0 {
			return errors.New("empty dataset body")
		}
		return dst.Sync()
	})
}

// Schedule runs CheckForUpdates on the cron spec until Stop.
func (m *Manager) Schedule(spec string) error {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		res, err := m.CheckForUpdates(ctx)
		if err != nil {
			m.logger.Warn("scheduled version check failed", "err", err)
			return
		}
		m.logger.Debug("scheduled version check", "state", res.State.String(), "skipped", res.Skipped)
	})
	if err != nil {
		return fmt.Errorf("schedule version check %q: %w", spec, err)
	}
	m.mu.Lock()
	if m.cron != nil {
		m.cron.Stop()
	}
	m.cron = c
	m.mu.Unlock()
	c.Start()
	return nil
}

// Stop halts the schedule and waits for a running check to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	m.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}
