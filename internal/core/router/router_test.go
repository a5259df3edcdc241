package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/trail-cache/internal/cache/tiles"
	"github.com/mohammed-shakir/trail-cache/internal/core/model"
	"github.com/mohammed-shakir/trail-cache/internal/version"
)

type fakeReads struct {
	lastRadius model.RadiusQuery
	lastFilter model.TrailFilter
	lastRegion model.Region
	lastZooms  [2]int
	err        error
}

func (f *fakeReads) NearbyTrails(_ context.Context, q model.RadiusQuery) ([]model.Trail, error) {
	f.lastRadius = q
	return []model.Trail{{ID: 1, Name: "Forbidden Drive", Distance: 0.4}}, f.err
}

func (f *fakeReads) NearbyParks(_ context.Context, q model.RadiusQuery) ([]model.Park, error) {
	f.lastRadius = q
	return []model.Park{{ID: 3, Name: "Wissahickon Valley Park"}}, f.err
}

func (f *fakeReads) NearbyPOIs(_ context.Context, q model.RadiusQuery) ([]model.POI, error) {
	f.lastRadius = q
	return []model.POI{{ID: 9, Name: "Devil's Pool"}}, f.err
}

func (f *fakeReads) FilterTrails(_ context.Context, flt model.TrailFilter) ([]model.Trail, error) {
	f.lastFilter = flt
	return []model.Trail{}, f.err
}

func (f *fakeReads) TrailByID(_ context.Context, id int64) (model.Trail, error) {
	if id == 404 {
		return model.Trail{}, fmt.Errorf("trail %d: %w", id, model.ErrNotFound)
	}
	return model.Trail{ID: id, Name: "Orange Trail"}, f.err
}

func (f *fakeReads) POIsForTrail(_ context.Context, id int64) ([]model.POI, error) {
	return []model.POI{{ID: 1, TrailID: &id}}, f.err
}

func (f *fakeReads) CacheRegion(_ context.Context, r model.Region, minZ, maxZ int) (tiles.RegionReport, error) {
	f.lastRegion = r
	f.lastZooms = [2]int{minZ, maxZ}
	return tiles.RegionReport{Requested: 4, Cached: 3, Failed: 1}, f.err
}

type fakeTiles struct {
	cached   map[string]string
	fetched  []string
	fetchErr error
}

func (f *fakeTiles) TileURL(t model.TileCoord) string {
	return fmt.Sprintf("https://tiles.test/%d/%d/%d.png", t.Z, t.X, t.Y)
}

func (f *fakeTiles) GetTile(url string) (string, bool) {
	p, ok := f.cached[url]
	return p, ok
}

func (f *fakeTiles) CacheTile(_ context.Context, url string) (string, error) {
	if f.fetchErr != nil {
		return "", f.fetchErr
	}
	f.fetched = append(f.fetched, url)
	f.cached[url] = "/tiles/" + url
	return f.cached[url], nil
}

func (f *fakeTiles) ReadTile(path string) ([]byte, error) { return []byte("png:" + path), nil }

type fakeVersions struct {
	installed string
	deadline  bool
}

func (f *fakeVersions) CheckForUpdates(context.Context) (version.CheckResult, error) {
	return version.CheckResult{State: version.UpdateAvailable, Active: "1.0.0", Latest: "1.1.0"}, nil
}

func (f *fakeVersions) DownloadUpdate(ctx context.Context, v string) (model.DatasetVersion, error) {
	_, f.deadline = ctx.Deadline()
	if v == "9.9.9" {
		return model.DatasetVersion{}, fmt.Errorf("install: %w", model.ErrPartialDownload)
	}
	f.installed = v
	return model.DatasetVersion{Version: v, InstalledAt: time.Unix(0, 0).UTC()}, nil
}

func (f *fakeVersions) Active() model.DatasetVersion { return model.DatasetVersion{Version: "1.0.0"} }
func (f *fakeVersions) Latest() string               { return "1.1.0" }
func (f *fakeVersions) State() version.State         { return version.Idle }

func newTestRouter(reads *fakeReads, tl *fakeTiles, vs *fakeVersions) http.Handler {
	r := chi.NewRouter()
	api := &API{
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		MinZoom:        12,
		MaxZoom:        16,
		InstallTimeout: time.Minute,
	}
	// typed nils would still mount their routes
	if reads != nil {
		api.Reads = reads
	}
	if tl != nil {
		api.Tiles = tl
	}
	if vs != nil {
		api.Versions = vs
	}
	api.Mount(r)
	return r
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestNearbyRoutes_ParseAndDispatch(t *testing.T) {
	reads := &fakeReads{}
	h := newTestRouter(reads, nil, nil)

	for _, path := range []string{"/trails/nearby", "/parks/nearby", "/pois/nearby"} {
		rr := do(t, h, http.MethodGet, path+"?lat=40.0525&lon=-75.22&radius=5&limit=3", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: status=%d body=%s", path, rr.Code, rr.Body)
		}
		want := model.RadiusQuery{Lat: 40.0525, Lon: -75.22, RadiusMiles: 5, Limit: 3}
		if reads.lastRadius != want {
			t.Fatalf("%s: got %+v want %+v", path, reads.lastRadius, want)
		}
		if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
			t.Fatalf("%s: content-type=%q", path, ct)
		}
	}
}

func TestNearby_Defaults(t *testing.T) {
	reads := &fakeReads{}
	h := newTestRouter(reads, nil, nil)
	rr := do(t, h, http.MethodGet, "/trails/nearby?lat=40&lon=-75", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	if reads.lastRadius.RadiusMiles != defaultRadiusMiles || reads.lastRadius.Limit != defaultLimit {
		t.Fatalf("defaults not applied: %+v", reads.lastRadius)
	}
}

func TestNearby_BadInput(t *testing.T) {
	h := newTestRouter(&fakeReads{}, nil, nil)
	for _, q := range []string{
		"lon=-75",
		"lat=abc&lon=-75",
		"lat=91&lon=0",
		"lat=0&lon=181",
		"lat=0&lon=0&radius=0",
		"lat=0&lon=0&limit=-1",
	} {
		rr := do(t, h, http.MethodGet, "/trails/nearby?"+q, "")
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%q: status=%d want 400", q, rr.Code)
		}
	}
}

func TestFilterTrails_ParsesEveryField(t *testing.T) {
	reads := &fakeReads{}
	h := newTestRouter(reads, nil, nil)
	rr := do(t, h, http.MethodGet,
		"/trails?difficulty=Easy,Moderate&difficulty=Hard&route_type=Loop&min_length=1.5&max_length=8"+
			"&max_elevation_gain=400&is_accessible=true&search=creek&park_id=3&limit=10&offset=20", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body)
	}
	f := reads.lastFilter
	if strings.Join(f.Difficulty, "|") != "Easy|Moderate|Hard" || strings.Join(f.RouteType, "|") != "Loop" {
		t.Fatalf("sets: %+v", f)
	}
	if f.MinLength == nil || *f.MinLength != 1.5 || f.MaxLength == nil || *f.MaxLength != 8 {
		t.Fatalf("length range: %+v", f)
	}
	if f.MinElevationGain != nil || f.MaxElevationGain == nil || *f.MaxElevationGain != 400 {
		t.Fatalf("elevation range: %+v", f)
	}
	if f.IsAccessible == nil || !*f.IsAccessible || f.Search == nil || *f.Search != "creek" {
		t.Fatalf("flags: %+v", f)
	}
	if f.ParkID == nil || *f.ParkID != 3 || f.Limit != 10 || f.Offset != 20 {
		t.Fatalf("paging: %+v", f)
	}
}

func TestFilterTrails_BadInput(t *testing.T) {
	h := newTestRouter(&fakeReads{}, nil, nil)
	for _, q := range []string{"min_length=x", "is_accessible=maybe", "park_id=p", "offset=-2"} {
		if rr := do(t, h, http.MethodGet, "/trails?"+q, ""); rr.Code != http.StatusBadRequest {
			t.Fatalf("%q: status=%d want 400", q, rr.Code)
		}
	}
}

func TestTrailByID_StatusMapping(t *testing.T) {
	h := newTestRouter(&fakeReads{}, nil, nil)
	if rr := do(t, h, http.MethodGet, "/trails/7", ""); rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	if rr := do(t, h, http.MethodGet, "/trails/404", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d want 404", rr.Code)
	}
	if rr := do(t, h, http.MethodGet, "/trails/abc", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("status=%d want 400", rr.Code)
	}
	rr := do(t, h, http.MethodGet, "/trails/7/pois", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("pois status=%d", rr.Code)
	}
	var pois []model.POI
	if err := json.Unmarshal(rr.Body.Bytes(), &pois); err != nil || len(pois) != 1 || *pois[0].TrailID != 7 {
		t.Fatalf("pois body=%s err=%v", rr.Body, err)
	}
}

func TestStorageFailureIs503(t *testing.T) {
	h := newTestRouter(&fakeReads{err: fmt.Errorf("read: %w", model.ErrStorageUnavailable)}, nil, nil)
	if rr := do(t, h, http.MethodGet, "/trails/nearby?lat=1&lon=1", ""); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d want 503", rr.Code)
	}
}

func TestCacheRegion(t *testing.T) {
	reads := &fakeReads{}
	h := newTestRouter(reads, nil, nil)

	rr := do(t, h, http.MethodPost, "/tiles/region",
		`{"latitude":39.9526,"longitude":-75.1652,"latitude_delta":0.02,"longitude_delta":0.02}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body)
	}
	if reads.lastZooms != [2]int{12, 16} || reads.lastRegion.Latitude != 39.9526 {
		t.Fatalf("region=%+v zooms=%v", reads.lastRegion, reads.lastZooms)
	}
	var rep tiles.RegionReport
	if err := json.Unmarshal(rr.Body.Bytes(), &rep); err != nil || rep.Failed != 1 {
		t.Fatalf("report=%+v err=%v", rep, err)
	}

	rr = do(t, h, http.MethodPost, "/tiles/region",
		`{"latitude":39.9,"longitude":-75.1,"latitude_delta":0.02,"longitude_delta":0.02,"min_zoom":14,"max_zoom":14}`)
	if rr.Code != http.StatusOK || reads.lastZooms != [2]int{14, 14} {
		t.Fatalf("explicit zooms: status=%d zooms=%v", rr.Code, reads.lastZooms)
	}

	for _, body := range []string{
		`not json`,
		`{"latitude":39.9,"longitude":-75.1,"latitude_delta":0,"longitude_delta":0.02}`,
		`{"latitude":39.9,"longitude":-75.1,"latitude_delta":0.1,"longitude_delta":0.02,"min_zoom":15,"max_zoom":13}`,
		`{"latitude":39.9,"longitude":-75.1,"latitude_delta":0.1,"longitude_delta":0.1,"extra":1}`,
	} {
		if rr := do(t, h, http.MethodPost, "/tiles/region", body); rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: status=%d want 400", body, rr.Code)
		}
	}
}

func TestTile_MissFetchesThenHits(t *testing.T) {
	tl := &fakeTiles{cached: map[string]string{}}
	h := newTestRouter(nil, tl, nil)

	rr := do(t, h, http.MethodGet, "/tiles/12/1190/1550", "")
	if rr.Code != http.StatusOK || rr.Header().Get("X-Cache") != "miss" {
		t.Fatalf("first: status=%d x-cache=%q", rr.Code, rr.Header().Get("X-Cache"))
	}
	if len(tl.fetched) != 1 || tl.fetched[0] != "https://tiles.test/12/1190/1550.png" {
		t.Fatalf("fetched=%v", tl.fetched)
	}
	rr = do(t, h, http.MethodGet, "/tiles/12/1190/1550.png", "")
	if rr.Code != http.StatusOK || rr.Header().Get("X-Cache") != "hit" {
		t.Fatalf("second: status=%d x-cache=%q", rr.Code, rr.Header().Get("X-Cache"))
	}
	if len(tl.fetched) != 1 {
		t.Fatalf("hit refetched: %v", tl.fetched)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "image/png" {
		t.Fatalf("content-type=%q", ct)
	}
}

func TestTile_BadCoordsAndUpstreamFailure(t *testing.T) {
	tl := &fakeTiles{cached: map[string]string{}, fetchErr: fmt.Errorf("get: %w", model.ErrNetworkUnavailable)}
	h := newTestRouter(nil, tl, nil)
	if rr := do(t, h, http.MethodGet, "/tiles/2/4/0", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("out of range: status=%d", rr.Code)
	}
	if rr := do(t, h, http.MethodGet, "/tiles/23/0/0", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("zoom: status=%d", rr.Code)
	}
	if rr := do(t, h, http.MethodGet, "/tiles/12/1/1", ""); rr.Code != http.StatusBadGateway {
		t.Fatalf("offline: status=%d want 502", rr.Code)
	}
}

func TestDatasetRoutes(t *testing.T) {
	vs := &fakeVersions{}
	h := newTestRouter(nil, nil, vs)

	rr := do(t, h, http.MethodGet, "/dataset/version", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"state":"idle"`) {
		t.Fatalf("version: status=%d body=%s", rr.Code, rr.Body)
	}

	rr = do(t, h, http.MethodPost, "/dataset/check", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"latest":"1.1.0"`) {
		t.Fatalf("check: status=%d body=%s", rr.Code, rr.Body)
	}

	// without ?version the latest known version is installed
	rr = do(t, h, http.MethodPost, "/dataset/install", "")
	if rr.Code != http.StatusOK || vs.installed != "1.1.0" || !vs.deadline {
		t.Fatalf("install: status=%d installed=%q deadline=%v", rr.Code, vs.installed, vs.deadline)
	}

	rr = do(t, h, http.MethodPost, "/dataset/install?version=9.9.9", "")
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("failed install: status=%d want 502", rr.Code)
	}
}

func TestUnmountedRoutes(t *testing.T) {
	h := newTestRouter(nil, nil, nil)
	if rr := do(t, h, http.MethodGet, "/trails/1", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d want 404", rr.Code)
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		model.ErrQuery:              http.StatusBadRequest,
		model.ErrNotFound:           http.StatusNotFound,
		model.ErrNetworkUnavailable: http.StatusBadGateway,
		model.ErrPartialDownload:    http.StatusBadGateway,
		model.ErrStorageUnavailable: http.StatusServiceUnavailable,
		context.DeadlineExceeded:    http.StatusGatewayTimeout,
		errors.New("boom"):          http.StatusInternalServerError,
	}
	for err, want := range cases {
		if got := StatusFor(fmt.Errorf("wrapped: %w", err)); got != want {
			t.Fatalf("%v: got %d want %d", err, got, want)
		}
	}
}

func TestCacheRegion_OversizedIsRejectedBeforePrefetch(t *testing.T) {
	reads := &fakeReads{}
	h := newTestRouter(reads, nil, nil)

	rr := do(t, h, http.MethodPost, "/tiles/region",
		`{"latitude":0,"longitude":0,"latitude_delta":180,"longitude_delta":360,"min_zoom":0,"max_zoom":22}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status=%d want 400", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "limit") {
		t.Fatalf("body=%s", rr.Body)
	}
	if reads.lastZooms != [2]int{} {
		t.Fatalf("prefetch ran for zooms %v", reads.lastZooms)
	}
}
