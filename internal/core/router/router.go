// Package router maps HTTP requests onto the facade, the tile cache and the
// version manager.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/trail-cache/internal/cache/tiles"
	"github.com/mohammed-shakir/trail-cache/internal/core/model"
	"github.com/mohammed-shakir/trail-cache/internal/core/observability"
	"github.com/mohammed-shakir/trail-cache/internal/geo"
	"github.com/mohammed-shakir/trail-cache/internal/version"
)

// Reads is the cached read path.
type Reads interface {
	NearbyTrails(ctx context.Context, q model.RadiusQuery) ([]model.Trail, error)
	NearbyParks(ctx context.Context, q model.RadiusQuery) ([]model.Park, error)
	NearbyPOIs(ctx context.Context, q model.RadiusQuery) ([]model.POI, error)
	FilterTrails(ctx context.Context, f model.TrailFilter) ([]model.Trail, error)
	TrailByID(ctx context.Context, id int64) (model.Trail, error)
	POIsForTrail(ctx context.Context, trailID int64) ([]model.POI, error)
	CacheRegion(ctx context.Context, r model.Region, minZoom, maxZoom int) (tiles.RegionReport, error)
}

type Tiles interface {
	TileURL(t model.TileCoord) string
	GetTile(url string) (string, bool)
	CacheTile(ctx context.Context, url string) (string, error)
	ReadTile(path string) ([]byte, error)
}

type Versions interface {
	CheckForUpdates(ctx context.Context) (version.CheckResult, error)
	DownloadUpdate(ctx context.Context, v string) (model.DatasetVersion, error)
	Active() model.DatasetVersion
	Latest() string
	State() version.State
}

type API struct {
	Reads    Reads
	Tiles    Tiles
	Versions Versions
	Logger   *slog.Logger

	// zoom range used when a region request leaves it out
	MinZoom, MaxZoom int
	// MaxRegionTiles caps one region request; 0 uses tiles.DefaultMaxRegionTiles
	MaxRegionTiles int64
	// bounds a single dataset install triggered over HTTP
	InstallTimeout time.Duration
}

// Mount registers every data route on r. Nil dependencies leave their
// routes unregistered.
func (a *API) Mount(r chi.Router) {
	if a.Logger == nil {
		a.Logger = slog.Default()
	}
	if a.Reads != nil {
		r.Get("/trails/nearby", a.instrument("/trails/nearby", a.nearbyTrails))
		r.Get("/trails", a.instrument("/trails", a.filterTrails))
		r.Get("/trails/{id}", a.instrument("/trails/{id}", a.trailByID))
		r.Get("/trails/{id}/pois", a.instrument("/trails/{id}/pois", a.trailPOIs))
		r.Get("/parks/nearby", a.instrument("/parks/nearby", a.nearbyParks))
		r.Get("/pois/nearby", a.instrument("/pois/nearby", a.nearbyPOIs))
		r.Post("/tiles/region", a.instrument("/tiles/region", a.cacheRegion))
	}
	if a.Tiles != nil {
		r.Get("/tiles/{z}/{x}/{y}", a.instrument("/tiles/{z}/{x}/{y}", a.tile))
	}
	if a.Versions != nil {
		r.Get("/dataset/version", a.instrument("/dataset/version", a.datasetVersion))
		r.Post("/dataset/check", a.instrument("/dataset/check", a.checkUpdates))
		r.Post("/dataset/install", a.instrument("/dataset/install", a.install))
	}
}

func (a *API) instrument(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		h(sw, r)
		observability.ObserveHTTP(r.Method, route, sw.code, time.Since(start).Seconds())
	}
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (a *API) nearbyTrails(w http.ResponseWriter, r *http.Request) {
	q, err := ParseRadiusQuery(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	out, err := a.Reads.NearbyTrails(r.Context(), q)
	a.respond(w, r, out, err)
}

func (a *API) nearbyParks(w http.ResponseWriter, r *http.Request) {
	q, err := ParseRadiusQuery(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	out, err := a.Reads.NearbyParks(r.Context(), q)
	a.respond(w, r, out, err)
}

func (a *API) nearbyPOIs(w http.ResponseWriter, r *http.Request) {
	q, err := ParseRadiusQuery(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	out, err := a.Reads.NearbyPOIs(r.Context(), q)
	a.respond(w, r, out, err)
}

func (a *API) filterTrails(w http.ResponseWriter, r *http.Request) {
	f, err := ParseTrailFilter(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	out, err := a.Reads.FilterTrails(r.Context(), f)
	a.respond(w, r, out, err)
}

func (a *API) trailByID(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	out, err := a.Reads.TrailByID(r.Context(), id)
	a.respond(w, r, out, err)
}

func (a *API) trailPOIs(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	out, err := a.Reads.POIsForTrail(r.Context(), id)
	a.respond(w, r, out, err)
}

type regionRequest struct {
	model.Region
	MinZoom int `json:"min_zoom"`
	MaxZoom int `json:"max_zoom"`
}

func (a *API) cacheRegion(w http.ResponseWriter, r *http.Request) {
	var req regionRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		a.writeError(w, r, fmt.Errorf("%w: region body: %v", model.ErrQuery, err))
		return
	}
	if err := validateRegion(req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if req.MinZoom == 0 && req.MaxZoom == 0 {
		req.MinZoom, req.MaxZoom = a.MinZoom, a.MaxZoom
	}
	limit := a.MaxRegionTiles
	if limit <= 0 {
		limit = tiles.DefaultMaxRegionTiles
	}
	if n := geo.CountTiles(req.Region, req.MinZoom, req.MaxZoom); n > limit {
		a.writeError(w, r, fmt.Errorf("%w: region needs %d tiles, limit is %d", model.ErrQuery, n, limit))
		return
	}
	rep, err := a.Reads.CacheRegion(r.Context(), req.Region, req.MinZoom, req.MaxZoom)
	a.respond(w, r, rep, err)
}

func validateRegion(req regionRequest) error {
	switch {
	case req.Latitude < -90 || req.Latitude > 90:
		return fmt.Errorf("%w: latitude must be in [-90,90]", model.ErrQuery)
	case req.Longitude < -180 || req.Longitude > 180:
		return fmt.Errorf("%w: longitude must be in [-180,180]", model.ErrQuery)
	case req.LatitudeDelta <= 0 || req.LongitudeDelta <= 0:
		return fmt.Errorf("%w: deltas must be positive", model.ErrQuery)
	case req.MinZoom < 0 || req.MaxZoom > 22 || req.MinZoom > req.MaxZoom:
		return fmt.Errorf("%w: zoom range must satisfy 0 <= min <= max <= 22", model.ErrQuery)
	}
	return nil
}

func (a *API) tile(w http.ResponseWriter, r *http.Request) {
	t, err := parseTile(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	url := a.Tiles.TileURL(t)
	path, ok := a.Tiles.GetTile(url)
	cacheState := "hit"
	if !ok {
		cacheState = "miss"
		path, err = a.Tiles.CacheTile(r.Context(), url)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
	}
	b, err := a.Tiles.ReadTile(path)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("X-Cache", cacheState)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

func parseTile(r *http.Request) (model.TileCoord, error) {
	z, errZ := strconv.Atoi(chi.URLParam(r, "z"))
	x, errX := strconv.Atoi(chi.URLParam(r, "x"))
	y, errY := strconv.Atoi(strings.TrimSuffix(chi.URLParam(r, "y"), ".png"))
	if err := errors.Join(errZ, errX, errY); err != nil {
		return model.TileCoord{}, fmt.Errorf("%w: tile coordinates: %v", model.ErrQuery, err)
	}
	if z < 0 || z > 22 {
		return model.TileCoord{}, fmt.Errorf("%w: zoom %d out of range", model.ErrQuery, z)
	}
	n := 1 << z
	if x < 0 || x >= n || y < 0 || y >= n {
		return model.TileCoord{}, fmt.Errorf("%w: tile %d/%d outside zoom %d", model.ErrQuery, x, y, z)
	}
	return model.TileCoord{X: x, Y: y, Z: z}, nil
}

type versionResponse struct {
	Active model.DatasetVersion `json:"active"`
	Latest string               `json:"latest,omitempty"`
	State  version.State        `json:"state"`
}

func (a *API) datasetVersion(w http.ResponseWriter, r *http.Request) {
	a.respond(w, r, versionResponse{
		Active: a.Versions.Active(),
		Latest: a.Versions.Latest(),
		State:  a.Versions.State(),
	}, nil)
}

func (a *API) checkUpdates(w http.ResponseWriter, r *http.Request) {
	res, err := a.Versions.CheckForUpdates(r.Context())
	a.respond(w, r, res, err)
}

func (a *API) install(w http.ResponseWriter, r *http.Request) {
	v := strings.TrimSpace(r.URL.Query().Get("version"))
	if v == "" {
		v = a.Versions.Latest()
	}
	if v == "" {
		a.writeError(w, r, fmt.Errorf("%w: missing version and no update is known", model.ErrQuery))
		return
	}
	ctx := r.Context()
	if a.InstallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.InstallTimeout)
		defer cancel()
	}
	installed, err := a.Versions.DownloadUpdate(ctx, v)
	a.respond(w, r, installed, err)
}

func (a *API) respond(w http.ResponseWriter, r *http.Request, v any, err error) {
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.Logger.WarnContext(r.Context(), "encode response", "err", err)
	}
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := StatusFor(err)
	if code >= http.StatusInternalServerError {
		a.Logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "err", err)
	}
	http.Error(w, err.Error(), code)
}

// StatusFor maps the error taxonomy onto HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrQuery):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrNetworkUnavailable), errors.Is(err, model.ErrPartialDownload):
		return http.StatusBadGateway
	case errors.Is(err, model.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
