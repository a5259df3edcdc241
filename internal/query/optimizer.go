// Package query executes radius and attribute-filtered reads against the
// dataset store.
package query

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/mohammed-shakir/trail-cache/internal/core/model"
	"github.com/mohammed-shakir/trail-cache/internal/geo"
)

// Reader is the slice of the dataset store the optimizer needs.
type Reader interface {
	Read(ctx context.Context, fn func(ctx context.Context, db *sql.DB) error) error
}

type Optimizer struct {
	store  Reader
	logger *slog.Logger
}

func New(store Reader, logger *slog.Logger) *Optimizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Optimizer{store: store, logger: logger}
}

const trailColumns = `id, name, description, length, difficulty, elevation_gain, route_type,
	latitude, longitude, park_id, surface_type, is_accessible, estimated_time, geometry,
	image_url, created_at, updated_at`

func (o *Optimizer) NearbyTrails(ctx context.Context, q model.RadiusQuery) ([]model.Trail, error) {
	return nearby(ctx, o, "trails", q, `SELECT `+trailColumns+` FROM trails`, scanTrail,
		func(t *model.Trail) (int64, float64, float64, *float64) {
			return t.ID, t.Latitude, t.Longitude, &t.Distance
		})
}

func (o *Optimizer) NearbyParks(ctx context.Context, q model.RadiusQuery) ([]model.Park, error) {
	return nearby(ctx, o, "parks", q,
		`SELECT id, name, description, latitude, longitude, county FROM parks`, scanPark,
		func(p *model.Park) (int64, float64, float64, *float64) {
			return p.ID, p.Latitude, p.Longitude, &p.Distance
		})
}

func (o *Optimizer) NearbyPOIs(ctx context.Context, q model.RadiusQuery) ([]model.POI, error) {
	return nearby(ctx, o, "pois", q,
		`SELECT id, trail_id, type, name, description, latitude, longitude FROM pois`, scanPOI,
		func(p *model.POI) (int64, float64, float64, *float64) {
			return p.ID, p.Latitude, p.Longitude, &p.Distance
		})
}

func validateRadius(q model.RadiusQuery) error {
	switch {
	case math.IsNaN(q.Lat) || q.Lat < -90 || q.Lat > 90:
		return fmt.Errorf("%w: latitude %v out of range", model.ErrQuery, q.Lat)
	case math.IsNaN(q.Lon) || q.Lon < -180 || q.Lon > 180:
		return fmt.Errorf("%w: longitude %v out of range", model.ErrQuery, q.Lon)
	case math.IsNaN(q.RadiusMiles) || math.IsInf(q.RadiusMiles, 0) || q.RadiusMiles <= 0:
		return fmt.Errorf("%w: radius must be positive, got %v", model.ErrQuery, q.RadiusMiles)
	case q.Limit < 0:
		return fmt.Errorf("%w: negative limit", model.ErrQuery)
	}
	return nil
}

// nearby runs a bounding-box pre-filter in SQL, then keeps rows strictly
// inside the radius, ordered by (distance, id), and applies the limit last.
func nearby[T any](
	ctx context.Context,
	o *Optimizer,
	table string,
	q model.RadiusQuery,
	baseSQL string,
	scan func(*sql.Rows) (T, error),
	pos func(*T) (id int64, lat, lon float64, dist *float64),
) ([]T, error) {
	if err := validateRadius(q); err != nil {
		return nil, err
	}
	minLat, minLon, maxLat, maxLon := geo.BoundingBox(q.Lat, q.Lon, q.RadiusMiles)
	where := []string{"latitude BETWEEN ? AND ?"}
	args := []any{minLat, maxLat}
	// a box that wraps the antimeridian only constrains latitude
	if minLon >= -180 && maxLon <= 180 {
		where = append(where, "longitude BETWEEN ? AND ?")
		args = append(args, minLon, maxLon)
	}
	stmt := baseSQL + " WHERE " + strings.Join(where, " AND ")

	type hit struct {
		v    T
		id   int64
		dist float64
	}
	var hits []hit
	start := time.Now()
	err := o.store.Read(ctx, func(ctx context.Context, db *sql.DB) error {
		rows, err := db.QueryContext(ctx, stmt, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			v, err := scan(rows)
			if err != nil {
				return err
			}
			id, lat, lon, _ := pos(&v)
			d := geo.Haversine(q.Lat, q.Lon, lat, lon)
			if d < q.RadiusMiles {
				hits = append(hits, hit{v: v, id: id, dist: d})
			}
		}
		return rows.Err()
	})
	if err != nil {
		return nil, storeErr(table, err)
	}

	slices.SortFunc(hits, func(a, b hit) int {
		if c := cmp.Compare(a.dist, b.dist); c != 0 {
			return c
		}
		return cmp.Compare(a.id, b.id)
	})
	if q.Limit > 0 && len(hits) > q.Limit {
		hits = hits[:q.Limit]
	}

	out := make([]T, 0, len(hits))
	for _, h := range hits {
		v := h.v
		_, _, _, dist := pos(&v)
		*dist = h.dist
		out = append(out, v)
	}
	o.logger.Debug("radius query",
		"table", table, "radius_mi", q.RadiusMiles, "rows", len(out), "dur", time.Since(start).String())
	return out, nil
}

// FilterTrails composes every set field of f into one conjunction, orders
// by name and applies limit/offset last.
func (o *Optimizer) FilterTrails(ctx context.Context, f model.TrailFilter) ([]model.Trail, error) {
	where, args, err := buildFilter(f)
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	b.WriteString(`SELECT ` + trailColumns + ` FROM trails`)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY name ASC, id ASC")
	switch {
	case f.Limit > 0:
		b.WriteString(" LIMIT ? OFFSET ?")
		args = append(args, f.Limit, f.Offset)
	case f.Offset > 0:
		b.WriteString(" LIMIT -1 OFFSET ?")
		args = append(args, f.Offset)
	}

	trails, err := o.queryTrails(ctx, b.String(), args...)
	if err != nil {
		return nil, storeErr("trails", err)
	}
	return trails, nil
}

func buildFilter(f model.TrailFilter) ([]string, []any, error) {
	if f.Limit < 0 || f.Offset < 0 {
		return nil, nil, fmt.Errorf("%w: limit and offset must be non-negative", model.ErrQuery)
	}
	if err := checkRange("length", f.MinLength, f.MaxLength); err != nil {
		return nil, nil, err
	}
	if err := checkRange("elevation_gain", f.MinElevationGain, f.MaxElevationGain); err != nil {
		return nil, nil, err
	}

	var where []string
	var args []any

	in := func(col string, vals []string) {
		if len(vals) == 0 {
			return
		}
		ph := strings.TrimSuffix(strings.Repeat("?,", len(vals)), ",")
		where = append(where, col+" IN ("+ph+")")
		for _, v := range vals {
			args = append(args, v)
		}
	}
	cmpF := func(expr string, v *float64) {
		if v != nil {
			where = append(where, expr)
			args = append(args, *v)
		}
	}

	in("difficulty", f.Difficulty)
	in("route_type", f.RouteType)
	in("surface_type", f.SurfaceType)
	cmpF("length >= ?", f.MinLength)
	cmpF("length <= ?", f.MaxLength)
	cmpF("elevation_gain >= ?", f.MinElevationGain)
	cmpF("elevation_gain <= ?", f.MaxElevationGain)
	cmpF("estimated_time <= ?", f.MaxEstimatedTime)
	if f.IsAccessible != nil {
		where = append(where, "is_accessible = ?")
		args = append(args, *f.IsAccessible)
	}
	if f.Search != nil && strings.TrimSpace(*f.Search) != "" {
		pat := "%" + escapeLike(strings.TrimSpace(*f.Search)) + "%"
		where = append(where, `(name LIKE ? ESCAPE '\' OR description LIKE ? ESCAPE '\')`)
		args = append(args, pat, pat)
	}
	if f.ParkID != nil {
		where = append(where, "park_id = ?")
		args = append(args, *f.ParkID)
	}
	return where, args, nil
}

func checkRange(field string, lo, hi *float64) error {
	for _, v := range []*float64{lo, hi} {
		if v != nil && (math.IsNaN(*v) || math.IsInf(*v, 0)) {
			return fmt.Errorf("%w: %s bound is not finite", model.ErrQuery, field)
		}
	}
	if lo != nil && hi != nil && *lo > *hi {
		return fmt.Errorf("%w: %s min %v > max %v", model.ErrQuery, field, *lo, *hi)
	}
	return nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func (o *Optimizer) TrailByID(ctx context.Context, id int64) (model.Trail, error) {
	trails, err := o.queryTrails(ctx, `SELECT `+trailColumns+` FROM trails WHERE id = ?`, id)
	if err != nil {
		return model.Trail{}, storeErr("trails", err)
	}
	if len(trails) == 0 {
		return model.Trail{}, fmt.Errorf("trail %d: %w", id, model.ErrNotFound)
	}
	return trails[0], nil
}

func (o *Optimizer) POIsForTrail(ctx context.Context, trailID int64) ([]model.POI, error) {
	var out []model.POI
	err := o.store.Read(ctx, func(ctx context.Context, db *sql.DB) error {
		rows, err := db.QueryContext(ctx,
			`SELECT id, trail_id, type, name, description, latitude, longitude
			 FROM pois WHERE trail_id = ? ORDER BY name ASC, id ASC`, trailID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			p, err := scanPOI(rows)
			if err != nil {
				return err
			}
			out = append(out, p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, storeErr("pois", err)
	}
	return out, nil
}

func (o *Optimizer) queryTrails(ctx context.Context, stmt string, args ...any) ([]model.Trail, error) {
	var out []model.Trail
	err := o.store.Read(ctx, func(ctx context.Context, db *sql.DB) error {
		rows, err := db.QueryContext(ctx, stmt, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			t, err := scanTrail(rows)
			if err != nil {
				return err
			}
			out = append(out, t)
		}
		return rows.Err()
	})
	return out, err
}

// storeErr keeps ErrStorageUnavailable and classifies everything else as a
// query failure.
func storeErr(table string, err error) error {
	if errors.Is(err, model.ErrStorageUnavailable) || errors.Is(err, model.ErrQuery) {
		return fmt.Errorf("query %s: %w", table, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("query %s: %w", table, err)
	}
	return fmt.Errorf("%w: query %s: %v", model.ErrQuery, table, err)
}
