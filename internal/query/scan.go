package query

import (
	"database/sql"

	"github.com/mohammed-shakir/trail-cache/internal/core/model"
)

func scanTrail(rows *sql.Rows) (model.Trail, error) {
	var (
		t                                                  model.Trail
		desc, diff, route, surface, geom, img, created, up sql.NullString
		length, gain, est                                  sql.NullFloat64
		parkID                                             sql.NullInt64
		accessible                                         sql.NullBool
	)
	err := rows.Scan(&t.ID, &t.Name, &desc, &length, &diff, &gain, &route,
		&t.Latitude, &t.Longitude, &parkID, &surface, &accessible, &est, &geom,
		&img, &created, &up)
	if err != nil {
		return model.Trail{}, err
	}
	t.Description = desc.String
	t.Length = length.Float64
	t.Difficulty = diff.String
	t.ElevationGain = gain.Float64
	t.RouteType = route.String
	if parkID.Valid {
		id := parkID.Int64
		t.ParkID = &id
	}
	t.SurfaceType = surface.String
	t.IsAccessible = accessible.Bool
	t.EstimatedTime = est.Float64
	t.Geometry = geom.String
	t.ImageURL = img.String
	t.CreatedAt = created.String
	t.UpdatedAt = up.String
	return t, nil
}

func scanPark(rows *sql.Rows) (model.Park, error) {
	var (
		p            model.Park
		desc, county sql.NullString
	)
	if err := rows.Scan(&p.ID, &p.Name, &desc, &p.Latitude, &p.Longitude, &county); err != nil {
		return model.Park{}, err
	}
	p.Description = desc.String
	p.County = county.String
	return p, nil
}

func scanPOI(rows *sql.Rows) (model.POI, error) {
	var (
		p       model.POI
		trailID sql.NullInt64
		desc    sql.NullString
	)
	if err := rows.Scan(&p.ID, &trailID, &p.Type, &p.Name, &desc, &p.Latitude, &p.Longitude); err != nil {
		return model.POI{}, err
	}
	if trailID.Valid {
		id := trailID.Int64
		p.TrailID = &id
	}
	p.Description = desc.String
	return p, nil
}
