// Package model defines core domain types shared across the service.
package model

import "time"

type Trail struct {
	ID            int64   `json:"id"`
	Name          string  `json:"name"`
	Description   string  `json:"description,omitempty"`
	Length        float64 `json:"length"`
	Difficulty    string  `json:"difficulty"`
	ElevationGain float64 `json:"elevation_gain"`
	RouteType     string  `json:"route_type,omitempty"`
	Latitude      float64 `json:"latitude"`
	Longitude     float64 `json:"longitude"`
	ParkID        *int64  `json:"park_id,omitempty"`
	SurfaceType   string  `json:"surface_type,omitempty"`
	IsAccessible  bool    `json:"is_accessible"`
	EstimatedTime float64 `json:"estimated_time,omitempty"`
	Geometry      string  `json:"geometry,omitempty"`
	ImageURL      string  `json:"image_url,omitempty"`
	CreatedAt     string  `json:"created_at,omitempty"`
	UpdatedAt     string  `json:"updated_at,omitempty"`

	// Distance in miles from the query center; set only by radius queries.
	Distance float64 `json:"distance,omitempty"`
}

type Park struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	County      string  `json:"county,omitempty"`
	Distance    float64 `json:"distance,omitempty"`
}

type POI struct {
	ID          int64   `json:"id"`
	TrailID     *int64  `json:"trail_id,omitempty"`
	Type        string  `json:"type"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Distance    float64 `json:"distance,omitempty"`
}

// RadiusQuery selects records whose Haversine distance from (Lat, Lon) is
// strictly less than RadiusMiles. Limit <= 0 means unbounded.
type RadiusQuery struct {
	Lat         float64
	Lon         float64
	RadiusMiles float64
	Limit       int
}

// TrailFilter is a conjunction of optional constraints. Nil pointers and
// empty sets impose no constraint; values inside one set are OR'd.
type TrailFilter struct {
	Difficulty       []string `json:"difficulty,omitempty"`
	RouteType        []string `json:"route_type,omitempty"`
	SurfaceType      []string `json:"surface_type,omitempty"`
	MinLength        *float64 `json:"min_length,omitempty"`
	MaxLength        *float64 `json:"max_length,omitempty"`
	MinElevationGain *float64 `json:"min_elevation_gain,omitempty"`
	MaxElevationGain *float64 `json:"max_elevation_gain,omitempty"`
	MaxEstimatedTime *float64 `json:"max_estimated_time,omitempty"`
	IsAccessible     *bool    `json:"is_accessible,omitempty"`
	Search           *string  `json:"search,omitempty"`
	ParkID           *int64   `json:"park_id,omitempty"`
	Limit            int      `json:"limit,omitempty"`
	Offset           int      `json:"offset,omitempty"`
}

// Region is a visible map area given by its center and full span in degrees.
type Region struct {
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	LatitudeDelta  float64 `json:"latitude_delta"`
	LongitudeDelta float64 `json:"longitude_delta"`
}

type BBox struct {
	MinLat, MinLon float64
	MaxLat, MaxLon float64
}

// BBox spans center +/- half deltas.
func (r Region) BBox() BBox {
	return BBox{
		MinLat: r.Latitude - r.LatitudeDelta/2,
		MaxLat: r.Latitude + r.LatitudeDelta/2,
		MinLon: r.Longitude - r.LongitudeDelta/2,
		MaxLon: r.Longitude + r.LongitudeDelta/2,
	}
}

type TileCoord struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
}

type DatasetVersion struct {
	Version     string    `json:"version"`
	InstalledAt time.Time `json:"installed_at"`
}
