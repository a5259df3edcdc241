// Package datasettest builds small trails databases for tests.
package datasettest

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mohammed-shakir/trail-cache/internal/core/model"
	"github.com/mohammed-shakir/trail-cache/internal/dataset"
)

type Fixture struct {
	Trails   []model.Trail
	Parks    []model.Park
	POIs     []model.POI
	Metadata map[string]string
}

// Create writes f to a fresh database under t.TempDir and returns its path.
func Create(t testing.TB, name string, f Fixture) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	Write(t, path, f)
	return path
}

// Write bootstraps path and inserts f.
func Write(t testing.TB, path string, f Fixture) {
	t.Helper()
	ctx := context.Background()
	if err := dataset.Bootstrap(ctx, path); err != nil {
		t.Fatalf("bootstrap %s: %v", path, err)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer db.Close()

	for _, p := range f.Parks {
		_, err := db.ExecContext(ctx,
			`INSERT INTO parks (id, name, description, latitude, longitude, county) VALUES (?, ?, ?, ?, ?, ?)`,
			p.ID, p.Name, p.Description, p.Latitude, p.Longitude, p.County)
		if err != nil {
			t.Fatalf("insert park %d: %v", p.ID, err)
		}
	}
	for _, tr := range f.Trails {
		_, err := db.ExecContext(ctx,
			`INSERT INTO trails (id, name, description, length, difficulty, elevation_gain, route_type,
				latitude, longitude, park_id, surface_type, is_accessible, estimated_time, geometry,
				image_url, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			tr.ID, tr.Name, tr.Description, tr.Length, tr.Difficulty, tr.ElevationGain, tr.RouteType,
			tr.Latitude, tr.Longitude, tr.ParkID, tr.SurfaceType, tr.IsAccessible, tr.EstimatedTime,
			tr.Geometry, tr.ImageURL, tr.CreatedAt, tr.UpdatedAt)
		if err != nil {
			t.Fatalf("insert trail %d: %v", tr.ID, err)
		}
	}
	for _, p := range f.POIs {
		_, err := db.ExecContext(ctx,
			`INSERT INTO pois (id, trail_id, type, name, description, latitude, longitude) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.TrailID, p.Type, p.Name, p.Description, p.Latitude, p.Longitude)
		if err != nil {
			t.Fatalf("insert poi %d: %v", p.ID, err)
		}
	}
	for k, v := range f.Metadata {
		if _, err := db.ExecContext(ctx, `INSERT OR REPLACE INTO app_metadata (key, value) VALUES (?, ?)`, k, v); err != nil {
			t.Fatalf("insert metadata %s: %v", k, err)
		}
	}
}

func Int64(v int64) *int64 { return &v }

// Philadelphia is a small fixture around Center City.
func Philadelphia() Fixture {
	return Fixture{
		Parks: []model.Park{
			{ID: 1, Name: "Wissahickon Valley Park", Latitude: 40.0541, Longitude: -75.2191, County: "Philadelphia"},
			{ID: 2, Name: "Fairmount Park", Latitude: 39.9897, Longitude: -75.1958, County: "Philadelphia"},
		},
		Trails: []model.Trail{
			{ID: 1, Name: "Forbidden Drive", Description: "Gravel path along the creek", Length: 5.4, Difficulty: "Easy", ElevationGain: 150, RouteType: "out_and_back", Latitude: 40.0525, Longitude: -75.2200, ParkID: Int64(1), SurfaceType: "gravel", IsAccessible: true, EstimatedTime: 120},
			{ID: 2, Name: "Orange Trail", Description: "Rocky ridge trail", Length: 6.1, Difficulty: "Hard", ElevationGain: 900, RouteType: "loop", Latitude: 40.0560, Longitude: -75.2150, ParkID: Int64(1), SurfaceType: "dirt", EstimatedTime: 200},
			{ID: 3, Name: "Schuylkill River Trail", Description: "Paved riverside path", Length: 26.0, Difficulty: "Easy", ElevationGain: 100, RouteType: "point_to_point", Latitude: 39.9650, Longitude: -75.1850, SurfaceType: "paved", IsAccessible: true, EstimatedTime: 480},
			{ID: 4, Name: "Belmont Plateau Loop", Description: "Hills and a creek view", Length: 3.2, Difficulty: "Moderate", ElevationGain: 300, RouteType: "loop", Latitude: 39.9950, Longitude: -75.2100, ParkID: Int64(2), SurfaceType: "dirt", EstimatedTime: 90},
			{ID: 5, Name: "Pennypack Creek Trail", Description: "Wooded creek trail", Length: 9.0, Difficulty: "Moderate", ElevationGain: 400, RouteType: "out_and_back", Latitude: 40.0700, Longitude: -75.0500, SurfaceType: "paved", IsAccessible: true, EstimatedTime: 240},
		},
		POIs: []model.POI{
			{ID: 1, TrailID: Int64(1), Type: "parking", Name: "Valley Green Lot", Latitude: 40.0547, Longitude: -75.2196},
			{ID: 2, TrailID: Int64(1), Type: "viewpoint", Name: "Devil's Pool", Latitude: 40.0505, Longitude: -75.2160},
			{ID: 3, TrailID: Int64(3), Type: "restroom", Name: "Boathouse Row", Latitude: 39.9690, Longitude: -75.1870},
		},
		Metadata: map[string]string{"db_version": "1.0.0"},
	}
}
