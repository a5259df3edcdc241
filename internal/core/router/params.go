package router

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/trail-cache/internal/core/model"
)

const (
	defaultRadiusMiles = 10
	defaultLimit       = 50
	maxLimit           = 500
)

// ParseRadiusQuery reads lat, lon, radius (miles) and limit.
func ParseRadiusQuery(r *http.Request) (model.RadiusQuery, error) {
	v := r.URL.Query()
	lat, err := requiredFloat(v, "lat")
	if err != nil {
		return model.RadiusQuery{}, err
	}
	lon, err := requiredFloat(v, "lon")
	if err != nil {
		return model.RadiusQuery{}, err
	}
	if lat < -90 || lat > 90 {
		return model.RadiusQuery{}, fmt.Errorf("%w: latitude must be in [-90,90]", model.ErrQuery)
	}
	if lon < -180 || lon > 180 {
		return model.RadiusQuery{}, fmt.Errorf("%w: longitude must be in [-180,180]", model.ErrQuery)
	}
	radius := float64(defaultRadiusMiles)
	if p, err := optionalFloat(v, "radius"); err != nil {
		return model.RadiusQuery{}, err
	} else if p != nil {
		radius = *p
	}
	if radius <= 0 {
		return model.RadiusQuery{}, fmt.Errorf("%w: radius must be positive", model.ErrQuery)
	}
	limit, err := intParam(v, "limit", defaultLimit)
	if err != nil {
		return model.RadiusQuery{}, err
	}
	return model.RadiusQuery{Lat: lat, Lon: lon, RadiusMiles: radius, Limit: limit}, nil
}

// ParseTrailFilter reads the attribute filter. Set-valued fields accept
// repeated parameters or comma-separated lists.
func ParseTrailFilter(r *http.Request) (model.TrailFilter, error) {
	v := r.URL.Query()
	f := model.TrailFilter{
		Difficulty:  listParam(v, "difficulty"),
		RouteType:   listParam(v, "route_type"),
		SurfaceType: listParam(v, "surface_type"),
	}
	floats := []struct {
		name string
		dst  **float64
	}{
		{"min_length", &f.MinLength},
		{"max_length", &f.MaxLength},
		{"min_elevation_gain", &f.MinElevationGain},
		{"max_elevation_gain", &f.MaxElevationGain},
		{"max_estimated_time", &f.MaxEstimatedTime},
	}
	for _, fl := range floats {
		p, err := optionalFloat(v, fl.name)
		if err != nil {
			return model.TrailFilter{}, err
		}
		*fl.dst = p
	}
	if s := strings.TrimSpace(v.Get("is_accessible")); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return model.TrailFilter{}, fmt.Errorf("%w: is_accessible: %v", model.ErrQuery, err)
		}
		f.IsAccessible = &b
	}
	if s := strings.TrimSpace(v.Get("search")); s != "" {
		f.Search = &s
	}
	if s := strings.TrimSpace(v.Get("park_id")); s != "" {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return model.TrailFilter{}, fmt.Errorf("%w: park_id: %v", model.ErrQuery, err)
		}
		f.ParkID = &id
	}
	var err error
	if f.Limit, err = intParam(v, "limit", defaultLimit); err != nil {
		return model.TrailFilter{}, err
	}
	if f.Offset, err = intParam(v, "offset", 0); err != nil {
		return model.TrailFilter{}, err
	}
	return f, nil
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: id must be a positive integer", model.ErrQuery)
	}
	return id, nil
}

func parseFloat(v string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, fmt.Errorf("parse float: %w", err)
	}
	return f, nil
}

func requiredFloat(v url.Values, name string) (float64, error) {
	s := v.Get(name)
	if strings.TrimSpace(s) == "" {
		return 0, fmt.Errorf("%w: missing required parameter: %s", model.ErrQuery, name)
	}
	f, err := parseFloat(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", model.ErrQuery, name, err)
	}
	return f, nil
}

func optionalFloat(v url.Values, name string) (*float64, error) {
	if strings.TrimSpace(v.Get(name)) == "" {
		return nil, nil
	}
	f, err := requiredFloat(v, name)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func intParam(v url.Values, name string, def int) (int, error) {
	s := strings.TrimSpace(v.Get(name))
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", model.ErrQuery, name)
	}
	if name == "limit" && n > maxLimit {
		n = maxLimit
	}
	return n, nil
}

func listParam(v url.Values, name string) []string {
	var out []string
	for _, raw := range v[name] {
		for p := range strings.SplitSeq(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
