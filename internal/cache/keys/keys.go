// Package keys derives canonical cache keys for geospatial reads, filter
// reads and raster tiles.
package keys

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"

	"github.com/mohammed-shakir/trail-cache/internal/core/model"
	"github.com/mohammed-shakir/trail-cache/internal/geo"
)

const maxFilterTextLen = 160

// Radius returns the signature of a radius query. The center is bucketed to
// geo.CoordPrecision digits; the radius is kept verbatim so different radii
// never share a cache line.
func Radius(kind string, q model.RadiusQuery) string {
	lat := geo.Round(q.Lat, geo.CoordPrecision)
	lon := geo.Round(q.Lon, geo.CoordPrecision)
	return fmt.Sprintf("%s:%s:%s:r=%s:l=%d",
		sanitize(strings.TrimSpace(kind), false),
		strconv.FormatFloat(lat, 'f', geo.CoordPrecision, 64),
		strconv.FormatFloat(lon, 'f', geo.CoordPrecision, 64),
		strconv.FormatFloat(q.RadiusMiles, 'f', -1, 64),
		q.Limit,
	)
}

// Filter returns the signature of an attribute-filtered query. Every field
// takes part, so any change is a miss.
func Filter(kind string, f model.TrailFilter) string {
	text := CanonicalFilter(f)
	safe := sanitize(text, true)
	if len(safe) > maxFilterTextLen {
		safe = safe[:maxFilterTextLen]
	}
	sum := xxhash.Sum64String(text)
	return fmt.Sprintf("%s:filters=%s:f=%016x", sanitize(strings.TrimSpace(kind), false), safe, sum)
}

// ID returns the key of a by-id lookup.
func ID(kind string, id int64) string {
	return sanitize(strings.TrimSpace(kind), false) + ":id=" + strconv.FormatInt(id, 10)
}

// CanonicalFilter serializes f with a fixed field order. Set values are
// deduplicated and sorted so {Easy,Hard} and {Hard,Easy} are the same query.
// Free-form values are quoted, so separators inside a value cannot forge
// another field.
func CanonicalFilter(f model.TrailFilter) string {
	var parts []string
	add := func(name, val string) { parts = append(parts, name+"="+val) }

	addSet := func(name string, vals []string) {
		if len(vals) == 0 {
			return
		}
		cp := slices.Clone(vals)
		slices.Sort(cp)
		cp = slices.Compact(cp)
		for i, v := range cp {
			cp[i] = strconv.Quote(v)
		}
		add(name, strings.Join(cp, ","))
	}
	addFloat := func(name string, v *float64) {
		if v != nil {
			add(name, strconv.FormatFloat(*v, 'f', -1, 64))
		}
	}

	// alphabetical field order
	addSet("difficulty", f.Difficulty)
	if f.IsAccessible != nil {
		add("is_accessible", strconv.FormatBool(*f.IsAccessible))
	}
	if f.Limit > 0 {
		add("limit", strconv.Itoa(f.Limit))
	}
	addFloat("max_elevation_gain", f.MaxElevationGain)
	addFloat("max_estimated_time", f.MaxEstimatedTime)
	addFloat("max_length", f.MaxLength)
	addFloat("min_elevation_gain", f.MinElevationGain)
	addFloat("min_length", f.MinLength)
	if f.Offset > 0 {
		add("offset", strconv.Itoa(f.Offset))
	}
	if f.ParkID != nil {
		add("park_id", strconv.FormatInt(*f.ParkID, 10))
	}
	addSet("route_type", f.RouteType)
	if f.Search != nil {
		add("search", strconv.Quote(*f.Search))
	}
	addSet("surface_type", f.SurfaceType)

	return strings.Join(parts, ";")
}

// Tile derives a filesystem-safe key from a tile URL. Long URLs are cut and
// disambiguated with a hash of the full URL.
func Tile(rawURL string) string {
	u := strings.TrimSpace(rawURL)
	u = strings.TrimPrefix(u, "https://")
	u = strings.TrimPrefix(u, "http://")
	safe := sanitize(u, false)
	const maxTileKeyLen = 120
	if len(safe) <= maxTileKeyLen {
		return safe
	}
	return fmt.Sprintf("%s_%016x", safe[:maxTileKeyLen], xxhash.Sum64String(rawURL))
}

// sanitize maps whitespace to '_' and anything outside [A-Za-z0-9:_-] (plus
// '=' when allowEq) to '-', collapsing runs of either.
func sanitize(s string, allowEq bool) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))

	var prev rune
	for _, r := range s {
		var out rune
		switch {
		case isASCIIWhitespace(r):
			out = '_'
		case isAlphaNum(r) || r == ':' || r == '_' || r == '-' || r == '.':
			out = r
		case allowEq && (r == '=' || r == ',' || r == ';'):
			out = r
		default:
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

func isASCIIWhitespace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f'
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r < unicode.MaxASCII && unicode.IsDigit(r))
}
