package mesh

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/simplify"
)

// degenerateArea is the doubled signed area (in squared degrees) below which a
// polygon is treated as having no enclosed area.
const degenerateArea = 1e-18

// PolygonCentroid returns the area-weighted centroid of the polygon described
// by path. The shoelace sums are accumulated relative to the first vertex so
// large coordinate magnitudes do not swamp the small differences between
// vertices. A path with no enclosed area (collinear or repeated points) yields
// the first vertex. An empty path yields ok=false.
func PolygonCentroid(path []GeoPoint) (GeoPoint, bool) {
	if len(path) == 0 {
		return GeoPoint{}, false
	}
	anchor := path[0]
	if len(path) < 3 {
		return anchor, true
	}

	var area2, cx, cy float64
	for i := 1; i+1 < len(path); i++ {
		x1 := path[i].Longitude - anchor.Longitude
		y1 := path[i].Latitude - anchor.Latitude
		x2 := path[i+1].Longitude - anchor.Longitude
		y2 := path[i+1].Latitude - anchor.Latitude

		cross := x1*y2 - x2*y1
		area2 += cross
		cx += (x1 + x2) * cross
		cy += (y1 + y2) * cross
	}

	if math.Abs(area2) < degenerateArea {
		return anchor, true
	}

	return GeoPoint{
		Latitude:  anchor.Latitude + cy/(3*area2),
		Longitude: anchor.Longitude + cx/(3*area2),
	}, true
}

// BoundingBoxCenter returns the midpoint of the latitude and longitude extents
// of path. An empty path yields ok=false.
func BoundingBoxCenter(path []GeoPoint) (GeoPoint, bool) {
	b, ok := pathBound(path)
	if !ok {
		return GeoPoint{}, false
	}
	return geoFromOrb(b.Center()), true
}

// PathBounds returns the bounding box of path. Paths are not assumed to cross
// the antimeridian.
func PathBounds(path []GeoPoint) (GeoBounds, bool) {
	b, ok := pathBound(path)
	if !ok {
		return GeoBounds{}, false
	}
	return GeoBounds{
		NorthEast: GeoPoint{Latitude: b.Max.Lat(), Longitude: b.Max.Lon()},
		SouthWest: GeoPoint{Latitude: b.Min.Lat(), Longitude: b.Min.Lon()},
	}, true
}

func pathBound(path []GeoPoint) (orb.Bound, bool) {
	if len(path) == 0 {
		return orb.Bound{}, false
	}
	mp := make(orb.MultiPoint, len(path))
	for i, p := range path {
		mp[i] = p.Orb()
	}
	return mp.Bound(), true
}

// BoundsContain reports whether p lies inside b, treating bounds whose
// south-west longitude exceeds the north-east longitude as wrapping the
// antimeridian.
func BoundsContain(b GeoBounds, p GeoPoint) bool {
	if p.Latitude < b.SouthWest.Latitude || p.Latitude > b.NorthEast.Latitude {
		return false
	}
	if b.CrossesAntimeridian() {
		return p.Longitude >= b.SouthWest.Longitude || p.Longitude <= b.NorthEast.Longitude
	}
	return p.Longitude >= b.SouthWest.Longitude && p.Longitude <= b.NorthEast.Longitude
}

// PolylineMidpoint returns the point halfway along the planar length of path.
func PolylineMidpoint(path []GeoPoint) (GeoPoint, bool) {
	switch len(path) {
	case 0:
		return GeoPoint{}, false
	case 1:
		return path[0], true
	}

	ls := toLineString(path)
	half := planar.Length(ls) / 2
	if half == 0 {
		return path[0], true
	}

	walked := 0.0
	for i := 1; i < len(ls); i++ {
		seg := planar.Distance(ls[i-1], ls[i])
		if walked+seg >= half && seg > 0 {
			t := (half - walked) / seg
			return GeoPoint{
				Latitude:  ls[i-1].Lat() + t*(ls[i].Lat()-ls[i-1].Lat()),
				Longitude: ls[i-1].Lon() + t*(ls[i].Lon()-ls[i-1].Lon()),
			}, true
		}
		walked += seg
	}
	return path[len(path)-1], true
}

// SimplifyPath reduces the vertex count of path with Douglas-Peucker at the
// given tolerance (degrees). The endpoints are always kept.
func SimplifyPath(path []GeoPoint, tolerance float64) []GeoPoint {
	if len(path) < 3 || tolerance <= 0 {
		return path
	}
	simplified, ok := simplify.DouglasPeucker(tolerance).Simplify(toLineString(path)).(orb.LineString)
	if !ok {
		return path
	}
	out := make([]GeoPoint, len(simplified))
	for i, p := range simplified {
		out[i] = geoFromOrb(p)
	}
	return out
}

// simplifyPixels is SimplifyPath for already projected points, with the
// tolerance expressed in pixels.
func simplifyPixels(pts []PixelPoint, tolerance float64) []PixelPoint {
	if len(pts) < 3 || tolerance <= 0 {
		return pts
	}
	ls := make(orb.LineString, len(pts))
	for i, p := range pts {
		ls[i] = orb.Point{p.X, p.Y}
	}
	simplified, ok := simplify.DouglasPeucker(tolerance).Simplify(ls).(orb.LineString)
	if !ok {
		return pts
	}
	out := make([]PixelPoint, len(simplified))
	for i, p := range simplified {
		out[i] = PixelPoint{X: p[0], Y: p[1]}
	}
	return out
}

func toLineString(path []GeoPoint) orb.LineString {
	ls := make(orb.LineString, len(path))
	for i, p := range path {
		ls[i] = p.Orb()
	}
	return ls
}
