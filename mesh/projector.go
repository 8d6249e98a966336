package mesh

import (
	"context"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
)

const (
	// DefaultTileSize is the pixel size of one web map tile at zoom 0.
	DefaultTileSize = 256

	// earthRadius matches the sphere used by orb/project.
	earthRadius = 6378137.0
	originShift = math.Pi * earthRadius

	// maxLatitude keeps Web Mercator y finite (atan(sinh(pi))).
	maxLatitude = 85.05112878
)

// Projector converts between geographic coordinates and viewport pixels using
// Web Mercator. It has no state besides its tile size and is safe to share.
type Projector struct {
	TileSize float64
}

// NewProjector returns a projector for standard 256px tiles.
func NewProjector() Projector {
	return Projector{TileSize: DefaultTileSize}
}

func (p Projector) tileSize() float64 {
	if p.TileSize <= 0 {
		return DefaultTileSize
	}
	return p.TileSize
}

// WorldSize is the width (and height) of the whole world in pixels at zoom.
func (p Projector) WorldSize(zoom float64) float64 {
	return p.tileSize() * math.Exp2(zoom)
}

// WorldPixel projects loc to absolute world pixels at zoom, origin at the
// north-west corner of the world.
func (p Projector) WorldPixel(loc GeoPoint, zoom float64) PixelPoint {
	return worldPixel(loc, p.WorldSize(zoom))
}

func worldPixel(loc GeoPoint, world float64) PixelPoint {
	lat := math.Max(math.Min(loc.Latitude, maxLatitude), -maxLatitude)
	m := project.WGS84.ToMercator(orb.Point{loc.Longitude, lat})
	return PixelPoint{
		X: (m[0] + originShift) / (2 * originShift) * world,
		Y: (originShift - m[1]) / (2 * originShift) * world,
	}
}

func worldToGeo(px PixelPoint, world float64) GeoPoint {
	mx := px.X/world*2*originShift - originShift
	my := originShift - px.Y/world*2*originShift
	return geoFromOrb(project.Mercator.ToWGS84(orb.Point{mx, my}))
}

// projection holds the per-viewport constants shared by every point of a
// batch.
type projection struct {
	world  float64
	westX  float64
	northY float64
	wrap   bool
}

func (p Projector) newProjection(vp *ViewportState) projection {
	world := p.WorldSize(vp.Zoom)
	nw := worldPixel(GeoPoint{
		Latitude:  vp.Bounds.NorthEast.Latitude,
		Longitude: vp.Bounds.SouthWest.Longitude,
	}, world)
	return projection{
		world:  world,
		westX:  nw.X,
		northY: nw.Y,
		wrap:   vp.Bounds.CrossesAntimeridian(),
	}
}

func (pr projection) toPixel(loc GeoPoint) PixelPoint {
	wp := worldPixel(loc, pr.world)
	if pr.wrap && wp.X < pr.westX {
		wp.X += pr.world
	}
	return PixelPoint{X: wp.X - pr.westX, Y: wp.Y - pr.northY}
}

// ToPixel projects loc into pixels relative to the top-left of the visible
// area of vp. ok is false when the viewport is not attached yet.
func (p Projector) ToPixel(loc GeoPoint, vp *ViewportState) (PixelPoint, bool) {
	if !vp.Ready() {
		return PixelPoint{}, false
	}
	return p.newProjection(vp).toPixel(loc), true
}

// ToPixels is the batched form of ToPixel. The projection constants are
// computed once per call.
func (p Projector) ToPixels(locs []GeoPoint, vp *ViewportState) ([]PixelPoint, bool) {
	if !vp.Ready() {
		return nil, false
	}
	pr := p.newProjection(vp)
	out := make([]PixelPoint, len(locs))
	for i, loc := range locs {
		out[i] = pr.toPixel(loc)
	}
	return out, true
}

// ToPixelsChunked projects locs chunk by chunk and hands each chunk to fn
// together with the index of its first element. The context is checked
// between chunks so long batches can be abandoned.
func (p Projector) ToPixelsChunked(ctx context.Context, locs []GeoPoint, vp *ViewportState, chunk int, fn func(offset int, pts []PixelPoint) error) error {
	if !vp.Ready() {
		return ErrNotReady
	}
	if chunk <= 0 {
		chunk = len(locs)
	}
	pr := p.newProjection(vp)
	buf := make([]PixelPoint, 0, min(chunk, len(locs)))
	for start := 0; start < len(locs); start += chunk {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+chunk, len(locs))
		buf = buf[:0]
		for _, loc := range locs[start:end] {
			buf = append(buf, pr.toPixel(loc))
		}
		if err := fn(start, buf); err != nil {
			return err
		}
	}
	return nil
}

// FromPixel is the inverse of ToPixel. Longitudes are normalised to
// [-180, 180).
func (p Projector) FromPixel(px PixelPoint, vp *ViewportState) (GeoPoint, bool) {
	if !vp.Ready() {
		return GeoPoint{}, false
	}
	pr := p.newProjection(vp)
	g := worldToGeo(PixelPoint{X: px.X + pr.westX, Y: px.Y + pr.northY}, pr.world)
	g.Longitude = normalizeLongitude(g.Longitude)
	return g, true
}

// NewViewport builds the snapshot a host map would report for the given
// center, zoom and pixel size.
func (p Projector) NewViewport(center GeoPoint, zoom float64, size Size) *ViewportState {
	world := p.WorldSize(zoom)
	c := worldPixel(center, world)

	north := worldToGeo(PixelPoint{X: c.X, Y: math.Max(c.Y-size.Height/2, 0)}, world)
	south := worldToGeo(PixelPoint{X: c.X, Y: math.Min(c.Y+size.Height/2, world)}, world)

	var west, east float64
	if size.Width >= world {
		west, east = -180, 180
	} else {
		west = normalizeLongitude(worldToGeo(PixelPoint{X: c.X - size.Width/2}, world).Longitude)
		east = normalizeLongitude(worldToGeo(PixelPoint{X: c.X + size.Width/2}, world).Longitude)
		if east == -180 {
			east = 180
		}
	}

	return &ViewportState{
		Zoom:   zoom,
		Center: center,
		Bounds: GeoBounds{
			NorthEast: GeoPoint{Latitude: north.Latitude, Longitude: east},
			SouthWest: GeoPoint{Latitude: south.Latitude, Longitude: west},
		},
		Size: size,
	}
}

func normalizeLongitude(lon float64) float64 {
	lon = math.Mod(lon+180, 360)
	if lon < 0 {
		lon += 360
	}
	return lon - 180
}
