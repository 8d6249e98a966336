package mesh

import (
	"fmt"

	"github.com/paulmach/orb"
)

// GeoPoint is a WGS84 coordinate in degrees.
type GeoPoint struct {
	Latitude  float64 `json:"lat" yaml:"lat"`
	Longitude float64 `json:"lon" yaml:"lon"`
}

// Orb returns the point in orb's (lon, lat) order.
func (g GeoPoint) Orb() orb.Point {
	return orb.Point{g.Longitude, g.Latitude}
}

func (g GeoPoint) String() string {
	return fmt.Sprintf("(%.6f, %.6f)", g.Latitude, g.Longitude)
}

// geoFromOrb converts an orb point (lon, lat) back to a GeoPoint.
func geoFromOrb(p orb.Point) GeoPoint {
	return GeoPoint{Latitude: p.Lat(), Longitude: p.Lon()}
}

// PixelPoint is a position in pixels relative to the top-left corner of the
// visible area of the viewport.
type PixelPoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Size is a width/height pair in pixels.
type Size struct {
	Width  float64 `json:"width" yaml:"width"`
	Height float64 `json:"height" yaml:"height"`
}

// GeoBounds is the visible area of a viewport. When SouthWest.Longitude is
// greater than NorthEast.Longitude the area crosses the antimeridian.
type GeoBounds struct {
	NorthEast GeoPoint `json:"northEast"`
	SouthWest GeoPoint `json:"southWest"`
}

// CrossesAntimeridian reports whether the bounds wrap around +/-180.
func (b GeoBounds) CrossesAntimeridian() bool {
	return b.SouthWest.Longitude > b.NorthEast.Longitude
}

// ViewMode describes how the host map is presenting the viewport.
type ViewMode int

const (
	// ViewModeMap is the regular top-down 2D map.
	ViewModeMap ViewMode = iota
	// ViewModeStreetLevel is a first-person ground view. 2D overlays cannot
	// be placed while it is active.
	ViewModeStreetLevel
)

func (m ViewMode) String() string {
	switch m {
	case ViewModeMap:
		return "map"
	case ViewModeStreetLevel:
		return "street-level"
	default:
		return fmt.Sprintf("ViewMode(%d)", int(m))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m ViewMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *ViewMode) UnmarshalText(b []byte) error {
	switch string(b) {
	case "map", "":
		*m = ViewModeMap
	case "street-level", "streetview":
		*m = ViewModeStreetLevel
	default:
		return fmt.Errorf("unknown view mode %q", string(b))
	}
	return nil
}

// ViewportState is a read-only snapshot of the host map viewport. A new
// snapshot replaces the old one on every pan, zoom or resize; snapshots are
// never mutated after they are published.
type ViewportState struct {
	Zoom   float64   `json:"zoom"`
	Center GeoPoint  `json:"center"`
	Bounds GeoBounds `json:"bounds"`
	Size   Size      `json:"size"`
	Mode   ViewMode  `json:"mode"`
}

// Ready reports whether the snapshot describes an attached map surface.
func (vp *ViewportState) Ready() bool {
	return vp != nil && vp.Size.Width > 0 && vp.Size.Height > 0
}

// ViewportEvent names one of the host viewport notifications.
type ViewportEvent int

const (
	// EventContinuousChange fires repeatedly during an active pan or zoom.
	EventContinuousChange ViewportEvent = iota
	// EventSettled fires once when motion stops.
	EventSettled
	// EventResize fires when the host element changes size.
	EventResize
)

func (e ViewportEvent) String() string {
	switch e {
	case EventContinuousChange:
		return "continuous"
	case EventSettled:
		return "settled"
	case EventResize:
		return "resize"
	default:
		return fmt.Sprintf("ViewportEvent(%d)", int(e))
	}
}

// ParseViewportEvent maps the wire names used by the HTTP surface.
func ParseViewportEvent(s string) (ViewportEvent, error) {
	switch s {
	case "continuous", "":
		return EventContinuousChange, nil
	case "settled":
		return EventSettled, nil
	case "resize":
		return EventResize, nil
	}
	return 0, fmt.Errorf("unknown viewport event %q", s)
}

// EntityKind distinguishes the kinds of rendered entities.
type EntityKind int

const (
	KindMarker EntityKind = iota
	KindPolygon
	KindPolyline
)

func (k EntityKind) String() string {
	switch k {
	case KindMarker:
		return "marker"
	case KindPolygon:
		return "polygon"
	case KindPolyline:
		return "polyline"
	default:
		return fmt.Sprintf("EntityKind(%d)", int(k))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k EntityKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *EntityKind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "marker", "":
		*k = KindMarker
	case "polygon":
		*k = KindPolygon
	case "polyline":
		*k = KindPolyline
	default:
		return fmt.Errorf("unknown entity kind %q", string(b))
	}
	return nil
}

// Handle is an opaque reference to a backend-native entity. Only the
// backend that created it may interpret it.
type Handle any

// Entity is a rendered map entity. Markers are the clusterable kind; the
// cluster engine decides whether a marker is attached (live) or held
// pending.
type Entity struct {
	ID       uint64
	Kind     EntityKind
	Location GeoPoint
	Path     []GeoPoint
	Label    string
	Color    string

	FirstInBatch bool
	LastInBatch  bool

	Handle  Handle
	Visible bool

	seq uint64
}

// EntityOptions describes an entity to create. It is plain data consumed by
// the backend.
type EntityOptions struct {
	Kind     EntityKind `json:"kind" yaml:"kind"`
	Location GeoPoint   `json:"location" yaml:"location"`
	Path     []GeoPoint `json:"path,omitempty" yaml:"path,omitempty"`
	Label    string     `json:"label,omitempty" yaml:"label,omitempty"`
	Color    string     `json:"color,omitempty" yaml:"color,omitempty"`
	Hidden   bool       `json:"hidden,omitempty" yaml:"hidden,omitempty"`
}

// EntityPatch is a merge-patch for an existing entity: only non-nil fields
// are applied.
type EntityPatch struct {
	Location *GeoPoint  `json:"location,omitempty"`
	Path     []GeoPoint `json:"path,omitempty"`
	Label    *string    `json:"label,omitempty"`
	Color    *string    `json:"color,omitempty"`
	Visible  *bool      `json:"visible,omitempty"`
}
