package mesh

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Feature property keys.
const (
	PropKind   = "kind"
	PropCount  = "count"
	PropRadius = "radius"
	PropColor  = "color"
	PropIcon   = "icon"
	PropLabel  = "label"
	PropID     = "id"
)

// ClustersToFeatureCollection exports the current grouping. Each group
// becomes a Point feature with kind "cluster" and its member count; each
// standalone entity becomes a Point feature with kind "marker".
func ClustersToFeatureCollection(groups []ClusterGroup, standalone []*Entity) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()

	for _, g := range groups {
		f := geojson.NewFeature(g.Center.Orb())
		f.Properties[PropKind] = "cluster"
		f.Properties[PropCount] = g.Count
		if g.Style.Radius > 0 {
			f.Properties[PropRadius] = g.Style.Radius
		}
		if g.Style.Color != "" {
			f.Properties[PropColor] = g.Style.Color
		}
		if g.Icon != "" {
			f.Properties[PropIcon] = g.Icon
		}
		fc.Append(f)
	}

	for _, e := range standalone {
		fc.Append(entityFeature(e))
	}
	return fc
}

// EntitiesToFeatureCollection exports entities with their full geometry.
// Hidden entities are skipped.
func EntitiesToFeatureCollection(entities []*Entity) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, e := range entities {
		if !e.Visible {
			continue
		}
		fc.Append(entityFeature(e))
	}
	return fc
}

func entityFeature(e *Entity) *geojson.Feature {
	var geom orb.Geometry
	switch e.Kind {
	case KindPolygon:
		ring := orb.Ring(toLineString(e.Path))
		if len(ring) > 0 && !ring.Closed() {
			ring = append(ring, ring[0])
		}
		geom = orb.Polygon{ring}
	case KindPolyline:
		geom = toLineString(e.Path)
	default:
		geom = e.Location.Orb()
	}

	f := geojson.NewFeature(geom)
	f.ID = e.ID
	f.Properties[PropKind] = e.Kind.String()
	f.Properties[PropID] = e.ID
	if e.Label != "" {
		f.Properties[PropLabel] = e.Label
	}
	if e.Color != "" {
		f.Properties[PropColor] = e.Color
	}
	return f
}

// FeatureToEntityOptions converts a GeoJSON feature into entity options.
// Points become markers, polygons (outer ring only) polygons, and line
// strings polylines. The "label" and "color" properties are copied.
func FeatureToEntityOptions(f *geojson.Feature) (EntityOptions, error) {
	if f == nil || f.Geometry == nil {
		return EntityOptions{}, fmt.Errorf("feature has no geometry")
	}

	var opts EntityOptions
	switch g := f.Geometry.(type) {
	case orb.Point:
		opts.Kind = KindMarker
		opts.Location = geoFromOrb(g)
	case orb.Polygon:
		if len(g) == 0 || len(g[0]) < 3 {
			return EntityOptions{}, fmt.Errorf("polygon needs at least 3 vertices")
		}
		opts.Kind = KindPolygon
		ring := g[0]
		if ring.Closed() {
			ring = ring[:len(ring)-1]
		}
		opts.Path = fromPoints(ring)
	case orb.LineString:
		if len(g) < 2 {
			return EntityOptions{}, fmt.Errorf("line string needs at least 2 vertices")
		}
		opts.Kind = KindPolyline
		opts.Path = fromPoints(g)
	default:
		return EntityOptions{}, fmt.Errorf("unsupported geometry type %s", f.Geometry.GeoJSONType())
	}

	opts.Label = stringProp(f.Properties, PropLabel)
	opts.Color = stringProp(f.Properties, PropColor)
	if opts.Kind != KindMarker {
		opts.Location = anchorFor(opts.Kind, opts.Path)
	}
	return opts, nil
}

// stringProp reads a string property. Values of other types read as "".
func stringProp(p geojson.Properties, key string) string {
	s, _ := p[key].(string)
	return s
}

func fromPoints[T ~[]orb.Point](pts T) []GeoPoint {
	out := make([]GeoPoint, len(pts))
	for i, p := range pts {
		out[i] = geoFromOrb(p)
	}
	return out
}
