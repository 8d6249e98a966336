package mesh

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

func TestClustersToFeatureCollection_Empty(t *testing.T) {
	fc := ClustersToFeatureCollection(nil, nil)
	if fc == nil {
		t.Fatal("ClustersToFeatureCollection returned nil")
	}
	if len(fc.Features) != 0 {
		t.Errorf("features = %d, want 0", len(fc.Features))
	}

	data, err := json.Marshal(fc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"features":[]`) {
		t.Errorf("json = %s", data)
	}
}

func TestClustersToFeatureCollection(t *testing.T) {
	groups := []ClusterGroup{
		{
			Center: GeoPoint{Latitude: 10, Longitude: 20},
			Count:  5,
			Style:  GroupStyle{Radius: 21.5, Color: "#4caf50"},
			Icon:   "truck-5",
		},
		{Center: GeoPoint{Latitude: -1, Longitude: -2}, Count: 2},
	}
	standalone := []*Entity{{ID: 7, Kind: KindMarker, Location: GeoPoint{Latitude: 3, Longitude: 4}, Label: "solo", Color: "#123456"}}

	fc := ClustersToFeatureCollection(groups, standalone)
	if len(fc.Features) != 3 {
		t.Fatalf("features = %d, want 3", len(fc.Features))
	}

	g := fc.Features[0]
	if pt, ok := g.Geometry.(orb.Point); !ok || pt != (orb.Point{20, 10}) {
		t.Errorf("group geometry = %v, want lon/lat order point", g.Geometry)
	}
	if g.Properties[PropKind] != "cluster" || g.Properties[PropCount] != 5 {
		t.Errorf("group properties = %v", g.Properties)
	}
	if g.Properties[PropRadius] != 21.5 || g.Properties[PropColor] != "#4caf50" || g.Properties[PropIcon] != "truck-5" {
		t.Errorf("group style properties = %v", g.Properties)
	}

	bare := fc.Features[1]
	for _, key := range []string{PropRadius, PropColor, PropIcon} {
		if _, ok := bare.Properties[key]; ok {
			t.Errorf("unstyled group should omit %q", key)
		}
	}

	s := fc.Features[2]
	if s.Properties[PropKind] != "marker" || s.Properties[PropLabel] != "solo" || s.Properties[PropColor] != "#123456" {
		t.Errorf("standalone properties = %v", s.Properties)
	}
	if s.ID != uint64(7) {
		t.Errorf("standalone feature id = %v, want 7", s.ID)
	}
}

func TestEntitiesToFeatureCollection(t *testing.T) {
	square := []GeoPoint{{Latitude: 0, Longitude: 0}, {Latitude: 0, Longitude: 1}, {Latitude: 1, Longitude: 1}, {Latitude: 1, Longitude: 0}}
	entities := []*Entity{
		{ID: 1, Kind: KindPolygon, Path: square, Visible: true},
		{ID: 2, Kind: KindPolyline, Path: square[:2], Visible: true},
		{ID: 3, Kind: KindMarker, Location: GeoPoint{Latitude: 5, Longitude: 5}, Visible: true},
		{ID: 4, Kind: KindMarker, Visible: false},
	}

	fc := EntitiesToFeatureCollection(entities)
	if len(fc.Features) != 3 {
		t.Fatalf("features = %d, want 3 (hidden skipped)", len(fc.Features))
	}

	poly, ok := fc.Features[0].Geometry.(orb.Polygon)
	if !ok {
		t.Fatalf("polygon geometry = %T", fc.Features[0].Geometry)
	}
	if len(poly[0]) != 5 || !poly[0].Closed() {
		t.Errorf("polygon ring should be closed, got %v", poly[0])
	}

	if ls, ok := fc.Features[1].Geometry.(orb.LineString); !ok || len(ls) != 2 {
		t.Errorf("polyline geometry = %v", fc.Features[1].Geometry)
	}
	if _, ok := fc.Features[2].Geometry.(orb.Point); !ok {
		t.Errorf("marker geometry = %T", fc.Features[2].Geometry)
	}
}

func TestFeatureToEntityOptions(t *testing.T) {
	t.Run("point", func(t *testing.T) {
		f := geojson.NewFeature(orb.Point{13.4, 52.5})
		f.Properties[PropLabel] = "depot"
		opts, err := FeatureToEntityOptions(f)
		if err != nil {
			t.Fatal(err)
		}
		if opts.Kind != KindMarker || opts.Location != (GeoPoint{Latitude: 52.5, Longitude: 13.4}) || opts.Label != "depot" {
			t.Errorf("opts = %+v", opts)
		}
	})

	t.Run("closed polygon drops the repeated vertex", func(t *testing.T) {
		ring := orb.Ring{{0, 0}, {2, 0}, {2, 2}, {0, 2}, {0, 0}}
		opts, err := FeatureToEntityOptions(geojson.NewFeature(orb.Polygon{ring}))
		if err != nil {
			t.Fatal(err)
		}
		if opts.Kind != KindPolygon || len(opts.Path) != 4 {
			t.Errorf("opts = %+v", opts)
		}
		if opts.Location == (GeoPoint{}) {
			t.Error("polygon options should carry an anchor location")
		}
	})

	t.Run("line string", func(t *testing.T) {
		f := geojson.NewFeature(orb.LineString{{0, 0}, {1, 1}})
		f.Properties[PropColor] = "#ff0000"
		opts, err := FeatureToEntityOptions(f)
		if err != nil {
			t.Fatal(err)
		}
		if opts.Kind != KindPolyline || len(opts.Path) != 2 || opts.Color != "#ff0000" {
			t.Errorf("opts = %+v", opts)
		}
	})

	t.Run("non-string label is ignored", func(t *testing.T) {
		f := geojson.NewFeature(orb.Point{1, 1})
		f.Properties[PropLabel] = 42.0
		opts, err := FeatureToEntityOptions(f)
		if err != nil {
			t.Fatal(err)
		}
		if opts.Label != "" {
			t.Errorf("label = %q, want empty", opts.Label)
		}
	})

	errorCases := map[string]*geojson.Feature{
		"nil feature":       nil,
		"nil geometry":      {Properties: geojson.Properties{}},
		"degenerate ring":   geojson.NewFeature(orb.Polygon{{{0, 0}, {1, 1}}}),
		"single point line": geojson.NewFeature(orb.LineString{{0, 0}}),
		"multipoint":        geojson.NewFeature(orb.MultiPoint{{0, 0}}),
	}
	for name, f := range errorCases {
		t.Run(name, func(t *testing.T) {
			if _, err := FeatureToEntityOptions(f); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestGeoJSONSerialization(t *testing.T) {
	entities := []*Entity{
		{ID: 1, Kind: KindPolyline, Path: []GeoPoint{{Latitude: 1, Longitude: 2}, {Latitude: 3, Longitude: 4}}, Label: "route", Visible: true},
	}
	data, err := json.Marshal(EntitiesToFeatureCollection(entities))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	opts, err := FeatureToEntityOptions(fc.Features[0])
	if err != nil {
		t.Fatalf("FeatureToEntityOptions: %v", err)
	}
	if opts.Kind != KindPolyline || opts.Label != "route" || opts.Path[1] != (GeoPoint{Latitude: 3, Longitude: 4}) {
		t.Errorf("round trip = %+v", opts)
	}
}
