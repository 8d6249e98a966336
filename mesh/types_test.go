package mesh

import (
	"encoding/json"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestEntityKind_Text(t *testing.T) {
	for _, k := range []EntityKind{KindMarker, KindPolygon, KindPolyline} {
		b, err := k.MarshalText()
		if err != nil {
			t.Fatal(err)
		}
		var back EntityKind
		if err := back.UnmarshalText(b); err != nil || back != k {
			t.Errorf("%s: got %v, %v", k, back, err)
		}
	}

	var k EntityKind
	if err := k.UnmarshalText([]byte("circle")); err == nil {
		t.Error("unknown kind should fail")
	}
	if !strings.HasPrefix(EntityKind(9).String(), "EntityKind(") {
		t.Errorf("String() = %s", EntityKind(9))
	}
}

func TestEntityOptions_YAML(t *testing.T) {
	var opts EntityOptions
	src := "kind: polygon\nlabel: zone\npath:\n  - {lat: 1, lon: 2}\n  - {lat: 3, lon: 4}\n  - {lat: 5, lon: 6}\nhidden: true\n"
	if err := yaml.Unmarshal([]byte(src), &opts); err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if opts.Kind != KindPolygon || len(opts.Path) != 3 || !opts.Hidden || opts.Path[2] != (GeoPoint{5, 6}) {
		t.Errorf("opts = %+v", opts)
	}
}

func TestViewMode_JSON(t *testing.T) {
	vp := ViewportState{Zoom: 3, Size: Size{Width: 1, Height: 1}, Mode: ViewModeStreetLevel}
	data, err := json.Marshal(vp)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"mode":"street-level"`) {
		t.Errorf("json = %s", data)
	}

	var back ViewportState
	if err := json.Unmarshal([]byte(`{"zoom":4,"mode":"streetview"}`), &back); err != nil {
		t.Fatal(err)
	}
	if back.Mode != ViewModeStreetLevel || back.Zoom != 4 {
		t.Errorf("back = %+v", back)
	}
	if err := json.Unmarshal([]byte(`{"mode":"satellite"}`), &back); err == nil {
		t.Error("unknown mode should fail")
	}
}

func TestParseViewportEvent(t *testing.T) {
	tests := map[string]ViewportEvent{
		"":           EventContinuousChange,
		"continuous": EventContinuousChange,
		"settled":    EventSettled,
		"resize":     EventResize,
	}
	for in, want := range tests {
		got, err := ParseViewportEvent(in)
		if err != nil || got != want {
			t.Errorf("ParseViewportEvent(%q) = %v, %v", in, got, err)
		}
		if in != "" && got.String() != in {
			t.Errorf("String() = %s, want %s", got, in)
		}
	}
	if _, err := ParseViewportEvent("idle"); err == nil {
		t.Error("unknown event should fail")
	}
}

func TestViewportState_Ready(t *testing.T) {
	var nilVP *ViewportState
	if nilVP.Ready() {
		t.Error("nil viewport is not ready")
	}
	if (&ViewportState{Size: Size{Width: 10}}).Ready() {
		t.Error("zero height viewport is not ready")
	}
	if !engineViewport().Ready() {
		t.Error("sized viewport should be ready")
	}
}

func TestGeoPoint_Orb(t *testing.T) {
	p := GeoPoint{Latitude: 52.5, Longitude: 13.4}
	o := p.Orb()
	if o[0] != 13.4 || o[1] != 52.5 {
		t.Errorf("Orb() = %v, want lon/lat order", o)
	}
	if geoFromOrb(o) != p {
		t.Error("geoFromOrb does not invert Orb")
	}
	if p.String() != "(52.500000, 13.400000)" {
		t.Errorf("String() = %s", p)
	}
}
