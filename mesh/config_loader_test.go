package mesh

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func validConfigYAML() string {
	return `mqtt:
  broker: tcp://localhost:1883
  publishPrefix: fleet
  clientId: pinmesh-test
cluster:
  gridSize: 80
  placementMode: first-pin
  minimumClusterSize: 3
  zoomOnClick: false
  maxZoom: 15
  dynamicSizing: false
  visible: true
  styles:
    - {threshold: 5, color: "#00ff00"}
    - {threshold: 50, color: "#ff0000"}
viewport:
  center: {lat: 52.5, lon: 13.4}
  zoom: 11
  size: {width: 800, height: 600}
overlay:
  enabled: true
  chunkSize: 250
entities:
  - kind: marker
    location: {lat: 52.51, lon: 13.41}
    label: depot
  - kind: polygon
    label: zone
    color: "#3366ff"
    path:
      - {lat: 52.5, lon: 13.4}
      - {lat: 52.5, lon: 13.5}
      - {lat: 52.6, lon: 13.5}
`
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config fixture: %v", err)
	}
	return path
}

// ---------------------------------------------------------------------------
// LoadConfig
// ---------------------------------------------------------------------------

func TestLoadConfig_NotExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nope.yaml")
	_, err := LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for missing config file, got nil")
	}
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	path := writeConfig(t, validConfigYAML())

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.MQTT.Broker != "tcp://localhost:1883" {
		t.Errorf("Broker = %q, want %q", cfg.MQTT.Broker, "tcp://localhost:1883")
	}
	if cfg.MQTT.PublishPrefix != "fleet" {
		t.Errorf("PublishPrefix = %q, want fleet", cfg.MQTT.PublishPrefix)
	}
	if cfg.Cluster.GridSize != 80 || cfg.Cluster.MinimumClusterSize != 3 {
		t.Errorf("cluster = %+v", cfg.Cluster)
	}
	if cfg.Cluster.PlacementMode != PlacementFirstPin {
		t.Errorf("PlacementMode = %s, want first-pin", cfg.Cluster.PlacementMode)
	}
	if cfg.Cluster.ZoomOnClick {
		t.Error("ZoomOnClick = true, want false")
	}
	if len(cfg.Cluster.Styles) != 2 || cfg.Cluster.Styles[1].Color != "#ff0000" {
		t.Errorf("Styles = %+v", cfg.Cluster.Styles)
	}
	if cfg.Viewport.Zoom != 11 || cfg.Viewport.Size.Width != 800 {
		t.Errorf("Viewport = %+v", cfg.Viewport)
	}
	if cfg.Overlay.ChunkSize != 250 {
		t.Errorf("ChunkSize = %d, want 250", cfg.Overlay.ChunkSize)
	}
	if len(cfg.Entities) != 2 {
		t.Fatalf("len(Entities) = %d, want 2", len(cfg.Entities))
	}
	if cfg.Entities[0].Kind != KindMarker || cfg.Entities[0].Label != "depot" {
		t.Errorf("Entities[0] = %+v", cfg.Entities[0])
	}
	if cfg.Entities[1].Kind != KindPolygon || len(cfg.Entities[1].Path) != 3 {
		t.Errorf("Entities[1] = %+v", cfg.Entities[1])
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeConfig(t, "mqtt:\n  broker: tcp://localhost:1883\n")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	def := DefaultConfig()
	if cfg.MQTT.PublishPrefix != "pinmesh" {
		t.Errorf("PublishPrefix = %q, want default pinmesh", cfg.MQTT.PublishPrefix)
	}
	if cfg.Cluster.GridSize != def.Cluster.GridSize {
		t.Errorf("GridSize = %g, want %g", cfg.Cluster.GridSize, def.Cluster.GridSize)
	}
	if !cfg.Cluster.ClusteringEnabled || !cfg.Cluster.Visible {
		t.Error("clustering and visibility should default on")
	}
	if cfg.Viewport.Size != def.Viewport.Size {
		t.Errorf("Viewport.Size = %+v, want %+v", cfg.Viewport.Size, def.Viewport.Size)
	}
	if !cfg.Overlay.Enabled {
		t.Error("overlay should default on")
	}
}

func TestLoadConfig_Validation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "missing broker",
			yaml: `mqtt:
  broker: ""
`,
		},
		{
			name: "empty prefix",
			yaml: `mqtt:
  broker: tcp://localhost:1883
  publishPrefix: ""
`,
		},
		{
			name: "zero grid size",
			yaml: `mqtt:
  broker: tcp://localhost:1883
cluster:
  gridSize: 0
`,
		},
		{
			name: "unknown placement mode",
			yaml: `mqtt:
  broker: tcp://localhost:1883
cluster:
  placementMode: median
`,
		},
		{
			name: "descending breakpoints",
			yaml: `mqtt:
  broker: tcp://localhost:1883
cluster:
  styles:
    - {threshold: 50, color: "#ff0000"}
    - {threshold: 5, color: "#00ff00"}
`,
		},
		{
			name: "zero viewport size",
			yaml: `mqtt:
  broker: tcp://localhost:1883
viewport:
  size: {width: 0, height: 600}
`,
		},
		{
			name: "zoom out of range",
			yaml: `mqtt:
  broker: tcp://localhost:1883
viewport:
  zoom: 30
`,
		},
		{
			name: "latitude out of range",
			yaml: `mqtt:
  broker: tcp://localhost:1883
viewport:
  center: {lat: 95, lon: 0}
`,
		},
		{
			name: "polyline without path",
			yaml: `mqtt:
  broker: tcp://localhost:1883
entities:
  - kind: polyline
    path:
      - {lat: 1, lon: 1}
`,
		},
		{
			name: "unknown entity kind",
			yaml: `mqtt:
  broker: tcp://localhost:1883
entities:
  - kind: circle
`,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.yaml)
			_, err := LoadConfig(path)
			if err == nil {
				t.Errorf("expected validation error for %q, got nil", tc.name)
			}
		})
	}
}

func TestLoadConfig_ClusterErrorIsConfigurationError(t *testing.T) {
	path := writeConfig(t, "mqtt:\n  broker: tcp://x:1883\ncluster:\n  minimumClusterSize: 0\n")
	_, err := LoadConfig(path)
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("err = %v, want ErrConfiguration", err)
	}
	var ce *ConfigurationError
	if !errors.As(err, &ce) || ce.Option != "minimumClusterSize" {
		t.Errorf("ConfigurationError option = %+v", ce)
	}
}

// ---------------------------------------------------------------------------
// SaveConfig
// ---------------------------------------------------------------------------

func TestSaveConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")

	original := DefaultConfig()
	original.MQTT.Broker = "tcp://localhost:1883"
	original.MQTT.ClientID = "test-client"
	original.Cluster.PlacementMode = PlacementFirstPin
	original.Entities = []EntityOptions{
		{Kind: KindPolyline, Label: "route", Path: []GeoPoint{{Latitude: 1, Longitude: 2}, {Latitude: 3, Longitude: 4}}},
	}

	if err := SaveConfig(path, &original); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	// Round-trip: LoadConfig must succeed and reproduce the data
	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig after save: %v", err)
	}
	if loaded.MQTT.ClientID != "test-client" {
		t.Errorf("ClientID = %q, want test-client", loaded.MQTT.ClientID)
	}
	if loaded.Cluster.PlacementMode != PlacementFirstPin {
		t.Errorf("PlacementMode = %s, want first-pin", loaded.Cluster.PlacementMode)
	}
	if len(loaded.Cluster.Styles) != len(original.Cluster.Styles) {
		t.Errorf("Styles round-trip mismatch: %+v", loaded.Cluster.Styles)
	}
	if len(loaded.Entities) != 1 || loaded.Entities[0].Kind != KindPolyline || len(loaded.Entities[0].Path) != 2 {
		t.Errorf("Entities round-trip mismatch: %+v", loaded.Entities)
	}
}

func TestSaveConfig_BadPath(t *testing.T) {
	cfg := DefaultConfig()
	path := filepath.Join(t.TempDir(), "missing-dir", "out.yaml")
	if err := SaveConfig(path, &cfg); err == nil {
		t.Error("expected error writing into a missing directory")
	}
}
