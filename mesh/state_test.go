package mesh

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/paulmach/orb/geojson"
)

func sampleClusters() *geojson.FeatureCollection {
	members := []*Entity{
		{ID: 1, Location: GeoPoint{Latitude: 1, Longitude: 1}, Visible: true},
		{ID: 2, Location: GeoPoint{Latitude: 1.1, Longitude: 1.1}, Visible: true},
	}
	g := ClusterGroup{Center: GeoPoint{Latitude: 1.05, Longitude: 1.05}, Count: 2, Members: members}
	return ClustersToFeatureCollection([]ClusterGroup{g}, nil)
}

// ---------------------------------------------------------------------------
// NewStateTracker
// ---------------------------------------------------------------------------

func TestNewStateTracker(t *testing.T) {
	st := NewStateTracker()
	if st == nil {
		t.Fatal("NewStateTracker returned nil")
	}
	if _, ok := st.Snapshot(); ok {
		t.Error("new tracker should have no snapshot")
	}
	if got := string(st.ClustersJSON()); got != `{"type":"FeatureCollection","features":[]}` {
		t.Errorf("ClustersJSON() = %s, want empty collection", got)
	}
}

// ---------------------------------------------------------------------------
// Update / Snapshot
// ---------------------------------------------------------------------------

func TestStateTracker_Update(t *testing.T) {
	st := NewStateTracker()
	vp := NewProjector().NewViewport(GeoPoint{Latitude: 1, Longitude: 1}, 8, Size{Width: 100, Height: 100})
	stats := ClusterStats{Live: 2, Groups: 1, Recomputes: 4}

	if err := st.Update(sampleClusters(), vp, stats, OverlayStats{Redraws: 3}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	s, ok := st.Snapshot()
	if !ok {
		t.Fatal("expected snapshot after Update")
	}
	if s.Stats != stats {
		t.Errorf("Stats = %+v, want %+v", s.Stats, stats)
	}
	if s.Overlay.Redraws != 3 {
		t.Errorf("Overlay.Redraws = %d, want 3", s.Overlay.Redraws)
	}
	if s.Viewport != vp {
		t.Error("snapshot should reference the published viewport")
	}
	if s.UpdatedAt.IsZero() {
		t.Error("UpdatedAt should be set")
	}

	fc, err := geojson.UnmarshalFeatureCollection(st.ClustersJSON())
	if err != nil {
		t.Fatalf("decode clusters: %v", err)
	}
	if len(fc.Features) != 1 || fc.Features[0].Properties.MustString(PropKind, "") != "cluster" {
		t.Errorf("clusters = %+v", fc.Features)
	}
}

func TestStateTracker_ConcurrentAccess(t *testing.T) {
	st := NewStateTracker()
	fc := sampleClusters()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			if err := st.Update(fc, nil, ClusterStats{Recomputes: n}, OverlayStats{}); err != nil {
				t.Errorf("Update: %v", err)
			}
		}(i)
		go func() {
			defer wg.Done()
			_ = st.ClustersJSON()
			_, _ = st.Snapshot()
		}()
	}
	wg.Wait()

	if _, ok := st.Snapshot(); !ok {
		t.Error("expected a snapshot after concurrent updates")
	}
}

// ---------------------------------------------------------------------------
// Cache persistence
// ---------------------------------------------------------------------------

func TestStateTracker_PersistsToCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "snap.json")
	st := NewStateTrackerWithCache(path)

	if err := st.Update(sampleClusters(), nil, ClusterStats{Groups: 1}, OverlayStats{}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("cache file not written: %v", err)
	}

	restored := NewStateTrackerWithCache(path)
	s, ok := restored.Snapshot()
	if !ok {
		t.Fatal("restored tracker should serve the cached snapshot")
	}
	if s.Stats.Groups != 1 {
		t.Errorf("restored Stats.Groups = %d, want 1", s.Stats.Groups)
	}
	if !strings.Contains(string(restored.ClustersJSON()), `"cluster"`) {
		t.Errorf("restored clusters = %s", restored.ClustersJSON())
	}
}

func TestNewStateTrackerWithCache_MissingOrCorrupt(t *testing.T) {
	dir := t.TempDir()

	st := NewStateTrackerWithCache(filepath.Join(dir, "absent.json"))
	if _, ok := st.Snapshot(); ok {
		t.Error("missing cache should leave tracker empty")
	}

	corrupt := filepath.Join(dir, "corrupt.json")
	if err := os.WriteFile(corrupt, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	st = NewStateTrackerWithCache(corrupt)
	if _, ok := st.Snapshot(); ok {
		t.Error("corrupt cache should leave tracker empty")
	}
}

func TestSaveLoadSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap.json")
	in := &Snapshot{
		Clusters: json.RawMessage(`{"type":"FeatureCollection","features":[]}`),
		Stats:    ClusterStats{Live: 7},
	}
	if err := SaveSnapshot(in, path); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	out, err := LoadSnapshot(path)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if out.Stats.Live != 7 {
		t.Errorf("Stats.Live = %d, want 7", out.Stats.Live)
	}

	if _, err := LoadSnapshot(filepath.Join(t.TempDir(), "none.json")); err == nil {
		t.Error("expected error loading a missing snapshot")
	}
}
