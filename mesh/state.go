package mesh

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/paulmach/orb/geojson"
)

// Snapshot is the published state of the engine, served over HTTP while the
// loop keeps working.
type Snapshot struct {
	Clusters  json.RawMessage `json:"clusters"`
	Viewport  *ViewportState  `json:"viewport,omitempty"`
	Stats     ClusterStats    `json:"stats"`
	Overlay   OverlayStats    `json:"overlay"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// StateTracker holds the latest snapshot for HTTP readers.
type StateTracker struct {
	mu        sync.RWMutex
	snapshot  *Snapshot
	cachePath string // empty disables persistence
}

// NewStateTracker creates an empty state tracker
func NewStateTracker() *StateTracker {
	return &StateTracker{}
}

// NewStateTrackerWithCache creates a state tracker that persists every
// snapshot to cachePath. An existing cache file is loaded so the last
// snapshot is served until the engine publishes a new one.
func NewStateTrackerWithCache(cachePath string) *StateTracker {
	st := &StateTracker{cachePath: cachePath}
	if cachePath != "" {
		if s, err := LoadSnapshot(cachePath); err == nil {
			st.snapshot = s
		}
	}
	return st
}

// Update stores a new snapshot built from the cluster export.
func (st *StateTracker) Update(fc *geojson.FeatureCollection, vp *ViewportState, stats ClusterStats, overlay OverlayStats) error {
	data, err := fc.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshal clusters: %w", err)
	}
	s := &Snapshot{
		Clusters:  data,
		Viewport:  vp,
		Stats:     stats,
		Overlay:   overlay,
		UpdatedAt: time.Now(),
	}

	st.mu.Lock()
	st.snapshot = s
	cachePath := st.cachePath
	st.mu.Unlock()

	if cachePath != "" {
		if err := SaveSnapshot(s, cachePath); err != nil {
			log.Printf("warning: failed to save snapshot cache: %v", err)
		}
	}
	return nil
}

// Snapshot returns the latest snapshot, if any.
func (st *StateTracker) Snapshot() (Snapshot, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.snapshot == nil {
		return Snapshot{}, false
	}
	return *st.snapshot, true
}

// ClustersJSON returns the GeoJSON of the latest snapshot, or an empty
// FeatureCollection.
func (st *StateTracker) ClustersJSON() []byte {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.snapshot == nil || len(st.snapshot.Clusters) == 0 {
		return []byte(`{"type":"FeatureCollection","features":[]}`)
	}
	return st.snapshot.Clusters
}

// SaveSnapshot writes a snapshot to disk as JSON.
func SaveSnapshot(s *Snapshot, path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot cache: %w", err)
	}
	return nil
}

// LoadSnapshot reads a snapshot from a JSON file on disk.
func LoadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot cache: %w", err)
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot cache: %w", err)
	}
	return &s, nil
}
