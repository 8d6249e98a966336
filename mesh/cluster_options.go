package mesh

import (
	"fmt"
	"math"
	"strings"
)

// PlacementMode decides where a cluster group is anchored.
type PlacementMode int

const (
	// PlacementMeanValue anchors a group at the mean of its members.
	PlacementMeanValue PlacementMode = iota
	// PlacementFirstPin anchors a group at its earliest inserted member.
	PlacementFirstPin
)

func (m PlacementMode) String() string {
	switch m {
	case PlacementMeanValue:
		return "mean"
	case PlacementFirstPin:
		return "first-pin"
	default:
		return fmt.Sprintf("PlacementMode(%d)", int(m))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m PlacementMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler so config files can say
// "mean" or "first-pin".
func (m *PlacementMode) UnmarshalText(b []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(b))) {
	case "mean", "meanvalue", "mean-value", "":
		*m = PlacementMeanValue
	case "first-pin", "firstpin", "first":
		*m = PlacementFirstPin
	default:
		return fmt.Errorf("unknown placement mode %q", string(b))
	}
	return nil
}

// Breakpoint maps a member count threshold to a fill color.
type Breakpoint struct {
	Threshold int    `yaml:"threshold" json:"threshold"`
	Color     string `yaml:"color" json:"color"`
}

// LayerOffset shifts rendered groups by a fixed number of pixels.
type LayerOffset struct {
	X float64 `yaml:"x" json:"x"`
	Y float64 `yaml:"y" json:"y"`
}

// IconFunc returns a custom icon reference for a group.
type IconFunc func(g ClusterGroup) string

// ClusterOptions configures a cluster engine.
//
// GridSize is the cell edge in screen pixels. It does not account for the
// marker icon size, so standalone markers in neighbouring cells can still
// overlap at some zoom levels.
type ClusterOptions struct {
	ClusteringEnabled  bool          `yaml:"clusteringEnabled" json:"clusteringEnabled"`
	GridSize           float64       `yaml:"gridSize" json:"gridSize"`
	PlacementMode      PlacementMode `yaml:"placementMode" json:"placementMode"`
	MinimumClusterSize int           `yaml:"minimumClusterSize" json:"minimumClusterSize"`
	ZoomOnClick        bool          `yaml:"zoomOnClick" json:"zoomOnClick"`
	MaxZoom            float64       `yaml:"maxZoom" json:"maxZoom"`
	Styles             []Breakpoint  `yaml:"styles" json:"styles"`
	Visible            bool          `yaml:"visible" json:"visible"`
	LayerOffset        LayerOffset   `yaml:"layerOffset" json:"layerOffset"`
	ZIndex             int           `yaml:"zIndex" json:"zIndex"`
	DynamicSizing      bool          `yaml:"dynamicSizing" json:"dynamicSizing"`
	BaseRadius         float64       `yaml:"baseRadius" json:"baseRadius"`

	IconFunc IconFunc `yaml:"-" json:"-"`
}

// DefaultClusterOptions returns the options used when none are configured.
func DefaultClusterOptions() ClusterOptions {
	return ClusterOptions{
		ClusteringEnabled:  true,
		GridSize:           60,
		PlacementMode:      PlacementMeanValue,
		MinimumClusterSize: 2,
		ZoomOnClick:        true,
		MaxZoom:            21,
		Styles: []Breakpoint{
			{Threshold: 10, Color: "#4caf50"},
			{Threshold: 100, Color: "#ffc107"},
			{Threshold: math.MaxInt, Color: "#f44336"},
		},
		Visible:       true,
		DynamicSizing: true,
		BaseRadius:    18,
	}
}

// ClusterOptionsPatch is a merge-patch for ClusterOptions. Nil fields are
// left unchanged.
type ClusterOptionsPatch struct {
	ClusteringEnabled  *bool
	GridSize           *float64
	PlacementMode      *PlacementMode
	MinimumClusterSize *int
	ZoomOnClick        *bool
	MaxZoom            *float64
	Styles             []Breakpoint
	Visible            *bool
	LayerOffset        *LayerOffset
	ZIndex             *int
	DynamicSizing      *bool
	BaseRadius         *float64
	IconFunc           IconFunc
	ClearIconFunc      bool
}

// Empty reports whether the patch changes nothing.
func (p ClusterOptionsPatch) Empty() bool {
	return p.ClusteringEnabled == nil && p.GridSize == nil && p.PlacementMode == nil &&
		p.MinimumClusterSize == nil && p.ZoomOnClick == nil && p.MaxZoom == nil &&
		p.Styles == nil && p.Visible == nil && p.LayerOffset == nil && p.ZIndex == nil &&
		p.DynamicSizing == nil && p.BaseRadius == nil && p.IconFunc == nil && !p.ClearIconFunc
}

// mergeOptions applies patch to cur and validates the result. cur is never
// modified; on error the returned options must be discarded.
func mergeOptions(cur ClusterOptions, patch ClusterOptionsPatch, materialized bool) (ClusterOptions, error) {
	if materialized {
		if patch.PlacementMode != nil && *patch.PlacementMode != cur.PlacementMode {
			return cur, immutableOptionError("placementMode")
		}
		if patch.ZoomOnClick != nil && *patch.ZoomOnClick != cur.ZoomOnClick {
			return cur, immutableOptionError("zoomOnClick")
		}
		if patch.LayerOffset != nil && *patch.LayerOffset != cur.LayerOffset {
			return cur, immutableOptionError("layerOffset")
		}
		if patch.ZIndex != nil && *patch.ZIndex != cur.ZIndex {
			return cur, immutableOptionError("zIndex")
		}
	}

	next := cur
	next.Styles = append([]Breakpoint(nil), cur.Styles...)

	if patch.ClusteringEnabled != nil {
		next.ClusteringEnabled = *patch.ClusteringEnabled
	}
	if patch.GridSize != nil {
		next.GridSize = *patch.GridSize
	}
	if patch.PlacementMode != nil {
		next.PlacementMode = *patch.PlacementMode
	}
	if patch.MinimumClusterSize != nil {
		next.MinimumClusterSize = *patch.MinimumClusterSize
	}
	if patch.ZoomOnClick != nil {
		next.ZoomOnClick = *patch.ZoomOnClick
	}
	if patch.MaxZoom != nil {
		next.MaxZoom = *patch.MaxZoom
	}
	if patch.Styles != nil {
		next.Styles = append([]Breakpoint(nil), patch.Styles...)
	}
	if patch.Visible != nil {
		next.Visible = *patch.Visible
	}
	if patch.LayerOffset != nil {
		next.LayerOffset = *patch.LayerOffset
	}
	if patch.ZIndex != nil {
		next.ZIndex = *patch.ZIndex
	}
	if patch.DynamicSizing != nil {
		next.DynamicSizing = *patch.DynamicSizing
	}
	if patch.BaseRadius != nil {
		next.BaseRadius = *patch.BaseRadius
	}
	if patch.ClearIconFunc {
		next.IconFunc = nil
	}
	if patch.IconFunc != nil {
		next.IconFunc = patch.IconFunc
	}

	if err := validateOptions(next); err != nil {
		return cur, err
	}
	return next, nil
}

func validateOptions(o ClusterOptions) error {
	if o.GridSize <= 0 || math.IsNaN(o.GridSize) || math.IsInf(o.GridSize, 0) {
		return &ConfigurationError{Option: "gridSize", Reason: fmt.Sprintf("must be a positive pixel size, got %v", o.GridSize)}
	}
	if o.MinimumClusterSize < 1 {
		return &ConfigurationError{Option: "minimumClusterSize", Reason: fmt.Sprintf("must be at least 1, got %d", o.MinimumClusterSize)}
	}
	if o.PlacementMode != PlacementMeanValue && o.PlacementMode != PlacementFirstPin {
		return &ConfigurationError{Option: "placementMode", Reason: fmt.Sprintf("unknown mode %d", int(o.PlacementMode))}
	}
	for i := 1; i < len(o.Styles); i++ {
		if o.Styles[i].Threshold <= o.Styles[i-1].Threshold {
			return &ConfigurationError{Option: "styles", Reason: "breakpoint thresholds must be strictly ascending"}
		}
	}
	if o.DynamicSizing && o.IconFunc != nil {
		return &ConfigurationError{Option: "iconFunc", Reason: "a custom group icon cannot be combined with dynamic sizing"}
	}
	if o.DynamicSizing && len(o.Styles) == 0 {
		return &ConfigurationError{Option: "styles", Reason: "dynamic sizing needs at least one breakpoint"}
	}
	return nil
}
