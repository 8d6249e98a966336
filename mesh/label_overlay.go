package mesh

import (
	"context"
	"sync"
)

// LabelItem is the drawable snapshot of one entity.
type LabelItem struct {
	Kind     EntityKind
	Location GeoPoint
	Path     []GeoPoint
	Label    string
	Color    string
}

// LabelOverlay draws marker labels, polygons and polylines onto an overlay
// frame. Items are replaced wholesale with SetItems so a redraw running on
// another goroutine always sees a consistent snapshot.
type LabelOverlay struct {
	projector Projector

	// ChunkSize is the number of markers projected between staleness checks.
	ChunkSize int
	// Margin widens the culling rectangle so labels straddling the edge are
	// still drawn.
	Margin float64
	// SimplifyPixels is the polyline simplification tolerance in screen pixels.
	SimplifyPixels float64
	// TextColor is used for labels.
	TextColor string

	mu    sync.RWMutex
	items []LabelItem
}

// NewLabelOverlay returns an overlay with default tuning.
func NewLabelOverlay(projector Projector) *LabelOverlay {
	return &LabelOverlay{
		projector:      projector,
		ChunkSize:      500,
		Margin:         32,
		SimplifyPixels: 1,
		TextColor:      "#212121",
	}
}

// SetItems replaces the drawn items.
func (l *LabelOverlay) SetItems(items []LabelItem) {
	cp := append([]LabelItem(nil), items...)
	l.mu.Lock()
	l.items = cp
	l.mu.Unlock()
}

// Items returns the current snapshot.
func (l *LabelOverlay) Items() []LabelItem {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.items
}

// Draw implements DrawFunc.
func (l *LabelOverlay) Draw(ctx context.Context, f *Frame) error {
	items := l.Items()

	var markers []LabelItem
	for _, it := range items {
		switch it.Kind {
		case KindPolygon:
			if err := l.drawPolygon(f, it); err != nil {
				return err
			}
		case KindPolyline:
			if err := l.drawPolyline(f, it); err != nil {
				return err
			}
		default:
			markers = append(markers, it)
		}
	}
	return l.drawMarkers(ctx, f, markers)
}

// drawMarkers projects marker positions chunk by chunk and draws the ones
// inside the frame, each as a dot with its label centered above it.
func (l *LabelOverlay) drawMarkers(ctx context.Context, f *Frame, markers []LabelItem) error {
	if len(markers) == 0 {
		return nil
	}
	locs := make([]GeoPoint, len(markers))
	for i, m := range markers {
		locs[i] = m.Location
	}

	return l.projector.ToPixelsChunked(ctx, locs, f.Viewport, l.ChunkSize, func(offset int, pts []PixelPoint) error {
		if f.Stale() {
			return ErrSuperseded
		}
		for i, px := range pts {
			if !f.InBounds(px, l.Margin) {
				continue
			}
			m := markers[offset+i]
			f.Circle(px, 3, colorOr(m.Color, l.TextColor))
			l.drawLabel(f, px, m.Label, -6)
		}
		return nil
	})
}

func (l *LabelOverlay) drawPolygon(f *Frame, it LabelItem) error {
	if f.Stale() {
		return ErrSuperseded
	}
	pts, ok := l.projector.ToPixels(it.Path, f.Viewport)
	if !ok {
		return ErrNotReady
	}
	if !l.visible(f, pts) {
		return nil
	}
	color := colorOr(it.Color, l.TextColor)
	f.Polygon(simplifyPixels(pts, l.SimplifyPixels), color, color)

	if it.Label == "" {
		return nil
	}
	c, ok := PolygonCentroid(it.Path)
	if !ok {
		return nil
	}
	if px, ok := l.projector.ToPixel(c, f.Viewport); ok {
		l.drawLabel(f, px, it.Label, MeasureText(it.Label).Height/2)
	}
	return nil
}

func (l *LabelOverlay) drawPolyline(f *Frame, it LabelItem) error {
	if f.Stale() {
		return ErrSuperseded
	}
	path := SimplifyPath(it.Path, l.tolerance(f.Viewport))
	pts, ok := l.projector.ToPixels(path, f.Viewport)
	if !ok {
		return ErrNotReady
	}
	if !l.visible(f, pts) {
		return nil
	}
	f.Polyline(pts, colorOr(it.Color, l.TextColor), 2)

	if it.Label == "" {
		return nil
	}
	mid, ok := PolylineMidpoint(it.Path)
	if !ok {
		return nil
	}
	if px, ok := l.projector.ToPixel(mid, f.Viewport); ok {
		l.drawLabel(f, px, it.Label, -4)
	}
	return nil
}

// tolerance converts the pixel tolerance into degrees at the frame's zoom.
func (l *LabelOverlay) tolerance(vp *ViewportState) float64 {
	return l.SimplifyPixels * 360 / l.projector.WorldSize(vp.Zoom)
}

// visible culls shapes whose pixel bounding box misses the frame.
func (l *LabelOverlay) visible(f *Frame, pts []PixelPoint) bool {
	if len(pts) == 0 {
		return false
	}
	lo, hi := pts[0], pts[0]
	for _, p := range pts[1:] {
		lo.X, lo.Y = min(lo.X, p.X), min(lo.Y, p.Y)
		hi.X, hi.Y = max(hi.X, p.X), max(hi.Y, p.Y)
	}
	return f.RectInBounds(lo, hi, l.Margin)
}

// drawLabel centers text horizontally on anchor. dy is the offset of the
// text's bottom edge from the anchor; negative values place it above.
func (l *LabelOverlay) drawLabel(f *Frame, anchor PixelPoint, text string, dy float64) {
	if text == "" {
		return
	}
	size := MeasureText(text)
	f.Text(PixelPoint{X: anchor.X - size.Width/2, Y: anchor.Y + dy - size.Height}, text, l.TextColor)
}

func colorOr(c, fallback string) string {
	if c == "" {
		return fallback
	}
	return c
}
