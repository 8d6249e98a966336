package mesh

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"sync"

	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// SurfaceTransform positions an overlay surface inside the host viewport.
// During continuous motion only the transform changes; the drawn content is
// reused as is.
type SurfaceTransform struct {
	OffsetX float64 `json:"offsetX"`
	OffsetY float64 `json:"offsetY"`
	Scale   float64 `json:"scale"`
	Width   float64 `json:"width"`
	Height  float64 `json:"height"`
	Hidden  bool    `json:"hidden"`
}

// canvasRenderer is implemented by both the svg and rasterizer renderers.
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

type drawOp struct {
	path  *canvas.Path
	style canvas.Style
}

// Surface is an overlay drawing surface. Its content is a retained list of
// canvas paths produced by the last committed frame, which can be exported
// as SVG or PNG at any time.
type Surface struct {
	mu         sync.RWMutex
	size       Size
	ops        []drawOp
	transform  SurfaceTransform
	generation uint64

	ready     chan struct{}
	readyOnce sync.Once
}

// NewSurface creates an empty, unattached surface.
func NewSurface() *Surface {
	return &Surface{
		transform: SurfaceTransform{Scale: 1},
		ready:     make(chan struct{}),
	}
}

// Ready is closed once the surface has been attached to a host.
func (s *Surface) Ready() <-chan struct{} {
	return s.ready
}

// IsReady reports whether Ready has been closed.
func (s *Surface) IsReady() bool {
	select {
	case <-s.ready:
		return true
	default:
		return false
	}
}

func (s *Surface) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

// Size returns the surface dimensions in pixels.
func (s *Surface) Size() Size {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// Resize changes the surface dimensions. The content is kept until the next
// commit.
func (s *Surface) Resize(size Size) {
	s.mu.Lock()
	s.size = size
	s.mu.Unlock()
}

// Transform returns the current placement.
func (s *Surface) Transform() SurfaceTransform {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transform
}

func (s *Surface) setTransform(t SurfaceTransform) {
	s.mu.Lock()
	s.transform = t
	s.mu.Unlock()
}

// Generation is the generation of the last committed frame.
func (s *Surface) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// OpCount is the number of retained draw operations.
func (s *Surface) OpCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ops)
}

// Clear drops the drawn content.
func (s *Surface) Clear() {
	s.mu.Lock()
	s.ops = nil
	s.mu.Unlock()
}

func (s *Surface) commit(f *Frame) {
	s.mu.Lock()
	s.ops = f.ops
	s.size = f.Size
	s.generation = f.Generation
	s.mu.Unlock()
}

// WriteSVG writes the current content as an SVG document.
func (s *Surface) WriteSVG(w io.Writer) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.size.Width <= 0 || s.size.Height <= 0 {
		return ErrNotReady
	}

	r := svg.New(w, s.size.Width, s.size.Height, nil)
	s.replay(r)
	if err := r.Close(); err != nil {
		return fmt.Errorf("failed to finish svg: %w", err)
	}
	return nil
}

// WritePNG rasterizes the current content at one pixel per unit.
func (s *Surface) WritePNG(w io.Writer) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.size.Width <= 0 || s.size.Height <= 0 {
		return ErrNotReady
	}

	rast := rasterizer.New(s.size.Width, s.size.Height, canvas.DPMM(1.0), canvas.DefaultColorSpace)
	s.replay(rast)
	return png.Encode(w, rast)
}

func (s *Surface) replay(r canvasRenderer) {
	for _, op := range s.ops {
		r.RenderPath(op.path, op.style, canvas.Identity)
	}
}

// Frame collects the draw operations of one redraw. Coordinates are viewport
// pixels with the origin at the top-left; the frame flips them into canvas
// space.
type Frame struct {
	Viewport   *ViewportState
	Generation uint64
	Size       Size

	ops   []drawOp
	stale func() bool
}

func newFrame(vp *ViewportState, gen uint64, stale func() bool) *Frame {
	return &Frame{Viewport: vp, Generation: gen, Size: vp.Size, stale: stale}
}

// Stale reports whether a newer redraw has been requested. Long draw
// callbacks should check it and return ErrSuperseded.
func (f *Frame) Stale() bool {
	return f.stale != nil && f.stale()
}

// InBounds reports whether px lies inside the frame, widened by margin
// pixels on every side.
func (f *Frame) InBounds(px PixelPoint, margin float64) bool {
	return px.X >= -margin && px.Y >= -margin &&
		px.X <= f.Size.Width+margin && px.Y <= f.Size.Height+margin
}

// RectInBounds reports whether the rectangle [min, max] overlaps the frame.
func (f *Frame) RectInBounds(minPx, maxPx PixelPoint, margin float64) bool {
	return maxPx.X >= -margin && maxPx.Y >= -margin &&
		minPx.X <= f.Size.Width+margin && minPx.Y <= f.Size.Height+margin
}

// Len is the number of operations drawn so far.
func (f *Frame) Len() int {
	return len(f.ops)
}

func (f *Frame) flipY(y float64) float64 {
	return f.Size.Height - y
}

func (f *Frame) polyPath(pts []PixelPoint, closed bool) *canvas.Path {
	p := &canvas.Path{}
	for i, pt := range pts {
		if i == 0 {
			p.MoveTo(pt.X, f.flipY(pt.Y))
		} else {
			p.LineTo(pt.X, f.flipY(pt.Y))
		}
	}
	if closed {
		p.Close()
	}
	return p
}

// Circle draws a filled circle.
func (f *Frame) Circle(center PixelPoint, radius float64, fill string) {
	style := canvas.DefaultStyle
	style.Fill = canvas.Paint{Color: parseHexColor(fill)}
	style.Stroke = canvas.Paint{Color: canvas.Transparent}
	path := canvas.Circle(radius).Translate(center.X, f.flipY(center.Y))
	f.ops = append(f.ops, drawOp{path: path, style: style})
}

// Polygon fills a closed ring and outlines it.
func (f *Frame) Polygon(pts []PixelPoint, fill, stroke string) {
	if len(pts) < 3 {
		return
	}
	style := canvas.DefaultStyle
	style.Fill = canvas.Paint{Color: withAlpha(parseHexColor(fill), 96)}
	style.Stroke = canvas.Paint{Color: parseHexColor(stroke)}
	style.StrokeWidth = 1.5
	f.ops = append(f.ops, drawOp{path: f.polyPath(pts, true), style: style})
}

// Polyline strokes an open path.
func (f *Frame) Polyline(pts []PixelPoint, stroke string, width float64) {
	if len(pts) < 2 {
		return
	}
	style := canvas.DefaultStyle
	style.Fill = canvas.Paint{Color: canvas.Transparent}
	style.Stroke = canvas.Paint{Color: parseHexColor(stroke)}
	style.StrokeWidth = width
	f.ops = append(f.ops, drawOp{path: f.polyPath(pts, false), style: style})
}

// labelFace is the face used for all overlay text.
var labelFace font.Face = basicfont.Face7x13

// MeasureText returns the pixel size of s in the label face.
func MeasureText(s string) Size {
	m := labelFace.Metrics()
	return Size{
		Width:  float64(font.MeasureString(labelFace, s).Ceil()),
		Height: float64(m.Height.Ceil()),
	}
}

// Text draws s with its top-left corner at topLeft. Glyphs are rasterized
// with the bitmap label face and emitted as pixel runs so the text survives
// both the SVG and PNG exports without a font file.
func (f *Frame) Text(topLeft PixelPoint, s, fill string) {
	path := f.textPath(s, topLeft)
	if path == nil {
		return
	}
	style := canvas.DefaultStyle
	style.Fill = canvas.Paint{Color: parseHexColor(fill)}
	style.Stroke = canvas.Paint{Color: canvas.Transparent}
	f.ops = append(f.ops, drawOp{path: path, style: style})
}

func (f *Frame) textPath(s string, at PixelPoint) *canvas.Path {
	size := MeasureText(s)
	w, h := int(size.Width), int(size.Height)
	if w == 0 || h == 0 {
		return nil
	}

	img := image.NewAlpha(image.Rect(0, 0, w, h))
	d := &font.Drawer{
		Dst:  img,
		Src:  image.Opaque,
		Face: labelFace,
		Dot:  fixed.Point26_6{X: 0, Y: labelFace.Metrics().Ascent},
	}
	d.DrawString(s)

	p := &canvas.Path{}
	runs := 0
	for row := 0; row < h; row++ {
		for col := 0; col < w; {
			if img.AlphaAt(col, row).A == 0 {
				col++
				continue
			}
			start := col
			for col < w && img.AlphaAt(col, row).A != 0 {
				col++
			}
			x0, x1 := at.X+float64(start), at.X+float64(col)
			top := f.flipY(at.Y + float64(row))
			bottom := top - 1
			p.MoveTo(x0, bottom)
			p.LineTo(x1, bottom)
			p.LineTo(x1, top)
			p.LineTo(x0, top)
			p.Close()
			runs++
		}
	}
	if runs == 0 {
		return nil
	}
	return p
}

// parseHexColor parses "#rrggbb" or "#rrggbbaa". Anything else falls back to
// opaque black.
func parseHexColor(hex string) color.RGBA {
	c := color.RGBA{0, 0, 0, 255}
	if len(hex) > 0 && hex[0] == '#' {
		hex = hex[1:]
	}
	switch len(hex) {
	case 6:
		if _, err := fmt.Sscanf(hex, "%02x%02x%02x", &c.R, &c.G, &c.B); err != nil {
			return color.RGBA{0, 0, 0, 255}
		}
	case 8:
		var a uint8
		if _, err := fmt.Sscanf(hex, "%02x%02x%02x%02x", &c.R, &c.G, &c.B, &a); err != nil {
			return color.RGBA{0, 0, 0, 255}
		}
		return withAlpha(c, a)
	}
	return c
}

// withAlpha returns c with alpha a, premultiplied as canvas expects.
func withAlpha(c color.RGBA, a uint8) color.RGBA {
	return color.RGBA{
		R: uint8(uint32(c.R) * uint32(a) / 255),
		G: uint8(uint32(c.G) * uint32(a) / 255),
		B: uint8(uint32(c.B) * uint32(a) / 255),
		A: a,
	}
}
