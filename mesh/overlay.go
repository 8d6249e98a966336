package mesh

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync/atomic"
)

// DrawFunc renders one frame of overlay content. Implementations should
// check f.Stale periodically and return ErrSuperseded once it reports true.
type DrawFunc func(ctx context.Context, f *Frame) error

// OverlayStats counts redraw outcomes.
type OverlayStats struct {
	Redraws    uint64 `json:"redraws"`
	Commits    uint64 `json:"commits"`
	Superseded uint64 `json:"superseded"`
	Placements uint64 `json:"placements"`
}

// OverlayController keeps a drawing surface aligned with the host viewport.
// Continuous pans and zooms only move and scale the existing content; the
// content is redrawn once motion settles or the host is resized.
//
// Handlers must be called from one goroutine. An unbound controller is
// driven only by direct handler calls; its ViewportSource just supplies the
// initial viewport. When bound to a Loop, the controller subscribes to the
// source and handles its events on the loop in the order they occurred.
// Redraws then run on their own goroutine and are committed back on the
// loop only if no newer redraw was requested in the meantime.
type OverlayController struct {
	backend   SurfaceBackend
	source    ViewportSource
	projector Projector
	draw      DrawFunc
	surface   *Surface
	loop      *Loop

	attached   bool
	baseZoom   float64
	baseCenter GeoPoint
	baseSize   Size
	cancel     func()
	stop       chan struct{}

	generation atomic.Uint64
	redraws    atomic.Uint64
	commits    atomic.Uint64
	superseded atomic.Uint64
	placements atomic.Uint64
}

// NewOverlayController creates a detached controller. source may be nil when
// the host calls the handlers directly.
func NewOverlayController(backend SurfaceBackend, source ViewportSource, projector Projector, draw DrawFunc) *OverlayController {
	return &OverlayController{
		backend:   backend,
		source:    source,
		projector: projector,
		draw:      draw,
		surface:   NewSurface(),
	}
}

// Bind makes redraws asynchronous and routes viewport events from the
// source through loop. Call before Attach, and call Attach, Detach and the
// handlers on loop.
func (o *OverlayController) Bind(loop *Loop) {
	o.loop = loop
}

// Surface returns the controlled surface.
func (o *OverlayController) Surface() *Surface {
	return o.surface
}

// Attached reports whether the surface is attached.
func (o *OverlayController) Attached() bool {
	return o.attached
}

// Stats returns redraw counters.
func (o *OverlayController) Stats() OverlayStats {
	return OverlayStats{
		Redraws:    o.redraws.Load(),
		Commits:    o.commits.Load(),
		Superseded: o.superseded.Load(),
		Placements: o.placements.Load(),
	}
}

// Attach adds the surface to the host, draws the initial content and, when
// bound to a Loop, subscribes to the source's viewport events.
func (o *OverlayController) Attach(ctx context.Context) error {
	if o.attached {
		return nil
	}
	var vp *ViewportState
	if o.source != nil {
		vp = o.source.CurrentViewport()
	}
	if !vp.Ready() {
		return ErrNotReady
	}
	if err := o.backend.AttachSurface(o.surface); err != nil {
		return fmt.Errorf("failed to attach overlay surface: %w", err)
	}
	o.attached = true
	o.surface.markReady()
	log.Printf("[OVERLAY] attached at zoom %.2f, %gx%g", vp.Zoom, vp.Size.Width, vp.Size.Height)

	err := o.OnResize(ctx, vp)
	o.subscribe(vp)
	return err
}

// subscribe starts forwarding viewport events to the loop. A viewport that
// changed while the initial frame was being set up is handled as a resize.
func (o *OverlayController) subscribe(initial *ViewportState) {
	if o.source == nil || o.loop == nil {
		return
	}
	o.stop = make(chan struct{})
	events, cancel := o.source.SubscribeViewport(EventContinuousChange, EventSettled, EventResize)
	o.cancel = cancel
	go o.forward(o.stop, events)

	if cur := o.source.CurrentViewport(); cur != initial && cur.Ready() {
		o.loop.Post(func() { o.handle(ViewportNotification{Event: EventResize, Viewport: cur}) })
	}
}

// forward posts each event to the loop in arrival order.
func (o *OverlayController) forward(stop <-chan struct{}, events <-chan ViewportNotification) {
	for {
		select {
		case <-stop:
			return
		case n, ok := <-events:
			if !ok {
				return
			}
			if !o.loop.Post(func() { o.handle(n) }) {
				return
			}
		}
	}
}

func (o *OverlayController) handle(n ViewportNotification) {
	o.logRedrawErr(o.HandleViewport(context.Background(), n.Event, n.Viewport))
}

// HandleViewport dispatches one viewport notification to the matching
// handler.
func (o *OverlayController) HandleViewport(ctx context.Context, event ViewportEvent, vp *ViewportState) error {
	switch event {
	case EventContinuousChange:
		o.OnContinuousChange(vp)
		return nil
	case EventSettled:
		return o.OnSettled(ctx, vp)
	case EventResize:
		return o.OnResize(ctx, vp)
	}
	return fmt.Errorf("unknown viewport event %v", event)
}

func (o *OverlayController) logRedrawErr(err error) {
	if err != nil && !errors.Is(err, ErrNotReady) {
		log.Printf("[OVERLAY] redraw failed: %v", err)
	}
}

// OnContinuousChange moves and scales the existing content so the baseline
// center stays under its projected position. Nothing is redrawn.
func (o *OverlayController) OnContinuousChange(vp *ViewportState) {
	if !o.attached {
		return
	}
	if vp != nil && vp.Mode == ViewModeStreetLevel {
		o.hide()
		return
	}
	if !vp.Ready() {
		return
	}
	o.place(o.transformFor(vp))
}

// transformFor computes the placement of content drawn at the baseline for
// the viewport vp.
func (o *OverlayController) transformFor(vp *ViewportState) SurfaceTransform {
	scale := math.Exp2(vp.Zoom - o.baseZoom)
	anchor, _ := o.projector.ToPixel(o.baseCenter, vp)
	w := o.baseSize.Width * scale
	h := o.baseSize.Height * scale
	return SurfaceTransform{
		OffsetX: anchor.X - w/2,
		OffsetY: anchor.Y - h/2,
		Scale:   scale,
		Width:   w,
		Height:  h,
	}
}

// OnSettled resets the surface to the host size at the origin, captures a
// new baseline and redraws.
func (o *OverlayController) OnSettled(ctx context.Context, vp *ViewportState) error {
	if !o.attached {
		return nil
	}
	if vp != nil && vp.Mode == ViewModeStreetLevel {
		o.hide()
		return nil
	}
	if !vp.Ready() {
		return ErrNotReady
	}

	o.place(SurfaceTransform{Scale: 1, Width: vp.Size.Width, Height: vp.Size.Height})
	o.baseZoom = vp.Zoom
	o.baseCenter = vp.Center
	o.baseSize = vp.Size
	return o.redraw(ctx, vp)
}

// OnResize updates the surface dimensions and then behaves like OnSettled.
func (o *OverlayController) OnResize(ctx context.Context, vp *ViewportState) error {
	if !o.attached {
		return nil
	}
	if vp.Ready() {
		o.surface.Resize(vp.Size)
	}
	return o.OnSettled(ctx, vp)
}

// Redraw forces a redraw against vp without moving the surface, for content
// changes that are not driven by the viewport.
func (o *OverlayController) Redraw(ctx context.Context, vp *ViewportState) error {
	if !o.attached {
		return nil
	}
	if !vp.Ready() {
		return ErrNotReady
	}
	return o.redraw(ctx, vp)
}

func (o *OverlayController) redraw(ctx context.Context, vp *ViewportState) error {
	gen := o.generation.Add(1)
	o.redraws.Add(1)
	f := newFrame(vp, gen, func() bool { return o.generation.Load() != gen })

	if o.loop == nil {
		return o.render(ctx, f)
	}

	// The request that triggered the redraw may finish before it does.
	ctx = context.WithoutCancel(ctx)
	go func() {
		ok, err := o.runDraw(ctx, f)
		if err != nil {
			o.logRedrawErr(err)
			return
		}
		if ok {
			o.loop.Post(func() { o.commit(f) })
		}
	}()
	return nil
}

func (o *OverlayController) render(ctx context.Context, f *Frame) error {
	ok, err := o.runDraw(ctx, f)
	if err != nil {
		return err
	}
	if ok {
		o.commit(f)
	}
	return nil
}

// runDraw invokes the draw callback and reports whether the frame should be
// committed. A superseded frame is not an error.
func (o *OverlayController) runDraw(ctx context.Context, f *Frame) (bool, error) {
	if o.draw == nil {
		return true, nil
	}
	err := o.draw(ctx, f)
	if errors.Is(err, ErrSuperseded) {
		o.superseded.Add(1)
		return false, nil
	}
	return err == nil, err
}

func (o *OverlayController) commit(f *Frame) {
	if !o.attached || f.Stale() {
		o.superseded.Add(1)
		return
	}
	o.surface.commit(f)
	o.commits.Add(1)
}

func (o *OverlayController) place(t SurfaceTransform) {
	o.surface.setTransform(t)
	o.backend.PlaceSurface(o.surface, t)
	o.placements.Add(1)
}

func (o *OverlayController) hide() {
	t := o.surface.Transform()
	if t.Hidden {
		return
	}
	t.Hidden = true
	o.place(t)
}

// Detach unsubscribes from viewport events, removes the surface from the
// host and clears its content. Calling it more than once is a no-op.
func (o *OverlayController) Detach() {
	if !o.attached {
		return
	}
	o.attached = false
	o.generation.Add(1)

	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
	if o.stop != nil {
		close(o.stop)
		o.stop = nil
	}

	o.backend.DetachSurface(o.surface)
	o.surface.Clear()
	log.Printf("[OVERLAY] detached")
}
