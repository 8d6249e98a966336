package mesh

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// IDGenerator hands out entity and layer IDs. Implementations must be safe
// for concurrent use; IDs are only unique within the process.
type IDGenerator interface {
	NextID() uint64
}

// SequentialIDs is a monotonic IDGenerator starting at 1.
type SequentialIDs struct {
	n atomic.Uint64
}

// NextID returns the next ID.
func (s *SequentialIDs) NextID() uint64 {
	return s.n.Add(1)
}

// EntityUpdater is implemented by backends that can change an existing
// entity in place.
type EntityUpdater interface {
	UpdateEntity(h Handle, opts EntityOptions)
}

// DefaultMaterializeConcurrency bounds concurrent CreateEntity calls.
const DefaultMaterializeConcurrency = 8

// EntityLayer owns the markers, polygons and polylines of one map layer.
// Markers are handed to the cluster engine when one is configured; other
// kinds are always shown directly.
//
// EntityLayer is not safe for concurrent use. Backend calls made while
// materializing run concurrently and are awaited before the layer changes.
type EntityLayer struct {
	id      uint64
	backend EntityBackend
	engine  *ClusterEngine
	ids     IDGenerator

	entities map[uint64]*Entity
	order    []uint64

	// Concurrency bounds parallel CreateEntity calls in AddMarkers.
	Concurrency int

	onChange func()
}

// NewEntityLayer creates an empty layer. engine may be nil to disable
// clustering.
func NewEntityLayer(backend EntityBackend, engine *ClusterEngine, ids IDGenerator) *EntityLayer {
	if ids == nil {
		ids = &SequentialIDs{}
	}
	return &EntityLayer{
		id:          ids.NextID(),
		backend:     backend,
		engine:      engine,
		ids:         ids,
		entities:    make(map[uint64]*Entity),
		Concurrency: DefaultMaterializeConcurrency,
	}
}

// ID identifies the layer to the backend.
func (l *EntityLayer) ID() uint64 {
	return l.id
}

// Engine returns the cluster engine, or nil.
func (l *EntityLayer) Engine() *ClusterEngine {
	return l.engine
}

// OnChange registers fn to run after every mutation.
func (l *EntityLayer) OnChange(fn func()) {
	l.onChange = fn
}

func (l *EntityLayer) changed() {
	if l.onChange != nil {
		l.onChange()
	}
}

// Len is the number of owned entities.
func (l *EntityLayer) Len() int {
	return len(l.order)
}

// Get returns the entity with the given ID.
func (l *EntityLayer) Get(id uint64) (*Entity, bool) {
	e, ok := l.entities[id]
	return e, ok
}

// Entities returns the owned entities in insertion order.
func (l *EntityLayer) Entities() []*Entity {
	out := make([]*Entity, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.entities[id])
	}
	return out
}

// LabelItems snapshots the visible entities for a LabelOverlay.
func (l *EntityLayer) LabelItems() []LabelItem {
	items := make([]LabelItem, 0, len(l.order))
	for _, id := range l.order {
		e := l.entities[id]
		if !e.Visible {
			continue
		}
		items = append(items, LabelItem{
			Kind:     e.Kind,
			Location: e.Location,
			Path:     append([]GeoPoint(nil), e.Path...),
			Label:    e.Label,
			Color:    e.Color,
		})
	}
	return items
}

// AddMarker creates a marker and hands it to the cluster engine.
func (l *EntityLayer) AddMarker(ctx context.Context, opts EntityOptions) (*Entity, error) {
	opts.Kind = KindMarker
	return l.add(ctx, opts)
}

// AddPolygon creates a polygon. Without an explicit location the polygon is
// anchored at its centroid.
func (l *EntityLayer) AddPolygon(ctx context.Context, opts EntityOptions) (*Entity, error) {
	opts.Kind = KindPolygon
	return l.add(ctx, opts)
}

// AddPolyline creates a polyline anchored at its midpoint.
func (l *EntityLayer) AddPolyline(ctx context.Context, opts EntityOptions) (*Entity, error) {
	opts.Kind = KindPolyline
	return l.add(ctx, opts)
}

func (l *EntityLayer) add(ctx context.Context, opts EntityOptions) (*Entity, error) {
	e, err := l.materialize(ctx, opts)
	if err != nil {
		return nil, err
	}
	l.track(e)
	l.attach(e)
	l.changed()
	return e, nil
}

// AddMarkers creates markers concurrently and inserts them as one batch once
// every one of them exists. If any creation fails the ones already created
// are destroyed and nothing is inserted.
func (l *EntityLayer) AddMarkers(ctx context.Context, opts []EntityOptions) ([]*Entity, error) {
	entities, err := l.materializeAll(ctx, opts)
	if err != nil {
		return nil, err
	}
	for _, e := range entities {
		l.track(e)
	}
	if l.engine != nil {
		l.engine.AddEntities(entities)
	} else {
		for _, e := range entities {
			l.show(e)
		}
	}
	l.changed()
	return entities, nil
}

// AddMarkersChunked inserts a large batch without monopolizing the loop.
// Each chunk is materialized off the loop and inserted by a task posted to
// it, so other events run between chunks. The first and last entity carry
// the batch flags; grouping stays suspended in between and runs once after
// the last chunk. done is called on the loop when the batch finishes. If a
// chunk cannot be created, the chunks already inserted are removed and
// destroyed, so a failed batch leaves the layer as it was.
func (l *EntityLayer) AddMarkersChunked(ctx context.Context, loop *Loop, opts []EntityOptions, chunk int, done func([]*Entity, error)) {
	if chunk <= 0 {
		chunk = len(opts)
	}
	finish := func(es []*Entity, err error) {
		if done != nil {
			done(es, err)
		}
	}
	if len(opts) == 0 {
		loop.Post(func() { finish(nil, nil) })
		return
	}

	go func() {
		var all []*Entity
		for start := 0; start < len(opts); start += chunk {
			end := min(start+chunk, len(opts))
			batch := make([]EntityOptions, end-start)
			for i, o := range opts[start:end] {
				o.Kind = KindMarker
				batch[i] = o
			}

			es, err := l.materializeAll(ctx, batch)
			if err != nil {
				loop.Post(func() {
					l.rollback(ctx, all)
					if start > 0 && l.engine != nil {
						l.engine.StartClustering()
					}
					finish(nil, err)
				})
				return
			}
			if start == 0 {
				es[0].FirstInBatch = true
			}
			if end == len(opts) {
				es[len(es)-1].LastInBatch = true
			}
			all = append(all, es...)

			if !loop.Post(func() { l.insertChunk(es) }) {
				return
			}
		}
		loop.Post(func() {
			log.Printf("[LAYER] chunked batch of %d markers inserted", len(all))
			finish(all, nil)
		})
	}()
}

// rollback removes the entities of a failed batch.
func (l *EntityLayer) rollback(ctx context.Context, es []*Entity) {
	if len(es) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, e := range es {
		l.untrack(e.ID)
		if l.engine != nil {
			l.engine.RemoveEntity(e)
		}
		if err := l.backend.DestroyEntity(ctx, e.Handle); err != nil {
			log.Printf("[LAYER] failed to destroy entity %d: %v", e.ID, err)
		}
	}
	l.changed()
	log.Printf("[LAYER] chunked batch failed, removed %d markers", len(es))
}

func (l *EntityLayer) insertChunk(es []*Entity) {
	for _, e := range es {
		l.track(e)
		l.attach(e)
	}
	l.changed()
}

func (l *EntityLayer) materializeAll(ctx context.Context, opts []EntityOptions) ([]*Entity, error) {
	out := make([]*Entity, len(opts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(l.Concurrency, 1))
	for i, o := range opts {
		o.Kind = KindMarker
		g.Go(func() error {
			e, err := l.materialize(gctx, o)
			if err != nil {
				return err
			}
			out[i] = e
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, e := range out {
			if e != nil {
				_ = l.backend.DestroyEntity(context.WithoutCancel(ctx), e.Handle)
			}
		}
		return nil, err
	}
	return out, nil
}

func (l *EntityLayer) materialize(ctx context.Context, opts EntityOptions) (*Entity, error) {
	if opts.Kind != KindMarker && len(opts.Path) > 0 && opts.Location == (GeoPoint{}) {
		opts.Location = anchorFor(opts.Kind, opts.Path)
	}
	h, err := l.backend.CreateEntity(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", opts.Kind, err)
	}
	return &Entity{
		ID:       l.ids.NextID(),
		Kind:     opts.Kind,
		Location: opts.Location,
		Path:     append([]GeoPoint(nil), opts.Path...),
		Label:    opts.Label,
		Color:    opts.Color,
		Handle:   h,
		Visible:  !opts.Hidden,
	}, nil
}

func anchorFor(kind EntityKind, path []GeoPoint) GeoPoint {
	var p GeoPoint
	var ok bool
	if kind == KindPolyline {
		p, ok = PolylineMidpoint(path)
	} else {
		p, ok = PolygonCentroid(path)
	}
	if !ok {
		p, _ = BoundingBoxCenter(path)
	}
	return p
}

func (l *EntityLayer) track(e *Entity) {
	l.entities[e.ID] = e
	l.order = append(l.order, e.ID)
}

func (l *EntityLayer) untrack(id uint64) {
	delete(l.entities, id)
	for i, x := range l.order {
		if x == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			return
		}
	}
}

// attach hands markers to the engine and shows everything else.
func (l *EntityLayer) attach(e *Entity) {
	if e.Kind == KindMarker && l.engine != nil {
		l.engine.AddEntity(e)
		return
	}
	l.show(e)
}

func (l *EntityLayer) show(e *Entity) {
	l.backend.SetEntityVisible(e.Handle, e.Visible)
}

// Remove drops the entity from the layer immediately and destroys its
// backend entity.
func (l *EntityLayer) Remove(ctx context.Context, id uint64) error {
	e, ok := l.entities[id]
	if !ok {
		return ErrUnknownEntity
	}
	l.untrack(id)
	if e.Kind == KindMarker && l.engine != nil {
		l.engine.RemoveEntity(e)
	}
	l.changed()

	if err := l.backend.DestroyEntity(ctx, e.Handle); err != nil {
		return fmt.Errorf("failed to destroy entity %d: %w", id, err)
	}
	return nil
}

// Replace swaps the entity for a new one built from opts, keeping its ID.
// The old entity stays in place if the new one cannot be created.
func (l *EntityLayer) Replace(ctx context.Context, id uint64, opts EntityOptions) (*Entity, error) {
	old, ok := l.entities[id]
	if !ok {
		return nil, ErrUnknownEntity
	}
	next, err := l.materialize(ctx, opts)
	if err != nil {
		return nil, err
	}
	next.ID = id

	if old.Kind == KindMarker && l.engine != nil {
		l.engine.RemoveEntity(old)
	}
	l.entities[id] = next
	l.attach(next)
	l.changed()

	if err := l.backend.DestroyEntity(ctx, old.Handle); err != nil {
		return next, fmt.Errorf("failed to destroy replaced entity %d: %w", id, err)
	}
	return next, nil
}

// Update applies a merge-patch to an entity. Absent fields are untouched.
func (l *EntityLayer) Update(id uint64, patch EntityPatch) error {
	e, ok := l.entities[id]
	if !ok {
		return ErrUnknownEntity
	}

	moved := false
	if patch.Location != nil && *patch.Location != e.Location {
		e.Location = *patch.Location
		moved = true
	}
	if patch.Path != nil {
		e.Path = append([]GeoPoint(nil), patch.Path...)
		moved = true
	}
	if patch.Label != nil {
		e.Label = *patch.Label
	}
	if patch.Color != nil {
		e.Color = *patch.Color
	}

	if u, ok := l.backend.(EntityUpdater); ok {
		u.UpdateEntity(e.Handle, EntityOptions{
			Kind:     e.Kind,
			Location: e.Location,
			Path:     e.Path,
			Label:    e.Label,
			Color:    e.Color,
			Hidden:   !e.Visible,
		})
	}

	clustered := e.Kind == KindMarker && l.engine != nil
	switch {
	case patch.Visible != nil && clustered:
		l.engine.SetEntityVisible(e, *patch.Visible)
		if moved {
			l.engine.Refresh(e)
		}
	case patch.Visible != nil:
		e.Visible = *patch.Visible
		l.show(e)
	case moved && clustered:
		l.engine.Refresh(e)
	}
	l.changed()
	return nil
}

// Clear removes and destroys every entity.
func (l *EntityLayer) Clear(ctx context.Context) error {
	entities := l.Entities()
	l.entities = make(map[uint64]*Entity)
	l.order = nil
	if l.engine != nil {
		l.engine.Clear()
	}
	l.changed()

	var firstErr error
	for _, e := range entities {
		if err := l.backend.DestroyEntity(ctx, e.Handle); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to destroy entity %d: %w", e.ID, err)
		}
	}
	return firstErr
}

// OnLayerEvent subscribes fn to a named event on the whole layer. It returns
// ErrBackendUnavailable when the backend has no layer-level events.
func (l *EntityLayer) OnLayerEvent(name string, fn func(LayerEvent)) (func(), error) {
	lb, ok := l.backend.(LayerEventBackend)
	if !ok {
		return nil, ErrBackendUnavailable
	}
	cancel, err := lb.SubscribeLayerEvent(l.id, name, fn)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %q: %w", name, err)
	}
	return cancel, nil
}
