package mesh

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type memoryHandle uint64

type memoryEntity struct {
	opts    EntityOptions
	visible bool
}

// MemoryBackend is an in-process rendering backend. It records everything the
// engine asks of it and is used by the headless service and by tests.
type MemoryBackend struct {
	// Latency delays every CreateEntity call, emulating a remote map engine.
	Latency time.Duration
	// FailCreate, when set, is consulted before creating an entity.
	FailCreate func(EntityOptions) error

	mu        sync.Mutex
	next      uint64
	entities  map[memoryHandle]*memoryEntity
	groups    []ClusterGroup
	renders   int
	destroyed int
	surfaces  map[*Surface]SurfaceTransform
}

// NewMemoryBackend returns an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		entities: make(map[memoryHandle]*memoryEntity),
		surfaces: make(map[*Surface]SurfaceTransform),
	}
}

// CreateEntity implements EntityBackend.
func (b *MemoryBackend) CreateEntity(ctx context.Context, opts EntityOptions) (Handle, error) {
	if b.Latency > 0 {
		select {
		case <-time.After(b.Latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if b.FailCreate != nil {
		if err := b.FailCreate(opts); err != nil {
			return nil, err
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	h := memoryHandle(b.next)
	opts.Path = append([]GeoPoint(nil), opts.Path...)
	b.entities[h] = &memoryEntity{opts: opts}
	return h, nil
}

// DestroyEntity implements EntityBackend.
func (b *MemoryBackend) DestroyEntity(_ context.Context, h Handle) error {
	mh, ok := h.(memoryHandle)
	if !ok {
		return fmt.Errorf("foreign handle %v", h)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.entities[mh]; !ok {
		return ErrUnknownEntity
	}
	delete(b.entities, mh)
	b.destroyed++
	return nil
}

// SetEntityVisible implements EntityBackend.
func (b *MemoryBackend) SetEntityVisible(h Handle, visible bool) {
	mh, _ := h.(memoryHandle)
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entities[mh]; ok {
		e.visible = visible
	}
}

// UpdateEntity implements EntityUpdater.
func (b *MemoryBackend) UpdateEntity(h Handle, opts EntityOptions) {
	mh, _ := h.(memoryHandle)
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entities[mh]; ok {
		opts.Path = append([]GeoPoint(nil), opts.Path...)
		e.opts = opts
	}
}

// RenderGroups implements ClusterBackend.
func (b *MemoryBackend) RenderGroups(groups []ClusterGroup) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.groups = groups
	b.renders++
}

// AttachSurface implements SurfaceBackend.
func (b *MemoryBackend) AttachSurface(s *Surface) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.surfaces[s]; ok {
		return fmt.Errorf("surface already attached")
	}
	b.surfaces[s] = s.Transform()
	return nil
}

// DetachSurface implements SurfaceBackend.
func (b *MemoryBackend) DetachSurface(s *Surface) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.surfaces, s)
}

// PlaceSurface implements SurfaceBackend.
func (b *MemoryBackend) PlaceSurface(s *Surface, t SurfaceTransform) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.surfaces[s]; ok {
		b.surfaces[s] = t
	}
}

// Placement returns the last transform applied to an attached surface.
func (b *MemoryBackend) Placement(s *Surface) (SurfaceTransform, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.surfaces[s]
	return t, ok
}

// Groups returns the groups passed to the last RenderGroups call.
func (b *MemoryBackend) Groups() []ClusterGroup {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ClusterGroup(nil), b.groups...)
}

// RenderCount is the number of RenderGroups calls.
func (b *MemoryBackend) RenderCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.renders
}

// Len is the number of existing entities.
func (b *MemoryBackend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entities)
}

// Destroyed is the number of DestroyEntity calls that succeeded.
func (b *MemoryBackend) Destroyed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.destroyed
}

// VisibleCount is the number of entities currently shown.
func (b *MemoryBackend) VisibleCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.entities {
		if e.visible {
			n++
		}
	}
	return n
}

// Entity returns the options an entity was created or last updated with.
func (b *MemoryBackend) Entity(h Handle) (opts EntityOptions, visible, ok bool) {
	mh, _ := h.(memoryHandle)
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entities[mh]
	if !ok {
		return EntityOptions{}, false, false
	}
	return e.opts, e.visible, true
}

// EventedMemoryBackend adds layer-level events to MemoryBackend.
type EventedMemoryBackend struct {
	*MemoryBackend

	subMu sync.Mutex
	seq   uint64
	subs  map[uint64]map[string]map[uint64]func(LayerEvent)
}

// NewEventedMemoryBackend returns an empty backend that supports layer
// events.
func NewEventedMemoryBackend() *EventedMemoryBackend {
	return &EventedMemoryBackend{
		MemoryBackend: NewMemoryBackend(),
		subs:          make(map[uint64]map[string]map[uint64]func(LayerEvent)),
	}
}

// SubscribeLayerEvent implements LayerEventBackend.
func (b *EventedMemoryBackend) SubscribeLayerEvent(layerID uint64, name string, fn func(LayerEvent)) (func(), error) {
	if name == "" {
		return nil, fmt.Errorf("event name is required")
	}
	b.subMu.Lock()
	defer b.subMu.Unlock()

	b.seq++
	id := b.seq
	byName, ok := b.subs[layerID]
	if !ok {
		byName = make(map[string]map[uint64]func(LayerEvent))
		b.subs[layerID] = byName
	}
	if byName[name] == nil {
		byName[name] = make(map[uint64]func(LayerEvent))
	}
	byName[name][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			b.subMu.Lock()
			defer b.subMu.Unlock()
			delete(b.subs[layerID][name], id)
		})
	}, nil
}

// Emit delivers ev to every subscriber of ev.Name on the layer and returns
// the number of handlers called.
func (b *EventedMemoryBackend) Emit(layerID uint64, ev LayerEvent) int {
	b.subMu.Lock()
	handlers := make([]func(LayerEvent), 0, len(b.subs[layerID][ev.Name]))
	for _, fn := range b.subs[layerID][ev.Name] {
		handlers = append(handlers, fn)
	}
	b.subMu.Unlock()

	for _, fn := range handlers {
		fn(ev)
	}
	return len(handlers)
}
