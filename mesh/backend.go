package mesh

import "context"

// EntityBackend creates and destroys backend-native entities. CreateEntity
// may be slow (request/response against the map engine); callers must not
// assume an entity is visible until it returns.
type EntityBackend interface {
	CreateEntity(ctx context.Context, opts EntityOptions) (Handle, error)
	DestroyEntity(ctx context.Context, h Handle) error
	SetEntityVisible(h Handle, visible bool)
}

// ClusterBackend is the capability the cluster engine needs: everything an
// EntityBackend offers plus presenting the current groups.
type ClusterBackend interface {
	EntityBackend
	RenderGroups(groups []ClusterGroup)
}

// ViewportNotification pairs a viewport snapshot with the event that
// produced it.
type ViewportNotification struct {
	Event    ViewportEvent
	Viewport *ViewportState
}

// ViewportSource supplies viewport snapshots. SubscribeViewport returns one
// stream carrying the named events in the order they occurred, and a cancel
// func that closes it.
type ViewportSource interface {
	CurrentViewport() *ViewportState
	SubscribeViewport(events ...ViewportEvent) (<-chan ViewportNotification, func())
}

// SurfaceBackend hosts a drawing surface inside the map viewport.
// PlaceSurface positions and scales the already drawn content without
// redrawing it.
type SurfaceBackend interface {
	AttachSurface(s *Surface) error
	DetachSurface(s *Surface)
	PlaceSurface(s *Surface, t SurfaceTransform)
}

// LayerEvent is delivered to layer-level event subscribers.
type LayerEvent struct {
	Name     string
	EntityID uint64
	Location GeoPoint
}

// LayerEventBackend is implemented by backends that can attach event
// handlers to a whole layer rather than to individual entities.
type LayerEventBackend interface {
	SubscribeLayerEvent(layerID uint64, name string, fn func(LayerEvent)) (func(), error)
}
