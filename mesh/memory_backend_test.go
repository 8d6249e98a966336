package mesh

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryBackend_Lifecycle(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()

	path := []GeoPoint{{1, 1}, {2, 2}}
	h, err := b.CreateEntity(ctx, EntityOptions{Kind: KindPolyline, Path: path, Label: "r"})
	if err != nil {
		t.Fatalf("CreateEntity: %v", err)
	}
	path[0] = GeoPoint{9, 9}

	opts, visible, ok := b.Entity(h)
	if !ok || visible {
		t.Fatalf("Entity = visible %v, ok %v; want hidden until shown", visible, ok)
	}
	if opts.Path[0] != (GeoPoint{1, 1}) {
		t.Error("backend should copy the path")
	}

	b.SetEntityVisible(h, true)
	if b.VisibleCount() != 1 {
		t.Errorf("VisibleCount = %d, want 1", b.VisibleCount())
	}

	b.UpdateEntity(h, EntityOptions{Kind: KindPolyline, Label: "renamed"})
	if opts, _, _ := b.Entity(h); opts.Label != "renamed" {
		t.Errorf("label = %q after update", opts.Label)
	}

	if err := b.DestroyEntity(ctx, h); err != nil {
		t.Fatalf("DestroyEntity: %v", err)
	}
	if err := b.DestroyEntity(ctx, h); !errors.Is(err, ErrUnknownEntity) {
		t.Errorf("second destroy err = %v, want ErrUnknownEntity", err)
	}
	if err := b.DestroyEntity(ctx, "foreign"); err == nil {
		t.Error("foreign handle should be rejected")
	}
	if b.Len() != 0 || b.Destroyed() != 1 {
		t.Errorf("Len = %d, Destroyed = %d", b.Len(), b.Destroyed())
	}

	// Unknown handles are ignored.
	b.SetEntityVisible(h, true)
	b.UpdateEntity("foreign", EntityOptions{})
}

func TestMemoryBackend_LatencyHonoursContext(t *testing.T) {
	b := NewMemoryBackend()
	b.Latency = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := b.CreateEntity(ctx, EntityOptions{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
	if b.Len() != 0 {
		t.Error("no entity should be created")
	}
}

func TestMemoryBackend_Surfaces(t *testing.T) {
	b := NewMemoryBackend()
	s := NewSurface()

	if err := b.AttachSurface(s); err != nil {
		t.Fatalf("AttachSurface: %v", err)
	}
	if err := b.AttachSurface(s); err == nil {
		t.Error("attaching twice should fail")
	}

	want := SurfaceTransform{OffsetX: 3, Scale: 2}
	b.PlaceSurface(s, want)
	if got, ok := b.Placement(s); !ok || got != want {
		t.Errorf("Placement = %+v, %v", got, ok)
	}

	b.DetachSurface(s)
	b.PlaceSurface(s, SurfaceTransform{Scale: 4})
	if _, ok := b.Placement(s); ok {
		t.Error("detached surface should not be placed")
	}
}

func TestMemoryBackend_RenderGroups(t *testing.T) {
	b := NewMemoryBackend()
	b.RenderGroups([]ClusterGroup{{Count: 2}})
	b.RenderGroups([]ClusterGroup{{Count: 3}, {Count: 4}})
	if b.RenderCount() != 2 || len(b.Groups()) != 2 {
		t.Errorf("RenderCount = %d, groups = %d", b.RenderCount(), len(b.Groups()))
	}
}
