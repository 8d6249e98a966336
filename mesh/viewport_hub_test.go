package mesh

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestViewportHub_PublishSetsCurrent(t *testing.T) {
	hub := NewViewportHub()
	assert.Nil(t, hub.CurrentViewport())

	vp := engineViewport()
	hub.Publish(EventContinuousChange, vp)
	assert.Same(t, vp, hub.CurrentViewport())
}

func TestViewportHub_DeliversByEvent(t *testing.T) {
	hub := NewViewportHub()
	settled, cancelSettled := hub.SubscribeViewport(EventSettled)
	defer cancelSettled()
	resized, cancelResized := hub.SubscribeViewport(EventResize)
	defer cancelResized()

	a := engineViewport()
	b := NewProjector().NewViewport(GeoPoint{Latitude: 1}, 4, Size{Width: 10, Height: 10})
	hub.Publish(EventSettled, a)
	hub.Publish(EventSettled, b)

	select {
	case got := <-settled:
		assert.Equal(t, EventSettled, got.Event)
		assert.Same(t, a, got.Viewport)
	case <-time.After(time.Second):
		t.Fatal("no settled event")
	}
	assert.Same(t, b, (<-settled).Viewport, "events arrive in publish order")

	select {
	case <-resized:
		t.Fatal("resize subscriber received a settled event")
	default:
	}
}

func TestViewportHub_OrderAcrossEvents(t *testing.T) {
	hub := NewViewportHub()
	ch, cancel := hub.SubscribeViewport(EventContinuousChange, EventSettled, EventResize)
	defer cancel()

	want := []ViewportEvent{
		EventContinuousChange, EventContinuousChange, EventSettled,
		EventResize, EventContinuousChange, EventSettled,
	}
	for _, ev := range want {
		hub.Publish(ev, engineViewport())
	}

	require.Len(t, ch, len(want))
	for i, ev := range want {
		assert.Equal(t, ev, (<-ch).Event, "notification %d", i)
	}
}

func TestViewportHub_ContinuousDropsWhenFull(t *testing.T) {
	hub := NewViewportHub()
	ch, cancel := hub.SubscribeViewport(EventContinuousChange, EventSettled)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < viewportBuffer*2; i++ {
			hub.Publish(EventContinuousChange, engineViewport())
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("continuous publishing blocked on a slow subscriber")
	}
	assert.Len(t, ch, viewportBuffer)

	// A settle waits for room instead of being dropped.
	settled := engineViewport()
	go func() {
		for range viewportBuffer {
			<-ch
		}
	}()
	hub.Publish(EventSettled, settled)
	require.Eventually(t, func() bool { return len(ch) == 1 }, time.Second, time.Millisecond)
	assert.Same(t, settled, (<-ch).Viewport)
}

func TestViewportHub_Cancel(t *testing.T) {
	hub := NewViewportHub()
	ch, cancel := hub.SubscribeViewport(EventSettled, EventResize)
	require.Equal(t, 1, hub.Subscribers(EventSettled))
	require.Equal(t, 1, hub.Subscribers(EventResize))
	assert.Zero(t, hub.Subscribers(EventContinuousChange))

	cancel()
	cancel()
	assert.Zero(t, hub.Subscribers(EventSettled))

	_, ok := <-ch
	assert.False(t, ok, "channel closed on cancel")

	// Publishing after cancel must not block or panic.
	hub.Publish(EventSettled, engineViewport())
}
