package mesh

import (
	"slices"
	"sync"
)

// viewportBuffer is the per-subscriber queue length.
const viewportBuffer = 64

type viewportSub struct {
	events []ViewportEvent
	ch     chan ViewportNotification
	done   chan struct{}
	once   sync.Once
}

// ViewportHub is an in-process ViewportSource. The host publishes viewport
// snapshots and the hub fans them out to subscribers in publish order.
// Continuous-change snapshots are dropped for a subscriber whose queue is
// full since a later one supersedes them; settled and resize snapshots are
// always delivered.
type ViewportHub struct {
	pub     sync.Mutex // serialises Publish
	mu      sync.RWMutex
	current *ViewportState
	subs    map[uint64]*viewportSub
	seq     uint64
}

// NewViewportHub returns a hub with no current viewport.
func NewViewportHub() *ViewportHub {
	return &ViewportHub{subs: make(map[uint64]*viewportSub)}
}

// CurrentViewport implements ViewportSource.
func (h *ViewportHub) CurrentViewport() *ViewportState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// SubscribeViewport implements ViewportSource. The returned channel is
// closed by the cancel func.
func (h *ViewportHub) SubscribeViewport(events ...ViewportEvent) (<-chan ViewportNotification, func()) {
	s := &viewportSub{
		events: slices.Clone(events),
		ch:     make(chan ViewportNotification, viewportBuffer),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	h.seq++
	id := h.seq
	h.subs[id] = s
	h.mu.Unlock()

	cancel := func() {
		s.once.Do(func() {
			close(s.done)
			h.mu.Lock()
			delete(h.subs, id)
			close(s.ch)
			h.mu.Unlock()
		})
	}
	return s.ch, cancel
}

// Publish records vp as the current viewport and delivers it to the
// subscribers of event. Concurrent calls are delivered one at a time so
// every subscriber sees the same order.
func (h *ViewportHub) Publish(event ViewportEvent, vp *ViewportState) {
	h.pub.Lock()
	defer h.pub.Unlock()

	h.mu.Lock()
	h.current = vp
	h.mu.Unlock()

	n := ViewportNotification{Event: event, Viewport: vp}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		if !slices.Contains(s.events, event) {
			continue
		}
		if event == EventContinuousChange {
			select {
			case s.ch <- n:
			case <-s.done:
			default:
			}
			continue
		}
		select {
		case s.ch <- n:
		case <-s.done:
		}
	}
}

// Subscribers returns the number of active subscriptions that include event.
func (h *ViewportHub) Subscribers(event ViewportEvent) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, s := range h.subs {
		if slices.Contains(s.events, event) {
			n++
		}
	}
	return n
}
