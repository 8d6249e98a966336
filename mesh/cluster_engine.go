package mesh

import (
	"log"
	"math"
	"sort"
)

// ClusterState is the grouping state of a ClusterEngine.
type ClusterState int

const (
	// StateClustering groups live entities and renders the groups.
	StateClustering ClusterState = iota
	// StateSuspended accumulates new entities in the pending queue; used
	// during bulk loads.
	StateSuspended
)

func (s ClusterState) String() string {
	if s == StateSuspended {
		return "suspended"
	}
	return "clustering"
}

// ClusterGroup is a set of nearby entities rendered as one unit. Groups are
// recomputed on every viewport or membership change and must not be kept
// across them.
type ClusterGroup struct {
	Center  GeoPoint
	Count   int
	Members []*Entity
	Pixel   PixelPoint
	Style   GroupStyle
	Icon    string
}

// ClusterStats is a snapshot of engine bookkeeping.
type ClusterStats struct {
	Recomputes int `json:"recomputes"`
	Live       int `json:"live"`
	Pending    int `json:"pending"`
	Groups     int `json:"groups"`
	Standalone int `json:"standalone"`
}

type entitySet int

const (
	inLive entitySet = iota + 1
	inPending
)

type cellKey struct {
	x, y int64
}

// ClusterEngine maintains the working set of point entities and decides
// which of them are folded into groups. It is not safe for concurrent use;
// drive it from a single goroutine (see Loop).
type ClusterEngine struct {
	backend   ClusterBackend
	projector Projector
	opts      ClusterOptions
	state     ClusterState
	viewport  *ViewportState

	live    []*Entity
	pending []*Entity
	where   map[*Entity]entitySet
	seq     uint64

	groups       []ClusterGroup
	standalone   []*Entity
	materialized bool
	recomputes   int
}

// NewClusterEngine creates an engine in the Clustering state. backend may be
// nil when only the logical grouping is needed.
func NewClusterEngine(backend ClusterBackend, projector Projector, opts ClusterOptions) (*ClusterEngine, error) {
	if err := validateOptions(opts); err != nil {
		return nil, err
	}
	opts.Styles = append([]Breakpoint(nil), opts.Styles...)
	return &ClusterEngine{
		backend:   backend,
		projector: projector,
		opts:      opts,
		state:     StateClustering,
		where:     make(map[*Entity]entitySet),
	}, nil
}

// State returns the current grouping state.
func (c *ClusterEngine) State() ClusterState {
	return c.state
}

// Options returns a copy of the current options.
func (c *ClusterEngine) Options() ClusterOptions {
	o := c.opts
	o.Styles = append([]Breakpoint(nil), c.opts.Styles...)
	return o
}

// Viewport returns the last viewport snapshot given to the engine.
func (c *ClusterEngine) Viewport() *ViewportState {
	return c.viewport
}

// Groups returns the current groups.
func (c *ClusterEngine) Groups() []ClusterGroup {
	return append([]ClusterGroup(nil), c.groups...)
}

// Standalone returns the live visible entities rendered on their own.
func (c *ClusterEngine) Standalone() []*Entity {
	return append([]*Entity(nil), c.standalone...)
}

// Contains reports whether e is tracked, and whether it is pending.
func (c *ClusterEngine) Contains(e *Entity) (tracked, pending bool) {
	set, ok := c.where[e]
	return ok, set == inPending
}

// Stats returns counters describing the engine.
func (c *ClusterEngine) Stats() ClusterStats {
	return ClusterStats{
		Recomputes: c.recomputes,
		Live:       len(c.live),
		Pending:    len(c.pending),
		Groups:     len(c.groups),
		Standalone: len(c.standalone),
	}
}

// VisibleCount is the number of live entities whose Visible flag is set.
func (c *ClusterEngine) VisibleCount() int {
	n := 0
	for _, e := range c.live {
		if e.Visible {
			n++
		}
	}
	return n
}

// StopClustering suspends grouping. New entities are held pending until
// StartClustering.
func (c *ClusterEngine) StopClustering() {
	c.state = StateSuspended
}

// StartClustering flushes the pending queue into the live set and recomputes
// the grouping once.
func (c *ClusterEngine) StartClustering() {
	c.state = StateClustering
	if c.opts.Visible && len(c.pending) > 0 {
		log.Printf("[CLUSTER] flushing %d pending entities", len(c.pending))
		c.flush()
	}
	c.recompute()
}

// AddEntity inserts e. An entity flagged FirstInBatch suspends grouping
// before it is inserted; one flagged LastInBatch flushes and regroups after.
func (c *ClusterEngine) AddEntity(e *Entity) {
	if e == nil {
		return
	}
	if _, ok := c.where[e]; ok {
		return
	}
	if e.FirstInBatch {
		c.StopClustering()
	}

	attached := c.insert(e)

	switch {
	case e.LastInBatch:
		c.StartClustering()
	case attached && c.state == StateClustering:
		c.recompute()
	}
}

// AddEntities inserts every entity and regroups once. Batch flags are not
// interpreted; the whole call is one batch.
func (c *ClusterEngine) AddEntities(entities []*Entity) {
	attached := false
	for _, e := range entities {
		if e == nil {
			continue
		}
		if _, ok := c.where[e]; ok {
			continue
		}
		if c.insert(e) {
			attached = true
		}
	}
	if attached && c.state == StateClustering {
		c.recompute()
	}
}

func (c *ClusterEngine) insert(e *Entity) bool {
	c.seq++
	e.seq = c.seq

	if c.state == StateSuspended || !c.opts.Visible {
		c.pending = append(c.pending, e)
		c.where[e] = inPending
		c.setEntityVisible(e, false)
		return false
	}

	c.live = append(c.live, e)
	c.where[e] = inLive
	c.materialized = true
	return true
}

// RemoveEntity removes e from whichever set holds it. While suspended the
// current groups are patched instead of recomputed.
func (c *ClusterEngine) RemoveEntity(e *Entity) bool {
	set, ok := c.where[e]
	if !ok {
		return false
	}
	delete(c.where, e)

	if set == inPending {
		c.pending = removeEntity(c.pending, e)
		return true
	}

	c.live = removeEntity(c.live, e)
	c.setEntityVisible(e, false)

	if c.state == StateClustering {
		c.recompute()
	} else {
		c.detachFromGroups(e)
		c.present()
	}
	return true
}

// Clear removes every entity.
func (c *ClusterEngine) Clear() {
	for _, e := range c.live {
		c.setEntityVisible(e, false)
	}
	c.live = nil
	c.pending = nil
	c.where = make(map[*Entity]entitySet)
	c.groups = nil
	c.standalone = nil
	c.present()
}

// SetVisible hides or shows the whole layer. Hiding evacuates every live
// entity into the pending queue and clears the groups; showing re-inserts
// the pending entities and regroups once. Repeated calls are no-ops.
func (c *ClusterEngine) SetVisible(visible bool) {
	if c.opts.Visible == visible {
		return
	}
	c.opts.Visible = visible

	if !visible {
		for _, e := range c.live {
			c.where[e] = inPending
			c.setEntityVisible(e, false)
		}
		c.pending = mergeBySeq(c.live, c.pending)
		c.live = nil
		c.groups = nil
		c.standalone = nil
		c.present()
		return
	}

	if c.state == StateClustering {
		c.flush()
		c.recompute()
	}
}

// SetEntityVisible toggles the Visible flag of a tracked entity.
func (c *ClusterEngine) SetEntityVisible(e *Entity, visible bool) {
	if e.Visible == visible {
		return
	}
	e.Visible = visible

	if c.where[e] != inLive {
		return
	}
	if c.state == StateClustering {
		c.recompute()
		return
	}
	if visible {
		c.standalone = insertBySeq(c.standalone, e)
	} else {
		c.detachFromGroups(e)
	}
	c.present()
}

// Refresh regroups after a tracked entity moved. While suspended the groups
// keep their old positions until StartClustering.
func (c *ClusterEngine) Refresh(e *Entity) {
	if c.where[e] == inLive && e.Visible && c.state == StateClustering {
		c.recompute()
	}
}

// SetViewport stores the latest viewport snapshot and regroups when
// clustering.
func (c *ClusterEngine) SetViewport(vp *ViewportState) {
	c.viewport = vp
	if c.state == StateClustering {
		c.recompute()
	}
}

// SetOptions merge-patches the options. Placement mode, zoom-on-click, layer
// offset and z-index cannot change once an entity has been materialized.
// A rejected patch leaves every option and the rendered groups untouched.
func (c *ClusterEngine) SetOptions(patch ClusterOptionsPatch) error {
	if patch.Empty() {
		return nil
	}
	next, err := mergeOptions(c.opts, patch, c.materialized)
	if err != nil {
		log.Printf("[CLUSTER] rejected options change: %v", err)
		return err
	}

	visible := next.Visible
	next.Visible = c.opts.Visible
	c.opts = next

	if visible != c.opts.Visible {
		c.SetVisible(visible)
		return nil
	}
	if c.state == StateClustering {
		c.recompute()
	}
	return nil
}

// GroupAt returns the group whose marker covers px, preferring the closest.
func (c *ClusterEngine) GroupAt(px PixelPoint) (ClusterGroup, bool) {
	best, bestDist := -1, math.Inf(1)
	for i, g := range c.groups {
		r := g.Style.Radius
		if r <= 0 {
			r = c.opts.GridSize / 2
		}
		d := math.Hypot(g.Pixel.X-px.X, g.Pixel.Y-px.Y)
		if d <= r && d < bestDist {
			best, bestDist = i, d
		}
	}
	if best < 0 {
		return ClusterGroup{}, false
	}
	return c.groups[best], true
}

// ClickGroup returns the bounds the host should fit to expand g.
func (c *ClusterEngine) ClickGroup(g ClusterGroup) (GeoBounds, error) {
	if !c.opts.ZoomOnClick {
		return GeoBounds{}, ErrZoomOnClickDisabled
	}
	locs := make([]GeoPoint, len(g.Members))
	for i, m := range g.Members {
		locs[i] = m.Location
	}
	b, ok := PathBounds(locs)
	if !ok {
		return GeoBounds{}, ErrUnknownEntity
	}
	return b, nil
}

func (c *ClusterEngine) flush() {
	for _, e := range c.pending {
		c.where[e] = inLive
	}
	if len(c.pending) > 0 {
		c.materialized = true
	}
	c.live = mergeBySeq(c.live, c.pending)
	c.pending = nil
}

func (c *ClusterEngine) recompute() {
	c.recomputes++
	c.groups, c.standalone = c.group()
	c.present()
}

// group partitions the live visible entities into grid cells of GridSize
// pixels at the current zoom. The grid ignores the rendered icon size, so
// standalone markers in neighbouring cells can still overlap on screen.
func (c *ClusterEngine) group() ([]ClusterGroup, []*Entity) {
	visible := make([]*Entity, 0, len(c.live))
	for _, e := range c.live {
		if e.Visible {
			visible = append(visible, e)
		}
	}
	if len(visible) == 0 {
		return nil, nil
	}

	vp := c.viewport
	if !c.opts.ClusteringEnabled || !vp.Ready() || vp.Zoom > c.opts.MaxZoom {
		return nil, visible
	}

	locs := make([]GeoPoint, len(visible))
	for i, e := range visible {
		locs[i] = e.Location
	}
	pts, ok := c.projector.ToPixels(locs, vp)
	if !ok {
		return nil, visible
	}

	cells := make(map[cellKey][]*Entity)
	var order []cellKey
	for i, e := range visible {
		k := cellKey{
			x: int64(math.Floor(pts[i].X / c.opts.GridSize)),
			y: int64(math.Floor(pts[i].Y / c.opts.GridSize)),
		}
		if _, ok := cells[k]; !ok {
			order = append(order, k)
		}
		cells[k] = append(cells[k], e)
	}

	var groups []ClusterGroup
	var standalone []*Entity
	for _, k := range order {
		members := cells[k]
		if len(members) < c.opts.MinimumClusterSize {
			standalone = append(standalone, members...)
			continue
		}
		groups = append(groups, c.newGroup(members))
	}
	sort.Slice(standalone, func(i, j int) bool { return standalone[i].seq < standalone[j].seq })
	return groups, standalone
}

func (c *ClusterEngine) newGroup(members []*Entity) ClusterGroup {
	g := ClusterGroup{Members: members}
	c.restyle(&g)
	return g
}

// restyle recomputes everything derived from the member list.
func (c *ClusterEngine) restyle(g *ClusterGroup) {
	g.Count = len(g.Members)
	g.Center = representativePoint(g.Members, c.opts.PlacementMode)
	if px, ok := c.projector.ToPixel(g.Center, c.viewport); ok {
		g.Pixel = PixelPoint{X: px.X + c.opts.LayerOffset.X, Y: px.Y + c.opts.LayerOffset.Y}
	}
	g.Style = GroupStyle{}
	g.Icon = ""
	if c.opts.DynamicSizing {
		g.Style = DynamicStyle(g.Count, c.opts.Styles, c.opts.BaseRadius)
	}
	if c.opts.IconFunc != nil {
		g.Icon = c.opts.IconFunc(*g)
	}
}

func representativePoint(members []*Entity, mode PlacementMode) GeoPoint {
	if len(members) == 0 {
		return GeoPoint{}
	}
	if mode == PlacementFirstPin {
		first := members[0]
		for _, m := range members[1:] {
			if m.seq < first.seq {
				first = m
			}
		}
		return first.Location
	}

	var lat, lon float64
	for _, m := range members {
		lat += m.Location.Latitude
		lon += m.Location.Longitude
	}
	n := float64(len(members))
	return GeoPoint{Latitude: lat / n, Longitude: lon / n}
}

// detachFromGroups drops e from the rendered state without regrouping.
// Groups that fall below the minimum size dissolve into standalone entities.
func (c *ClusterEngine) detachFromGroups(e *Entity) {
	for i, s := range c.standalone {
		if s == e {
			c.standalone = append(c.standalone[:i], c.standalone[i+1:]...)
			return
		}
	}
	for i := range c.groups {
		g := &c.groups[i]
		idx := -1
		for j, m := range g.Members {
			if m == e {
				idx = j
				break
			}
		}
		if idx < 0 {
			continue
		}
		g.Members = append(append([]*Entity(nil), g.Members[:idx]...), g.Members[idx+1:]...)
		if len(g.Members) < c.opts.MinimumClusterSize {
			for _, m := range g.Members {
				c.standalone = insertBySeq(c.standalone, m)
			}
			c.groups = append(c.groups[:i], c.groups[i+1:]...)
			return
		}
		c.restyle(g)
		return
	}
}

// present pushes the current grouping to the backend: standalone entities
// are shown, grouped and pending ones hidden.
func (c *ClusterEngine) present() {
	if c.backend == nil {
		return
	}
	shown := make(map[*Entity]struct{}, len(c.standalone))
	for _, e := range c.standalone {
		shown[e] = struct{}{}
	}
	for _, e := range c.live {
		_, ok := shown[e]
		c.setEntityVisible(e, ok)
	}
	c.backend.RenderGroups(c.Groups())
}

func (c *ClusterEngine) setEntityVisible(e *Entity, visible bool) {
	if c.backend == nil || e.Handle == nil {
		return
	}
	c.backend.SetEntityVisible(e.Handle, visible)
}

func removeEntity(list []*Entity, e *Entity) []*Entity {
	for i, x := range list {
		if x == e {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// mergeBySeq merges two insertion-ordered lists.
func mergeBySeq(a, b []*Entity) []*Entity {
	out := make([]*Entity, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i].seq <= b[j].seq {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}

func insertBySeq(list []*Entity, e *Entity) []*Entity {
	i := sort.Search(len(list), func(i int) bool { return list[i].seq > e.seq })
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = e
	return list
}
