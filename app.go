package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/kwv/pinmesh/mesh"
	"github.com/paulmach/orb/geojson"
)

// App encapsulates the application state and dependencies
type App struct {
	Config       *mesh.Config
	StateTracker *mesh.StateTracker
	MQTTClient   *mesh.MQTTClient
	Publisher    *mesh.Publisher

	Loop      *mesh.Loop
	Backend   *mesh.EventedMemoryBackend
	Hub       *mesh.ViewportHub
	Projector mesh.Projector
	Engine    *mesh.ClusterEngine
	Layer     *mesh.EntityLayer
	Labels    *mesh.LabelOverlay
	Overlay   *mesh.OverlayController

	// Owned by the loop.
	keys        map[string]uint64
	dirty       bool
	cancelClick func()
	publishCh   chan publishItem

	// CLI Flags (effectively dependencies)
	DataDir       string
	ConfigFile    string
	SnapshotCache string
	OutputFile    string
	RenderFormat  string
	HttpPort      int
	MqttMode      bool
	HttpMode      bool
}

type publishItem struct {
	clusters *geojson.FeatureCollection
	stats    mesh.ClusterStats
	overlay  mesh.OverlayStats
}

// ClickResult describes what a click at a pixel hit.
type ClickResult struct {
	Location mesh.GeoPoint   `json:"location"`
	Hit      bool            `json:"hit"`
	Count    int             `json:"count,omitempty"`
	Center   *mesh.GeoPoint  `json:"center,omitempty"`
	Bounds   *mesh.GeoBounds `json:"bounds,omitempty"`
}

// ViewportRequest is the body of a viewport notification.
type ViewportRequest struct {
	Center mesh.GeoPoint `json:"center"`
	Zoom   float64       `json:"zoom"`
	Size   mesh.Size     `json:"size"`
	Mode   mesh.ViewMode `json:"mode"`
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		StateTracker: mesh.NewStateTracker(),
		Projector:    mesh.NewProjector(),
		keys:         make(map[string]uint64),
		publishCh:    make(chan publishItem, 1),
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.DataDir = opts.DataDir
	a.ConfigFile = opts.ConfigFile
	a.SnapshotCache = opts.SnapshotCache
	a.OutputFile = opts.OutputFile
	a.RenderFormat = opts.RenderFormat
	a.HttpPort = opts.HttpPort
	a.MqttMode = opts.MqttMode
	a.HttpMode = opts.HttpMode
}

// resolvePaths resolves the config and cache paths relative to data-dir when
// they still point at their defaults.
func (a *App) resolvePaths() (configPath, cachePath string) {
	configPath = a.ConfigFile
	cachePath = a.SnapshotCache
	if a.DataDir != "" && a.DataDir != "." {
		if configPath == "config.yaml" {
			configPath = filepath.Join(a.DataDir, "config.yaml")
		}
		if cachePath == ".snapshot-cache.json" {
			cachePath = filepath.Join(a.DataDir, ".snapshot-cache.json")
		}
	}
	return configPath, cachePath
}

// Setup builds the engine components from config. With a nil loop every
// operation runs synchronously on the caller's goroutine; otherwise Setup
// must be called before the loop starts.
func (a *App) Setup(ctx context.Context, config *mesh.Config, loop *mesh.Loop) error {
	a.Config = config
	a.Loop = loop
	a.Backend = mesh.NewEventedMemoryBackend()
	a.Hub = mesh.NewViewportHub()

	engine, err := mesh.NewClusterEngine(a.Backend, a.Projector, config.Cluster)
	if err != nil {
		return fmt.Errorf("creating cluster engine: %w", err)
	}
	a.Engine = engine
	a.Layer = mesh.NewEntityLayer(a.Backend, engine, &mesh.SequentialIDs{})
	a.Layer.OnChange(a.markDirty)

	if cancel, err := a.Layer.OnLayerEvent("click", a.onLayerClick); err != nil {
		log.Printf("[LAYER] click events unavailable: %v", err)
	} else {
		a.cancelClick = cancel
	}

	vp := a.Projector.NewViewport(config.Viewport.Center, config.Viewport.Zoom, config.Viewport.Size)
	a.Hub.Publish(mesh.EventResize, vp)
	a.Engine.SetViewport(vp)

	if config.Overlay.Enabled {
		a.Labels = mesh.NewLabelOverlay(a.Projector)
		if config.Overlay.ChunkSize > 0 {
			a.Labels.ChunkSize = config.Overlay.ChunkSize
		}
		if config.Overlay.Margin > 0 {
			a.Labels.Margin = config.Overlay.Margin
		}
		if config.Overlay.SimplifyPixels > 0 {
			a.Labels.SimplifyPixels = config.Overlay.SimplifyPixels
		}
		if config.Overlay.TextColor != "" {
			a.Labels.TextColor = config.Overlay.TextColor
		}

		a.Overlay = mesh.NewOverlayController(a.Backend, a.Hub, a.Projector, a.Labels.Draw)
		if loop != nil {
			a.Overlay.Bind(loop)
		}
		if err := a.Overlay.Attach(ctx); err != nil {
			return fmt.Errorf("attaching overlay: %w", err)
		}
	}
	return nil
}

// do runs fn on the loop, or inline when there is none.
func (a *App) do(ctx context.Context, fn func() error) error {
	if a.Loop == nil {
		return fn()
	}
	return a.Loop.Do(ctx, fn)
}

// LoadEntities creates the entities listed in the config. Markers are added
// as one chunked batch when a loop is running.
func (a *App) LoadEntities(ctx context.Context) error {
	var markers []mesh.EntityOptions
	var shapes []mesh.EntityOptions
	for _, e := range a.Config.Entities {
		if e.Kind == mesh.KindMarker {
			markers = append(markers, e)
		} else {
			shapes = append(shapes, e)
		}
	}

	err := a.do(ctx, func() error {
		for _, opts := range shapes {
			var e *mesh.Entity
			var err error
			if opts.Kind == mesh.KindPolygon {
				e, err = a.Layer.AddPolygon(ctx, opts)
			} else {
				e, err = a.Layer.AddPolyline(ctx, opts)
			}
			if err != nil {
				return err
			}
			a.rememberKey(e)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("loading shapes: %w", err)
	}

	if len(markers) == 0 {
		return nil
	}
	if a.Loop == nil {
		es, err := a.Layer.AddMarkers(ctx, markers)
		if err != nil {
			return fmt.Errorf("loading markers: %w", err)
		}
		for _, e := range es {
			a.rememberKey(e)
		}
		return nil
	}

	a.Layer.AddMarkersChunked(ctx, a.Loop, markers, a.Config.Overlay.ChunkSize, func(es []*mesh.Entity, err error) {
		if err != nil {
			log.Printf("[LAYER] loading %d markers failed: %v", len(markers), err)
			return
		}
		for _, e := range es {
			a.rememberKey(e)
		}
	})
	return nil
}

func (a *App) rememberKey(e *mesh.Entity) {
	if e != nil && e.Label != "" {
		a.keys[e.Label] = e.ID
	}
}

// HandleEntityUpdate queues an ingest message for the loop.
func (a *App) HandleEntityUpdate(u mesh.EntityUpdate) {
	apply := func() {
		if err := a.applyEntityUpdate(context.Background(), u); err != nil {
			log.Printf("[MQTT] entity %s: %v", u.Key, err)
		}
	}
	if a.Loop == nil {
		apply()
		return
	}
	a.Loop.Post(apply)
}

func (a *App) applyEntityUpdate(ctx context.Context, u mesh.EntityUpdate) error {
	id, known := a.keys[u.Key]

	if u.Remove {
		if !known {
			return mesh.ErrUnknownEntity
		}
		delete(a.keys, u.Key)
		return a.Layer.Remove(ctx, id)
	}

	if known {
		e, ok := a.Layer.Get(id)
		if !ok {
			delete(a.keys, u.Key)
			return mesh.ErrUnknownEntity
		}
		if u.Options != nil && (u.Options.Kind != e.Kind || e.Kind != mesh.KindMarker) {
			opts := *u.Options
			if opts.Label == "" {
				opts.Label = u.Key
			}
			_, err := a.Layer.Replace(ctx, id, opts)
			return err
		}
		return a.Layer.Update(id, u.Patch)
	}

	if u.Options == nil {
		return fmt.Errorf("no position for new entity")
	}
	opts := *u.Options
	if opts.Label == "" {
		opts.Label = u.Key
	}

	var e *mesh.Entity
	var err error
	switch opts.Kind {
	case mesh.KindPolygon:
		e, err = a.Layer.AddPolygon(ctx, opts)
	case mesh.KindPolyline:
		e, err = a.Layer.AddPolyline(ctx, opts)
	default:
		e, err = a.Layer.AddMarker(ctx, opts)
	}
	if err != nil {
		return err
	}
	a.keys[u.Key] = e.ID
	return nil
}

// ApplyViewport delivers a host viewport notification. Settled and resize
// notifications regroup the clusters; every notification reaches the
// overlay.
func (a *App) ApplyViewport(ctx context.Context, event mesh.ViewportEvent, req ViewportRequest) (*mesh.ViewportState, error) {
	vp := a.Projector.NewViewport(req.Center, req.Zoom, req.Size)
	vp.Mode = req.Mode
	if !vp.Ready() {
		return nil, mesh.ErrNotReady
	}

	err := a.do(ctx, func() error {
		a.Hub.Publish(event, vp)
		if a.Loop == nil && a.Overlay != nil {
			// An unbound overlay is not subscribed to the hub.
			if err := a.Overlay.HandleViewport(ctx, event, vp); err != nil && !errors.Is(err, mesh.ErrNotReady) {
				log.Printf("[OVERLAY] redraw failed: %v", err)
			}
		}
		if event != mesh.EventContinuousChange {
			a.Engine.SetViewport(vp)
			a.markDirty()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return vp, nil
}

// ClickAt reports the group under px, if any, and the bounds to fit when
// expanding it. A layer "click" event is emitted either way.
func (a *App) ClickAt(ctx context.Context, px mesh.PixelPoint) (ClickResult, error) {
	var res ClickResult
	err := a.do(ctx, func() error {
		loc, ok := a.Projector.FromPixel(px, a.Hub.CurrentViewport())
		if !ok {
			return mesh.ErrNotReady
		}
		res.Location = loc
		a.Backend.Emit(a.Layer.ID(), mesh.LayerEvent{Name: "click", Location: loc})

		g, ok := a.Engine.GroupAt(px)
		if !ok {
			return nil
		}
		res.Hit = true
		res.Count = g.Count
		center := g.Center
		res.Center = &center

		bounds, err := a.Engine.ClickGroup(g)
		if err != nil {
			return err
		}
		res.Bounds = &bounds
		return nil
	})
	return res, err
}

func (a *App) onLayerClick(ev mesh.LayerEvent) {
	log.Printf("[LAYER] click at %s", ev.Location)
}

// markDirty schedules one snapshot flush for a burst of changes.
func (a *App) markDirty() {
	if a.dirty {
		return
	}
	a.dirty = true
	if a.Loop == nil {
		a.flush()
		return
	}
	a.Loop.Post(a.flush)
}

// flush refreshes the overlay items, stores the snapshot and hands it to the
// publisher.
func (a *App) flush() {
	a.dirty = false

	var overlayStats mesh.OverlayStats
	if a.Overlay != nil {
		a.Labels.SetItems(a.Layer.LabelItems())
		err := a.Overlay.Redraw(context.Background(), a.Hub.CurrentViewport())
		if err != nil && !errors.Is(err, mesh.ErrNotReady) {
			log.Printf("[OVERLAY] redraw failed: %v", err)
		}
		overlayStats = a.Overlay.Stats()
	}

	fc := mesh.ClustersToFeatureCollection(a.Engine.Groups(), a.Engine.Standalone())
	stats := a.Engine.Stats()
	if err := a.StateTracker.Update(fc, a.Hub.CurrentViewport(), stats, overlayStats); err != nil {
		log.Printf("Error storing snapshot: %v", err)
	}

	// Only the loop sends, so after draining there is room for the latest.
	select {
	case <-a.publishCh:
	default:
	}
	a.publishCh <- publishItem{clusters: fc, stats: stats, overlay: overlayStats}
}

// publishLoop sends the latest snapshot to MQTT. Older snapshots queued
// behind a slow publish are replaced.
func (a *App) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-a.publishCh:
			if a.Publisher == nil {
				continue
			}
			if err := a.Publisher.PublishClusters(item.clusters); err != nil {
				log.Printf("Error publishing clusters: %v", err)
				continue
			}
			if err := a.Publisher.PublishStats(item.stats, item.overlay); err != nil {
				log.Printf("Error publishing stats: %v", err)
			}
		}
	}
}

func (a *App) overlaySurface() *mesh.Surface {
	if a.Overlay == nil {
		return nil
	}
	return a.Overlay.Surface()
}

// Shutdown detaches the overlay and drops the layer event subscription.
func (a *App) Shutdown(ctx context.Context) {
	err := a.do(ctx, func() error {
		if a.Overlay != nil {
			a.Overlay.Detach()
		}
		if a.cancelClick != nil {
			a.cancelClick()
			a.cancelClick = nil
		}
		return nil
	})
	if err != nil {
		log.Printf("Error during shutdown: %v", err)
	}
}

// RunRender clusters the configured entities once and writes the overlay.
func (a *App) RunRender() {
	configPath, _ := a.resolvePaths()
	config, err := mesh.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v (looked at %s)", err, configPath)
	}
	if !config.Overlay.Enabled {
		log.Fatal("overlay.enabled is false in config; nothing to render")
	}

	ctx := context.Background()
	if err := a.Setup(ctx, config, nil); err != nil {
		log.Fatalf("Setup failed: %v", err)
	}
	if err := a.LoadEntities(ctx); err != nil {
		log.Fatalf("Loading entities failed: %v", err)
	}

	f, err := os.Create(a.OutputFile)
	if err != nil {
		log.Fatalf("Error creating output file %s: %v", a.OutputFile, err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			log.Printf("Warning: error closing output file %s: %v", a.OutputFile, err)
		}
	}()

	surface := a.Overlay.Surface()
	switch a.RenderFormat {
	case "png":
		err = surface.WritePNG(f)
	case "svg", "":
		err = surface.WriteSVG(f)
	default:
		log.Fatalf("Invalid format: %s (must be svg or png)", a.RenderFormat)
	}
	if err != nil {
		log.Fatalf("Error rendering overlay: %v", err)
	}

	stats := a.Engine.Stats()
	fmt.Printf("Wrote %s: %d entities, %d groups, %d standalone\n",
		a.OutputFile, a.Layer.Len(), stats.Groups, stats.Standalone)
	a.Shutdown(ctx)
}

// RunService runs the MQTT and/or HTTP service until interrupted.
func (a *App) RunService() {
	fmt.Println("Starting pinmesh service...")

	configPath, cachePath := a.resolvePaths()
	config, err := mesh.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v (looked at %s)", err, configPath)
	}
	log.Printf("Loaded config from %s", configPath)

	a.StateTracker = mesh.NewStateTrackerWithCache(cachePath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loop := mesh.NewLoop()
	if err := a.Setup(ctx, config, loop); err != nil {
		log.Fatalf("Setup failed: %v", err)
	}
	go func() {
		if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("Event loop stopped: %v", err)
		}
	}()

	if err := a.LoadEntities(ctx); err != nil {
		log.Printf("Warning: %v", err)
	}

	if a.MqttMode {
		client, err := mesh.InitMQTT(config, a.HandleEntityUpdate)
		if err != nil {
			log.Fatalf("Failed to initialize MQTT: %v", err)
		}
		if client == nil {
			log.Fatal("MQTT broker not configured in config.yaml")
		}
		a.MQTTClient = client
		a.Publisher = mesh.NewPublisher(client.GetClient(), config.MQTT.PublishPrefix)
		go a.publishLoop(ctx)
	}

	var srv *http.Server
	if a.HttpMode {
		srv = &http.Server{
			Addr:              fmt.Sprintf(":%d", a.HttpPort),
			Handler:           newHTTPServer(a.StateTracker, a.overlaySurface(), a),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			fmt.Printf("HTTP server starting on %s\n", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatalf("HTTP server error: %v", err)
			}
		}()
	}

	fmt.Println("\nService Running")
	fmt.Println("===============")

	if a.MqttMode {
		fmt.Println("\nMQTT:")
		fmt.Printf("  Subscribed: %s\n", mesh.EntityTopic(config.MQTT.PublishPrefix))
		fmt.Printf("  Publishing clusters to: %s/clusters\n", a.Publisher.Prefix())
		fmt.Printf("  Publishing stats to: %s/stats\n", a.Publisher.Prefix())
	}

	if a.HttpMode {
		fmt.Printf("\nHTTP endpoints (port %d):\n", a.HttpPort)
		fmt.Println("  GET  /health            - Health check")
		fmt.Println("  GET  /clusters.geojson  - Current cluster snapshot")
		fmt.Println("  GET  /stats             - Engine counters")
		fmt.Println("  GET  /overlay.svg       - Overlay surface as SVG")
		fmt.Println("  GET  /overlay.png       - Overlay surface as PNG")
		fmt.Println("  POST /viewport?phase=   - Viewport notification (continuous, settled, resize)")
		fmt.Println("  POST /click             - Hit-test a pixel against the cluster groups")
	}

	fmt.Println("\nPress Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan

	fmt.Println("\nShutting down service...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	a.Shutdown(shutdownCtx)
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP shutdown: %v", err)
		}
	}
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	cancel()
	<-loop.Done()
	fmt.Println("Service stopped")
}
