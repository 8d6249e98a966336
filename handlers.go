package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/kwv/pinmesh/mesh"
)

// viewportSink receives host notifications from the HTTP surface.
type viewportSink interface {
	ApplyViewport(ctx context.Context, event mesh.ViewportEvent, req ViewportRequest) (*mesh.ViewportState, error)
	ClickAt(ctx context.Context, px mesh.PixelPoint) (ClickResult, error)
}

// newHTTPServer creates an HTTP server with all endpoints. surface may be nil
// when the overlay is disabled.
func newHTTPServer(stateTracker *mesh.StateTracker, surface *mesh.Surface, sink viewportSink) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_, ok := stateTracker.Snapshot()
		status := struct {
			Status      string    `json:"status"`
			Timestamp   time.Time `json:"timestamp"`
			HasSnapshot bool      `json:"hasSnapshot"`
		}{
			Status:      "ok",
			Timestamp:   time.Now(),
			HasSnapshot: ok,
		}
		writeJSON(w, http.StatusOK, status)
	})

	mux.HandleFunc("/clusters.geojson", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/geo+json")
		w.Header().Set("Cache-Control", "no-cache")
		if _, err := w.Write(stateTracker.ClustersJSON()); err != nil {
			log.Printf("Error writing clusters: %v", err)
		}
	})

	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		s, ok := stateTracker.Snapshot()
		if !ok {
			http.Error(w, "No snapshot available", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, struct {
			Cluster   mesh.ClusterStats   `json:"cluster"`
			Overlay   mesh.OverlayStats   `json:"overlay"`
			Viewport  *mesh.ViewportState `json:"viewport,omitempty"`
			UpdatedAt time.Time           `json:"updatedAt"`
		}{s.Stats, s.Overlay, s.Viewport, s.UpdatedAt})
	})

	// Overlay endpoints
	mux.HandleFunc("/overlay.svg", func(w http.ResponseWriter, r *http.Request) {
		serveSurface(w, surface, "image/svg+xml", func(buf *bytes.Buffer) error {
			return surface.WriteSVG(buf)
		})
	})

	mux.HandleFunc("/overlay.png", func(w http.ResponseWriter, r *http.Request) {
		serveSurface(w, surface, "image/png", func(buf *bytes.Buffer) error {
			return surface.WritePNG(buf)
		})
	})

	mux.HandleFunc("/viewport", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		event, err := mesh.ParseViewportEvent(r.URL.Query().Get("phase"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var req ViewportRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("Invalid viewport: %v", err), http.StatusBadRequest)
			return
		}

		vp, err := sink.ApplyViewport(r.Context(), event, req)
		if errors.Is(err, mesh.ErrNotReady) {
			http.Error(w, "Viewport has no size", http.StatusBadRequest)
			return
		}
		if err != nil {
			log.Printf("[HTTP] viewport %s failed: %v", event, err)
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, vp)
	})

	mux.HandleFunc("/click", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var px mesh.PixelPoint
		if err := json.NewDecoder(r.Body).Decode(&px); err != nil {
			http.Error(w, fmt.Sprintf("Invalid click: %v", err), http.StatusBadRequest)
			return
		}

		res, err := sink.ClickAt(r.Context(), px)
		switch {
		case errors.Is(err, mesh.ErrNotReady):
			http.Error(w, "No viewport yet", http.StatusServiceUnavailable)
			return
		case errors.Is(err, mesh.ErrZoomOnClickDisabled):
			writeJSON(w, http.StatusConflict, res)
			return
		case err != nil:
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !res.Hit {
			writeJSON(w, http.StatusNotFound, res)
			return
		}
		writeJSON(w, http.StatusOK, res)
	})

	// Default route serves HTML page embedding the overlay
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = fmt.Fprint(w, `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>pinmesh</title>
<style>
*{margin:0;padding:0;box-sizing:border-box}
html,body{width:100%;height:100%;overflow:hidden;background:#f5f5f5}
img{display:block;width:100vw;height:100vh;object-fit:contain}
</style>
</head>
<body>
<img src="/overlay.svg" alt="Overlay">
</body>
</html>`)
	})

	// Wrap mux with logging middleware
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		mux.ServeHTTP(w, r)
	})
}

// serveSurface renders into a buffer first so a failed render still gets a
// proper status code.
func serveSurface(w http.ResponseWriter, surface *mesh.Surface, contentType string, render func(*bytes.Buffer) error) {
	if surface == nil {
		http.Error(w, "Overlay disabled", http.StatusNotFound)
		return
	}
	var buf bytes.Buffer
	if err := render(&buf); err != nil {
		if errors.Is(err, mesh.ErrNotReady) {
			http.Error(w, "Overlay not ready", http.StatusServiceUnavailable)
			return
		}
		log.Printf("Error rendering overlay: %v", err)
		http.Error(w, "Render failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-cache")
	if _, err := w.Write(buf.Bytes()); err != nil {
		log.Printf("Error writing overlay: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}
