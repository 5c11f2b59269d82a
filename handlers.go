package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/kwv/trailmesh/topo"
)

// maxLabelsBody bounds POST /labels payloads.
const maxLabelsBody = 16 << 20

// labelApplier cleans the current result with labels.
type labelApplier func(ctx context.Context, labels map[string]topo.Classification) (*topo.Result, error)

// newHTTPServer creates an HTTP server with all endpoints. store and apply
// may be nil; their endpoints then answer 404 and 503.
func newHTTPServer(tracker *topo.ResultTracker, store *topo.Store, telemetry *topo.Telemetry, engine topo.Engine, apply labelApplier) http.Handler {
	mux := http.NewServeMux()

	// current returns the tracked result or answers 503.
	current := func(w http.ResponseWriter) *topo.Result {
		res := tracker.Current()
		if res == nil {
			http.Error(w, "No graph available", http.StatusServiceUnavailable)
		}
		return res
	}

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		status := struct {
			Status    string    `json:"status"`
			Timestamp time.Time `json:"timestamp"`
			HasGraph  bool      `json:"hasGraph"`
			RunID     string    `json:"runId,omitempty"`
			UpdatedAt time.Time `json:"updatedAt,omitzero"`
		}{
			Status:    "ok",
			Timestamp: time.Now(),
			HasGraph:  tracker.HasResult(),
			UpdatedAt: tracker.UpdatedAt(),
		}
		if res := tracker.Current(); res != nil {
			status.RunID = res.RunID
		}
		writeJSON(w, status)
	})

	mux.HandleFunc("GET /graph.geojson", func(w http.ResponseWriter, r *http.Request) {
		res := current(w)
		if res == nil {
			return
		}
		w.Header().Set("Content-Type", "application/geo+json")
		w.Header().Set("Cache-Control", "no-cache")
		if err := topo.WriteGeoJSON(w, topo.GraphToFeatureCollection(res.Graph, res.Projector)); err != nil {
			log.Printf("Error encoding graph GeoJSON: %v", err)
		}
	})

	mux.HandleFunc("GET /graph.svg", func(w http.ResponseWriter, r *http.Request) {
		res := current(w)
		if res == nil {
			return
		}
		renderer := topo.NewGraphRenderer(res.Graph)
		renderer.Highlight = cleanedNodes(res)
		w.Header().Set("Content-Type", "image/svg+xml")
		w.Header().Set("Cache-Control", "no-cache")
		if err := renderer.RenderToSVG(w); err != nil {
			log.Printf("Error encoding graph SVG: %v", err)
		}
	})

	mux.HandleFunc("GET /graph.png", func(w http.ResponseWriter, r *http.Request) {
		res := current(w)
		if res == nil {
			return
		}
		renderer := topo.NewGraphRenderer(res.Graph)
		renderer.Highlight = cleanedNodes(res)
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		if err := renderer.RenderToPNG(w); err != nil {
			log.Printf("Error encoding graph PNG: %v", err)
		}
	})

	mux.HandleFunc("GET /summary", func(w http.ResponseWriter, r *http.Request) {
		if res := current(w); res != nil {
			writeJSON(w, topo.SummarizeResult(res))
		}
	})

	mux.HandleFunc("GET /report", func(w http.ResponseWriter, r *http.Request) {
		if res := current(w); res != nil {
			writeJSON(w, res.Report.Snapshot())
		}
	})

	mux.HandleFunc("GET /features", func(w http.ResponseWriter, r *http.Request) {
		if res := current(w); res != nil {
			writeJSON(w, topo.ExportFeatures(engine, res.Graph, res.RunID, nil))
		}
	})

	// Nodes within maxCost meters of each source node, by trail length
	mux.HandleFunc("GET /reachability", func(w http.ResponseWriter, r *http.Request) {
		res := current(w)
		if res == nil {
			return
		}
		q := r.URL.Query()
		sources := q["node"]
		if len(sources) == 0 {
			http.Error(w, "at least one node is required", http.StatusBadRequest)
			return
		}
		maxCost, err := strconv.ParseFloat(q.Get("maxCost"), 64)
		if err != nil || maxCost < 0 || math.IsNaN(maxCost) || math.IsInf(maxCost, 0) {
			http.Error(w, "maxCost must be a non-negative number", http.StatusBadRequest)
			return
		}
		for _, id := range sources {
			if _, ok := res.Graph.Node(id); !ok {
				http.Error(w, fmt.Sprintf("unknown node %s", id), http.StatusNotFound)
				return
			}
		}
		writeJSON(w, engine.BoundedReachability(res.Graph, sources, maxCost))
	})

	// Labels accept the same JSON as the MQTT labels topic
	mux.HandleFunc("POST /labels", func(w http.ResponseWriter, r *http.Request) {
		if apply == nil {
			http.Error(w, "Label cleaning not enabled", http.StatusServiceUnavailable)
			return
		}
		res := current(w)
		if res == nil {
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxLabelsBody))
		if err != nil {
			http.Error(w, fmt.Sprintf("reading body: %v", err), http.StatusBadRequest)
			return
		}
		labels, err := topo.ParseLabels(body, res.Graph.NodeIDs())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		cleaned, err := apply(r.Context(), labels)
		switch {
		case errors.Is(err, errNoResult):
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		case topo.IsFatal(err):
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		case err != nil:
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, topo.SummarizeResult(cleaned))
	})

	mux.HandleFunc("GET /runs", func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, "No result store configured", http.StatusNotFound)
			return
		}
		limit := 20
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
				return
			}
			limit = n
		}
		runs, err := store.ListRuns(r.Context(), limit)
		if err != nil {
			log.Printf("Error listing runs: %v", err)
			http.Error(w, "Error listing runs", http.StatusInternalServerError)
			return
		}
		if runs == nil {
			runs = []topo.RunRecord{}
		}
		writeJSON(w, runs)
	})

	mux.HandleFunc("GET /runs/{id}/graph.geojson", func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, "No result store configured", http.StatusNotFound)
			return
		}
		g, err := store.LoadGraph(r.Context(), r.PathValue("id"))
		if errors.Is(err, topo.ErrRunNotFound) {
			http.NotFound(w, r)
			return
		}
		if err != nil {
			log.Printf("Error loading run %s: %v", r.PathValue("id"), err)
			http.Error(w, "Error loading run", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/geo+json")
		if err := topo.WriteGeoJSON(w, topo.GraphToFeatureCollection(g, topo.IdentityProjector{})); err != nil {
			log.Printf("Error encoding run GeoJSON: %v", err)
		}
	})

	mux.HandleFunc("GET /runs/{id}/issues", func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, "No result store configured", http.StatusNotFound)
			return
		}
		issues, err := store.LoadIssues(r.Context(), r.PathValue("id"))
		if errors.Is(err, topo.ErrRunNotFound) {
			http.NotFound(w, r)
			return
		}
		if err != nil {
			log.Printf("Error loading issues for %s: %v", r.PathValue("id"), err)
			http.Error(w, "Error loading issues", http.StatusInternalServerError)
			return
		}
		if issues == nil {
			issues = []topo.Issue{}
		}
		writeJSON(w, issues)
	})

	if telemetry != nil {
		mux.Handle("GET /metrics", telemetry.Handler())
	}

	// Default route serves HTML page embedding the SVG graph
	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
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
<title>trailmesh</title>
<style>
*{margin:0;padding:0;box-sizing:border-box}
html,body{width:100%;height:100%;overflow:hidden;background:#f4f1ea}
img{display:block;width:100vw;height:100vh;object-fit:contain}
</style>
</head>
<body>
<img src="/graph.svg" alt="Trail graph">
</body>
</html>`)
	})

	// Wrap mux with logging middleware
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		mux.ServeHTTP(w, r)
	})
}

// writeJSON encodes v as the response body.
func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}
