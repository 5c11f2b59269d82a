package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/kwv/trailmesh/topo"
)

var errNoResult = errors.New("no graph has been built yet")

// App encapsulates the application state and dependencies
type App struct {
	Config     *topo.Config
	Pipeline   *topo.Pipeline
	Telemetry  *topo.Telemetry
	Tracker    *topo.ResultTracker
	Store      *topo.Store
	MQTTClient *topo.MQTTClient
	Publisher  *topo.Publisher
	Out        io.Writer

	// CLI Flags (effectively dependencies)
	ConfigFile   string
	StorePath    string
	InputFile    string
	SourceURL    string
	LabelsFile   string
	OutputFile   string
	OutputFormat string
	RunID        string
	Limit        int
	HttpPort     int
	MqttMode     bool
	HttpMode     bool

	// labelsMu serializes cleaning and rebuilds so updates apply in order
	labelsMu sync.Mutex
	source   *topo.TrailSource
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		Tracker:    topo.NewResultTracker(0),
		Telemetry:  topo.NewTelemetry(),
		Out:        os.Stdout,
		ConfigFile: defaultConfigFile,
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.StorePath = opts.StorePath
	a.InputFile = opts.InputFile
	a.SourceURL = opts.SourceURL
	a.LabelsFile = opts.LabelsFile
	a.OutputFile = opts.OutputFile
	a.OutputFormat = opts.OutputFormat
	a.RunID = opts.RunID
	a.Limit = opts.Limit
	a.HttpPort = opts.HttpPort
	a.MqttMode = opts.MqttMode
	a.HttpMode = opts.HttpMode
}

// setup loads the configuration, creates the pipeline and opens the store
// when one is configured. A missing default config file falls back to the
// built-in defaults; an explicitly named one must exist.
func (a *App) setup() error {
	if a.Config == nil {
		config, err := topo.LoadConfig(a.ConfigFile)
		if err != nil {
			_, statErr := os.Stat(a.ConfigFile)
			if a.ConfigFile != defaultConfigFile || !errors.Is(statErr, fs.ErrNotExist) {
				return fmt.Errorf("failed to load config: %w", err)
			}
			log.Printf("No %s found, using default settings", a.ConfigFile)
			defaults := topo.DefaultConfig()
			config = &defaults
		} else {
			log.Printf("Loaded config from %s", a.ConfigFile)
		}
		a.Config = config
	}
	if a.StorePath != "" {
		a.Config.Store.Path = a.StorePath
	}

	if a.Pipeline == nil {
		a.Pipeline = topo.NewPipeline(*a.Config, topo.WithTelemetry(a.Telemetry))
	}

	if a.Config.Store.Path != "" && a.Store == nil {
		if dir := filepath.Dir(a.Config.Store.Path); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("creating store directory: %w", err)
			}
		}
		store, err := topo.OpenStore(a.Config.Store.Path)
		if err != nil {
			return err
		}
		a.Store = store
		log.Printf("Opened result store %s", a.Config.Store.Path)
	}
	return nil
}

// close releases the store.
func (a *App) close() {
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			log.Printf("Error closing store: %v", err)
		}
		a.Store = nil
	}
}

// loadTrails reads the input file, or fetches the source URL when no file
// was given.
func (a *App) loadTrails(ctx context.Context) ([]topo.Trail, error) {
	if a.InputFile != "" {
		trails, err := topo.LoadTrailsFile(a.InputFile)
		if err != nil {
			return nil, err
		}
		log.Printf("Loaded %d trails from %s", len(trails), a.InputFile)
		return trails, nil
	}

	url := a.SourceURL
	if url == "" && a.Config != nil {
		url = a.Config.Input.SourceURL
	}
	if url == "" {
		return nil, errors.New("no trail input: pass a GeoJSON file or --url")
	}
	if a.source == nil || a.source.URL() != url {
		src, err := topo.NewTrailSource(url)
		if err != nil {
			return nil, err
		}
		a.source = src
	}
	trails, _, err := a.source.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	log.Printf("Fetched %d trails from %s", len(trails), url)
	return trails, nil
}

func (a *App) hasInput() bool {
	return a.InputFile != "" || a.SourceURL != "" || (a.Config != nil && a.Config.Input.SourceURL != "")
}

// buildResult builds the graph and, when clean is set and a labels file was
// given, applies the labels to it.
func (a *App) buildResult(ctx context.Context, clean bool) (*topo.Result, error) {
	trails, err := a.loadTrails(ctx)
	if err != nil {
		return nil, err
	}
	res, err := a.Pipeline.Build(ctx, trails)
	if err != nil {
		return nil, err
	}
	if !clean || a.LabelsFile == "" {
		return res, nil
	}

	labels, err := topo.LoadLabelsFile(a.LabelsFile, res.Graph.NodeIDs())
	if err != nil {
		return nil, err
	}
	log.Printf("Applying %d labels from %s", len(labels), a.LabelsFile)
	return a.Pipeline.Clean(ctx, res, labels)
}

// persist saves res when a store is configured. Store errors are logged,
// not returned: a run is still usable without its history.
func (a *App) persist(ctx context.Context, res *topo.Result) {
	if a.Store == nil {
		return
	}
	if err := a.Store.SaveResult(ctx, res); err != nil {
		log.Printf("Error saving run %s: %v", res.RunID, err)
		return
	}
	log.Printf("Saved run %s", res.RunID)
}

// RunBuild builds the graph and writes it as GeoJSON or NDJSON.
func (a *App) RunBuild() error {
	if err := a.setup(); err != nil {
		return err
	}
	defer a.close()

	ctx := context.Background()
	res, err := a.buildResult(ctx, true)
	if err != nil {
		return err
	}
	a.persist(ctx, res)

	fc := topo.GraphToFeatureCollection(res.Graph, res.Projector)
	err = writeFile(a.OutputFile, func(w io.Writer) error {
		switch strings.ToLower(a.OutputFormat) {
		case "", "geojson":
			return topo.WriteGeoJSON(w, fc)
		case "ndjson":
			return topo.WriteNDJSON(w, fc)
		default:
			return fmt.Errorf("unknown output format %q (use geojson or ndjson)", a.OutputFormat)
		}
	})
	if err != nil {
		return err
	}

	a.printSummary(res)
	fmt.Fprintf(a.Out, "Graph written to %s\n", a.OutputFile)
	return nil
}

// RunValidate checks the config and input and reports what a build would
// produce. It fails when the exported graph would not load cleanly.
func (a *App) RunValidate() error {
	if err := a.setup(); err != nil {
		return err
	}
	defer a.close()
	fmt.Fprintln(a.Out, "Configuration OK")

	res, err := a.buildResult(context.Background(), false)
	if err != nil {
		return err
	}
	a.printSummary(res)

	// checked in the planar frame so the length threshold is in meters
	check := topo.ValidateFeatureCollection(
		topo.GraphToFeatureCollection(res.Graph, topo.IdentityProjector{}),
		a.Config.Bridging.MinBridgeLengthMeters,
	)
	fmt.Fprintf(a.Out, "Output features: %d (", check.Features)
	types := make([]string, 0, len(check.GeometryTypes))
	for t := range check.GeometryTypes {
		types = append(types, t)
	}
	sort.Strings(types)
	for i, t := range types {
		if i > 0 {
			fmt.Fprint(a.Out, ", ")
		}
		fmt.Fprintf(a.Out, "%s: %d", t, check.GeometryTypes[t])
	}
	fmt.Fprintln(a.Out, ")")

	if len(check.Issues) > 0 {
		for _, issue := range check.Issues {
			fmt.Fprintf(a.Out, "  - %s\n", issue)
		}
		return fmt.Errorf("validation found %d output problems", len(check.Issues))
	}
	return nil
}

// RunExport writes the classifier feature matrix for the built graph.
func (a *App) RunExport() error {
	if err := a.setup(); err != nil {
		return err
	}
	defer a.close()

	ctx := context.Background()
	res, err := a.buildResult(ctx, false)
	if err != nil {
		return err
	}

	var known map[string]topo.Classification
	if a.LabelsFile != "" {
		known, err = topo.LoadLabelsFile(a.LabelsFile, res.Graph.NodeIDs())
		if err != nil {
			return err
		}
	}

	fe := topo.ExportFeatures(a.Pipeline.Engine(), res.Graph, res.RunID, known)
	if err := writeFile(a.OutputFile, func(w io.Writer) error { return topo.WriteFeatures(w, fe) }); err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "Exported %d nodes x %d features (%d edges) to %s\n",
		fe.Metadata.NumNodes, fe.Metadata.NumFeatures, fe.Metadata.NumEdges, a.OutputFile)
	return nil
}

// RunRender draws the graph. Nodes touched by cleaning are highlighted.
func (a *App) RunRender() error {
	if err := a.setup(); err != nil {
		return err
	}
	defer a.close()

	res, err := a.buildResult(context.Background(), true)
	if err != nil {
		return err
	}

	format := strings.ToLower(a.OutputFormat)
	if format == "" {
		format = strings.TrimPrefix(strings.ToLower(filepath.Ext(a.OutputFile)), ".")
	}

	renderer := topo.NewGraphRenderer(res.Graph)
	renderer.Highlight = cleanedNodes(res)

	err = writeFile(a.OutputFile, func(w io.Writer) error {
		switch format {
		case "svg":
			return renderer.RenderToSVG(w)
		case "png":
			return renderer.RenderToPNG(w)
		default:
			return fmt.Errorf("unknown render format %q (use svg or png)", format)
		}
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "Rendered %d nodes and %d edges to %s\n", len(res.Graph.Nodes), len(res.Graph.Edges), a.OutputFile)
	return nil
}

// RunRuns lists stored runs, or exports the graph of one run.
func (a *App) RunRuns() error {
	if err := a.setup(); err != nil {
		return err
	}
	defer a.close()
	if a.Store == nil {
		return errors.New("no result store configured: set store.path or pass --store")
	}

	ctx := context.Background()
	if a.RunID != "" {
		runID := a.RunID
		if runID == "latest" {
			latest, err := a.Store.LatestRunID(ctx)
			if err != nil {
				return err
			}
			runID = latest
		}
		g, err := a.Store.LoadGraph(ctx, runID)
		if err != nil {
			return err
		}
		// stored geometry is already in the planar working frame
		fc := topo.GraphToFeatureCollection(g, topo.IdentityProjector{})
		if a.OutputFile == "" {
			return topo.WriteGeoJSON(a.Out, fc)
		}
		if err := writeFile(a.OutputFile, func(w io.Writer) error { return topo.WriteGeoJSON(w, fc) }); err != nil {
			return err
		}
		fmt.Fprintf(a.Out, "Run %s written to %s\n", runID, a.OutputFile)
		return nil
	}

	limit := a.Limit
	if limit <= 0 {
		limit = 10
	}
	runs, err := a.Store.ListRuns(ctx, limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(a.Out, "No runs stored")
		return nil
	}
	for _, r := range runs {
		review := ""
		if r.NeedsReview {
			review = " [needs review]"
		}
		fmt.Fprintf(a.Out, "%s  %s  %-9s iter=%d nodes=%d edges=%d components=%d%s\n",
			r.ID, r.StartedAt.Format(time.RFC3339), r.StopReason, r.Iterations,
			r.Metrics.Nodes, r.Metrics.Edges, r.Metrics.Components, review)
	}
	return nil
}

// ApplyLabels cleans the current result with labels, then stores and
// publishes the cleaned result. The cleaned result gets its own run id.
func (a *App) ApplyLabels(ctx context.Context, labels map[string]topo.Classification) (*topo.Result, error) {
	a.labelsMu.Lock()
	defer a.labelsMu.Unlock()

	current := a.Tracker.Current()
	if current == nil {
		return nil, errNoResult
	}
	cleaned, err := a.Pipeline.Clean(ctx, current, labels)
	if err != nil {
		return nil, err
	}
	cleaned.RunID = uuid.NewString()
	cleaned.Report.RunID = cleaned.RunID
	cleaned.StartedAt = time.Now()

	a.Tracker.Update(cleaned)
	a.persist(ctx, cleaned)
	a.publish(cleaned)
	log.Printf("Applied %d labels to run %s -> %s (%d applied, %d skipped)",
		len(labels), current.RunID, cleaned.RunID, len(cleaned.Cleaning.Applied), cleaned.Cleaning.Skipped)
	return cleaned, nil
}

// watchSource rebuilds the graph whenever the trail source changes.
// Labels applied to the previous graph do not carry over.
func (a *App) watchSource(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		trails, changed, err := a.source.Fetch(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("Error refreshing trails from %s: %v", a.source.URL(), err)
			}
			continue
		}
		if !changed {
			continue
		}
		if _, err := a.rebuild(ctx, trails); err != nil {
			log.Printf("Error rebuilding graph: %v", err)
		}
	}
}

// rebuild replaces the current result with a fresh build of trails.
func (a *App) rebuild(ctx context.Context, trails []topo.Trail) (*topo.Result, error) {
	a.labelsMu.Lock()
	defer a.labelsMu.Unlock()

	res, err := a.Pipeline.Build(ctx, trails)
	if err != nil {
		return nil, err
	}
	a.Tracker.Update(res)
	a.persist(ctx, res)
	a.publish(res)
	log.Printf("Rebuilt graph from %d trails as run %s", len(trails), res.RunID)
	return res, nil
}

// publish sends the summary, report and feature export of res.
func (a *App) publish(res *topo.Result) {
	if a.Publisher == nil {
		return
	}
	if err := a.Publisher.PublishSummary(res); err != nil {
		log.Printf("Error publishing summary for %s: %v", res.RunID, err)
	}
	if err := a.Publisher.PublishReport(res.Report); err != nil {
		log.Printf("Error publishing report for %s: %v", res.RunID, err)
	}
	fe := topo.ExportFeatures(a.Pipeline.Engine(), res.Graph, res.RunID, nil)
	if err := a.Publisher.PublishFeatures(fe); err != nil {
		log.Printf("Error publishing features for %s: %v", res.RunID, err)
	}
}

// currentNodeIDs is the export order used to decode positional labels.
func (a *App) currentNodeIDs() []string {
	current := a.Tracker.Current()
	if current == nil {
		return nil
	}
	return current.Graph.NodeIDs()
}

// handleLabels is the MQTT label handler.
func (a *App) handleLabels(labels map[string]topo.Classification, err error) {
	if err != nil {
		log.Printf("Error decoding labels: %v", err)
		return
	}
	if _, err := a.ApplyLabels(context.Background(), labels); err != nil {
		log.Printf("Error applying labels: %v", err)
	}
}

// RunService starts the combined MQTT and/or HTTP service
func (a *App) RunService() error {
	if !a.MqttMode && !a.HttpMode {
		return errors.New("nothing to serve: pass --http and/or --mqtt")
	}
	fmt.Fprintln(a.Out, "Starting trailmesh service...")

	if err := a.setup(); err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Initial build, if there is anything to build from
	if a.hasInput() {
		res, err := a.buildResult(ctx, true)
		if err != nil {
			return fmt.Errorf("initial build: %w", err)
		}
		a.Tracker.Update(res)
		a.persist(ctx, res)
		a.printSummary(res)
	} else if res, err := a.restoreLatest(ctx); err == nil {
		a.Tracker.Update(res)
		log.Printf("Restored run %s from the store", res.RunID)
	} else {
		log.Printf("No trail input and no stored run (%v); serving empty state", err)
	}

	// 2. Start MQTT if enabled
	if a.MqttMode {
		mqttClient, err := topo.NewMQTTClient(&a.Config.MQTT, a.currentNodeIDs, a.handleLabels)
		if err != nil {
			return fmt.Errorf("failed to initialize MQTT: %w", err)
		}
		if mqttClient == nil {
			return errors.New("MQTT broker not configured: set mqtt.broker or MQTT_BROKER")
		}
		a.MQTTClient = mqttClient
		defer a.MQTTClient.Disconnect()

		a.Publisher = topo.NewPublisher(mqttClient.GetClient(), a.Config.MQTT.PublishPrefix)
		fmt.Fprintln(a.Out, "MQTT publisher initialized")
		if current := a.Tracker.Current(); current != nil {
			go a.publishWhenConnected(ctx, current)
		}
	}

	// 3. Start HTTP if enabled
	var server *http.Server
	port := a.HttpPort
	if port == 0 {
		port = a.Config.HTTP.Port
	}
	if a.HttpMode {
		server = &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%d", port),
			Handler:           newHTTPServer(a.Tracker, a.Store, a.Telemetry, a.Pipeline.Engine(), a.ApplyLabels),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Printf("[HTTP] Starting server on %s", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("[HTTP] Server error: %v", err)
				stop()
			}
		}()
	}

	if a.source != nil && a.Config.Input.RefreshInterval > 0 {
		go a.watchSource(ctx, a.Config.Input.RefreshInterval)
		log.Printf("Polling %s every %s", a.source.URL(), a.Config.Input.RefreshInterval)
	}

	// 4. Print service info
	fmt.Fprintln(a.Out, "\nService Running")
	fmt.Fprintln(a.Out, "===============")
	if a.MqttMode {
		prefix := a.Config.MQTT.PublishPrefix
		if prefix == "" {
			prefix = "trailmesh"
		}
		fmt.Fprintln(a.Out, "\nMQTT:")
		fmt.Fprintf(a.Out, "  Labels topic: %s\n", a.Config.MQTT.LabelsTopic)
		fmt.Fprintf(a.Out, "  Publishing to: %s/{summary,report,features}\n", prefix)
	}
	if a.HttpMode {
		fmt.Fprintf(a.Out, "\nHTTP endpoints (port %d):\n", port)
		fmt.Fprintln(a.Out, "  GET  /health          - Health check")
		fmt.Fprintln(a.Out, "  GET  /graph.geojson   - Current graph as GeoJSON")
		fmt.Fprintln(a.Out, "  GET  /graph.svg       - Current graph as SVG")
		fmt.Fprintln(a.Out, "  GET  /graph.png       - Current graph as PNG")
		fmt.Fprintln(a.Out, "  GET  /summary         - Run summary")
		fmt.Fprintln(a.Out, "  GET  /report          - Issue report")
		fmt.Fprintln(a.Out, "  GET  /features        - Classifier feature export")
		fmt.Fprintln(a.Out, "  GET  /reachability    - Nodes within ?maxCost meters of ?node")
		fmt.Fprintln(a.Out, "  POST /labels          - Apply classifier labels")
		fmt.Fprintln(a.Out, "  GET  /runs            - Stored runs")
		fmt.Fprintln(a.Out, "  GET  /metrics         - Prometheus metrics")
	}
	fmt.Fprintln(a.Out, "\nPress Ctrl+C to stop")

	// 5. Wait for interrupt signal
	<-ctx.Done()

	fmt.Fprintln(a.Out, "\nShutting down service...")
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[HTTP] Shutdown error: %v", err)
		}
	}
	fmt.Fprintln(a.Out, "Service stopped")
	return nil
}

// restoreLatest loads the newest stored graph as the current result.
// Stored geometry is planar, so the restored result uses the identity
// projection.
func (a *App) restoreLatest(ctx context.Context) (*topo.Result, error) {
	if a.Store == nil {
		return nil, errors.New("no result store configured")
	}
	runID, err := a.Store.LatestRunID(ctx)
	if err != nil {
		return nil, err
	}
	g, err := a.Store.LoadGraph(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &topo.Result{
		RunID:     runID,
		StartedAt: time.Now(),
		Graph:     g,
		Segments:  g.Segments(),
		Metrics:   topo.Summarize(a.Pipeline.Engine(), g),
		Report:    topo.NewReport(runID),
		Projector: topo.IdentityProjector{},
	}, nil
}

// publishWhenConnected publishes res once the MQTT connection is up, so the
// classifier sees the initial graph.
func (a *App) publishWhenConnected(ctx context.Context, res *topo.Result) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		if a.MQTTClient.IsConnected() {
			a.publish(res)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// printSummary prints the headline numbers of a run.
func (a *App) printSummary(res *topo.Result) {
	m := res.Metrics
	fmt.Fprintf(a.Out, "=== Run %s ===\n", res.RunID)
	if res.Convergence != nil {
		splits := 0
		for _, n := range res.Convergence.SplitPointsByKind() {
			splits += n
		}
		fmt.Fprintf(a.Out, "Convergence: %s after %d iteration(s), %d split points\n",
			res.Convergence.Reason, res.Convergence.Iterations, splits)
	}
	if res.Bridging != nil {
		fmt.Fprintf(a.Out, "Bridges: %d created, %d snapped, %d unresolved\n",
			len(res.Bridging.Created), len(res.Bridging.Snapped), len(res.Bridging.Unresolved))
	}
	if res.Cleaning != nil {
		fmt.Fprintf(a.Out, "Cleaning: %d applied, %d skipped, committed=%v\n",
			len(res.Cleaning.Applied), res.Cleaning.Skipped, res.Cleaning.Committed)
	}
	fmt.Fprintf(a.Out, "Graph: %d nodes, %d edges (%d synthetic), %d component(s), total length %.1f m\n",
		m.Nodes, m.Edges, m.SyntheticEdges, m.Components, m.TotalLength)

	snap := res.Report.Snapshot()
	if len(snap.Issues) == 0 {
		fmt.Fprintln(a.Out, "Issues: none")
	} else {
		fmt.Fprintf(a.Out, "Issues: %d", len(snap.Issues))
		for _, kind := range snap.Kinds() {
			fmt.Fprintf(a.Out, " %s=%d", kind, snap.Counts[kind])
		}
		fmt.Fprintln(a.Out)
	}
	if snap.NeedsReview {
		fmt.Fprintln(a.Out, "Run flagged for manual review")
	}
	fmt.Fprintln(a.Out)
}

// cleanedNodes returns the ids of nodes a cleaning pass acted on.
func cleanedNodes(res *topo.Result) map[string]bool {
	if res.Cleaning == nil {
		return nil
	}
	out := make(map[string]bool, len(res.Cleaning.Applied))
	for _, applied := range res.Cleaning.Applied {
		out[applied.NodeID] = true
	}
	return out
}

// writeFile creates path and hands it to fn.
func writeFile(path string, fn func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := fn(f); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return f.Close()
}
