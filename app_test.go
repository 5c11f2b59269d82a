package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwv/trailmesh/topo"
)

// crossGeoJSON is two trails crossing at (50,0): 5 nodes, 4 edges.
const crossGeoJSON = `{"type":"FeatureCollection","features":[
{"type":"Feature","id":"ew","properties":{"name":"East West"},"geometry":{"type":"LineString","coordinates":[[0,0,10],[100,0,20]]}},
{"type":"Feature","id":"ns","properties":{"name":"North South"},"geometry":{"type":"LineString","coordinates":[[50,-50],[50,50]]}}
]}`

// chainGeoJSON is two trails meeting end to end at (10,0): merging the
// shared node leaves one edge.
const chainGeoJSON = `{"type":"FeatureCollection","features":[
{"type":"Feature","id":"a","geometry":{"type":"LineString","coordinates":[[0,0],[10,0]]}},
{"type":"Feature","id":"b","geometry":{"type":"LineString","coordinates":[[10,0],[20,0]]}}
]}`

// writeTestFile writes content into a temp dir and returns its path.
func writeTestFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// newTestApp returns an App on default settings that prints into a buffer.
func newTestApp(t *testing.T) (*App, *bytes.Buffer) {
	t.Helper()
	app := NewApp()
	cfg := topo.DefaultConfig()
	app.Config = &cfg
	out := &bytes.Buffer{}
	app.Out = out
	return app, out
}

func TestNewApp(t *testing.T) {
	app := NewApp()
	if app == nil {
		t.Fatal("NewApp returned nil")
		return
	}
	if app.Tracker == nil {
		t.Error("Tracker should be initialized")
	}
	if app.Telemetry == nil {
		t.Error("Telemetry should be initialized")
	}
	if app.ConfigFile != defaultConfigFile {
		t.Errorf("ConfigFile = %q, want %q", app.ConfigFile, defaultConfigFile)
	}
}

func TestApplyOptions(t *testing.T) {
	app := NewApp()
	opts := AppOptions{
		ConfigFile:   "test-config.yaml",
		StorePath:    "runs.db",
		InputFile:    "trails.geojson",
		SourceURL:    "http://example.com/trails",
		LabelsFile:   "labels.json",
		OutputFile:   "out.geojson",
		OutputFormat: "ndjson",
		RunID:        "latest",
		Limit:        3,
		HttpPort:     9090,
		MqttMode:     true,
		HttpMode:     true,
	}
	app.ApplyOptions(opts)

	if app.ConfigFile != opts.ConfigFile {
		t.Errorf("ConfigFile = %q, want %q", app.ConfigFile, opts.ConfigFile)
	}
	if app.StorePath != opts.StorePath {
		t.Errorf("StorePath = %q, want %q", app.StorePath, opts.StorePath)
	}
	if app.InputFile != opts.InputFile {
		t.Errorf("InputFile = %q, want %q", app.InputFile, opts.InputFile)
	}
	if app.SourceURL != opts.SourceURL {
		t.Errorf("SourceURL = %q, want %q", app.SourceURL, opts.SourceURL)
	}
	if app.LabelsFile != opts.LabelsFile {
		t.Errorf("LabelsFile = %q, want %q", app.LabelsFile, opts.LabelsFile)
	}
	if app.OutputFile != opts.OutputFile || app.OutputFormat != opts.OutputFormat {
		t.Errorf("output = %q/%q, want %q/%q", app.OutputFile, app.OutputFormat, opts.OutputFile, opts.OutputFormat)
	}
	if app.RunID != "latest" || app.Limit != 3 {
		t.Errorf("RunID/Limit = %q/%d", app.RunID, app.Limit)
	}
	if app.HttpPort != 9090 || !app.MqttMode || !app.HttpMode {
		t.Errorf("service options not applied: port=%d mqtt=%v http=%v", app.HttpPort, app.MqttMode, app.HttpMode)
	}
}

// ---------------------------------------------------------------------------
// setup
// ---------------------------------------------------------------------------

func TestSetup_DefaultsWhenDefaultConfigMissing(t *testing.T) {
	t.Chdir(t.TempDir())
	app := NewApp()

	require.NoError(t, app.setup())
	assert.Equal(t, topo.DefaultConfig(), *app.Config)
	assert.NotNil(t, app.Pipeline)
	assert.Nil(t, app.Store)
}

func TestSetup_ExplicitConfigMustExist(t *testing.T) {
	app := NewApp()
	app.ConfigFile = filepath.Join(t.TempDir(), "missing.yaml")

	err := app.setup()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config")
}

func TestSetup_InvalidConfig(t *testing.T) {
	app := NewApp()
	app.ConfigFile = writeTestFile(t, "config.yaml", "topology:\n  snapToleranceMeters: -1\n")

	err := app.setup()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config")
}

func TestSetup_LoadsConfigAndStore(t *testing.T) {
	dir := t.TempDir()
	app := NewApp()
	app.ConfigFile = writeTestFile(t, "config.yaml", "bridging:\n  bridgeToleranceMeters: 7\n")
	app.StorePath = filepath.Join(dir, "nested", "runs.db")

	require.NoError(t, app.setup())
	defer app.close()

	assert.Equal(t, 7.0, app.Config.Bridging.BridgeToleranceMeters)
	assert.Equal(t, app.StorePath, app.Config.Store.Path)
	assert.NotNil(t, app.Store)
	assert.FileExists(t, app.StorePath)
}

// ---------------------------------------------------------------------------
// build / validate / export / render
// ---------------------------------------------------------------------------

func TestRunBuild_GeoJSON(t *testing.T) {
	app, out := newTestApp(t)
	app.InputFile = writeTestFile(t, "trails.geojson", crossGeoJSON)
	app.OutputFile = filepath.Join(t.TempDir(), "graph.geojson")

	require.NoError(t, app.RunBuild())

	data, err := os.ReadFile(app.OutputFile)
	require.NoError(t, err)
	var fc topo.FeatureCollection
	require.NoError(t, json.Unmarshal(data, &fc))
	assert.Len(t, fc.Features, 9, "4 edges and 5 nodes")

	assert.Contains(t, out.String(), "Graph: 5 nodes, 4 edges (0 synthetic), 1 component(s)")
	assert.Contains(t, out.String(), "Convergence: converged")
	assert.Contains(t, out.String(), "Graph written to "+app.OutputFile)
}

func TestRunBuild_NDJSON(t *testing.T) {
	app, _ := newTestApp(t)
	app.InputFile = writeTestFile(t, "trails.geojson", crossGeoJSON)
	app.OutputFile = filepath.Join(t.TempDir(), "graph.ndjson")
	app.OutputFormat = "NDJSON"

	require.NoError(t, app.RunBuild())

	data, err := os.ReadFile(app.OutputFile)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Len(t, lines, 9)
}

func TestRunBuild_Errors(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(t *testing.T, app *App)
		wantErr string
	}{
		{
			name:    "no input",
			prepare: func(t *testing.T, app *App) {},
			wantErr: "no trail input",
		},
		{
			name: "missing file",
			prepare: func(t *testing.T, app *App) {
				app.InputFile = filepath.Join(t.TempDir(), "nope.geojson")
			},
			wantErr: "failed to read trails file",
		},
		{
			name: "unknown format",
			prepare: func(t *testing.T, app *App) {
				app.InputFile = writeTestFile(t, "trails.geojson", crossGeoJSON)
				app.OutputFormat = "kml"
			},
			wantErr: "unknown output format",
		},
		{
			name: "bad labels",
			prepare: func(t *testing.T, app *App) {
				app.InputFile = writeTestFile(t, "trails.geojson", crossGeoJSON)
				app.LabelsFile = writeTestFile(t, "labels.json", `{"predictions":[1]}`)
			},
			wantErr: "1 predictions for 5 nodes",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app, _ := newTestApp(t)
			app.OutputFile = filepath.Join(t.TempDir(), "graph.geojson")
			tt.prepare(t, app)

			err := app.RunBuild()
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestRunExportThenBuildWithLabels(t *testing.T) {
	app, _ := newTestApp(t)
	app.InputFile = writeTestFile(t, "trails.geojson", chainGeoJSON)
	app.OutputFile = filepath.Join(t.TempDir(), "features.json")
	require.NoError(t, app.RunExport())

	data, err := os.ReadFile(app.OutputFile)
	require.NoError(t, err)
	var fe topo.FeatureExport
	require.NoError(t, json.Unmarshal(data, &fe))
	require.Equal(t, 3, fe.Metadata.NumNodes)
	require.Equal(t, 2, fe.Metadata.NumEdges)

	// label the degree-2 node as merge, like a classifier would
	predictions := make([]int, fe.Metadata.NumNodes)
	for i, row := range fe.X {
		if row[0] == 2 {
			predictions[i] = int(topo.LabelMerge)
		}
	}
	labels, err := json.Marshal(map[string]any{
		"predictions": predictions,
		"metadata":    map[string]any{"node_ids": fe.Metadata.NodeIDs},
	})
	require.NoError(t, err)

	app2, out := newTestApp(t)
	app2.InputFile = app.InputFile
	app2.LabelsFile = writeTestFile(t, "labels.json", string(labels))
	app2.OutputFile = filepath.Join(t.TempDir(), "graph.geojson")
	require.NoError(t, app2.RunBuild())

	assert.Contains(t, out.String(), "Cleaning: 1 applied")
	assert.Contains(t, out.String(), "Graph: 2 nodes, 1 edges")
}

func TestRunExport_KnownLabels(t *testing.T) {
	app, out := newTestApp(t)
	app.InputFile = writeTestFile(t, "trails.geojson", crossGeoJSON)
	app.LabelsFile = writeTestFile(t, "labels.json", `{"labels":{}}`)
	app.OutputFile = filepath.Join(t.TempDir(), "features.json")

	require.NoError(t, app.RunExport())
	assert.Contains(t, out.String(), "Exported 5 nodes x 7 features (4 edges)")
}

func TestRunValidate(t *testing.T) {
	app, out := newTestApp(t)
	app.InputFile = writeTestFile(t, "trails.geojson", crossGeoJSON)

	require.NoError(t, app.RunValidate())
	assert.Contains(t, out.String(), "Configuration OK")
	assert.Contains(t, out.String(), "Output features: 9 (LineString: 4, Point: 5)")
	assert.Contains(t, out.String(), "Issues: none")
}

func TestRunValidate_ReportsInputIssues(t *testing.T) {
	app, out := newTestApp(t)
	app.InputFile = writeTestFile(t, "trails.geojson", `{"type":"FeatureCollection","features":[
{"type":"Feature","id":"ok","geometry":{"type":"LineString","coordinates":[[0,0],[10,0]]}},
{"type":"Feature","id":"dot","geometry":{"type":"LineString","coordinates":[[3,3],[3,3]]}}
]}`)

	require.NoError(t, app.RunValidate())
	assert.Contains(t, out.String(), "Issues: 1 invalid_geometry=1")
}

func TestRunRender(t *testing.T) {
	tests := []struct {
		name   string
		output string
		format string
		check  func(t *testing.T, data []byte)
	}{
		{
			name:   "svg from extension",
			output: "graph.svg",
			check: func(t *testing.T, data []byte) {
				assert.Contains(t, string(data), "<svg")
			},
		},
		{
			name:   "png from flag",
			output: "graph.out",
			format: "PNG",
			check: func(t *testing.T, data []byte) {
				assert.True(t, bytes.HasPrefix(data, []byte("\x89PNG")), "PNG signature")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app, out := newTestApp(t)
			app.InputFile = writeTestFile(t, "trails.geojson", crossGeoJSON)
			app.OutputFile = filepath.Join(t.TempDir(), tt.output)
			app.OutputFormat = tt.format

			require.NoError(t, app.RunRender())
			data, err := os.ReadFile(app.OutputFile)
			require.NoError(t, err)
			tt.check(t, data)
			assert.Contains(t, out.String(), "Rendered 5 nodes and 4 edges")
		})
	}
}

func TestRunRender_UnknownFormat(t *testing.T) {
	app, _ := newTestApp(t)
	app.InputFile = writeTestFile(t, "trails.geojson", crossGeoJSON)
	app.OutputFile = filepath.Join(t.TempDir(), "graph.gif")

	err := app.RunRender()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown render format "gif"`)
}

// ---------------------------------------------------------------------------
// stored runs
// ---------------------------------------------------------------------------

func TestRunRuns_NoStore(t *testing.T) {
	app, _ := newTestApp(t)
	err := app.RunRuns()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no result store configured")
}

func TestRunRuns_ListAndExport(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "runs.db")
	input := writeTestFile(t, "trails.geojson", crossGeoJSON)

	app, _ := newTestApp(t)
	app.StorePath = storePath
	app.InputFile = input
	app.OutputFile = filepath.Join(t.TempDir(), "graph.geojson")
	require.NoError(t, app.RunBuild())

	lister, out := newTestApp(t)
	lister.StorePath = storePath
	require.NoError(t, lister.RunRuns())
	assert.Contains(t, out.String(), "converged")
	assert.Contains(t, out.String(), "nodes=5 edges=4 components=1")

	exporter, out := newTestApp(t)
	exporter.StorePath = storePath
	exporter.RunID = "latest"
	require.NoError(t, exporter.RunRuns())

	var fc topo.FeatureCollection
	require.NoError(t, json.Unmarshal(out.Bytes(), &fc))
	assert.Len(t, fc.Features, 9)
}

func TestRunRuns_EmptyStore(t *testing.T) {
	app, out := newTestApp(t)
	app.StorePath = filepath.Join(t.TempDir(), "runs.db")

	require.NoError(t, app.RunRuns())
	assert.Contains(t, out.String(), "No runs stored")

	app.RunID = "latest"
	err := app.RunRuns()
	assert.ErrorIs(t, err, topo.ErrRunNotFound)
}

// ---------------------------------------------------------------------------
// label application
// ---------------------------------------------------------------------------

// trackChain builds chainGeoJSON into app's tracker and returns the id of
// the shared node.
func trackChain(t *testing.T, app *App) (*topo.Result, string) {
	t.Helper()
	require.NoError(t, app.setup())
	trails, err := topo.ParseTrails([]byte(chainGeoJSON))
	require.NoError(t, err)
	res, err := app.Pipeline.Build(context.Background(), trails)
	require.NoError(t, err)
	app.Tracker.Update(res)
	for _, n := range res.Graph.Nodes {
		if n.Degree == 2 {
			return res, n.ID
		}
	}
	t.Fatal("no degree-2 node in chain graph")
	return nil, ""
}

func TestApplyLabels_NoResult(t *testing.T) {
	app, _ := newTestApp(t)
	require.NoError(t, app.setup())

	_, err := app.ApplyLabels(context.Background(), nil)
	assert.ErrorIs(t, err, errNoResult)
}

func TestApplyLabels_CleansAndPublishes(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "")
	app, _ := newTestApp(t)
	app.StorePath = filepath.Join(t.TempDir(), "runs.db")
	built, mid := trackChain(t, app)
	defer app.close()

	mock := topo.NewMockClient()
	mock.SetConnected(true)
	app.Publisher = topo.NewPublisher(mock, "trails")

	cleaned, err := app.ApplyLabels(context.Background(), map[string]topo.Classification{
		mid: {Label: topo.LabelMerge, Confidence: 0.95},
	})
	require.NoError(t, err)

	assert.NotEqual(t, built.RunID, cleaned.RunID, "cleaned result gets its own run id")
	assert.Equal(t, cleaned.RunID, cleaned.Report.RunID)
	assert.Equal(t, 1, cleaned.Metrics.Edges)
	assert.Same(t, cleaned, app.Tracker.Current())
	assert.Equal(t, []string{built.RunID, cleaned.RunID}, app.Tracker.History())

	runs, err := app.Store.ListRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1, "only the cleaned run was persisted")
	assert.Equal(t, cleaned.RunID, runs[0].ID)

	msgs := mock.GetPublishedMessages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "trails/summary", msgs[0].Topic)
	assert.Equal(t, "trails/report", msgs[1].Topic)
	assert.Equal(t, "trails/features", msgs[2].Topic)
}

func TestCurrentNodeIDs(t *testing.T) {
	app, _ := newTestApp(t)
	assert.Nil(t, app.currentNodeIDs())

	res, _ := trackChain(t, app)
	assert.Equal(t, res.Graph.NodeIDs(), app.currentNodeIDs())
}

func TestRestoreLatest(t *testing.T) {
	app, _ := newTestApp(t)
	require.NoError(t, app.setup())
	_, err := app.restoreLatest(context.Background())
	assert.Error(t, err, "no store configured")

	app.StorePath = filepath.Join(t.TempDir(), "runs.db")
	built, _ := trackChain(t, app)
	defer app.close()
	app.persist(context.Background(), built)

	restored, err := app.restoreLatest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, built.RunID, restored.RunID)
	assert.Equal(t, built.Metrics.Edges, restored.Metrics.Edges)
	assert.Len(t, restored.Segments, 2)
}

func TestCleanedNodes(t *testing.T) {
	assert.Nil(t, cleanedNodes(&topo.Result{}))

	res := &topo.Result{Cleaning: &topo.CleanResult{Applied: []topo.AppliedLabel{
		{NodeID: "n1", Label: topo.LabelMerge},
		{NodeID: "n2", Label: topo.LabelSplit},
	}}}
	assert.Equal(t, map[string]bool{"n1": true, "n2": true}, cleanedNodes(res))
}

func TestWriteFile_CreateError(t *testing.T) {
	err := writeFile(filepath.Join(t.TempDir(), "missing", "out.json"), func(w io.Writer) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "creating")
}

func TestWatchSource_RebuildsOnChange(t *testing.T) {
	var version atomic.Int32
	version.Store(1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v := version.Load()
		etag := fmt.Sprintf(`"v%d"`, v)
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag)
		if v == 1 {
			_, _ = io.WriteString(w, crossGeoJSON)
			return
		}
		_, _ = io.WriteString(w, chainGeoJSON)
	}))
	defer srv.Close()

	app, _ := newTestApp(t)
	app.SourceURL = srv.URL
	require.NoError(t, app.setup())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res, err := app.buildResult(ctx, false)
	require.NoError(t, err)
	app.Tracker.Update(res)
	require.Equal(t, 4, res.Metrics.Edges)

	go app.watchSource(ctx, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, res.RunID, app.Tracker.Current().RunID, "unchanged source must not rebuild")

	version.Store(2)
	require.Eventually(t, func() bool {
		return app.Tracker.Current().Metrics.Edges == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.NotEqual(t, res.RunID, app.Tracker.Current().RunID)
}
