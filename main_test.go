package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

type mockApp struct {
	opts   AppOptions
	called map[string]bool
	err    error
}

func newMockApp() *mockApp {
	return &mockApp{
		called: make(map[string]bool),
	}
}

func (m *mockApp) ApplyOptions(opts AppOptions) { m.opts = opts }
func (m *mockApp) RunBuild() error              { m.called["RunBuild"] = true; return m.err }
func (m *mockApp) RunValidate() error           { m.called["RunValidate"] = true; return m.err }
func (m *mockApp) RunExport() error             { m.called["RunExport"] = true; return m.err }
func (m *mockApp) RunRender() error             { m.called["RunRender"] = true; return m.err }
func (m *mockApp) RunRuns() error               { m.called["RunRuns"] = true; return m.err }
func (m *mockApp) RunService() error            { m.called["RunService"] = true; return m.err }

func TestRun_Commands(t *testing.T) {
	tests := []struct {
		name           string
		args           []string
		expectedCalled string
		verifyOpts     func(*testing.T, AppOptions)
	}{
		{
			name:           "Build",
			args:           []string{"build", "trails.geojson", "--labels", "labels.json", "-o", "out.ndjson", "--format", "ndjson"},
			expectedCalled: "RunBuild",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.InputFile != "trails.geojson" {
					t.Errorf("expected InputFile trails.geojson, got %s", opts.InputFile)
				}
				if opts.LabelsFile != "labels.json" {
					t.Errorf("expected LabelsFile labels.json, got %s", opts.LabelsFile)
				}
				if opts.OutputFile != "out.ndjson" || opts.OutputFormat != "ndjson" {
					t.Errorf("expected out.ndjson/ndjson, got %s/%s", opts.OutputFile, opts.OutputFormat)
				}
				if opts.ConfigFile != defaultConfigFile {
					t.Errorf("expected default config, got %s", opts.ConfigFile)
				}
			},
		},
		{
			name:           "BuildDefaults",
			args:           []string{"build", "--url", "http://example.com/trails.geojson"},
			expectedCalled: "RunBuild",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.SourceURL != "http://example.com/trails.geojson" {
					t.Errorf("expected SourceURL, got %s", opts.SourceURL)
				}
				if opts.InputFile != "" {
					t.Errorf("expected no InputFile, got %s", opts.InputFile)
				}
				if opts.OutputFile != "trails-graph.geojson" || opts.OutputFormat != "geojson" {
					t.Errorf("expected default output, got %s/%s", opts.OutputFile, opts.OutputFormat)
				}
			},
		},
		{
			name:           "Validate",
			args:           []string{"--config", "custom.yaml", "validate", "trails.geojson"},
			expectedCalled: "RunValidate",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.ConfigFile != "custom.yaml" {
					t.Errorf("expected ConfigFile custom.yaml, got %s", opts.ConfigFile)
				}
			},
		},
		{
			name:           "Export",
			args:           []string{"export", "trails.geojson", "--store", "runs.db"},
			expectedCalled: "RunExport",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.OutputFile != "features.json" {
					t.Errorf("expected default features.json, got %s", opts.OutputFile)
				}
				if opts.StorePath != "runs.db" {
					t.Errorf("expected StorePath runs.db, got %s", opts.StorePath)
				}
			},
		},
		{
			name:           "Render",
			args:           []string{"render", "trails.geojson", "--output", "map.png"},
			expectedCalled: "RunRender",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.OutputFile != "map.png" {
					t.Errorf("expected map.png, got %s", opts.OutputFile)
				}
				if opts.OutputFormat != "" {
					t.Errorf("expected format from extension, got %s", opts.OutputFormat)
				}
			},
		},
		{
			name:           "Runs",
			args:           []string{"runs", "--run", "latest", "--limit", "3"},
			expectedCalled: "RunRuns",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.RunID != "latest" || opts.Limit != 3 {
					t.Errorf("expected latest/3, got %s/%d", opts.RunID, opts.Limit)
				}
				if opts.OutputFile != "" {
					t.Errorf("expected stdout output, got %s", opts.OutputFile)
				}
			},
		},
		{
			name:           "Serve",
			args:           []string{"serve", "--mqtt", "--http", "--http-port", "9090"},
			expectedCalled: "RunService",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if !opts.MqttMode || !opts.HttpMode {
					t.Error("expected MqttMode and HttpMode true")
				}
				if opts.HttpPort != 9090 {
					t.Errorf("expected HttpPort 9090, got %d", opts.HttpPort)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newMockApp()
			var out bytes.Buffer
			if err := run(tt.args, &out, app); err != nil {
				t.Fatalf("run failed: %v", err)
			}
			if !app.called[tt.expectedCalled] {
				t.Errorf("expected %s to be called, called: %v", tt.expectedCalled, app.called)
			}
			if len(app.called) != 1 {
				t.Errorf("expected exactly one command, called: %v", app.called)
			}
			if tt.verifyOpts != nil {
				tt.verifyOpts(t, app.opts)
			}
		})
	}
}

func TestRun_Help(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	if err := run([]string{"--help"}, &out, app); err != nil {
		t.Fatalf("--help failed: %v", err)
	}
	for _, want := range []string{"Usage:", "build", "serve", "--config"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("expected %q in help output, got: %s", want, out.String())
		}
	}
	if len(app.called) != 0 {
		t.Errorf("expected no command, called: %v", app.called)
	}
}

func TestRun_Default(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	err := run([]string{}, &out, app)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	expectedPrefix := "trailmesh version: " + Version
	if !strings.Contains(out.String(), expectedPrefix) {
		t.Errorf("expected output to contain version, got: %s", out.String())
	}
	if !strings.Contains(out.String(), "Use 'trailmesh build'") {
		t.Errorf("expected output to contain usage hint, got: %s", out.String())
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		err  error
	}{
		{name: "unknown command", args: []string{"frobnicate"}},
		{name: "unknown flag", args: []string{"build", "--nope"}},
		{name: "too many args", args: []string{"build", "a.geojson", "b.geojson"}},
		{name: "runs takes no args", args: []string{"runs", "x"}},
		{name: "command error", args: []string{"validate", "a.geojson"}, err: errors.New("validation found 2 output problems")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newMockApp()
			app.err = tt.err
			var out bytes.Buffer
			err := run(tt.args, &out, app)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if tt.err != nil && !strings.Contains(out.String(), tt.err.Error()) {
				t.Errorf("expected error printed, got: %s", out.String())
			}
		})
	}
}

func TestMain_Execute(t *testing.T) {
	// Smoke test to ensure version is set
	if Version == "" {
		t.Error("expected Version to be set")
	}
}
