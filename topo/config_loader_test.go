package topo

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func validConfigYAML() string {
	return `topology:
  snapToleranceMeters: 2
  minTrailLengthMeters: 1
convergence:
  maxIterations: 4
  batchTimeout: 5s
bridging:
  maxBridgesPerRun: 10
input:
  crs: wgs84
  sourceUrl: https://example.com/trails.geojson
  refreshInterval: 5m
mqtt:
  broker: tcp://localhost:1883
  labelsTopic: trails/labels
`
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config fixture: %v", err)
	}
	return path
}

// ---------------------------------------------------------------------------
// LoadConfig
// ---------------------------------------------------------------------------

func TestLoadConfig_NotExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nope.yaml")
	_, err := LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for missing config file, got nil")
	}
	if !strings.Contains(err.Error(), "config file not found") {
		t.Errorf("error = %v, want config file not found", err)
	}
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	path := writeConfig(t, validConfigYAML())

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Topology.SnapToleranceMeters != 2 {
		t.Errorf("SnapToleranceMeters = %v, want 2", cfg.Topology.SnapToleranceMeters)
	}
	if cfg.Convergence.MaxIterations != 4 {
		t.Errorf("MaxIterations = %d, want 4", cfg.Convergence.MaxIterations)
	}
	if cfg.Convergence.BatchTimeout != 5*time.Second {
		t.Errorf("BatchTimeout = %v, want 5s", cfg.Convergence.BatchTimeout)
	}
	if cfg.Input.CRS != "wgs84" {
		t.Errorf("CRS = %q, want wgs84", cfg.Input.CRS)
	}
	if cfg.Input.RefreshInterval != 5*time.Minute {
		t.Errorf("RefreshInterval = %v, want 5m", cfg.Input.RefreshInterval)
	}
	if cfg.MQTT.LabelsTopic != "trails/labels" {
		t.Errorf("LabelsTopic = %q, want trails/labels", cfg.MQTT.LabelsTopic)
	}
}

func TestLoadConfig_DefaultsForMissingKeys(t *testing.T) {
	path := writeConfig(t, "bridging:\n  maxBridgesPerRun: 3\n")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	def := DefaultConfig()
	if cfg.Convergence != def.Convergence {
		t.Errorf("Convergence = %+v, want defaults %+v", cfg.Convergence, def.Convergence)
	}
	if cfg.Cleaning.MinConfidence != 0.8 {
		t.Errorf("MinConfidence = %v, want 0.8", cfg.Cleaning.MinConfidence)
	}
	if cfg.Bridging.MaxBridgesPerRun != 3 {
		t.Errorf("MaxBridgesPerRun = %d, want 3", cfg.Bridging.MaxBridgesPerRun)
	}
}

func TestLoadConfig_StoreEnvOverride(t *testing.T) {
	t.Setenv("TRAILMESH_STORE", "/tmp/override.db")
	path := writeConfig(t, "store:\n  path: runs.db\n")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Store.Path != "/tmp/override.db" {
		t.Errorf("Store.Path = %q, want env override", cfg.Store.Path)
	}
}

func TestLoadConfig_Validation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "min length above snap tolerance",
			yaml: `topology:
  snapToleranceMeters: 1
  minTrailLengthMeters: 2
`,
			want: "Topology.MinTrailLengthMeters: failed ltefield=SnapToleranceMeters",
		},
		{
			name: "unknown crs",
			yaml: `input:
  crs: mercator
`,
			want: "Input.CRS: failed oneof",
		},
		{
			name: "max batch below batch",
			yaml: `convergence:
  batchSize: 100
  maxBatchSize: 10
`,
			want: "Convergence.MaxBatchSize: failed gtefield=BatchSize",
		},
		{
			name: "bad source url",
			yaml: `input:
  sourceUrl: not a url
`,
			want: "Input.SourceURL: failed url",
		},
		{
			name: "port out of range",
			yaml: `http:
  port: 70000
`,
			want: "HTTP.Port: failed lte=65535 (got 70000)",
		},
		{
			name: "min tolerance above tolerance",
			yaml: `convergence:
  toleranceMeters: 0.5
  minToleranceMeters: 1
`,
			want: "convergence.minToleranceMeters 1.000 exceeds",
		},
		{
			name: "malformed yaml",
			yaml: "topology: [",
			want: "parsing config YAML",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.yaml)
			_, err := LoadConfig(path)
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to contain %q", err.Error(), tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// SaveConfig
// ---------------------------------------------------------------------------

func TestSaveConfig_RoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Bridging.MaxBridgesPerRun = 7
	cfg.Convergence.BatchTimeout = 90 * time.Second

	path := filepath.Join(t.TempDir(), "saved.yaml")
	if err := SaveConfig(path, &cfg); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if *loaded != cfg {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", *loaded, cfg)
	}
}

func TestConfig_DerivedOptions(t *testing.T) {
	cfg := DefaultConfig()

	if got := cfg.SplitOptions(); got.MinSegmentLength != 0.5 || got.Epsilon != 1e-6 {
		t.Errorf("SplitOptions = %+v", got)
	}
	if got := cfg.GapOptions(); got.BridgeTolerance != 5 || got.MinBridgeLength != 0.01 ||
		got.SnapTolerance != 1 || got.MinPieceLength != 0.5 {
		t.Errorf("GapOptions = %+v", got)
	}
	if got := cfg.BridgeOptions(); got.MaxBridges != 1000 || got.Split != cfg.SplitOptions() {
		t.Errorf("BridgeOptions = %+v", got)
	}
	if got := cfg.CleanOptions(); got.MinConfidence != 0.8 || got.SplitTolerance != 5 {
		t.Errorf("CleanOptions = %+v", got)
	}
	if got := cfg.DetectOptions(); got.ClusterTolerance != 0.5 {
		t.Errorf("DetectOptions = %+v", got)
	}
}
