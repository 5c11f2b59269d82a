// Package topo turns raw trail line features into a routable node/edge graph.
package topo

import (
	"time"
)

// Trail is an input line feature as delivered by the upstream loader.
type Trail struct {
	ID         string         `json:"id"`
	Name       string         `json:"name,omitempty"`
	Points     Line           `json:"points"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Length returns the horizontal length of the trail in meters.
func (t Trail) Length() float64 {
	return t.Points.Length()
}

// ElevationGain returns the summed positive elevation deltas.
func (t Trail) ElevationGain() float64 {
	gain, _ := t.Points.ElevationDeltas()
	return gain
}

// ElevationLoss returns the summed negative elevation deltas as a positive number.
func (t Trail) ElevationLoss() float64 {
	_, loss := t.Points.ElevationDeltas()
	return loss
}

// Segment is a contiguous piece of a trail, or a synthetic bridge.
// From and To are the fractions of the parent trail's length it covers.
type Segment struct {
	ID         string         `json:"id"`
	TrailID    string         `json:"trailId,omitempty"`
	Ordinal    int            `json:"ordinal"`
	Name       string         `json:"name,omitempty"`
	Geometry   Line           `json:"geometry"`
	From       float64        `json:"from"`
	To         float64        `json:"to"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Synthetic  bool           `json:"synthetic,omitempty"`
}

// SegmentFromTrail wraps a whole trail as its first segment.
func SegmentFromTrail(t Trail) *Segment {
	return &Segment{
		ID:         segmentID(t.ID, 0),
		TrailID:    t.ID,
		Name:       t.Name,
		Geometry:   t.Points.Clone(),
		From:       0,
		To:         1,
		Attributes: t.Attributes,
	}
}

// SplitKind tags why a split point was produced.
type SplitKind string

const (
	SplitCrossing SplitKind = "crossing"
	SplitT        SplitKind = "t-intersection"
	SplitY        SplitKind = "y-intersection"
)

// SplitPoint is a location on a segment where a cut must occur.
type SplitPoint struct {
	SegmentID string    `json:"segmentId"`
	T         float64   `json:"t"`
	Point     Point3    `json:"point"`
	Kind      SplitKind `json:"kind"`
	Distance  float64   `json:"distance"`
	OtherID   string    `json:"otherId,omitempty"`
}

// Junction records two endpoints close enough to share a node. No line is
// cut; the graph builder snaps them together.
type Junction struct {
	SegmentID string  `json:"segmentId"`
	OtherID   string  `json:"otherId"`
	Point     Point3  `json:"point"`
	Distance  float64 `json:"distance"`
}

// NodeKind is derived from a node's degree.
type NodeKind string

const (
	NodeIsolated     NodeKind = "isolated"
	NodeEndpoint     NodeKind = "endpoint"
	NodeThrough      NodeKind = "through"
	NodeIntersection NodeKind = "intersection"
)

// KindForDegree maps a degree to its node kind.
func KindForDegree(degree int) NodeKind {
	switch {
	case degree <= 0:
		return NodeIsolated
	case degree == 1:
		return NodeEndpoint
	case degree == 2:
		return NodeThrough
	default:
		return NodeIntersection
	}
}

// Node is a graph vertex.
type Node struct {
	ID     string   `json:"id"`
	Point  Point3   `json:"point"`
	Degree int      `json:"degree"`
	Kind   NodeKind `json:"kind"`
}

// Edge connects two nodes and carries the segment it was built from.
// Geometry starts at From and ends at To.
type Edge struct {
	ID            string  `json:"id"`
	From          string  `json:"from"`
	To            string  `json:"to"`
	Geometry      Line    `json:"geometry"`
	Length        float64 `json:"length"`
	ElevationGain float64 `json:"elevationGain"`
	ElevationLoss float64 `json:"elevationLoss"`
	SegmentID     string  `json:"segmentId,omitempty"`
	TrailID       string  `json:"trailId,omitempty"`
	Name          string  `json:"name,omitempty"`
	Synthetic     bool    `json:"synthetic,omitempty"`

	segment *Segment
}

// Other returns the endpoint of e opposite to nodeID.
func (e *Edge) Other(nodeID string) string {
	if e.From == nodeID {
		return e.To
	}
	return e.From
}

// IsLoop reports whether both ends of e are the same node.
func (e *Edge) IsLoop() bool {
	return e.From == e.To
}

// Segment returns the segment the edge was built from.
func (e *Edge) Segment() *Segment {
	return e.segment
}

// Gap is an unconnected near-pair: a dangling node and either another node
// or a point on an edge's interior.
type Gap struct {
	NodeID       string  `json:"nodeId"`
	TargetNodeID string  `json:"targetNodeId,omitempty"`
	TargetEdgeID string  `json:"targetEdgeId,omitempty"`
	From         Point3  `json:"from"`
	At           Point3  `json:"at"`
	T            float64 `json:"t,omitempty"`
	Distance     float64 `json:"distance"`
	// Snap marks an edge target within the snap tolerance, joined without
	// a bridge segment.
	Snap bool `json:"snap,omitempty"`
}

// ToEdge reports whether the gap lands on an edge interior.
func (g Gap) ToEdge() bool {
	return g.TargetEdgeID != ""
}

// Config represents the full configuration file
type Config struct {
	Topology    TopologyConfig    `yaml:"topology" json:"topology"`
	Convergence ConvergenceConfig `yaml:"convergence" json:"convergence"`
	Bridging    BridgingConfig    `yaml:"bridging" json:"bridging"`
	Cleaning    CleaningConfig    `yaml:"cleaning" json:"cleaning"`
	Input       InputConfig       `yaml:"input" json:"input"`
	MQTT        MQTTConfig        `yaml:"mqtt" json:"mqtt"`
	Store       StoreConfig       `yaml:"store" json:"store"`
	HTTP        HTTPConfig        `yaml:"http" json:"http"`
}

// TopologyConfig holds the tolerances shared by detection, splitting and snapping.
type TopologyConfig struct {
	SnapToleranceMeters    float64 `yaml:"snapToleranceMeters" json:"snapToleranceMeters" validate:"gt=0"`
	MinTrailLengthMeters   float64 `yaml:"minTrailLengthMeters" json:"minTrailLengthMeters" validate:"gte=0,ltefield=SnapToleranceMeters"`
	ClusterToleranceMeters float64 `yaml:"clusterToleranceMeters" json:"clusterToleranceMeters" validate:"gte=0"`
	SplitEpsilon           float64 `yaml:"splitEpsilon" json:"splitEpsilon" validate:"gt=0,lt=0.5"`
}

// ConvergenceConfig bounds the repeated detect/split passes.
type ConvergenceConfig struct {
	MaxIterations                 int           `yaml:"maxIterations" json:"maxIterations" validate:"gte=1"`
	ToleranceMeters               float64       `yaml:"toleranceMeters" json:"toleranceMeters" validate:"gt=0"`
	EarlyConvergenceThreshold     int           `yaml:"earlyConvergenceThreshold" json:"earlyConvergenceThreshold" validate:"gte=1"`
	BatchSize                     int           `yaml:"batchSize" json:"batchSize" validate:"gte=1"`
	MaxBatchSize                  int           `yaml:"maxBatchSize" json:"maxBatchSize" validate:"gtefield=BatchSize"`
	BatchGrowthFactor             float64       `yaml:"batchGrowthFactor" json:"batchGrowthFactor" validate:"gte=1"`
	ProgressiveToleranceReduction bool          `yaml:"progressiveToleranceReduction" json:"progressiveToleranceReduction"`
	ToleranceDecay                float64       `yaml:"toleranceDecay" json:"toleranceDecay" validate:"gt=0,lte=1"`
	MinToleranceMeters            float64       `yaml:"minToleranceMeters" json:"minToleranceMeters" validate:"gte=0"`
	BatchTimeout                  time.Duration `yaml:"batchTimeout" json:"batchTimeout" validate:"gte=0"`
}

// BridgingConfig controls gap detection and bridging.
type BridgingConfig struct {
	BridgeToleranceMeters float64 `yaml:"bridgeToleranceMeters" json:"bridgeToleranceMeters" validate:"gte=0"`
	MinBridgeLengthMeters float64 `yaml:"minBridgeLengthMeters" json:"minBridgeLengthMeters" validate:"gte=0"`
	MaxBridgesPerRun      int     `yaml:"maxBridgesPerRun" json:"maxBridgesPerRun" validate:"gte=0"`
}

// CleaningConfig controls how classifier labels are applied.
type CleaningConfig struct {
	MinConfidence        float64 `yaml:"minConfidence" json:"minConfidence" validate:"gte=0,lte=1"`
	SplitToleranceMeters float64 `yaml:"splitToleranceMeters" json:"splitToleranceMeters" validate:"gt=0"`
	CommitOnRegression   bool    `yaml:"commitOnRegression" json:"commitOnRegression"`
}

// InputConfig describes how incoming trail coordinates are interpreted.
type InputConfig struct {
	CRS                     string  `yaml:"crs" json:"crs" validate:"oneof=planar wgs84"`
	SimplifyToleranceMeters float64 `yaml:"simplifyToleranceMeters,omitempty" json:"simplifyToleranceMeters,omitempty" validate:"gte=0"`
	SourceURL               string  `yaml:"sourceUrl,omitempty" json:"sourceUrl,omitempty" validate:"omitempty,url"`

	// RefreshInterval makes the service re-poll SourceURL. Zero disables polling.
	RefreshInterval time.Duration `yaml:"refreshInterval,omitempty" json:"refreshInterval,omitempty" validate:"gte=0"`
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker        string `yaml:"broker,omitempty" json:"broker,omitempty"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
	LabelsTopic   string `yaml:"labelsTopic" json:"labelsTopic"`
}

// StoreConfig points at the SQLite result store. An empty path disables it.
type StoreConfig struct {
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
}

// HTTPConfig holds the service listener settings.
type HTTPConfig struct {
	Port int `yaml:"port" json:"port" validate:"gte=0,lte=65535"`
}

// DefaultConfig returns the configuration used when a key is absent from the
// YAML file.
func DefaultConfig() Config {
	return Config{
		Topology: TopologyConfig{
			SnapToleranceMeters:    1.0,
			MinTrailLengthMeters:   0.5,
			ClusterToleranceMeters: 0.5,
			SplitEpsilon:           1e-6,
		},
		Convergence: ConvergenceConfig{
			MaxIterations:                 10,
			ToleranceMeters:               1.0,
			EarlyConvergenceThreshold:     2,
			BatchSize:                     500,
			MaxBatchSize:                  5000,
			BatchGrowthFactor:             2.0,
			ProgressiveToleranceReduction: false,
			ToleranceDecay:                0.8,
			MinToleranceMeters:            0.1,
			BatchTimeout:                  30 * time.Second,
		},
		Bridging: BridgingConfig{
			BridgeToleranceMeters: 5.0,
			MinBridgeLengthMeters: 0.01,
			MaxBridgesPerRun:      1000,
		},
		Cleaning: CleaningConfig{
			MinConfidence:        0.8,
			SplitToleranceMeters: 5.0,
		},
		Input: InputConfig{
			CRS: "planar",
		},
		MQTT: MQTTConfig{
			PublishPrefix: "trailmesh",
			ClientID:      "trailmesh",
			LabelsTopic:   "trailmesh/labels",
		},
		HTTP: HTTPConfig{
			Port: 8080,
		},
	}
}
