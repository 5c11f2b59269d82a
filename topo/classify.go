package topo

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"

	"lukechampine.com/blake3"
)

// FeatureNames lists the per-node feature columns of an export, in order.
var FeatureNames = []string{
	"degree",
	"elevation",
	"mean_edge_length",
	"min_edge_length",
	"max_edge_length",
	"dangling",
	"articulation",
}

// FeatureExport is the node feature matrix handed to the external
// classifier. EdgeIndex is the flattened 2xE source/target matrix.
type FeatureExport struct {
	X         [][]float64    `json:"x"`
	EdgeIndex []int          `json:"edge_index"`
	Y         []int          `json:"y"`
	TrainMask []bool         `json:"train_mask"`
	ValMask   []bool         `json:"val_mask"`
	TestMask  []bool         `json:"test_mask"`
	Metadata  ExportMetadata `json:"metadata"`
}

// ExportMetadata describes the export and maps row indexes to node ids.
type ExportMetadata struct {
	RunID        string   `json:"run_id,omitempty"`
	NumNodes     int      `json:"num_nodes"`
	NumEdges     int      `json:"num_edges"`
	NumFeatures  int      `json:"num_features"`
	FeatureNames []string `json:"feature_names"`
	NodeIDs      []string `json:"node_ids"`
}

// ExportFeatures builds the classifier input for g. Known labels fill Y;
// unlabeled nodes are exported as keep. Nodes are assigned to the
// train/validation/test masks by a hash of their id.
func ExportFeatures(e Engine, g *Graph, runID string, known map[string]Classification) *FeatureExport {
	cuts := make(map[string]bool)
	for _, id := range e.ArticulationPoints(g) {
		cuts[id] = true
	}
	index := make(map[string]int, len(g.Nodes))
	for i, n := range g.Nodes {
		index[n.ID] = i
	}

	out := &FeatureExport{
		X:         make([][]float64, len(g.Nodes)),
		Y:         make([]int, len(g.Nodes)),
		TrainMask: make([]bool, len(g.Nodes)),
		ValMask:   make([]bool, len(g.Nodes)),
		TestMask:  make([]bool, len(g.Nodes)),
		Metadata: ExportMetadata{
			RunID:        runID,
			NumNodes:     len(g.Nodes),
			NumEdges:     len(g.Edges),
			NumFeatures:  len(FeatureNames),
			FeatureNames: FeatureNames,
			NodeIDs:      g.NodeIDs(),
		},
	}

	for i, n := range g.Nodes {
		inc := g.Incident(n.ID)
		minLen, maxLen, sum := math.Inf(1), 0.0, 0.0
		for _, edge := range inc {
			sum += edge.Length
			minLen = math.Min(minLen, edge.Length)
			maxLen = math.Max(maxLen, edge.Length)
		}
		mean := 0.0
		if len(inc) > 0 {
			mean = sum / float64(len(inc))
		} else {
			minLen = 0
		}
		out.X[i] = []float64{
			float64(n.Degree),
			n.Point.Z,
			mean,
			minLen,
			maxLen,
			boolFeature(n.Degree == 1),
			boolFeature(cuts[n.ID]),
		}
		if cl, ok := known[n.ID]; ok {
			out.Y[i] = int(cl.Label)
		}
		switch bucket := blake3.Sum256([]byte(n.ID))[0]; {
		case bucket < 179:
			out.TrainMask[i] = true
		case bucket < 217:
			out.ValMask[i] = true
		default:
			out.TestMask[i] = true
		}
	}

	sources := make([]int, len(g.Edges))
	targets := make([]int, len(g.Edges))
	for i, edge := range g.Edges {
		sources[i] = index[edge.From]
		targets[i] = index[edge.To]
	}
	out.EdgeIndex = append(sources, targets...)
	return out
}

func boolFeature(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// WriteFeatures encodes an export as indented JSON.
func WriteFeatures(w io.Writer, fe *FeatureExport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(fe)
}

// labelFile accepts both classifier output shapes: positional predictions
// aligned with an export's node order, or labels keyed by node id.
type labelFile struct {
	Predictions []int                     `json:"predictions"`
	Confidences []float64                 `json:"confidences"`
	Labels      map[string]Classification `json:"labels"`
	Metadata    struct {
		NodeIDs []string `json:"node_ids"`
	} `json:"metadata"`
}

// ParseLabels decodes classifier output into labels keyed by node id.
// Positional predictions need nodeIDs (the export order) unless the file
// carries its own node_ids. Missing confidences count as certain.
func ParseLabels(data []byte, nodeIDs []string) (map[string]Classification, error) {
	var lf labelFile
	if err := json.Unmarshal(data, &lf); err != nil {
		return nil, fmt.Errorf("failed to parse labels: %w", err)
	}
	out := make(map[string]Classification, len(lf.Labels)+len(lf.Predictions))
	for id, cl := range lf.Labels {
		out[id] = cl
	}
	if len(lf.Predictions) == 0 {
		return out, nil
	}

	ids := lf.Metadata.NodeIDs
	if len(ids) == 0 {
		ids = nodeIDs
	}
	if len(ids) != len(lf.Predictions) {
		return nil, fmt.Errorf("%d predictions for %d nodes", len(lf.Predictions), len(ids))
	}
	if len(lf.Confidences) > 0 && len(lf.Confidences) != len(lf.Predictions) {
		return nil, fmt.Errorf("%d confidences for %d predictions", len(lf.Confidences), len(lf.Predictions))
	}
	for i, p := range lf.Predictions {
		label := Label(p)
		if !label.Valid() {
			return nil, fmt.Errorf("prediction %d: unknown label class %d", i, p)
		}
		conf := 1.0
		if len(lf.Confidences) > 0 {
			conf = lf.Confidences[i]
		}
		out[ids[i]] = Classification{Label: label, Confidence: conf}
	}
	return out, nil
}

// LoadLabelsFile reads classifier output from disk.
func LoadLabelsFile(path string, nodeIDs []string) (map[string]Classification, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read labels file: %w", err)
	}
	return ParseLabels(data, nodeIDs)
}
