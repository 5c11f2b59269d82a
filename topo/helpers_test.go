package topo

import (
	"encoding/json"
	"math"
	"testing"
)

// xy builds a flat line from x, y pairs.
func xy(coords ...float64) Line {
	l := make(Line, 0, len(coords)/2)
	for i := 0; i+1 < len(coords); i += 2 {
		l = append(l, Point3{X: coords[i], Y: coords[i+1]})
	}
	return l
}

func trail(id string, l Line) Trail {
	return Trail{ID: id, Points: l}
}

func seg(trailID string, l Line) *Segment {
	return SegmentFromTrail(trail(trailID, l))
}

func testDetector() *Detector {
	return NewDetector(NewPlanarEngine(), NewGeometryCache(), DetectOptions{
		MinTrailLength:   0.5,
		ClusterTolerance: 0.5,
		Epsilon:          1e-6,
	})
}

func testSplitOptions() SplitOptions {
	return SplitOptions{MinSegmentLength: 0.5, Epsilon: 1e-6}
}

// buildGraph builds a graph straight from segments without detection.
func buildGraph(t *testing.T, segments ...*Segment) *Graph {
	t.Helper()
	g, issues := NewBuilder(NewPlanarEngine(), nil, 0.01).Build(segments)
	if len(issues) > 0 {
		t.Fatalf("unexpected build issues: %v", issues)
	}
	if err := g.Validate(); err != nil {
		t.Fatalf("graph invalid: %v", err)
	}
	return g
}

// nodeAt returns the node at p, failing the test if there is none.
func nodeAt(t *testing.T, g *Graph, x, y float64) *Node {
	t.Helper()
	for _, n := range g.Nodes {
		if math.Abs(n.Point.X-x) < 1e-6 && math.Abs(n.Point.Y-y) < 1e-6 {
			return n
		}
	}
	t.Fatalf("no node at (%v, %v)", x, y)
	return nil
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

// counterValue reads a counter or gauge sample from the telemetry
// registry, matching a single label.
func counterValue(t *testing.T, tel *Telemetry, name, label, value string) float64 {
	t.Helper()
	families, err := tel.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			matched := label == ""
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					matched = true
				}
			}
			if !matched {
				continue
			}
			if c := m.GetCounter(); c != nil {
				return c.GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	return 0
}
