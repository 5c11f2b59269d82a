package topo

import (
	"context"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// Engine provides the geometry and graph primitives every stage relies on.
// Implementations must be safe for concurrent use.
type Engine interface {
	Distance(a, b orb.Point) float64
	Within(a, b orb.Point, tolerance float64) bool
	ClosestPoint(line Line, p orb.Point) (Point3, float64)
	LineLocatePoint(line Line, p orb.Point) float64
	LineSubstring(line Line, t0, t1 float64) Line
	Length(line Line) float64
	Intersections(a, b Line) []orb.Point

	ConnectedComponents(g *Graph) [][]string
	Bridges(g *Graph) []string
	ArticulationPoints(g *Graph) []string
	BoundedReachability(g *Graph, sources []string, maxCost float64) map[string][]string

	// Ping reports whether the provider can serve requests.
	Ping(ctx context.Context) error
}

// PlanarEngine is the in-process Engine over projected meter coordinates.
type PlanarEngine struct{}

// NewPlanarEngine creates a planar engine.
func NewPlanarEngine() *PlanarEngine {
	return &PlanarEngine{}
}

func (PlanarEngine) Distance(a, b orb.Point) float64 {
	return planar.Distance(a, b)
}

func (PlanarEngine) Within(a, b orb.Point, tolerance float64) bool {
	return planar.DistanceSquared(a, b) <= tolerance*tolerance
}

func (PlanarEngine) ClosestPoint(line Line, p orb.Point) (Point3, float64) {
	_, at, d := line.Locate(p)
	return at, d
}

func (PlanarEngine) LineLocatePoint(line Line, p orb.Point) float64 {
	t, _, _ := line.Locate(p)
	return t
}

func (PlanarEngine) LineSubstring(line Line, t0, t1 float64) Line {
	return line.Substring(t0, t1)
}

func (PlanarEngine) Length(line Line) float64 {
	return line.Length()
}

func (PlanarEngine) Intersections(a, b Line) []orb.Point {
	return lineIntersections(a, b)
}

func (PlanarEngine) ConnectedComponents(g *Graph) [][]string {
	return connectedComponents(g)
}

func (PlanarEngine) Bridges(g *Graph) []string {
	bridges, _ := lowLink(g)
	return bridges
}

func (PlanarEngine) ArticulationPoints(g *Graph) []string {
	_, cuts := lowLink(g)
	return cuts
}

func (PlanarEngine) BoundedReachability(g *Graph, sources []string, maxCost float64) map[string][]string {
	out := make(map[string][]string, len(sources))
	for _, s := range sources {
		out[s] = reachableWithin(g, s, maxCost)
	}
	return out
}

func (PlanarEngine) Ping(ctx context.Context) error {
	return ctx.Err()
}
