package topo

import (
	"encoding/hex"
	"fmt"
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/quadtree"
	"lukechampine.com/blake3"
)

// Graph is an undirected multigraph of trail junctions and segments.
// It is not modified after Build returns.
type Graph struct {
	Nodes []*Node `json:"nodes"`
	Edges []*Edge `json:"edges"`

	nodeIndex map[string]*Node
	edgeIndex map[string]*Edge
	incident  map[string][]*Edge
}

func newGraph(nodes []*Node, edges []*Edge) *Graph {
	g := &Graph{
		Nodes:     nodes,
		Edges:     edges,
		nodeIndex: make(map[string]*Node, len(nodes)),
		edgeIndex: make(map[string]*Edge, len(edges)),
		incident:  make(map[string][]*Edge, len(nodes)),
	}
	for _, n := range nodes {
		g.nodeIndex[n.ID] = n
	}
	for _, e := range edges {
		g.edgeIndex[e.ID] = e
		g.incident[e.From] = append(g.incident[e.From], e)
		// a loop is listed twice so it counts twice toward degree
		g.incident[e.To] = append(g.incident[e.To], e)
	}
	return g
}

// Node looks up a node by id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodeIndex[id]
	return n, ok
}

// Edge looks up an edge by id.
func (g *Graph) Edge(id string) (*Edge, bool) {
	e, ok := g.edgeIndex[id]
	return e, ok
}

// Incident returns the edges touching a node. Loops appear twice.
func (g *Graph) Incident(nodeID string) []*Edge {
	return g.incident[nodeID]
}

// Degree returns the number of edge ends at a node.
func (g *Graph) Degree(nodeID string) int {
	return len(g.incident[nodeID])
}

// Connected reports whether some edge joins a and b.
func (g *Graph) Connected(a, b string) bool {
	for _, e := range g.incident[a] {
		if e.Other(a) == b {
			return true
		}
	}
	return false
}

// NodeIDs returns all node ids in order.
func (g *Graph) NodeIDs() []string {
	ids := make([]string, len(g.Nodes))
	for i, n := range g.Nodes {
		ids[i] = n.ID
	}
	return ids
}

// Segments returns the segments behind the edges, in edge order.
func (g *Graph) Segments() []*Segment {
	out := make([]*Segment, 0, len(g.Edges))
	for _, e := range g.Edges {
		if e.segment != nil {
			out = append(out, e.segment)
		}
	}
	return out
}

// Validate checks the structural invariants of g.
func (g *Graph) Validate() error {
	for _, e := range g.Edges {
		if _, ok := g.nodeIndex[e.From]; !ok {
			return fmt.Errorf("edge %s references missing node %s", e.ID, e.From)
		}
		if _, ok := g.nodeIndex[e.To]; !ok {
			return fmt.Errorf("edge %s references missing node %s", e.ID, e.To)
		}
		if !(e.Length > 0) {
			return fmt.Errorf("edge %s has non-positive length %v", e.ID, e.Length)
		}
	}
	for _, n := range g.Nodes {
		if d := g.Degree(n.ID); d != n.Degree {
			return fmt.Errorf("node %s records degree %d but has %d edge ends", n.ID, n.Degree, d)
		}
	}
	return nil
}

// Builder snaps segment endpoints into nodes and produces a Graph.
type Builder struct {
	Engine        Engine
	Cache         *GeometryCache
	SnapTolerance float64
}

// NewBuilder creates a builder using the given snap tolerance in meters.
func NewBuilder(e Engine, cache *GeometryCache, snapTolerance float64) *Builder {
	return &Builder{Engine: e, Cache: cache, SnapTolerance: snapTolerance}
}

type endpointRef struct {
	idx int
	p   orb.Point
}

func (r endpointRef) Point() orb.Point { return r.p }

// Build clusters all segment endpoints within the snap tolerance into
// nodes and emits one edge per segment. Segments with no length are
// skipped and returned as issues.
func (b *Builder) Build(segments []*Segment) (*Graph, []error) {
	var issues []error
	usable := make([]*Segment, 0, len(segments))
	for _, s := range segments {
		if len(s.Geometry) < 2 || !(b.Cache.Length(b.Engine, s) > 0) {
			issues = append(issues, &InvalidGeometryError{ID: s.ID, Reason: "zero-length segment"})
			continue
		}
		usable = append(usable, s)
	}
	if len(usable) == 0 {
		return newGraph(nil, nil), issues
	}

	ends := make([]Point3, 0, 2*len(usable))
	bound := usable[0].Geometry.Start().XY().Bound()
	for _, s := range usable {
		ends = append(ends, s.Geometry.Start(), s.Geometry.End())
		bound = bound.Extend(s.Geometry.Start().XY()).Extend(s.Geometry.End().XY())
	}

	tol := b.SnapTolerance
	qt := quadtree.New(padBound(bound, tol+1))
	for i, p := range ends {
		if err := qt.Add(endpointRef{idx: i, p: p.XY()}); err != nil {
			issues = append(issues, fmt.Errorf("index endpoint %d: %w", i, err))
		}
	}

	uf := newUnionFind(len(ends))
	var buf []orb.Pointer
	for i, p := range ends {
		buf = qt.InBound(buf[:0], padBound(p.XY().Bound(), tol))
		for _, hit := range buf {
			ref := hit.(endpointRef)
			if ref.idx != i && b.Engine.Within(p.XY(), ref.p, tol) {
				uf.union(i, ref.idx)
			}
		}
	}

	// a straight segment with both ends in one cluster would become a
	// zero-length loop once its ends sit on the node
	collapsed := make([]bool, len(usable))
	for i, s := range usable {
		if len(s.Geometry) == 2 && uf.find(2*i) == uf.find(2*i+1) {
			collapsed[i] = true
			issues = append(issues, &InvalidGeometryError{ID: s.ID, Reason: "collapses within snap tolerance"})
		}
	}

	groups := uf.groups()
	nodeOf := make([]string, len(ends))
	nodePoint := make(map[string]Point3, len(groups))
	nodes := make([]*Node, 0, len(groups))
	used := make(map[string]int, len(groups))
	for _, members := range groups {
		live := members[:0:0]
		for _, m := range members {
			if !collapsed[m/2] {
				live = append(live, m)
			}
		}
		if len(live) == 0 {
			continue
		}
		c := centroid(ends, live)

		id := NodeID(c)
		if k := used[id]; k > 0 {
			used[id] = k + 1
			id = fmt.Sprintf("%s_%d", id, k)
		} else {
			used[id] = 1
		}
		for _, m := range live {
			nodeOf[m] = id
		}
		nodePoint[id] = c
		nodes = append(nodes, &Node{ID: id, Point: c})
	}

	edges := make([]*Edge, 0, len(usable))
	for i, s := range usable {
		if collapsed[i] {
			continue
		}
		from, to := nodeOf[2*i], nodeOf[2*i+1]
		s = snapEnds(s, nodePoint[from], nodePoint[to])
		gain, loss := s.Geometry.ElevationDeltas()
		edges = append(edges, &Edge{
			ID:            s.ID,
			From:          from,
			To:            to,
			Geometry:      s.Geometry,
			Length:        b.Cache.Length(b.Engine, s),
			ElevationGain: gain,
			ElevationLoss: loss,
			SegmentID:     s.ID,
			TrailID:       s.TrailID,
			Name:          s.Name,
			Synthetic:     s.Synthetic,
			segment:       s,
		})
	}

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	sort.Slice(edges, func(i, j int) bool { return edges[i].ID < edges[j].ID })

	g := newGraph(nodes, edges)
	for _, n := range g.Nodes {
		n.Degree = g.Degree(n.ID)
		n.Kind = KindForDegree(n.Degree)
	}
	return g, issues
}

// centroid averages the given endpoints. Identical endpoints return that
// exact point.
func centroid(ends []Point3, members []int) Point3 {
	first := ends[members[0]]
	same := true
	var c Point3
	for _, m := range members {
		p := ends[m]
		same = same && p == first
		c.X += p.X
		c.Y += p.Y
		c.Z += p.Z
	}
	if same {
		return first
	}
	n := float64(len(members))
	return Point3{X: c.X / n, Y: c.Y / n, Z: c.Z / n}
}

// snapEnds returns s with its first and last vertex moved onto its nodes,
// so edge geometry meets exactly at shared nodes. s itself is returned when
// nothing moves.
func snapEnds(s *Segment, from, to Point3) *Segment {
	if s.Geometry.Start() == from && s.Geometry.End() == to {
		return s
	}
	snapped := *s
	snapped.Geometry = s.Geometry.Clone()
	snapped.Geometry[0] = from
	snapped.Geometry[len(snapped.Geometry)-1] = to
	return &snapped
}

// NodeID derives a stable id from a node position rounded to millimeters.
func NodeID(p Point3) string {
	key := fmt.Sprintf("%.3f:%.3f", roundMM(p.X), roundMM(p.Y))
	sum := blake3.Sum256([]byte(key))
	return "n_" + hex.EncodeToString(sum[:8])
}

func roundMM(v float64) float64 {
	r := math.Round(v*1000) / 1000
	if r == 0 {
		// avoid "-0.000"
		return 0
	}
	return r
}
