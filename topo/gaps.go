package topo

import (
	"fmt"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/quadtree"
)

// GapOptions tunes gap detection.
type GapOptions struct {
	BridgeTolerance float64
	MinBridgeLength float64
	// SnapTolerance is the builder's snap distance. Nodes this close are
	// never bridged; edges this close are cut so the node snaps onto them.
	SnapTolerance float64
	// MinPieceLength is the splitter's minimum piece. A projection closer
	// than this to an edge end targets that end node instead.
	MinPieceLength float64
	Epsilon        float64
}

// DetectGaps finds, for every dangling node, the closest node or edge
// interior it could be bridged to. Only degree-1 nodes are considered.
// Each unordered node pair is reported once.
func DetectGaps(e Engine, g *Graph, opts GapOptions) ([]Gap, []error) {
	if len(g.Nodes) == 0 || opts.BridgeTolerance <= 0 {
		return nil, nil
	}

	bound := g.Nodes[0].Point.XY().Bound()
	for _, n := range g.Nodes {
		bound = bound.Extend(n.Point.XY())
	}
	qt, issues := indexNodes(g.Nodes, padBound(bound, opts.BridgeTolerance+1))
	edgeBounds := make([]orb.Bound, len(g.Edges))
	for i, edge := range g.Edges {
		edgeBounds[i] = padBound(edge.Geometry.Bound(), opts.BridgeTolerance)
	}

	var gaps []Gap
	seen := make(map[[2]string]bool)
	var buf []orb.Pointer
	for _, n := range g.Nodes {
		if n.Degree != 1 {
			continue
		}
		p := n.Point.XY()
		best := Gap{Distance: -1}

		nodeGap := func(m *Node) {
			if m.ID == n.ID || g.Connected(n.ID, m.ID) {
				return
			}
			d := e.Distance(p, m.Point.XY())
			if d <= opts.SnapTolerance || d <= opts.MinBridgeLength {
				return
			}
			cand := Gap{NodeID: n.ID, TargetNodeID: m.ID, From: n.Point, At: m.Point, Distance: d}
			if betterGap(cand, best) {
				best = cand
			}
		}

		buf = qt.InBound(buf[:0], padBound(p.Bound(), opts.BridgeTolerance))
		for _, hit := range buf {
			m := hit.(nodeRef).node
			if e.Distance(p, m.Point.XY()) <= opts.BridgeTolerance {
				nodeGap(m)
			}
		}

		for i, edge := range g.Edges {
			if edge.From == n.ID || edge.To == n.ID || !edgeBounds[i].Contains(p) {
				continue
			}
			at, d := e.ClosestPoint(edge.Geometry, p)
			if d > opts.BridgeTolerance {
				continue
			}
			t := e.LineLocatePoint(edge.Geometry, p)
			if end, ok := nearEdgeEnd(edge, t, opts.MinPieceLength); ok {
				// a cut this close to the end would be merged away
				if m, ok := g.Node(end); ok {
					nodeGap(m)
				}
				continue
			}
			if !interior(t, opts.Epsilon) {
				continue
			}
			snap := opts.SnapTolerance > 0 && d <= opts.SnapTolerance
			if !snap && d <= opts.MinBridgeLength {
				continue
			}
			cand := Gap{NodeID: n.ID, TargetEdgeID: edge.ID, From: n.Point, At: at, T: t, Distance: d, Snap: snap}
			if betterGap(cand, best) {
				best = cand
			}
		}

		if best.Distance < 0 {
			continue
		}
		if !best.ToEdge() {
			key := [2]string{best.NodeID, best.TargetNodeID}
			if key[0] > key[1] {
				key[0], key[1] = key[1], key[0]
			}
			if seen[key] {
				continue
			}
			seen[key] = true
		}
		gaps = append(gaps, best)
	}
	sortGaps(gaps)
	return gaps, issues
}

// nearEdgeEnd reports the end node of edge lying within minPiece of the
// point at parameter t.
func nearEdgeEnd(edge *Edge, t, minPiece float64) (string, bool) {
	if minPiece <= 0 {
		return "", false
	}
	switch {
	case t*edge.Length < minPiece:
		return edge.From, true
	case (1-t)*edge.Length < minPiece:
		return edge.To, true
	}
	return "", false
}

// indexNodes loads nodes into a quadtree over bound. Nodes the tree
// rejects are reported and left out of the index.
func indexNodes(nodes []*Node, bound orb.Bound) (*quadtree.Quadtree, []error) {
	var issues []error
	qt := quadtree.New(bound)
	for _, n := range nodes {
		if err := qt.Add(nodeRef{node: n}); err != nil {
			issues = append(issues, fmt.Errorf("index node %s: %w", n.ID, err))
		}
	}
	return qt, issues
}

type nodeRef struct {
	node *Node
}

func (r nodeRef) Point() orb.Point { return r.node.Point.XY() }

func gapTarget(g Gap) string {
	if g.ToEdge() {
		return g.TargetEdgeID
	}
	return g.TargetNodeID
}

func betterGap(cand, best Gap) bool {
	if best.Distance < 0 || cand.Distance < best.Distance {
		return true
	}
	return cand.Distance == best.Distance && gapTarget(cand) < gapTarget(best)
}

func sortGaps(gaps []Gap) {
	sort.SliceStable(gaps, func(i, j int) bool {
		if gaps[i].Distance != gaps[j].Distance {
			return gaps[i].Distance < gaps[j].Distance
		}
		return gaps[i].NodeID < gaps[j].NodeID
	})
}

// BridgeOptions tunes bridging.
type BridgeOptions struct {
	MaxBridges int
	Split      SplitOptions
}

// BridgeResult is the outcome of bridging.
type BridgeResult struct {
	Segments   []*Segment `json:"-"`
	Created    []*Segment `json:"created"`
	Bridged    []Gap      `json:"bridged"`
	Snapped    []Gap      `json:"snapped,omitempty"`
	Unresolved []Gap      `json:"unresolved"`
	Issues     []error    `json:"-"`
}

// Changed reports whether bridging altered the segment set.
func (r *BridgeResult) Changed() bool {
	return len(r.Created) > 0 || len(r.Snapped) > 0
}

// BridgeGaps creates a synthetic segment for each gap, closest first, up to
// the bridge cap. Gaps landing on an edge split that edge at the projected
// point. Snap gaps only cut the edge; the builder then joins the node to
// the cut. Gaps beyond the cap are returned unresolved.
func BridgeGaps(e Engine, segments []*Segment, g *Graph, gaps []Gap, opts BridgeOptions) BridgeResult {
	var res BridgeResult
	ordered := make([]Gap, 0, len(gaps))
	cuts := make(map[string][]SplitPoint)
	byID := make(map[string]*Segment, len(segments))
	for _, s := range segments {
		byID[s.ID] = s
	}

	// cut resolves gap onto the unsnapped segment behind its target edge
	cut := func(gap Gap) (Point3, bool) {
		edge, ok := g.Edge(gap.TargetEdgeID)
		var s *Segment
		if ok {
			s = byID[edge.SegmentID]
		}
		if s == nil {
			res.Issues = append(res.Issues, fmt.Errorf("bridge target edge %s not found", gap.TargetEdgeID))
			res.Unresolved = append(res.Unresolved, gap)
			return Point3{}, false
		}
		at, _ := e.ClosestPoint(s.Geometry, gap.At.XY())
		cuts[s.ID] = append(cuts[s.ID], SplitPoint{
			SegmentID: s.ID,
			T:         e.LineLocatePoint(s.Geometry, gap.At.XY()),
			Point:     at,
			Kind:      SplitT,
			Distance:  gap.Distance,
			OtherID:   gap.NodeID,
		})
		return at, true
	}

	for _, gap := range gaps {
		if !gap.Snap {
			ordered = append(ordered, gap)
			continue
		}
		if _, ok := cut(gap); ok {
			res.Snapped = append(res.Snapped, gap)
		}
	}
	sortGaps(ordered)

	if len(ordered) > opts.MaxBridges {
		res.Unresolved = append(res.Unresolved, ordered[opts.MaxBridges:]...)
		res.Issues = append(res.Issues, &BridgeLimitExceededError{Limit: opts.MaxBridges, Unresolved: len(ordered) - opts.MaxBridges})
		ordered = ordered[:opts.MaxBridges]
	}

	for _, gap := range ordered {
		end := gap.At
		if gap.ToEdge() {
			at, ok := cut(gap)
			if !ok {
				continue
			}
			end = at
		}
		bridge := &Segment{
			ID:        fmt.Sprintf("bridge:%s:%s", gap.NodeID, gapTarget(gap)),
			Geometry:  Line{gap.From, end},
			From:      0,
			To:        1,
			Synthetic: true,
			Attributes: map[string]any{
				"bridge":   true,
				"distance": gap.Distance,
			},
		}
		res.Created = append(res.Created, bridge)
		res.Bridged = append(res.Bridged, gap)
	}

	next, summary := SplitAll(e, segments, cuts, opts.Split)
	res.Issues = append(res.Issues, summary.Issues...)
	res.Segments = append(next, res.Created...)
	return res
}
