package topo

import (
	"fmt"
	"math"
	"sort"
)

// CleanOptions tunes label application.
type CleanOptions struct {
	MinConfidence      float64
	SplitTolerance     float64
	CommitOnRegression bool
	Split              SplitOptions
}

// Health is the connectivity profile compared before and after cleaning.
type Health struct {
	Nodes              int `json:"nodes"`
	Edges              int `json:"edges"`
	Components         int `json:"components"`
	Bridges            int `json:"bridges"`
	ArticulationPoints int `json:"articulationPoints"`
}

// MeasureHealth computes the health profile of g.
func MeasureHealth(e Engine, g *Graph) Health {
	return Health{
		Nodes:              len(g.Nodes),
		Edges:              len(g.Edges),
		Components:         len(e.ConnectedComponents(g)),
		Bridges:            len(e.Bridges(g)),
		ArticulationPoints: len(e.ArticulationPoints(g)),
	}
}

// AppliedLabel records a label that changed the graph.
type AppliedLabel struct {
	NodeID string `json:"nodeId"`
	Label  Label  `json:"label"`
	Result string `json:"result"`
}

// CleanResult is the outcome of Apply.
type CleanResult struct {
	Graph       *Graph         `json:"-"`
	Segments    []*Segment     `json:"-"`
	Applied     []AppliedLabel `json:"applied"`
	Skipped     int            `json:"skipped"`
	Before      Health         `json:"before"`
	After       Health         `json:"after"`
	NeedsReview bool           `json:"needsReview"`
	Committed   bool           `json:"committed"`
	Issues      []error        `json:"-"`
}

// Cleaner applies classifier labels to a built graph.
type Cleaner struct {
	Engine  Engine
	Builder *Builder
	Options CleanOptions
}

// NewCleaner creates a cleaner that rebuilds through b.
func NewCleaner(e Engine, b *Builder, opts CleanOptions) *Cleaner {
	return &Cleaner{Engine: e, Builder: b, Options: opts}
}

type workEdge struct {
	seg      *Segment
	from, to string
}

// workGraph is the mutable view labels are applied to.
type workGraph struct {
	points   map[string]Point3
	edges    map[string]*workEdge
	incident map[string][]string
	seq      int
}

func newWorkGraph(g *Graph) *workGraph {
	w := &workGraph{
		points:   make(map[string]Point3, len(g.Nodes)),
		edges:    make(map[string]*workEdge, len(g.Edges)),
		incident: make(map[string][]string, len(g.Nodes)),
	}
	for _, n := range g.Nodes {
		w.points[n.ID] = n.Point
	}
	for _, e := range g.Edges {
		seg := e.segment
		if seg == nil {
			seg = &Segment{ID: e.ID, TrailID: e.TrailID, Name: e.Name, Geometry: e.Geometry, To: 1, Synthetic: e.Synthetic}
		}
		w.addEdge(e.ID, seg, e.From, e.To)
	}
	return w
}

func (w *workGraph) addEdge(id string, seg *Segment, from, to string) {
	w.edges[id] = &workEdge{seg: seg, from: from, to: to}
	w.incident[from] = append(w.incident[from], id)
	w.incident[to] = append(w.incident[to], id)
}

func (w *workGraph) removeEdge(id string) {
	e, ok := w.edges[id]
	if !ok {
		return
	}
	delete(w.edges, id)
	w.incident[e.from] = removeOnce(w.incident[e.from], id)
	w.incident[e.to] = removeOnce(w.incident[e.to], id)
}

func removeOnce(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i:i], ids[i+1:]...)
		}
	}
	return ids
}

func (w *workGraph) segments() []*Segment {
	ids := make([]string, 0, len(w.edges))
	for id := range w.edges {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*Segment, len(ids))
	for i, id := range ids {
		out[i] = w.edges[id].seg
	}
	return out
}

// Apply processes labels in node id order. Keep and low-confidence labels
// leave a node alone. Merge joins the two edges of a degree-2 node. Split
// connects a dangling node to the nearest other edge, cutting it there.
// Labels that do not fit the node are reported and skipped. If cleaning
// disconnects the network the run is flagged for review and, unless
// CommitOnRegression is set, the input graph is kept.
func (c *Cleaner) Apply(g *Graph, labels map[string]Classification) (*CleanResult, error) {
	res := &CleanResult{Before: MeasureHealth(c.Engine, g)}
	w := newWorkGraph(g)

	ids := make([]string, 0, len(labels))
	for id := range labels {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		cl := labels[id]
		if _, ok := w.points[id]; !ok {
			res.Issues = append(res.Issues, &ClassificationInconsistencyError{NodeID: id, Label: cl.Label, Reason: "node not in graph"})
			continue
		}
		if cl.Label == LabelKeep || cl.Confidence < c.Options.MinConfidence {
			res.Skipped++
			continue
		}
		var (
			outcome string
			err     error
		)
		switch cl.Label {
		case LabelMerge:
			outcome, err = c.merge(w, id)
		case LabelSplit:
			outcome, err = c.split(w, id)
		default:
			err = &ClassificationInconsistencyError{NodeID: id, Label: cl.Label, Reason: "unknown label"}
		}
		if err != nil {
			res.Issues = append(res.Issues, err)
			continue
		}
		res.Applied = append(res.Applied, AppliedLabel{NodeID: id, Label: cl.Label, Result: outcome})
	}

	segments := w.segments()
	rebuilt, issues := c.Builder.Build(segments)
	res.Issues = append(res.Issues, issues...)
	if err := rebuilt.Validate(); err != nil {
		return nil, fmt.Errorf("rebuilt graph invalid: %w", err)
	}
	res.After = MeasureHealth(c.Engine, rebuilt)

	res.Graph, res.Segments, res.Committed = rebuilt, segments, true
	if res.After.Components > res.Before.Components {
		res.NeedsReview = true
		if !c.Options.CommitOnRegression {
			res.Graph, res.Segments, res.Committed = g, g.Segments(), false
		}
	}
	return res, nil
}

func (c *Cleaner) merge(w *workGraph, id string) (string, error) {
	inc := w.incident[id]
	if len(inc) != 2 {
		return "", &ClassificationInconsistencyError{NodeID: id, Label: LabelMerge, Reason: fmt.Sprintf("degree %d, merge needs 2", len(inc))}
	}
	if inc[0] == inc[1] {
		return "", &ClassificationInconsistencyError{NodeID: id, Label: LabelMerge, Reason: "node only touches a loop"}
	}
	a, b := w.edges[inc[0]], w.edges[inc[1]]
	if b.seg.ID < a.seg.ID {
		a, b = b, a
	}

	// a runs into the node, b runs out of it
	ga, startA := a.seg.Geometry, a.from
	if a.from == id {
		ga, startA = ga.Reverse(), a.to
	}
	gb, endB := b.seg.Geometry, b.to
	if b.to == id {
		gb, endB = gb.Reverse(), b.from
	}
	// both halves meet at the node, so the joint is not counted twice
	joined := ga.Clone()
	joined[len(joined)-1] = w.points[id]
	joined = append(joined, gb[1:]...)

	merged := &Segment{
		ID:         a.seg.ID,
		TrailID:    a.seg.TrailID,
		Ordinal:    a.seg.Ordinal,
		Name:       joinNames(a.seg.Name, b.seg.Name),
		Geometry:   joined,
		From:       a.seg.From,
		To:         a.seg.To,
		Attributes: mergedAttributes(a.seg, b.seg),
		Synthetic:  a.seg.Synthetic && b.seg.Synthetic,
	}
	if a.seg.TrailID != "" && a.seg.TrailID == b.seg.TrailID {
		merged.From = math.Min(a.seg.From, b.seg.From)
		merged.To = math.Max(a.seg.To, b.seg.To)
	}

	aID, bID := a.seg.ID, b.seg.ID
	w.removeEdge(aID)
	w.removeEdge(bID)
	delete(w.points, id)
	delete(w.incident, id)
	w.addEdge(merged.ID, merged, startA, endB)
	return fmt.Sprintf("merged %s and %s", aID, bID), nil
}

func joinNames(a, b string) string {
	switch {
	case a == b || b == "":
		return a
	case a == "":
		return b
	default:
		return a + " / " + b
	}
}

func mergedAttributes(a, b *Segment) map[string]any {
	out := make(map[string]any, len(a.Attributes)+1)
	for k, v := range b.Attributes {
		out[k] = v
	}
	for k, v := range a.Attributes {
		out[k] = v
	}
	out["mergedFrom"] = []string{a.ID, b.ID}
	return out
}

func (c *Cleaner) split(w *workGraph, id string) (string, error) {
	inc := w.incident[id]
	if len(inc) != 1 {
		return "", &ClassificationInconsistencyError{NodeID: id, Label: LabelSplit, Reason: fmt.Sprintf("degree %d, split needs a dangling node", len(inc))}
	}
	dangling := w.edges[inc[0]]
	p := w.points[id]
	eps := c.Options.Split.Epsilon

	var (
		targetID string
		target   *workEdge
		bestT    float64
		bestD    = math.Inf(1)
	)
	edgeIDs := make([]string, 0, len(w.edges))
	for eid := range w.edges {
		edgeIDs = append(edgeIDs, eid)
	}
	sort.Strings(edgeIDs)
	for _, eid := range edgeIDs {
		we := w.edges[eid]
		if eid == inc[0] || !padBound(we.seg.Geometry.Bound(), c.Options.SplitTolerance).Contains(p.XY()) {
			continue
		}
		_, d := c.Engine.ClosestPoint(we.seg.Geometry, p.XY())
		if d > c.Options.SplitTolerance || d >= bestD {
			continue
		}
		targetID, target, bestD = eid, we, d
		bestT = c.Engine.LineLocatePoint(we.seg.Geometry, p.XY())
	}
	if target == nil {
		return "", &ClassificationInconsistencyError{NodeID: id, Label: LabelSplit, Reason: "no edge within split tolerance"}
	}
	if !interior(bestT, eps) {
		return "", &ClassificationInconsistencyError{NodeID: id, Label: LabelSplit, Reason: fmt.Sprintf("nearest edge %s is closest at its end", targetID)}
	}

	cut := SplitSegment(c.Engine, target.seg, []SplitPoint{{SegmentID: targetID, T: bestT, Kind: SplitT, OtherID: dangling.seg.ID}}, c.Options.Split)
	if len(cut.Pieces) != 2 {
		return "", &ClassificationInconsistencyError{NodeID: id, Label: LabelSplit, Reason: fmt.Sprintf("cut of %s would leave a piece below minimum length", targetID)}
	}
	at := cut.Pieces[0].Geometry.End()
	w.seq++
	mid := fmt.Sprintf("split:%s:%d", id, w.seq)
	w.points[mid] = at

	w.removeEdge(targetID)
	w.addEdge(cut.Pieces[0].ID, cut.Pieces[0], target.from, mid)
	w.addEdge(cut.Pieces[1].ID, cut.Pieces[1], mid, target.to)

	// extend the dangling edge to the new junction
	moved := *dangling.seg
	from, to := dangling.from, dangling.to
	if from == id {
		moved.Geometry = append(Line{at}, dangling.seg.Geometry...)
		from = mid
	} else {
		moved.Geometry = append(dangling.seg.Geometry.Clone(), at)
		to = mid
	}
	w.removeEdge(moved.ID)
	w.addEdge(moved.ID, &moved, from, to)
	delete(w.points, id)
	delete(w.incident, id)
	return fmt.Sprintf("connected to %s", targetID), nil
}
