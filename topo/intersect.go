package topo

import (
	"context"
	"sort"

	"github.com/paulmach/orb"
)

// DetectOptions tunes intersection detection.
type DetectOptions struct {
	// MinTrailLength excludes shorter segments from detection.
	MinTrailLength float64
	// ClusterTolerance merges split points on one segment closer than this.
	ClusterTolerance float64
	// Epsilon is the fraction margin that keeps split points off segment ends.
	Epsilon float64
}

// Detector finds crossing, T and Y intersections between segments.
type Detector struct {
	Engine  Engine
	Cache   *GeometryCache
	Options DetectOptions
}

// NewDetector creates a detector.
func NewDetector(e Engine, cache *GeometryCache, opts DetectOptions) *Detector {
	return &Detector{Engine: e, Cache: cache, Options: opts}
}

// Sweep is the prepared input for one detection pass: eligible segments
// ordered by the left edge of their padded bounds.
type Sweep struct {
	Segments  []*Segment
	Tolerance float64
	Excluded  []error

	bounds []orb.Bound
	byID   map[string]*Segment
}

// Len returns the number of eligible segments.
func (s *Sweep) Len() int {
	return len(s.Segments)
}

// Segment looks up an eligible segment by id.
func (s *Sweep) Segment(id string) (*Segment, bool) {
	seg, ok := s.byID[id]
	return seg, ok
}

// BatchResult is what one batch of sweep rows produced.
type BatchResult struct {
	SplitPoints  []SplitPoint
	Junctions    []Junction
	PairsChecked int
}

// Detection is the full single-pass outcome.
type Detection struct {
	SplitPoints  map[string][]SplitPoint
	Junctions    []Junction
	Excluded     []error
	PairsChecked int
}

// Count returns the number of clustered split points.
func (d *Detection) Count() int {
	n := 0
	for _, pts := range d.SplitPoints {
		n += len(pts)
	}
	return n
}

// Prepare filters out unusable segments and sorts the rest for the sweep.
func (d *Detector) Prepare(segments []*Segment, tolerance float64) *Sweep {
	sw := &Sweep{Tolerance: tolerance, byID: make(map[string]*Segment, len(segments))}
	for _, s := range segments {
		switch {
		case len(s.Geometry) < 2:
			sw.Excluded = append(sw.Excluded, &InvalidGeometryError{ID: s.ID, Reason: "fewer than two points"})
			continue
		case d.Cache.Length(d.Engine, s) < d.Options.MinTrailLength:
			sw.Excluded = append(sw.Excluded, &InvalidGeometryError{ID: s.ID, Reason: "shorter than minimum length"})
			continue
		case !d.Cache.Simple(d.Engine, s):
			sw.Excluded = append(sw.Excluded, &InvalidGeometryError{ID: s.ID, Reason: "self-intersecting"})
			continue
		}
		sw.Segments = append(sw.Segments, s)
	}

	bounds := make(map[*Segment]orb.Bound, len(sw.Segments))
	for _, s := range sw.Segments {
		bounds[s] = padBound(d.Cache.Bound(d.Engine, s), tolerance)
	}
	sort.SliceStable(sw.Segments, func(i, j int) bool {
		bi, bj := bounds[sw.Segments[i]], bounds[sw.Segments[j]]
		if bi.Min[0] != bj.Min[0] {
			return bi.Min[0] < bj.Min[0]
		}
		return sw.Segments[i].ID < sw.Segments[j].ID
	})
	sw.bounds = make([]orb.Bound, len(sw.Segments))
	for i, s := range sw.Segments {
		sw.bounds[i] = bounds[s]
		sw.byID[s.ID] = s
	}
	return sw
}

// DetectBatch evaluates every pair (i, j) with from <= i < to and i < j.
// Each unordered pair is therefore evaluated exactly once across batches.
func (d *Detector) DetectBatch(ctx context.Context, sw *Sweep, from, to int) (BatchResult, error) {
	var res BatchResult
	if to > sw.Len() {
		to = sw.Len()
	}
	for i := from; i < to; i++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		for j := i + 1; j < sw.Len(); j++ {
			if sw.bounds[j].Min[0] > sw.bounds[i].Max[0] {
				break
			}
			if !sw.bounds[i].Intersects(sw.bounds[j]) {
				continue
			}
			res.PairsChecked++
			d.evaluatePair(sw.Segments[i], sw.Segments[j], sw.Tolerance, &res)
		}
	}
	return res, nil
}

func (d *Detector) evaluatePair(a, b *Segment, tol float64, res *BatchResult) {
	eps := d.Options.Epsilon
	ends := []orb.Point{
		a.Geometry.Start().XY(), a.Geometry.End().XY(),
		b.Geometry.Start().XY(), b.Geometry.End().XY(),
	}

	for _, p := range d.Engine.Intersections(a.Geometry, b.Geometry) {
		if d.nearAnyWithin(p, ends, tol) {
			continue
		}
		ta, pa := d.locate(a, p)
		tb, pb := d.locate(b, p)
		if !interior(ta, eps) || !interior(tb, eps) {
			continue
		}
		res.SplitPoints = append(res.SplitPoints,
			SplitPoint{SegmentID: a.ID, T: ta, Point: pa, Kind: SplitCrossing, OtherID: b.ID},
			SplitPoint{SegmentID: b.ID, T: tb, Point: pb, Kind: SplitCrossing, OtherID: a.ID},
		)
	}

	d.endpointsAgainst(a, b, tol, res)
	d.endpointsAgainst(b, a, tol, res)
}

// endpointsAgainst checks the endpoints of a against line b. An endpoint
// near b's interior is a T and cuts b; one near b's own endpoint is a Y and
// is left to node snapping.
func (d *Detector) endpointsAgainst(a, b *Segment, tol float64, res *BatchResult) {
	bEnds := []orb.Point{b.Geometry.Start().XY(), b.Geometry.End().XY()}
	for _, end := range []Point3{a.Geometry.Start(), a.Geometry.End()} {
		p := end.XY()
		nearest := d.Engine.Distance(p, bEnds[0])
		if other := d.Engine.Distance(p, bEnds[1]); other < nearest {
			nearest = other
		}
		if nearest <= tol {
			// each pair is checked in both directions; record the junction once
			if nearest > coincident && a.ID < b.ID {
				res.Junctions = append(res.Junctions, Junction{SegmentID: a.ID, OtherID: b.ID, Point: end, Distance: nearest})
			}
			continue
		}
		at, dist := d.Engine.ClosestPoint(b.Geometry, p)
		if dist > tol {
			continue
		}
		t := d.Engine.LineLocatePoint(b.Geometry, at.XY())
		if !interior(t, d.Options.Epsilon) {
			continue
		}
		res.SplitPoints = append(res.SplitPoints, SplitPoint{
			SegmentID: b.ID,
			T:         t,
			Point:     at,
			Kind:      SplitT,
			Distance:  dist,
			OtherID:   a.ID,
		})
	}
}

func (d *Detector) locate(s *Segment, p orb.Point) (float64, Point3) {
	at, _ := d.Engine.ClosestPoint(s.Geometry, p)
	return d.Engine.LineLocatePoint(s.Geometry, p), at
}

func (d *Detector) nearAnyWithin(p orb.Point, pts []orb.Point, tol float64) bool {
	for _, q := range pts {
		if d.Engine.Within(p, q, tol) {
			return true
		}
	}
	return false
}

func interior(t, eps float64) bool {
	return t > eps && t < 1-eps
}

// Cluster merges candidate split points on each segment that lie within the
// cluster tolerance of one another. The representative sits on the segment
// at the projection of the cluster centroid and takes its kind from the
// closest candidate.
func (d *Detector) Cluster(sw *Sweep, raw []SplitPoint) map[string][]SplitPoint {
	bySeg := make(map[string][]SplitPoint)
	for _, sp := range raw {
		bySeg[sp.SegmentID] = append(bySeg[sp.SegmentID], sp)
	}

	out := make(map[string][]SplitPoint, len(bySeg))
	for segID, cands := range bySeg {
		seg, ok := sw.Segment(segID)
		if !ok {
			continue
		}
		sort.Slice(cands, func(i, j int) bool {
			if cands[i].T != cands[j].T {
				return cands[i].T < cands[j].T
			}
			return cands[i].OtherID < cands[j].OtherID
		})

		uf := newUnionFind(len(cands))
		for i := range cands {
			for j := i + 1; j < len(cands); j++ {
				if d.Engine.Within(cands[i].Point.XY(), cands[j].Point.XY(), d.Options.ClusterTolerance) {
					uf.union(i, j)
				}
			}
		}

		var reps []SplitPoint
		for _, members := range uf.groups() {
			var cx, cy float64
			best := cands[members[0]]
			for _, m := range members {
				c := cands[m]
				cx += c.Point.X
				cy += c.Point.Y
				if c.Distance < best.Distance || (c.Distance == best.Distance && c.OtherID < best.OtherID) {
					best = c
				}
			}
			n := float64(len(members))
			centroid := orb.Point{cx / n, cy / n}
			if len(members) == 1 {
				centroid = best.Point.XY()
			}
			t := d.Engine.LineLocatePoint(seg.Geometry, centroid)
			if !interior(t, d.Options.Epsilon) {
				continue
			}
			at, _ := d.Engine.ClosestPoint(seg.Geometry, centroid)
			rep := best
			rep.T = t
			rep.Point = at
			reps = append(reps, rep)
		}
		sort.Slice(reps, func(i, j int) bool { return reps[i].T < reps[j].T })
		if len(reps) > 0 {
			out[segID] = reps
		}
	}
	return out
}

// Detect runs a single unbatched pass over segments.
func (d *Detector) Detect(ctx context.Context, segments []*Segment, tolerance float64) (*Detection, error) {
	sw := d.Prepare(segments, tolerance)
	res, err := d.DetectBatch(ctx, sw, 0, sw.Len())
	if err != nil {
		return nil, err
	}
	return &Detection{
		SplitPoints:  d.Cluster(sw, res.SplitPoints),
		Junctions:    res.Junctions,
		Excluded:     sw.Excluded,
		PairsChecked: res.PairsChecked,
	}, nil
}
