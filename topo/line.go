package topo

import (
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// Point3 is a projected coordinate in meters with an elevation.
type Point3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// XY drops the elevation.
func (p Point3) XY() orb.Point {
	return orb.Point{p.X, p.Y}
}

func lerp3(a, b Point3, f float64) Point3 {
	return Point3{
		X: a.X + (b.X-a.X)*f,
		Y: a.Y + (b.Y-a.Y)*f,
		Z: a.Z + (b.Z-a.Z)*f,
	}
}

// Line is an ordered polyline. All lengths are horizontal.
type Line []Point3

// LineString returns the 2D orb geometry of l.
func (l Line) LineString() orb.LineString {
	ls := make(orb.LineString, len(l))
	for i, p := range l {
		ls[i] = p.XY()
	}
	return ls
}

// Length returns the planar length in meters.
func (l Line) Length() float64 {
	if len(l) < 2 {
		return 0
	}
	return planar.Length(l.LineString())
}

// Length3D includes elevation change in the length.
func (l Line) Length3D() float64 {
	total := 0.0
	for i := 1; i < len(l); i++ {
		h := planar.Distance(l[i-1].XY(), l[i].XY())
		total += math.Hypot(h, l[i].Z-l[i-1].Z)
	}
	return total
}

// ElevationDeltas returns total ascent and total descent along l.
func (l Line) ElevationDeltas() (gain, loss float64) {
	for i := 1; i < len(l); i++ {
		d := l[i].Z - l[i-1].Z
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	return gain, loss
}

// Bound returns the 2D bounding box.
func (l Line) Bound() orb.Bound {
	return l.LineString().Bound()
}

func (l Line) Start() Point3 { return l[0] }
func (l Line) End() Point3   { return l[len(l)-1] }

func (l Line) Clone() Line {
	if l == nil {
		return nil
	}
	c := make(Line, len(l))
	copy(c, l)
	return c
}

// Reverse returns a reversed copy.
func (l Line) Reverse() Line {
	r := make(Line, len(l))
	for i, p := range l {
		r[len(l)-1-i] = p
	}
	return r
}

// Dedupe drops consecutive vertices that share the same XY position.
func (l Line) Dedupe() Line {
	out := make(Line, 0, len(l))
	for i, p := range l {
		if i > 0 && p.XY().Equal(out[len(out)-1].XY()) {
			continue
		}
		out = append(out, p)
	}
	return out
}

func (l Line) cumulative() []float64 {
	cum := make([]float64, len(l))
	for i := 1; i < len(l); i++ {
		cum[i] = cum[i-1] + planar.Distance(l[i-1].XY(), l[i].XY())
	}
	return cum
}

// pointAtDistance interpolates the point d meters along l.
func (l Line) pointAtDistance(cum []float64, d float64) Point3 {
	if d <= 0 {
		return l[0]
	}
	i := sort.SearchFloat64s(cum, d)
	if i >= len(l) {
		return l[len(l)-1]
	}
	if i == 0 {
		return l[0]
	}
	span := cum[i] - cum[i-1]
	if span == 0 {
		return l[i]
	}
	return lerp3(l[i-1], l[i], (d-cum[i-1])/span)
}

// Interpolate returns the point at fraction t of the length.
func (l Line) Interpolate(t float64) Point3 {
	if len(l) == 0 {
		return Point3{}
	}
	t = clamp01(t)
	if t == 0 {
		return l[0]
	}
	if t == 1 {
		return l[len(l)-1]
	}
	cum := l.cumulative()
	return l.pointAtDistance(cum, t*cum[len(cum)-1])
}

// Substring extracts the part of l between fractions t0 and t1. The
// endpoints are interpolated exactly, so adjacent substrings share them.
func (l Line) Substring(t0, t1 float64) Line {
	if len(l) < 2 {
		return l.Clone()
	}
	t0, t1 = clamp01(t0), clamp01(t1)
	if t1 < t0 {
		t0, t1 = t1, t0
	}
	cum := l.cumulative()
	total := cum[len(cum)-1]
	d0, d1 := t0*total, t1*total

	start := l.pointAtDistance(cum, d0)
	if t0 == 0 {
		start = l[0]
	}
	end := l.pointAtDistance(cum, d1)
	if t1 == 1 {
		end = l[len(l)-1]
	}

	out := Line{start}
	for i := 1; i < len(l)-1; i++ {
		if cum[i] > d0 && cum[i] < d1 {
			out = append(out, l[i])
		}
	}
	return append(out, end)
}

// Locate projects p onto l. It returns the fraction along l, the closest
// point on l (elevation interpolated) and the planar distance to it.
func (l Line) Locate(p orb.Point) (t float64, at Point3, dist float64) {
	if len(l) == 0 {
		return 0, Point3{}, math.Inf(1)
	}
	if len(l) == 1 {
		return 0, l[0], planar.Distance(p, l[0].XY())
	}
	cum := l.cumulative()
	total := cum[len(cum)-1]
	dist = math.Inf(1)
	along := 0.0
	for i := 1; i < len(l); i++ {
		f, q := projectOnSegment(p, l[i-1], l[i])
		d := planar.Distance(p, q.XY())
		if d < dist {
			dist = d
			at = q
			along = cum[i-1] + f*(cum[i]-cum[i-1])
		}
	}
	if total > 0 {
		t = along / total
	}
	return clamp01(t), at, dist
}

func projectOnSegment(p orb.Point, a, b Point3) (float64, Point3) {
	dx, dy := b.X-a.X, b.Y-a.Y
	lenSq := dx*dx + dy*dy
	if lenSq == 0 {
		return 0, a
	}
	f := clamp01(((p[0]-a.X)*dx + (p[1]-a.Y)*dy) / lenSq)
	return f, lerp3(a, b, f)
}

// IsSimple reports whether l has at least two distinct vertices and does not
// touch itself anywhere other than at shared consecutive vertices. A closed
// ring is allowed to meet itself at its start.
func (l Line) IsSimple() bool {
	if len(l) < 2 || l.Length() == 0 {
		return false
	}
	n := len(l) - 1
	closed := l[0].XY().Equal(l[n].XY())
	bounds := make([]orb.Bound, n)
	for i := 0; i < n; i++ {
		bounds[i] = orb.Bound{Min: l[i].XY(), Max: l[i].XY()}.Extend(l[i+1].XY())
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if !bounds[i].Intersects(bounds[j]) {
				continue
			}
			hits := segmentIntersections(l[i].XY(), l[i+1].XY(), l[j].XY(), l[j+1].XY())
			if len(hits) == 0 {
				continue
			}
			var shared []orb.Point
			if j == i+1 {
				shared = append(shared, l[j].XY())
			}
			if closed && i == 0 && j == n-1 {
				shared = append(shared, l[0].XY())
			}
			for _, h := range hits {
				if !nearAny(h, shared, coincident) {
					return false
				}
			}
		}
	}
	return true
}

// coincident is the distance under which two computed points are treated
// as the same location.
const coincident = 1e-9

func nearAny(p orb.Point, pts []orb.Point, tol float64) bool {
	for _, q := range pts {
		if planar.Distance(p, q) <= tol {
			return true
		}
	}
	return false
}

// segmentIntersections intersects segments ab and cd. It returns no point,
// one point, or both ends of a collinear overlap.
func segmentIntersections(a, b, c, d orb.Point) []orb.Point {
	r := orb.Point{b[0] - a[0], b[1] - a[1]}
	s := orb.Point{d[0] - c[0], d[1] - c[1]}
	qp := orb.Point{c[0] - a[0], c[1] - a[1]}
	rr := dot(r, r)
	ss := dot(s, s)
	if rr == 0 || ss == 0 {
		return nil
	}
	denom := cross(r, s)
	scale := math.Sqrt(rr * ss)

	if math.Abs(denom) <= 1e-12*scale {
		// parallel; only collinear segments can meet
		if math.Abs(cross(qp, r)) > 1e-9*math.Sqrt(rr)*math.Max(1, math.Sqrt(dot(qp, qp))) {
			return nil
		}
		t0 := dot(qp, r) / rr
		t1 := dot(orb.Point{d[0] - a[0], d[1] - a[1]}, r) / rr
		if t0 > t1 {
			t0, t1 = t1, t0
		}
		lo, hi := math.Max(0, t0), math.Min(1, t1)
		if lo > hi+1e-12 {
			return nil
		}
		p0 := orb.Point{a[0] + lo*r[0], a[1] + lo*r[1]}
		if hi-lo <= 1e-12 {
			return []orb.Point{p0}
		}
		return []orb.Point{p0, {a[0] + hi*r[0], a[1] + hi*r[1]}}
	}

	t := cross(qp, s) / denom
	u := cross(qp, r) / denom
	const slack = 1e-12
	if t < -slack || t > 1+slack || u < -slack || u > 1+slack {
		return nil
	}
	t = clamp01(t)
	return []orb.Point{{a[0] + t*r[0], a[1] + t*r[1]}}
}

// lineIntersections returns every point where a and b meet, de-duplicated.
func lineIntersections(a, b Line) []orb.Point {
	if len(a) < 2 || len(b) < 2 {
		return nil
	}
	if !a.Bound().Intersects(b.Bound()) {
		return nil
	}
	var out []orb.Point
	for i := 1; i < len(a); i++ {
		ba := orb.Bound{Min: a[i-1].XY(), Max: a[i-1].XY()}.Extend(a[i].XY())
		for j := 1; j < len(b); j++ {
			bb := orb.Bound{Min: b[j-1].XY(), Max: b[j-1].XY()}.Extend(b[j].XY())
			if !ba.Intersects(bb) {
				continue
			}
			for _, p := range segmentIntersections(a[i-1].XY(), a[i].XY(), b[j-1].XY(), b[j].XY()) {
				if !nearAny(p, out, coincident) {
					out = append(out, p)
				}
			}
		}
	}
	return out
}

func dot(a, b orb.Point) float64   { return a[0]*b[0] + a[1]*b[1] }
func cross(a, b orb.Point) float64 { return a[0]*b[1] - a[1]*b[0] }

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// padBound grows b by d meters on every side.
func padBound(b orb.Bound, d float64) orb.Bound {
	return orb.Bound{
		Min: orb.Point{b.Min[0] - d, b.Min[1] - d},
		Max: orb.Point{b.Max[0] + d, b.Max[1] + d},
	}
}
