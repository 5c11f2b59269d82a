package topo

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
)

// Projector converts input coordinates to planar meters and back.
type Projector interface {
	Forward(p orb.Point) orb.Point
	Inverse(p orb.Point) orb.Point
}

// IdentityProjector leaves coordinates untouched. Used when input is
// already projected.
type IdentityProjector struct{}

func (IdentityProjector) Forward(p orb.Point) orb.Point { return p }
func (IdentityProjector) Inverse(p orb.Point) orb.Point { return p }

// LocalProjector maps lon/lat to meters around an origin using Web
// Mercator scaled by the cosine of the origin latitude, which keeps
// distances true near the origin.
type LocalProjector struct {
	origin orb.Point
	scale  float64
}

// NewLocalProjector creates a projector centered on a lon/lat origin.
func NewLocalProjector(origin orb.Point) *LocalProjector {
	return &LocalProjector{
		origin: project.WGS84.ToMercator(origin),
		scale:  math.Cos(origin[1] * math.Pi / 180),
	}
}

func (lp *LocalProjector) Forward(p orb.Point) orb.Point {
	m := project.WGS84.ToMercator(p)
	return orb.Point{(m[0] - lp.origin[0]) * lp.scale, (m[1] - lp.origin[1]) * lp.scale}
}

func (lp *LocalProjector) Inverse(p orb.Point) orb.Point {
	m := orb.Point{p[0]/lp.scale + lp.origin[0], p[1]/lp.scale + lp.origin[1]}
	return project.Mercator.ToWGS84(m)
}

// ProjectorFor picks the projector for a CRS name, centering wgs84 input
// on the middle of bound.
func ProjectorFor(crs string, bound orb.Bound) Projector {
	if crs == "wgs84" {
		return NewLocalProjector(bound.Center())
	}
	return IdentityProjector{}
}

// ProjectTrails returns copies of trails with every point passed through p.
func ProjectTrails(trails []Trail, p Projector) []Trail {
	out := make([]Trail, len(trails))
	for i, t := range trails {
		pts := make(Line, len(t.Points))
		for j, pt := range t.Points {
			xy := p.Forward(pt.XY())
			pts[j] = Point3{X: xy[0], Y: xy[1], Z: pt.Z}
		}
		t.Points = pts
		out[i] = t
	}
	return out
}

// TrailsBound returns the bounding box of all trail points.
func TrailsBound(trails []Trail) orb.Bound {
	var b orb.Bound
	first := true
	for _, t := range trails {
		for _, p := range t.Points {
			if first {
				b = p.XY().Bound()
				first = false
				continue
			}
			b = b.Extend(p.XY())
		}
	}
	return b
}
