package topo

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
)

func TestLine_Length(t *testing.T) {
	tests := []struct {
		name string
		line Line
		want float64
	}{
		{"empty", Line{}, 0},
		{"single point", xy(1, 1), 0},
		{"diagonal", xy(0, 0, 3, 4), 5},
		{"polyline", xy(0, 0, 10, 0, 10, 10), 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.line.Length(); !approx(got, tt.want) {
				t.Errorf("Length() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLine_ElevationDeltas(t *testing.T) {
	l := Line{{Z: 0}, {X: 1, Z: 10}, {X: 2, Z: 5}, {X: 3, Z: 8}}
	gain, loss := l.ElevationDeltas()
	assert.InDelta(t, 13, gain, 1e-9)
	assert.InDelta(t, 5, loss, 1e-9)
}

func TestLine_Length3D(t *testing.T) {
	l := Line{{X: 0, Z: 0}, {X: 3, Z: 4}}
	assert.InDelta(t, 5, l.Length3D(), 1e-9)
	assert.InDelta(t, 3, l.Length(), 1e-9)
}

func TestLine_Dedupe(t *testing.T) {
	l := xy(0, 0, 0, 0, 1, 0, 1, 0, 2, 0)
	assert.Equal(t, xy(0, 0, 1, 0, 2, 0), l.Dedupe())
}

func TestLine_Interpolate(t *testing.T) {
	l := Line{{X: 0, Y: 0, Z: 0}, {X: 10, Y: 0, Z: 10}}

	assert.Equal(t, Point3{X: 5, Y: 0, Z: 5}, l.Interpolate(0.5))
	assert.Equal(t, l[0], l.Interpolate(-1))
	assert.Equal(t, l[1], l.Interpolate(2))
}

func TestLine_Substring(t *testing.T) {
	l := xy(0, 0, 5, 0, 10, 0)

	tests := []struct {
		name   string
		t0, t1 float64
		want   Line
	}{
		{"whole", 0, 1, xy(0, 0, 5, 0, 10, 0)},
		{"keeps interior vertex", 0.2, 0.8, xy(2, 0, 5, 0, 8, 0)},
		{"first half", 0, 0.5, xy(0, 0, 5, 0)},
		{"swapped bounds", 0.8, 0.2, xy(2, 0, 5, 0, 8, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := l.Substring(tt.t0, tt.t1)
			if len(got) != len(tt.want) {
				t.Fatalf("Substring() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if !approx(got[i].X, tt.want[i].X) || !approx(got[i].Y, tt.want[i].Y) {
					t.Errorf("vertex %d = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestLine_SubstringsShareEndpoints(t *testing.T) {
	l := xy(0, 0, 3, 1, 7, -2, 10, 4)
	a := l.Substring(0, 0.37)
	b := l.Substring(0.37, 1)
	assert.Equal(t, a.End(), b.Start())
	assert.InDelta(t, l.Length(), a.Length()+b.Length(), 1e-9)
}

func TestLine_Locate(t *testing.T) {
	l := Line{{X: 0, Y: 0, Z: 0}, {X: 10, Y: 0, Z: 20}}

	frac, at, dist := l.Locate(orb.Point{5, 3})
	assert.InDelta(t, 0.5, frac, 1e-9)
	assert.Equal(t, Point3{X: 5, Y: 0, Z: 10}, at)
	assert.InDelta(t, 3, dist, 1e-9)

	frac, _, dist = l.Locate(orb.Point{-4, 3})
	assert.Equal(t, 0.0, frac)
	assert.InDelta(t, 5, dist, 1e-9)
}

func TestLine_IsSimple(t *testing.T) {
	tests := []struct {
		name string
		line Line
		want bool
	}{
		{"straight", xy(0, 0, 10, 0), true},
		{"bent", xy(0, 0, 10, 0, 10, 10), true},
		{"closed ring", xy(0, 0, 10, 0, 10, 10, 0, 10, 0, 0), true},
		{"self crossing", xy(0, 0, 10, 0, 10, 10, 5, -5), false},
		{"doubles back", xy(0, 0, 10, 0, 5, 0), false},
		{"zero length", xy(1, 1, 1, 1), false},
		{"single point", xy(1, 1), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.line.IsSimple(); got != tt.want {
				t.Errorf("IsSimple() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSegmentIntersections(t *testing.T) {
	tests := []struct {
		name       string
		a, b, c, d orb.Point
		want       []orb.Point
	}{
		{"crossing", orb.Point{0, 0}, orb.Point{10, 0}, orb.Point{5, -5}, orb.Point{5, 5}, []orb.Point{{5, 0}}},
		{"touching end", orb.Point{0, 0}, orb.Point{10, 0}, orb.Point{10, 0}, orb.Point{10, 5}, []orb.Point{{10, 0}}},
		{"disjoint", orb.Point{0, 0}, orb.Point{10, 0}, orb.Point{5, 1}, orb.Point{5, 5}, nil},
		{"parallel", orb.Point{0, 0}, orb.Point{10, 0}, orb.Point{0, 1}, orb.Point{10, 1}, nil},
		{"collinear overlap", orb.Point{0, 0}, orb.Point{10, 0}, orb.Point{5, 0}, orb.Point{15, 0}, []orb.Point{{5, 0}, {10, 0}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := segmentIntersections(tt.a, tt.b, tt.c, tt.d)
			if len(got) != len(tt.want) {
				t.Fatalf("segmentIntersections() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if !approx(got[i][0], tt.want[i][0]) || !approx(got[i][1], tt.want[i][1]) {
					t.Errorf("point %d = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestLineIntersections_Dedupes(t *testing.T) {
	// b passes exactly through a's interior vertex, which both of a's
	// segments report
	a := xy(0, 0, 5, 0, 10, 0)
	b := xy(5, -5, 5, 5)
	got := lineIntersections(a, b)
	assert.Len(t, got, 1)
}
