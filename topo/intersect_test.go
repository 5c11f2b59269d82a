package topo

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetect_Crossing(t *testing.T) {
	d := testDetector()
	a := seg("A", xy(0, 0, 10, 0))
	b := seg("B", xy(5, -5, 5, 5))

	det, err := d.Detect(context.Background(), []*Segment{a, b}, 1.0)
	require.NoError(t, err)

	assert.Equal(t, 2, det.Count())
	for _, id := range []string{"A.0", "B.0"} {
		pts := det.SplitPoints[id]
		require.Len(t, pts, 1, "split points on %s", id)
		assert.Equal(t, SplitCrossing, pts[0].Kind)
		assert.InDelta(t, 0.5, pts[0].T, 1e-9)
		assert.InDelta(t, 5, pts[0].Point.X, 1e-9)
		assert.InDelta(t, 0, pts[0].Point.Y, 1e-9)
	}
	assert.Equal(t, "B.0", det.SplitPoints["A.0"][0].OtherID)
	assert.Empty(t, det.Junctions)
}

func TestDetect_TIntersection(t *testing.T) {
	tests := []struct {
		name     string
		stem     Line
		wantDist float64
	}{
		{"stem ends on the line", xy(5, 0, 5, 5), 0},
		{"stem stops short", xy(5, 0.5, 5, 5), 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := testDetector()
			a := seg("A", xy(0, 0, 10, 0))
			b := seg("B", tt.stem)

			det, err := d.Detect(context.Background(), []*Segment{a, b}, 1.0)
			require.NoError(t, err)

			require.Equal(t, 1, det.Count())
			pts := det.SplitPoints["A.0"]
			require.Len(t, pts, 1)
			assert.Equal(t, SplitT, pts[0].Kind)
			assert.Equal(t, "B.0", pts[0].OtherID)
			assert.InDelta(t, 0.5, pts[0].T, 1e-9)
			assert.InDelta(t, tt.wantDist, pts[0].Distance, 1e-9)
			assert.Empty(t, det.SplitPoints["B.0"], "the stem is not cut")
		})
	}
}

func TestDetect_TBeyondToleranceIgnored(t *testing.T) {
	d := testDetector()
	a := seg("A", xy(0, 0, 10, 0))
	b := seg("B", xy(5, 2, 5, 5))

	det, err := d.Detect(context.Background(), []*Segment{a, b}, 1.0)
	require.NoError(t, err)
	assert.Equal(t, 0, det.Count())
}

func TestDetect_YJunctionRecordedOnce(t *testing.T) {
	d := testDetector()
	a := seg("A", xy(0, 0, 10, 0))
	b := seg("B", xy(10.5, 0, 20, 5))

	det, err := d.Detect(context.Background(), []*Segment{a, b}, 1.0)
	require.NoError(t, err)

	assert.Equal(t, 0, det.Count(), "endpoint meetings do not cut lines")
	require.Len(t, det.Junctions, 1)
	assert.Equal(t, "A.0", det.Junctions[0].SegmentID)
	assert.Equal(t, "B.0", det.Junctions[0].OtherID)
	assert.InDelta(t, 0.5, det.Junctions[0].Distance, 1e-9)
}

func TestDetect_SharedEndpointIsNotAJunction(t *testing.T) {
	d := testDetector()
	a := seg("A", xy(0, 0, 10, 0))
	b := seg("B", xy(10, 0, 20, 5))

	det, err := d.Detect(context.Background(), []*Segment{a, b}, 1.0)
	require.NoError(t, err)
	assert.Equal(t, 0, det.Count())
	assert.Empty(t, det.Junctions)
}

func TestDetect_ExcludesUnusableSegments(t *testing.T) {
	d := testDetector()
	good := seg("good", xy(0, 0, 10, 0))
	single := &Segment{ID: "single.0", TrailID: "single", Geometry: xy(1, 1), To: 1}
	short := seg("short", xy(0, 5, 0.1, 5))
	looped := seg("looped", xy(0, 0, 10, 0, 10, 10, 5, -5))

	det, err := d.Detect(context.Background(), []*Segment{good, single, short, looped}, 1.0)
	require.NoError(t, err)

	require.Len(t, det.Excluded, 3)
	for _, err := range det.Excluded {
		var invalid *InvalidGeometryError
		assert.True(t, errors.As(err, &invalid), "excluded error %v", err)
	}
	assert.Equal(t, 0, det.PairsChecked)
}

func TestDetectBatch_EachPairOnce(t *testing.T) {
	d := testDetector()
	segments := []*Segment{
		seg("A", xy(0, 0, 10, 0)),
		seg("B", xy(5, -5, 5, 5)),
		seg("C", xy(0, 2, 10, 2)),
	}
	sw := d.Prepare(segments, 1.0)
	require.Equal(t, 3, sw.Len())

	full, err := d.DetectBatch(context.Background(), sw, 0, sw.Len())
	require.NoError(t, err)

	var pairs, points int
	for from := 0; from < sw.Len(); from++ {
		br, err := d.DetectBatch(context.Background(), sw, from, from+1)
		require.NoError(t, err)
		pairs += br.PairsChecked
		points += len(br.SplitPoints)
	}
	assert.Equal(t, 3, full.PairsChecked)
	assert.Equal(t, full.PairsChecked, pairs)
	assert.Equal(t, len(full.SplitPoints), points)
	assert.Equal(t, 4, points, "B crosses both A and C")
}

func TestDetectBatch_Cancelled(t *testing.T) {
	d := testDetector()
	sw := d.Prepare([]*Segment{seg("A", xy(0, 0, 10, 0)), seg("B", xy(5, -5, 5, 5))}, 1.0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.DetectBatch(ctx, sw, 0, sw.Len())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCluster_MergesNearbyCandidates(t *testing.T) {
	d := testDetector()
	a := seg("A", xy(0, 0, 10, 0))
	sw := d.Prepare([]*Segment{a}, 1.0)

	raw := []SplitPoint{
		{SegmentID: "A.0", T: 0.5, Point: Point3{X: 5}, Kind: SplitCrossing, Distance: 0.3, OtherID: "x"},
		{SegmentID: "A.0", T: 0.52, Point: Point3{X: 5.2}, Kind: SplitT, Distance: 0.1, OtherID: "y"},
		{SegmentID: "A.0", T: 0.8, Point: Point3{X: 8}, Kind: SplitCrossing, OtherID: "z"},
		{SegmentID: "unknown", T: 0.5, Point: Point3{X: 5}},
	}
	got := d.Cluster(sw, raw)

	require.Len(t, got, 1)
	pts := got["A.0"]
	require.Len(t, pts, 2)

	assert.InDelta(t, 0.51, pts[0].T, 1e-9, "representative sits at the centroid")
	assert.Equal(t, SplitT, pts[0].Kind, "kind comes from the closest candidate")
	assert.Equal(t, "y", pts[0].OtherID)
	assert.InDelta(t, 0.8, pts[1].T, 1e-9)
}

func TestCluster_DropsPointsAtSegmentEnds(t *testing.T) {
	d := testDetector()
	a := seg("A", xy(0, 0, 10, 0))
	sw := d.Prepare([]*Segment{a}, 1.0)

	got := d.Cluster(sw, []SplitPoint{{SegmentID: "A.0", Point: Point3{X: 0}}})
	assert.Empty(t, got)
}
