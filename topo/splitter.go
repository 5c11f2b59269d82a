package topo

import (
	"fmt"
	"sort"
	"strings"
)

// SplitOptions tunes how segments are cut.
type SplitOptions struct {
	// MinSegmentLength merges shorter pieces into a neighbor.
	MinSegmentLength float64
	// Epsilon rejects split points closer than this fraction to another.
	Epsilon float64
}

// ShortMerge records a piece absorbed into its neighbor for being too short.
type ShortMerge struct {
	SegmentID string  `json:"segmentId"`
	At        float64 `json:"at"`
	Length    float64 `json:"length"`
}

// SplitResult is the outcome of splitting one segment.
type SplitResult struct {
	Pieces   []*Segment
	Accepted []SplitPoint
	Merges   []ShortMerge
	Issues   []error
}

// SplitSegment cuts seg at the given points. Points within epsilon of an
// earlier accepted point are dropped and reported. Pieces shorter than the
// minimum length are merged into their shorter neighbor, so the piece count
// is len(Accepted)+1-len(Merges). With nothing to cut, the original segment
// is returned as the only piece.
func SplitSegment(e Engine, seg *Segment, points []SplitPoint, opts SplitOptions) SplitResult {
	var res SplitResult
	eps := opts.Epsilon

	sorted := append([]SplitPoint(nil), points...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].T < sorted[j].T })

	last := 0.0
	for _, sp := range sorted {
		switch {
		case sp.T-last < eps:
			res.Issues = append(res.Issues, &DuplicateSplitError{SegmentID: seg.ID, T: sp.T, KeptT: last})
		case 1-sp.T < eps:
			res.Issues = append(res.Issues, &DuplicateSplitError{SegmentID: seg.ID, T: sp.T, KeptT: 1})
		default:
			res.Accepted = append(res.Accepted, sp)
			last = sp.T
		}
	}
	if len(res.Accepted) == 0 {
		res.Pieces = []*Segment{seg}
		return res
	}

	total := e.Length(seg.Geometry)
	cuts := make([]float64, 0, len(res.Accepted)+2)
	cuts = append(cuts, 0)
	for _, sp := range res.Accepted {
		cuts = append(cuts, sp.T)
	}
	cuts = append(cuts, 1)

	for len(cuts) > 2 {
		shortest, shortLen := -1, 0.0
		for i := 0; i+1 < len(cuts); i++ {
			l := (cuts[i+1] - cuts[i]) * total
			if l < opts.MinSegmentLength && (shortest < 0 || l < shortLen) {
				shortest, shortLen = i, l
			}
		}
		if shortest < 0 {
			break
		}
		// drop the cut shared with the shorter neighbor
		drop := shortest
		switch {
		case shortest == 0:
			drop = 1
		case shortest == len(cuts)-2:
			drop = shortest
		default:
			left := cuts[shortest] - cuts[shortest-1]
			right := cuts[shortest+2] - cuts[shortest+1]
			if right < left {
				drop = shortest + 1
			}
		}
		res.Merges = append(res.Merges, ShortMerge{SegmentID: seg.ID, At: cuts[drop], Length: shortLen})
		cuts = append(cuts[:drop], cuts[drop+1:]...)
	}

	if len(cuts) == 2 {
		res.Pieces = []*Segment{seg}
		return res
	}
	span := seg.To - seg.From
	for k := 0; k+1 < len(cuts); k++ {
		res.Pieces = append(res.Pieces, &Segment{
			ID:         fmt.Sprintf("%s/%d", seg.ID, k),
			TrailID:    seg.TrailID,
			Ordinal:    k,
			Name:       seg.Name,
			Geometry:   e.LineSubstring(seg.Geometry, cuts[k], cuts[k+1]),
			From:       seg.From + cuts[k]*span,
			To:         seg.From + cuts[k+1]*span,
			Attributes: seg.Attributes,
			Synthetic:  seg.Synthetic,
		})
	}
	return res
}

// SplitSummary aggregates the outcome of SplitAll.
type SplitSummary struct {
	Accepted int
	Merges   []ShortMerge
	ByKind   map[SplitKind]int
	Issues   []error
}

// Created returns how many new segments the pass produced.
func (s SplitSummary) Created() int {
	return s.Accepted - len(s.Merges)
}

// SplitAll splits every segment that has split points and renumbers the
// trails that changed. Segments without points are passed through.
func SplitAll(e Engine, segments []*Segment, points map[string][]SplitPoint, opts SplitOptions) ([]*Segment, SplitSummary) {
	summary := SplitSummary{ByKind: make(map[SplitKind]int)}
	out := make([]*Segment, 0, len(segments))
	touched := make(map[string]bool)
	for _, s := range segments {
		pts := points[s.ID]
		if len(pts) == 0 {
			out = append(out, s)
			continue
		}
		res := SplitSegment(e, s, pts, opts)
		summary.Accepted += len(res.Accepted)
		summary.Merges = append(summary.Merges, res.Merges...)
		summary.Issues = append(summary.Issues, res.Issues...)
		for _, sp := range res.Accepted {
			summary.ByKind[sp.Kind]++
		}
		if len(res.Pieces) > 1 {
			touched[trailKey(s)] = true
		}
		out = append(out, res.Pieces...)
	}
	return renumber(out, touched), summary
}

func trailKey(s *Segment) string {
	if s.Synthetic || s.TrailID == "" {
		return s.ID
	}
	return s.TrailID
}

// renumber assigns "<trail>.<ordinal>" ids, ordered along the trail, to the
// segments of every touched trail. Renamed segments are copied.
func renumber(segments []*Segment, touched map[string]bool) []*Segment {
	if len(touched) == 0 {
		return segments
	}
	groups := make(map[string][]int)
	for i, s := range segments {
		if s.Synthetic || s.TrailID == "" || !touched[s.TrailID] {
			continue
		}
		groups[s.TrailID] = append(groups[s.TrailID], i)
	}
	out := append([]*Segment(nil), segments...)
	for trail, idx := range groups {
		sort.SliceStable(idx, func(a, b int) bool { return segments[idx[a]].From < segments[idx[b]].From })
		for ord, i := range idx {
			id := segmentID(trail, ord)
			if segments[i].ID == id && segments[i].Ordinal == ord {
				continue
			}
			cp := *segments[i]
			cp.ID = id
			cp.Ordinal = ord
			out[i] = &cp
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return segmentLess(out[i], out[j]) })
	return out
}

func segmentID(trailID string, ordinal int) string {
	return fmt.Sprintf("%s.%d", trailID, ordinal)
}

func segmentLess(a, b *Segment) bool {
	if a.TrailID != b.TrailID {
		return a.TrailID < b.TrailID
	}
	if a.From != b.From {
		return a.From < b.From
	}
	return strings.Compare(a.ID, b.ID) < 0
}
