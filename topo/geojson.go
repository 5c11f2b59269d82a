package topo

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/simplify"
)

// GeometryType represents the GeoJSON geometry type
type GeometryType string

const (
	GeometryPoint           GeometryType = "Point"
	GeometryLineString      GeometryType = "LineString"
	GeometryMultiLineString GeometryType = "MultiLineString"
)

// Geometry represents a GeoJSON geometry object
type Geometry struct {
	Type        GeometryType    `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
}

// Feature represents a GeoJSON feature with geometry and properties
type Feature struct {
	Type       string         `json:"type"`
	Geometry   *Geometry      `json:"geometry"`
	Properties map[string]any `json:"properties"`
	ID         any            `json:"id,omitempty"`
}

// FeatureCollection represents a GeoJSON FeatureCollection
type FeatureCollection struct {
	Type     string     `json:"type"`
	Features []*Feature `json:"features"`
}

// NewFeatureCollection creates a new empty FeatureCollection
func NewFeatureCollection() *FeatureCollection {
	return &FeatureCollection{
		Type:     "FeatureCollection",
		Features: make([]*Feature, 0),
	}
}

// AddFeature appends a feature to the collection
func (fc *FeatureCollection) AddFeature(f *Feature) {
	fc.Features = append(fc.Features, f)
}

// NewFeature creates a Feature with the given geometry and properties
func NewFeature(geom *Geometry, props map[string]any) *Feature {
	if props == nil {
		props = make(map[string]any)
	}
	return &Feature{
		Type:       "Feature",
		Geometry:   geom,
		Properties: props,
	}
}

// LineToGeometry converts a line to a 3D GeoJSON LineString, passing each
// vertex through p.Inverse.
func LineToGeometry(l Line, p Projector) *Geometry {
	coords := make([][3]float64, len(l))
	for i, pt := range l {
		xy := p.Inverse(pt.XY())
		coords[i] = [3]float64{xy[0], xy[1], pt.Z}
	}
	coordsJSON, _ := json.Marshal(coords)
	return &Geometry{Type: GeometryLineString, Coordinates: coordsJSON}
}

// PointToGeometry converts a point to a 3D GeoJSON Point.
func PointToGeometry(pt Point3, p Projector) *Geometry {
	xy := p.Inverse(pt.XY())
	coordsJSON, _ := json.Marshal([3]float64{xy[0], xy[1], pt.Z})
	return &Geometry{Type: GeometryPoint, Coordinates: coordsJSON}
}

func decodePosition(c []float64) (Point3, error) {
	switch len(c) {
	case 2:
		return Point3{X: c[0], Y: c[1]}, nil
	case 3, 4:
		return Point3{X: c[0], Y: c[1], Z: c[2]}, nil
	default:
		return Point3{}, fmt.Errorf("position has %d values", len(c))
	}
}

func decodeLine(raw [][]float64) (Line, error) {
	l := make(Line, len(raw))
	for i, c := range raw {
		p, err := decodePosition(c)
		if err != nil {
			return nil, fmt.Errorf("vertex %d: %w", i, err)
		}
		l[i] = p
	}
	return l, nil
}

// ParseTrails decodes trails from a FeatureCollection, a single Feature, or
// newline-delimited Features. Features that are not lines are skipped.
func ParseTrails(data []byte) ([]Trail, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty trail input")
	}

	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(trimmed, &head); err == nil {
		switch head.Type {
		case "FeatureCollection":
			var fc FeatureCollection
			if err := json.Unmarshal(trimmed, &fc); err != nil {
				return nil, fmt.Errorf("failed to parse feature collection: %w", err)
			}
			return FeaturesToTrails(fc.Features)
		case "Feature":
			var f Feature
			if err := json.Unmarshal(trimmed, &f); err != nil {
				return nil, fmt.Errorf("failed to parse feature: %w", err)
			}
			return FeaturesToTrails([]*Feature{&f})
		}
	}

	var features []*Feature
	sc := bufio.NewScanner(bytes.NewReader(trimmed))
	sc.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var f Feature
		if err := json.Unmarshal([]byte(text), &f); err != nil {
			return nil, fmt.Errorf("line %d: failed to parse feature: %w", line, err)
		}
		features = append(features, &f)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan features: %w", err)
	}
	return FeaturesToTrails(features)
}

// FeaturesToTrails converts line features to trails. The trail id comes
// from the "id" property, then the feature id, then the feature index. Each
// part of a MultiLineString becomes its own trail.
func FeaturesToTrails(features []*Feature) ([]Trail, error) {
	var trails []Trail
	for i, f := range features {
		if f == nil || f.Geometry == nil {
			continue
		}
		id := featureID(f, i)
		name, _ := f.Properties["name"].(string)
		attrs := make(map[string]any, len(f.Properties))
		for k, v := range f.Properties {
			if k != "id" && k != "name" {
				attrs[k] = v
			}
		}

		switch f.Geometry.Type {
		case GeometryLineString:
			var raw [][]float64
			if err := json.Unmarshal(f.Geometry.Coordinates, &raw); err != nil {
				return nil, fmt.Errorf("feature %s: %w", id, err)
			}
			l, err := decodeLine(raw)
			if err != nil {
				return nil, fmt.Errorf("feature %s: %w", id, err)
			}
			trails = append(trails, Trail{ID: id, Name: name, Points: l, Attributes: attrs})
		case GeometryMultiLineString:
			var raw [][][]float64
			if err := json.Unmarshal(f.Geometry.Coordinates, &raw); err != nil {
				return nil, fmt.Errorf("feature %s: %w", id, err)
			}
			for k, part := range raw {
				l, err := decodeLine(part)
				if err != nil {
					return nil, fmt.Errorf("feature %s part %d: %w", id, k, err)
				}
				partID := id
				if len(raw) > 1 {
					partID = fmt.Sprintf("%s-%d", id, k)
				}
				trails = append(trails, Trail{ID: partID, Name: name, Points: l, Attributes: attrs})
			}
		}
	}
	return trails, nil
}

func featureID(f *Feature, index int) string {
	if v, ok := f.Properties["id"]; ok && v != nil {
		return idString(v)
	}
	if f.ID != nil {
		return idString(f.ID)
	}
	return fmt.Sprintf("trail-%d", index)
}

func idString(v any) string {
	if n, ok := v.(float64); ok && n == math.Trunc(n) {
		return fmt.Sprintf("%d", int64(n))
	}
	return fmt.Sprint(v)
}

// LoadTrailsFile reads trails from a GeoJSON or NDJSON file.
func LoadTrailsFile(path string) ([]Trail, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read trails file: %w", err)
	}
	return ParseTrails(data)
}

// SimplifyTrail reduces vertices with Douglas-Peucker, keeping the
// elevation of every retained vertex.
func SimplifyTrail(t Trail, tolerance float64) Trail {
	if tolerance <= 0 || len(t.Points) < 3 {
		return t
	}
	ls := t.Points.LineString()
	simplified, ok := simplify.DouglasPeucker(tolerance).Simplify(ls.Clone()).(orb.LineString)
	if !ok || len(simplified) < 2 {
		return t
	}
	kept := make(Line, 0, len(simplified))
	j := 0
	for _, p := range t.Points {
		if j < len(simplified) && p.XY().Equal(simplified[j]) {
			kept = append(kept, p)
			j++
		}
	}
	if j != len(simplified) {
		return t
	}
	t.Points = kept
	return t
}

// GraphToFeatureCollection exports edges as LineStrings and nodes as Points.
func GraphToFeatureCollection(g *Graph, p Projector) *FeatureCollection {
	fc := NewFeatureCollection()
	for _, e := range g.Edges {
		props := map[string]any{
			"kind":          "edge",
			"id":            e.ID,
			"from":          e.From,
			"to":            e.To,
			"length":        e.Length,
			"elevationGain": e.ElevationGain,
			"elevationLoss": e.ElevationLoss,
			"synthetic":     e.Synthetic,
		}
		if e.TrailID != "" {
			props["trailId"] = e.TrailID
		}
		if e.Name != "" {
			props["name"] = e.Name
		}
		f := NewFeature(LineToGeometry(e.Geometry, p), props)
		f.ID = e.ID
		fc.AddFeature(f)
	}
	for _, n := range g.Nodes {
		f := NewFeature(PointToGeometry(n.Point, p), map[string]any{
			"kind":     "node",
			"id":       n.ID,
			"degree":   n.Degree,
			"nodeType": string(n.Kind),
		})
		f.ID = n.ID
		fc.AddFeature(f)
	}
	return fc
}

// WriteGeoJSON encodes fc.
func WriteGeoJSON(w io.Writer, fc *FeatureCollection) error {
	return json.NewEncoder(w).Encode(fc)
}

// WriteNDJSON writes one feature per line.
func WriteNDJSON(w io.Writer, fc *FeatureCollection) error {
	enc := json.NewEncoder(w)
	for _, f := range fc.Features {
		if err := enc.Encode(f); err != nil {
			return err
		}
	}
	return nil
}

// GeoJSONCheck is the result of ValidateFeatureCollection.
type GeoJSONCheck struct {
	Features      int            `json:"features"`
	GeometryTypes map[string]int `json:"geometryTypes"`
	Issues        []string       `json:"issues"`
}

// ValidateFeatureCollection looks for features that would not load or
// render: missing geometry, LineStrings under two points or with almost no
// length, and malformed Points.
func ValidateFeatureCollection(fc *FeatureCollection, minLength float64) GeoJSONCheck {
	check := GeoJSONCheck{Features: len(fc.Features), GeometryTypes: make(map[string]int)}
	for i, f := range fc.Features {
		if f == nil || f.Geometry == nil {
			check.Issues = append(check.Issues, fmt.Sprintf("feature %d: missing geometry", i))
			continue
		}
		check.GeometryTypes[string(f.Geometry.Type)]++
		switch f.Geometry.Type {
		case GeometryLineString:
			var raw [][]float64
			if err := json.Unmarshal(f.Geometry.Coordinates, &raw); err != nil {
				check.Issues = append(check.Issues, fmt.Sprintf("feature %d: %v", i, err))
				continue
			}
			l, err := decodeLine(raw)
			if err != nil {
				check.Issues = append(check.Issues, fmt.Sprintf("feature %d: %v", i, err))
				continue
			}
			if len(l) < 2 {
				check.Issues = append(check.Issues, fmt.Sprintf("feature %d: LineString with %d points", i, len(l)))
				continue
			}
			if length := l.Length(); length < minLength {
				check.Issues = append(check.Issues, fmt.Sprintf("feature %d: very short LineString (%.6f)", i, length))
			}
		case GeometryPoint:
			var raw []float64
			if err := json.Unmarshal(f.Geometry.Coordinates, &raw); err != nil || len(raw) < 2 || len(raw) > 3 {
				check.Issues = append(check.Issues, fmt.Sprintf("feature %d: Point with %d coordinates", i, len(raw)))
			}
		}
	}
	return check
}
