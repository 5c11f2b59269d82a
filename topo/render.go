package topo

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// NodeColors maps node kinds to their marker color.
var NodeColors = map[NodeKind]color.RGBA{
	NodeIsolated:     {R: 128, G: 128, B: 128, A: 255},
	NodeEndpoint:     {R: 220, G: 50, B: 47, A: 255},
	NodeThrough:      {R: 38, G: 139, B: 210, A: 255},
	NodeIntersection: {R: 133, G: 153, B: 0, A: 255},
}

var (
	trailColor  = color.RGBA{R: 60, G: 60, B: 60, A: 255}
	bridgeColor = color.RGBA{R: 211, G: 54, B: 130, A: 255}
)

// GraphRenderer draws a graph as SVG or PNG. Canvas units are millimeters;
// world coordinates are scaled so the longer side spans Size.
type GraphRenderer struct {
	Graph       *Graph
	Size        float64           // longer canvas side in mm
	Padding     float64           // padding in mm
	Resolution  canvas.Resolution // PNG resolution
	StrokeWidth float64           // edge stroke in mm
	NodeRadius  float64           // node marker radius in mm
	Highlight   map[string]bool   // node ids drawn with an outline
	Legend      bool
}

// NewGraphRenderer creates a renderer with default settings.
func NewGraphRenderer(g *Graph) *GraphRenderer {
	return &GraphRenderer{
		Graph:       g,
		Size:        300,
		Padding:     10,
		Resolution:  canvas.DPMM(5),
		StrokeWidth: 0.6,
		NodeRadius:  1.2,
		Legend:      true,
	}
}

type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// frame maps world coordinates to canvas coordinates.
type frame struct {
	bound  orb.Bound
	scale  float64
	pad    float64
	width  float64
	height float64
}

func (f frame) point(p Point3) (float64, float64) {
	return (p.X-f.bound.Min[0])*f.scale + f.pad, (p.Y-f.bound.Min[1])*f.scale + f.pad
}

func (r *GraphRenderer) frame() (frame, error) {
	if r.Graph == nil || len(r.Graph.Nodes) == 0 {
		return frame{}, fmt.Errorf("graph is empty")
	}
	b := orb.Bound{Min: r.Graph.Nodes[0].Point.XY(), Max: r.Graph.Nodes[0].Point.XY()}
	for _, n := range r.Graph.Nodes {
		b = b.Extend(n.Point.XY())
	}
	for _, e := range r.Graph.Edges {
		b = b.Union(e.Geometry.Bound())
	}

	extent := math.Max(b.Max[0]-b.Min[0], b.Max[1]-b.Min[1])
	scale := 1.0
	if extent > 0 {
		scale = r.Size / extent
	}
	return frame{
		bound:  b,
		scale:  scale,
		pad:    r.Padding,
		width:  (b.Max[0]-b.Min[0])*scale + 2*r.Padding,
		height: (b.Max[1]-b.Min[1])*scale + 2*r.Padding,
	}, nil
}

// RenderToSVG writes the graph as an SVG.
func (r *GraphRenderer) RenderToSVG(w io.Writer) error {
	f, err := r.frame()
	if err != nil {
		return err
	}
	svgRenderer := svg.New(w, f.width, f.height, nil)
	r.renderToCanvas(svgRenderer, f)
	return svgRenderer.Close()
}

// RenderToPNG writes the graph as a PNG with a node kind legend.
func (r *GraphRenderer) RenderToPNG(w io.Writer) error {
	f, err := r.frame()
	if err != nil {
		return err
	}
	rast := rasterizer.New(f.width, f.height, r.Resolution, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, f)
	if r.Legend {
		drawLegend(rast)
	}
	return png.Encode(w, rast)
}

func (r *GraphRenderer) renderToCanvas(renderer canvasRenderer, f frame) {
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(f.width, f.height), bgStyle, canvas.Identity)

	trailStyle := canvas.DefaultStyle
	trailStyle.Fill = canvas.Paint{Color: canvas.Transparent}
	trailStyle.Stroke = canvas.Paint{Color: trailColor}
	trailStyle.StrokeWidth = r.StrokeWidth

	bridgeStyle := trailStyle
	bridgeStyle.Stroke = canvas.Paint{Color: bridgeColor}
	bridgeStyle.Dashes = []float64{2 * r.StrokeWidth, 2 * r.StrokeWidth}

	for _, e := range r.Graph.Edges {
		if len(e.Geometry) < 2 {
			continue
		}
		cp := &canvas.Path{}
		for i, p := range e.Geometry {
			cx, cy := f.point(p)
			if i == 0 {
				cp.MoveTo(cx, cy)
			} else {
				cp.LineTo(cx, cy)
			}
		}
		style := trailStyle
		if e.Synthetic {
			style = bridgeStyle
		}
		renderer.RenderPath(cp, style, canvas.Identity)
	}

	for _, n := range r.Graph.Nodes {
		nodeStyle := canvas.DefaultStyle
		nodeStyle.Fill = canvas.Paint{Color: NodeColors[n.Kind]}
		nodeStyle.Stroke = canvas.Paint{Color: canvas.Transparent}
		if r.Highlight[n.ID] {
			nodeStyle.Stroke = canvas.Paint{Color: canvas.Black}
			nodeStyle.StrokeWidth = r.StrokeWidth
		}
		cx, cy := f.point(n.Point)
		renderer.RenderPath(canvas.Circle(r.NodeRadius).Translate(cx, cy), nodeStyle, canvas.Identity)
	}
}

// drawLegend writes the node kinds in the top left corner of a raster.
func drawLegend(img draw.Image) {
	kinds := make([]NodeKind, 0, len(NodeColors))
	for k := range NodeColors {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	y := 18
	for _, k := range kinds {
		c := NodeColors[k]
		for dy := 0; dy < 10; dy++ {
			for dx := 0; dx < 10; dx++ {
				img.Set(10+dx, y+dy-9, c)
			}
		}
		drawText(img, 26, y, string(k), color.RGBA{A: 255})
		y += 16
	}
}

func drawText(img draw.Image, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}
