package topo

// NetworkMetrics summarizes a graph for reporting.
type NetworkMetrics struct {
	Nodes              int              `json:"nodes"`
	Edges              int              `json:"edges"`
	SyntheticEdges     int              `json:"syntheticEdges"`
	Components         int              `json:"components"`
	LargestComponent   int              `json:"largestComponent"`
	Bridges            int              `json:"bridges"`
	ArticulationPoints int              `json:"articulationPoints"`
	DanglingNodes      int              `json:"danglingNodes"`
	IsolatedNodes      int              `json:"isolatedNodes"`
	AverageDegree      float64          `json:"averageDegree"`
	TotalLength        float64          `json:"totalLength"`
	ElevationGain      float64          `json:"elevationGain"`
	CyclomaticNumber   int              `json:"cyclomaticNumber"`
	DegreeHistogram    map[int]int      `json:"degreeHistogram"`
	NodeKinds          map[NodeKind]int `json:"nodeKinds"`
}

// Summarize computes network metrics over g.
func Summarize(e Engine, g *Graph) NetworkMetrics {
	m := NetworkMetrics{
		Nodes:           len(g.Nodes),
		Edges:           len(g.Edges),
		DegreeHistogram: make(map[int]int),
		NodeKinds:       make(map[NodeKind]int),
	}
	comps := e.ConnectedComponents(g)
	m.Components = len(comps)
	if len(comps) > 0 {
		m.LargestComponent = len(comps[0])
	}
	m.Bridges = len(e.Bridges(g))
	m.ArticulationPoints = len(e.ArticulationPoints(g))

	degreeSum := 0
	for _, n := range g.Nodes {
		degreeSum += n.Degree
		m.DegreeHistogram[n.Degree]++
		m.NodeKinds[n.Kind]++
		switch n.Kind {
		case NodeEndpoint:
			m.DanglingNodes++
		case NodeIsolated:
			m.IsolatedNodes++
		}
	}
	if m.Nodes > 0 {
		m.AverageDegree = float64(degreeSum) / float64(m.Nodes)
	}
	for _, edge := range g.Edges {
		m.TotalLength += edge.Length
		m.ElevationGain += edge.ElevationGain
		if edge.Synthetic {
			m.SyntheticEdges++
		}
	}
	m.CyclomaticNumber = m.Edges - m.Nodes + m.Components
	return m
}
