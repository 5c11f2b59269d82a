package topo

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Telemetry holds the Prometheus collectors for pipeline runs. A nil
// *Telemetry records nothing.
type Telemetry struct {
	registry *prometheus.Registry

	RunsTotal           *prometheus.CounterVec
	StageDuration       *prometheus.HistogramVec
	ConvergenceRounds   prometheus.Histogram
	SplitPointsTotal    *prometheus.CounterVec
	BridgesTotal        prometheus.Counter
	UnresolvedGapsTotal prometheus.Counter
	IssuesTotal         *prometheus.CounterVec
	LabelsAppliedTotal  *prometheus.CounterVec
	GraphNodes          prometheus.Gauge
	GraphEdges          prometheus.Gauge
	GraphComponents     prometheus.Gauge
}

// NewTelemetry creates collectors on a private registry.
func NewTelemetry() *Telemetry {
	t := &Telemetry{registry: prometheus.NewRegistry()}
	factory := promauto.With(t.registry)

	t.RunsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trailmesh_runs_total",
			Help: "Total number of pipeline runs",
		},
		[]string{"outcome"}, // converged, exhausted, failed
	)

	t.StageDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trailmesh_stage_duration_seconds",
			Help:    "Duration of each pipeline stage in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
		[]string{"stage"},
	)

	t.ConvergenceRounds = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "trailmesh_convergence_iterations",
			Help:    "Detect/split iterations per run",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
		},
	)

	t.SplitPointsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trailmesh_split_points_total",
			Help: "Split points applied, by intersection kind",
		},
		[]string{"kind"},
	)

	t.BridgesTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "trailmesh_bridges_total",
			Help: "Synthetic bridge segments created",
		},
	)

	t.UnresolvedGapsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "trailmesh_unresolved_gaps_total",
			Help: "Gaps left unbridged by the per-run cap",
		},
	)

	t.IssuesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trailmesh_issues_total",
			Help: "Reported issues by kind",
		},
		[]string{"kind"},
	)

	t.LabelsAppliedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trailmesh_labels_applied_total",
			Help: "Classifier labels applied by the cleaner",
		},
		[]string{"label"},
	)

	t.GraphNodes = factory.NewGauge(prometheus.GaugeOpts{
		Name: "trailmesh_graph_nodes",
		Help: "Nodes in the most recent graph",
	})
	t.GraphEdges = factory.NewGauge(prometheus.GaugeOpts{
		Name: "trailmesh_graph_edges",
		Help: "Edges in the most recent graph",
	})
	t.GraphComponents = factory.NewGauge(prometheus.GaugeOpts{
		Name: "trailmesh_graph_components",
		Help: "Connected components in the most recent graph",
	})

	return t
}

// Registry exposes the underlying registry.
func (t *Telemetry) Registry() *prometheus.Registry {
	return t.registry
}

// Handler serves the registry in the Prometheus text format.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// ObserveStage records how long a stage took.
func (t *Telemetry) ObserveStage(stage string, d time.Duration) {
	if t == nil {
		return
	}
	t.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordFailure counts a run that ended with a fatal error.
func (t *Telemetry) RecordFailure() {
	if t == nil {
		return
	}
	t.RunsTotal.WithLabelValues("failed").Inc()
}

// RecordResult updates collectors from a finished run.
func (t *Telemetry) RecordResult(res *Result) {
	if t == nil || res == nil {
		return
	}
	if res.Convergence != nil {
		t.RunsTotal.WithLabelValues(string(res.Convergence.Reason)).Inc()
		t.ConvergenceRounds.Observe(float64(res.Convergence.Iterations))
		for kind, n := range res.Convergence.SplitPointsByKind() {
			t.SplitPointsTotal.WithLabelValues(string(kind)).Add(float64(n))
		}
	}
	if res.Bridging != nil {
		t.BridgesTotal.Add(float64(len(res.Bridging.Created)))
		t.UnresolvedGapsTotal.Add(float64(len(res.Bridging.Unresolved)))
	}
	if res.Report != nil {
		snap := res.Report.Snapshot()
		for kind, n := range snap.Counts {
			t.IssuesTotal.WithLabelValues(string(kind)).Add(float64(n))
		}
	}
	t.GraphNodes.Set(float64(res.Metrics.Nodes))
	t.GraphEdges.Set(float64(res.Metrics.Edges))
	t.GraphComponents.Set(float64(res.Metrics.Components))
}

// RecordCleaning counts applied labels.
func (t *Telemetry) RecordCleaning(cr *CleanResult) {
	if t == nil || cr == nil {
		return
	}
	for _, a := range cr.Applied {
		t.LabelsAppliedTotal.WithLabelValues(a.Label.String()).Inc()
	}
}
