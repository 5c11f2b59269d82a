package topo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Result is everything a run produced.
type Result struct {
	RunID       string             `json:"runId"`
	StartedAt   time.Time          `json:"startedAt"`
	Duration    time.Duration      `json:"duration"`
	Graph       *Graph             `json:"-"`
	Segments    []*Segment         `json:"-"`
	Convergence *ConvergenceResult `json:"convergence"`
	Bridging    *BridgeResult      `json:"bridging"`
	Cleaning    *CleanResult       `json:"cleaning,omitempty"`
	Metrics     NetworkMetrics     `json:"metrics"`
	Cache       CacheStats         `json:"cache"`
	Report      *Report            `json:"report"`
	Projector   Projector          `json:"-"`
}

// Pipeline wires the stages together: convergence, graph build, gap
// bridging and optional label cleaning.
type Pipeline struct {
	config    Config
	engine    Engine
	telemetry *Telemetry
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithEngine replaces the default planar engine.
func WithEngine(e Engine) PipelineOption {
	return func(p *Pipeline) {
		p.engine = e
	}
}

// WithTelemetry records run metrics to t.
func WithTelemetry(t *Telemetry) PipelineOption {
	return func(p *Pipeline) {
		p.telemetry = t
	}
}

// NewPipeline creates a pipeline from a validated config.
func NewPipeline(cfg Config, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{config: cfg, engine: NewPlanarEngine()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Config returns the pipeline configuration.
func (p *Pipeline) Config() Config {
	return p.config
}

// Engine returns the geometry engine in use.
func (p *Pipeline) Engine() Engine {
	return p.engine
}

// Build turns trails into a bridged graph. Non-fatal problems end up in
// the result's report; only provider unavailability, cancellation and
// broken graph invariants return an error.
func (p *Pipeline) Build(ctx context.Context, trails []Trail) (*Result, error) {
	res := &Result{RunID: uuid.NewString(), StartedAt: time.Now()}
	res.Report = NewReport(res.RunID)

	if err := p.engine.Ping(ctx); err != nil {
		p.telemetry.RecordFailure()
		return nil, &PrimitiveProviderUnavailableError{Err: err}
	}

	res.Projector = ProjectorFor(p.config.Input.CRS, TrailsBound(trails))
	segments := p.prepareSegments(ProjectTrails(trails, res.Projector), res.Report)

	cache := NewGeometryCache()
	detector := NewDetector(p.engine, cache, p.config.DetectOptions())
	controller := NewController(detector, p.engine, p.config.SplitOptions(), p.config.Convergence)

	start := time.Now()
	segments, conv, err := controller.Run(ctx, segments)
	p.telemetry.ObserveStage(StageConvergence, time.Since(start))
	if conv != nil {
		res.Report.Add(StageConvergence, conv.Issues...)
	}
	if err != nil {
		p.telemetry.RecordFailure()
		return nil, fmt.Errorf("convergence: %w", err)
	}
	res.Convergence = conv
	cache.Retain(segments)

	builder := NewBuilder(p.engine, cache, p.config.Topology.SnapToleranceMeters)
	start = time.Now()
	graph, issues := builder.Build(segments)
	p.telemetry.ObserveStage(StageBuild, time.Since(start))
	res.Report.Add(StageBuild, issues...)

	start = time.Now()
	gaps, issues := DetectGaps(p.engine, graph, p.config.GapOptions())
	res.Report.Add(StageBridging, issues...)
	bridged := BridgeGaps(p.engine, segments, graph, gaps, p.config.BridgeOptions())
	res.Report.Add(StageBridging, bridged.Issues...)
	if bridged.Changed() {
		segments = bridged.Segments
		graph, issues = builder.Build(segments)
		res.Report.Add(StageBridging, issues...)
	}
	p.telemetry.ObserveStage(StageBridging, time.Since(start))
	res.Bridging = &bridged

	if err := graph.Validate(); err != nil {
		p.telemetry.RecordFailure()
		return nil, fmt.Errorf("graph invariant violated: %w", err)
	}

	res.Graph = graph
	res.Segments = segments
	res.Metrics = Summarize(p.engine, graph)
	res.Cache = cache.Stats()
	res.Duration = time.Since(res.StartedAt)
	p.telemetry.RecordResult(res)
	return res, nil
}

// prepareSegments drops unusable trails and wraps the rest as segments.
func (p *Pipeline) prepareSegments(trails []Trail, report *Report) []*Segment {
	seen := make(map[string]bool, len(trails))
	segments := make([]*Segment, 0, len(trails))
	for _, t := range trails {
		if seen[t.ID] {
			report.Add(StageInput, &InvalidGeometryError{ID: t.ID, Reason: "duplicate trail id"})
			continue
		}
		seen[t.ID] = true
		t.Points = t.Points.Dedupe()
		if len(t.Points) < 2 {
			report.Add(StageInput, &InvalidGeometryError{ID: t.ID, Reason: "fewer than two distinct points"})
			continue
		}
		t = SimplifyTrail(t, p.config.Input.SimplifyToleranceMeters)
		segments = append(segments, SegmentFromTrail(t))
	}
	sort.SliceStable(segments, func(i, j int) bool { return segments[i].ID < segments[j].ID })
	return segments
}

// Clean applies classifier labels to a built result and returns a new
// result. The input result is not modified.
func (p *Pipeline) Clean(ctx context.Context, built *Result, labels map[string]Classification) (*Result, error) {
	if err := p.engine.Ping(ctx); err != nil {
		return nil, &PrimitiveProviderUnavailableError{Err: err}
	}

	out := *built
	out.Report = built.Report.Snapshot()

	builder := NewBuilder(p.engine, nil, p.config.Topology.SnapToleranceMeters)
	cleaner := NewCleaner(p.engine, builder, p.config.CleanOptions())

	start := time.Now()
	cr, err := cleaner.Apply(built.Graph, labels)
	p.telemetry.ObserveStage(StageCleaning, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("cleaning: %w", err)
	}
	out.Report.Add(StageCleaning, cr.Issues...)
	if cr.NeedsReview {
		out.Report.MarkForReview()
	}

	out.Cleaning = cr
	out.Graph = cr.Graph
	out.Segments = cr.Segments
	out.Metrics = Summarize(p.engine, cr.Graph)
	p.telemetry.RecordCleaning(cr)
	return &out, nil
}

// Run builds the graph and, when labels are given, cleans it.
func (p *Pipeline) Run(ctx context.Context, trails []Trail, labels map[string]Classification) (*Result, error) {
	res, err := p.Build(ctx, trails)
	if err != nil {
		return nil, err
	}
	if len(labels) == 0 {
		return res, nil
	}
	return p.Clean(ctx, res, labels)
}

// RunRegions runs independent regions concurrently. The first fatal error
// cancels the remaining regions.
func (p *Pipeline) RunRegions(ctx context.Context, regions map[string][]Trail) (map[string]*Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		results  = make(map[string]*Result, len(regions))
		firstErr error
	)
	for name, trails := range regions {
		wg.Add(1)
		go func(name string, trails []Trail) {
			defer wg.Done()
			res, err := p.Build(ctx, trails)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("region %s: %w", name, err)
					cancel()
				}
				return
			}
			results[name] = res
		}(name, trails)
	}
	wg.Wait()
	if firstErr != nil {
		return results, firstErr
	}
	return results, nil
}
