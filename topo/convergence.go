package topo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// BatchDetector is the detection surface the convergence loop drives.
type BatchDetector interface {
	Prepare(segments []*Segment, tolerance float64) *Sweep
	DetectBatch(ctx context.Context, sw *Sweep, from, to int) (BatchResult, error)
	Cluster(sw *Sweep, raw []SplitPoint) map[string][]SplitPoint
}

// StopReason says why the convergence loop ended.
type StopReason string

const (
	StopConverged StopReason = "converged"
	StopExhausted StopReason = "exhausted"
)

// IterationMetrics describes one detect/split pass.
type IterationMetrics struct {
	Iteration      int               `json:"iteration"`
	Tolerance      float64           `json:"tolerance"`
	BatchSize      int               `json:"batchSize"`
	Batches        int               `json:"batches"`
	FailedBatches  int               `json:"failedBatches"`
	PairsChecked   int               `json:"pairsChecked"`
	Candidates     int               `json:"candidates"`
	SplitPoints    int               `json:"splitPoints"`
	SegmentsBefore int               `json:"segmentsBefore"`
	SegmentsAfter  int               `json:"segmentsAfter"`
	Junctions      int               `json:"junctions"`
	ByKind         map[SplitKind]int `json:"byKind"`
	Duration       time.Duration     `json:"duration"`
}

// ConvergenceResult is the outcome of the convergence loop.
type ConvergenceResult struct {
	Reason     StopReason         `json:"reason"`
	Iterations int                `json:"iterations"`
	Metrics    []IterationMetrics `json:"metrics"`
	Issues     []error            `json:"-"`
}

func (r *ConvergenceResult) Converged() bool { return r.Reason == StopConverged }
func (r *ConvergenceResult) Exhausted() bool { return r.Reason == StopExhausted }

// SplitPointsByKind totals split points over all iterations.
func (r *ConvergenceResult) SplitPointsByKind() map[SplitKind]int {
	out := make(map[SplitKind]int)
	for _, m := range r.Metrics {
		for k, v := range m.ByKind {
			out[k] += v
		}
	}
	return out
}

// Controller repeats detection and splitting until no new split points
// appear or the iteration budget runs out.
type Controller struct {
	Detector BatchDetector
	Engine   Engine
	Split    SplitOptions
	Config   ConvergenceConfig
}

// NewController creates a convergence controller.
func NewController(d BatchDetector, e Engine, split SplitOptions, cfg ConvergenceConfig) *Controller {
	return &Controller{Detector: d, Engine: e, Split: split, Config: cfg}
}

// Run converges segments. A failed or timed-out batch is reported and
// skipped. Provider unavailability and context cancellation end the run
// with an error; the segments as of the last completed pass are returned
// alongside it.
func (c *Controller) Run(ctx context.Context, segments []*Segment) ([]*Segment, *ConvergenceResult, error) {
	cfg := c.Config
	res := &ConvergenceResult{}
	tol := cfg.ToleranceMeters
	batch := max(cfg.BatchSize, 1)
	streak := 0
	excluded := make(map[string]bool)

	for iter := 1; iter <= cfg.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return segments, res, err
		}
		if err := c.Engine.Ping(ctx); err != nil {
			return segments, res, &PrimitiveProviderUnavailableError{Err: err}
		}

		start := time.Now()
		sw := c.Detector.Prepare(segments, tol)
		for _, err := range sw.Excluded {
			if !excluded[err.Error()] {
				excluded[err.Error()] = true
				res.Issues = append(res.Issues, err)
			}
		}

		m := IterationMetrics{Iteration: iter, Tolerance: tol, BatchSize: batch, SegmentsBefore: len(segments)}
		var raw []SplitPoint
		for from := 0; from < sw.Len(); from += batch {
			to := min(from+batch, sw.Len())
			m.Batches++
			br, err := c.runBatch(ctx, sw, from, to)
			if err != nil {
				if IsFatal(err) {
					return segments, res, err
				}
				if ctx.Err() != nil {
					return segments, res, ctx.Err()
				}
				m.FailedBatches++
				res.Issues = append(res.Issues, &BatchFailedError{Iteration: iter, From: from, To: to, Err: err})
				continue
			}
			raw = append(raw, br.SplitPoints...)
			m.PairsChecked += br.PairsChecked
			m.Junctions += len(br.Junctions)
		}
		m.Candidates = len(raw)

		points := c.Detector.Cluster(sw, raw)
		next, summary := SplitAll(c.Engine, segments, points, c.Split)
		res.Issues = append(res.Issues, summary.Issues...)
		segments = next

		m.SplitPoints = summary.Created()
		m.ByKind = summary.ByKind
		m.SegmentsAfter = len(segments)
		m.Duration = time.Since(start)
		res.Metrics = append(res.Metrics, m)
		res.Iterations = iter

		if m.SplitPoints == 0 {
			streak++
		} else {
			streak = 0
		}
		if streak >= cfg.EarlyConvergenceThreshold {
			res.Reason = StopConverged
			return segments, res, nil
		}

		if cfg.ProgressiveToleranceReduction {
			tol = math.Max(tol*cfg.ToleranceDecay, cfg.MinToleranceMeters)
		}
		batch = c.nextBatchSize(batch, m.FailedBatches)
	}

	res.Reason = StopExhausted
	last := 0
	if n := len(res.Metrics); n > 0 {
		last = res.Metrics[n-1].SplitPoints
	}
	res.Issues = append(res.Issues, &ToleranceExceededError{Iterations: res.Iterations, LastSplitPoints: last})
	return segments, res, nil
}

func (c *Controller) nextBatchSize(current, failed int) int {
	if failed > 0 {
		return max(current/2, 1)
	}
	grown := int(math.Ceil(float64(current) * c.Config.BatchGrowthFactor))
	if c.Config.MaxBatchSize > 0 && grown > c.Config.MaxBatchSize {
		grown = c.Config.MaxBatchSize
	}
	return max(grown, current)
}

type batchOutcome struct {
	res BatchResult
	err error
}

// runBatch runs one detection batch under its own time budget. A panic in
// the batch is converted into an error.
func (c *Controller) runBatch(ctx context.Context, sw *Sweep, from, to int) (BatchResult, error) {
	bctx, cancel := ctx, context.CancelFunc(func() {})
	if c.Config.BatchTimeout > 0 {
		bctx, cancel = context.WithTimeout(ctx, c.Config.BatchTimeout)
	}
	defer cancel()

	done := make(chan batchOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- batchOutcome{err: fmt.Errorf("batch panicked: %v", r)}
			}
		}()
		res, err := c.Detector.DetectBatch(bctx, sw, from, to)
		done <- batchOutcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(out.err, context.DeadlineExceeded) {
			return BatchResult{}, fmt.Errorf("batch exceeded %s: %w", c.Config.BatchTimeout, out.err)
		}
		return out.res, out.err
	case <-bctx.Done():
		return BatchResult{}, fmt.Errorf("batch exceeded %s: %w", c.Config.BatchTimeout, bctx.Err())
	}
}
