package topo

import (
	"sort"
	"sync"
)

// Stage names used in reports and telemetry.
const (
	StageInput       = "input"
	StageConvergence = "convergence"
	StageBuild       = "build"
	StageBridging    = "bridging"
	StageCleaning    = "cleaning"
)

// Issue is one non-fatal problem recorded during a run.
type Issue struct {
	Kind    ErrorKind `json:"kind"`
	Stage   string    `json:"stage"`
	Message string    `json:"message"`
}

// Report collects the issues of a run. It is safe for concurrent use.
type Report struct {
	mu          sync.Mutex
	RunID       string            `json:"runId"`
	Issues      []Issue           `json:"issues"`
	Counts      map[ErrorKind]int `json:"counts"`
	NeedsReview bool              `json:"needsReview"`
}

// NewReport creates an empty report for a run.
func NewReport(runID string) *Report {
	return &Report{RunID: runID, Counts: make(map[ErrorKind]int)}
}

// Add records errs under stage. Nil errors are ignored.
func (r *Report) Add(stage string, errs ...error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, err := range errs {
		if err == nil {
			continue
		}
		kind := KindOf(err)
		r.Issues = append(r.Issues, Issue{Kind: kind, Stage: stage, Message: err.Error()})
		r.Counts[kind]++
	}
}

// MarkForReview flags the run for human review.
func (r *Report) MarkForReview() {
	r.mu.Lock()
	r.NeedsReview = true
	r.mu.Unlock()
}

// Count returns the number of issues of kind.
func (r *Report) Count(kind ErrorKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Counts[kind]
}

// Len returns the total number of issues.
func (r *Report) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Issues)
}

// Kinds returns the kinds present, sorted.
func (r *Report) Kinds() []ErrorKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]ErrorKind, 0, len(r.Counts))
	for k := range r.Counts {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Snapshot returns a copy of the report safe to serialize.
func (r *Report) Snapshot() *Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := &Report{
		RunID:       r.RunID,
		Issues:      append([]Issue(nil), r.Issues...),
		Counts:      make(map[ErrorKind]int, len(r.Counts)),
		NeedsReview: r.NeedsReview,
	}
	for k, v := range r.Counts {
		cp.Counts[k] = v
	}
	return cp
}
