package topo

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a reported problem.
type ErrorKind string

const (
	KindInvalidGeometry             ErrorKind = "invalid_geometry"
	KindDuplicateSplit              ErrorKind = "duplicate_split"
	KindToleranceExceeded           ErrorKind = "tolerance_exceeded"
	KindBridgeLimitExceeded         ErrorKind = "bridge_limit_exceeded"
	KindClassificationInconsistency ErrorKind = "classification_inconsistency"
	KindProviderUnavailable         ErrorKind = "provider_unavailable"
	KindBatchFailed                 ErrorKind = "batch_failed"
	KindOther                       ErrorKind = "other"
)

// InvalidGeometryError marks a trail or segment excluded from processing.
type InvalidGeometryError struct {
	ID     string
	Reason string
}

func (e *InvalidGeometryError) Error() string {
	return fmt.Sprintf("invalid geometry %s: %s", e.ID, e.Reason)
}

// DuplicateSplitError reports a split point dropped because it fell within
// epsilon of one already accepted on the same segment.
type DuplicateSplitError struct {
	SegmentID string
	T         float64
	KeptT     float64
}

func (e *DuplicateSplitError) Error() string {
	return fmt.Sprintf("duplicate split on %s at t=%.6f (kept t=%.6f)", e.SegmentID, e.T, e.KeptT)
}

// ToleranceExceededError reports that convergence ran out of iterations.
type ToleranceExceededError struct {
	Iterations      int
	LastSplitPoints int
}

func (e *ToleranceExceededError) Error() string {
	return fmt.Sprintf("no convergence after %d iterations (%d split points in last pass)", e.Iterations, e.LastSplitPoints)
}

// BridgeLimitExceededError reports gaps left unbridged by the per-run cap.
type BridgeLimitExceededError struct {
	Limit      int
	Unresolved int
}

func (e *BridgeLimitExceededError) Error() string {
	return fmt.Sprintf("bridge limit %d reached, %d gaps unresolved", e.Limit, e.Unresolved)
}

// ClassificationInconsistencyError reports a label that could not be applied.
type ClassificationInconsistencyError struct {
	NodeID string
	Label  Label
	Reason string
}

func (e *ClassificationInconsistencyError) Error() string {
	return fmt.Sprintf("cannot apply %s to node %s: %s", e.Label, e.NodeID, e.Reason)
}

// PrimitiveProviderUnavailableError is fatal: the run cannot continue
// without its geometry engine.
type PrimitiveProviderUnavailableError struct {
	Err error
}

func (e *PrimitiveProviderUnavailableError) Error() string {
	return fmt.Sprintf("geometry provider unavailable: %v", e.Err)
}

func (e *PrimitiveProviderUnavailableError) Unwrap() error {
	return e.Err
}

// BatchFailedError reports a detection batch that failed or timed out.
// The run continues without its results.
type BatchFailedError struct {
	Iteration int
	From, To  int
	Err       error
}

func (e *BatchFailedError) Error() string {
	return fmt.Sprintf("iteration %d batch [%d,%d) failed: %v", e.Iteration, e.From, e.To, e.Err)
}

func (e *BatchFailedError) Unwrap() error {
	return e.Err
}

// KindOf classifies err.
func KindOf(err error) ErrorKind {
	var (
		invalid      *InvalidGeometryError
		duplicate    *DuplicateSplitError
		tolerance    *ToleranceExceededError
		bridgeLimit  *BridgeLimitExceededError
		inconsistent *ClassificationInconsistencyError
		unavailable  *PrimitiveProviderUnavailableError
		batch        *BatchFailedError
	)
	switch {
	case errors.As(err, &unavailable):
		return KindProviderUnavailable
	case errors.As(err, &invalid):
		return KindInvalidGeometry
	case errors.As(err, &duplicate):
		return KindDuplicateSplit
	case errors.As(err, &tolerance):
		return KindToleranceExceeded
	case errors.As(err, &bridgeLimit):
		return KindBridgeLimitExceeded
	case errors.As(err, &inconsistent):
		return KindClassificationInconsistency
	case errors.As(err, &batch):
		return KindBatchFailed
	default:
		return KindOther
	}
}

// IsFatal reports whether err must abort the run.
func IsFatal(err error) bool {
	return KindOf(err) == KindProviderUnavailable
}
