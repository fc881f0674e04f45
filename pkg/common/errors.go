package common

import (
	"context"
	"errors"
)

var (
	// ErrInvalidArtifact marks malformed or unsupported input. Not retried;
	// surfaced to the caller as a failed artifact.
	ErrInvalidArtifact = errors.New("invalid artifact")

	// ErrExtractionFailure marks a transient external-capability error.
	// Retried with backoff up to the attempt ceiling.
	ErrExtractionFailure = errors.New("extraction failure")

	// ErrMergeConflict marks a divergent-fact race detected at write time.
	// Resolved internally by the store; never user visible.
	ErrMergeConflict = errors.New("merge conflict")

	// ErrPermissionDenied marks a tenant mismatch. Fatal for the operation
	// and logged as a security event.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrGraphInconsistency marks an invariant violation detected at write
	// time, e.g. a fact without provenance. The write is aborted.
	ErrGraphInconsistency = errors.New("graph inconsistency")
)

// FailureReason maps an error to the user-visible failure category reported
// on a failed artifact. Raw internal errors never leave the pipeline.
func FailureReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidArtifact):
		return "invalid_artifact"
	case errors.Is(err, ErrExtractionFailure):
		return "extraction_failure"
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, ErrGraphInconsistency):
		return "graph_inconsistency"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "internal"
	}
}
