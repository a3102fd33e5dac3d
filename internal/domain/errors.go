package domain

import "fmt"

// JobNotFoundError is returned when a job ID does not exist.
type JobNotFoundError struct {
	JobID string
}

func (e *JobNotFoundError) Error() string {
	return fmt.Sprintf("job not found: %s", e.JobID)
}

// SubmissionConflictError is returned when a job ID is enqueued twice.
type SubmissionConflictError struct {
	JobID string
}

func (e *SubmissionConflictError) Error() string {
	return fmt.Sprintf("job %s already submitted", e.JobID)
}

// CancelConflictError is returned when cancelling a job that already reached a terminal state.
type CancelConflictError struct {
	JobID  string
	Status Status
}

func (e *CancelConflictError) Error() string {
	return fmt.Sprintf("cannot cancel job %s: already %s", e.JobID, e.Status)
}

// ArtifactNotReadyError is returned when an artifact is requested for a job
// that has not completed.
type ArtifactNotReadyError struct {
	JobID  string
	Status Status
}

func (e *ArtifactNotReadyError) Error() string {
	return fmt.Sprintf("artifact for job %s not ready: job is %s", e.JobID, e.Status)
}

// LeaseLostError is returned when a worker mutates a job it no longer holds,
// e.g. after the stall reaper requeued it.
type LeaseLostError struct {
	JobID  string
	Status Status
}

func (e *LeaseLostError) Error() string {
	return fmt.Sprintf("lease lost on job %s (status %s)", e.JobID, e.Status)
}

// InconsistentStateError is returned when a completed job has no artifact in
// the store. It indicates a queue/store desync and is never retried.
type InconsistentStateError struct {
	JobID  string
	Reason string
}

func (e *InconsistentStateError) Error() string {
	return fmt.Sprintf("inconsistent state for job %s: %s", e.JobID, e.Reason)
}

// InvalidSpecError is returned by intake validation.
type InvalidSpecError struct {
	Index  int
	Field  string
	Reason string
}

func (e *InvalidSpecError) Error() string {
	return fmt.Sprintf("invalid spec %d: %s: %s", e.Index, e.Field, e.Reason)
}

// FailureKind classifies a failed execution attempt.
type FailureKind string

const (
	FailureTimeout    FailureKind = "execution timeout"
	FailureCompiler   FailureKind = "compiler failure"
	FailureValidation FailureKind = "validation failure"
	FailurePackaging  FailureKind = "packaging failure"
	FailureWorkspace  FailureKind = "workspace failure"
	FailureCancelled  FailureKind = "execution cancelled"
)

// ExecutionError is the single error surfaced by the pipeline for a failed
// attempt. Spec is the zero-based index of the offending spec, or -1.
type ExecutionError struct {
	Kind FailureKind
	Spec int
	Err  error
}

func (e *ExecutionError) Error() string {
	if e.Spec >= 0 {
		return fmt.Sprintf("%s: spec %d: %v", e.Kind, e.Spec, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
