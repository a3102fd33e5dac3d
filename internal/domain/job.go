package domain

import (
	"time"
	"unicode/utf8"
)

// Status represents the states a job can be in.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStalled   Status = "stalled"
)

// IsTerminal returns true if no further state transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// MaxErrorLen bounds the failure message kept on a job.
const MaxErrorLen = 1024

// Step names a pipeline checkpoint reported through Progress.
type Step string

const (
	StepQueued           Step = "queued"
	StepPreparing        Step = "preparing"
	StepCompiling        Step = "compiling"
	StepValidatingOutput Step = "validating_output"
	StepPackaging        Step = "packaging"
	StepStoringArtifact  Step = "storing_artifact"
	StepDone             Step = "done"
)

// Progress is advisory and overwritten in place.
type Progress struct {
	Step       Step   `json:"step"`
	Message    string `json:"message"`
	Percentage int    `json:"percentage"`
}

// Payload is the normalized request carried by a job. A payload with more
// than one spec is a batch; the pipeline treats both the same way.
type Payload struct {
	Specs []GeometrySpec `json:"specs"`
}

// IsBatch reports whether the payload carries more than one spec.
func (p Payload) IsBatch() bool { return len(p.Specs) > 1 }

// Job is the core domain entity representing one part-generation request.
type Job struct {
	ID          string     `json:"id"`
	Payload     Payload    `json:"payload"`
	Status      Status     `json:"status"`
	Progress    Progress   `json:"progress"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	Token       string     `json:"-"`
	CreatedAt   time.Time  `json:"created_at"`
	ReadyAt     time.Time  `json:"ready_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// RetriesLeft reports whether another attempt may still be made.
func (j *Job) RetriesLeft() bool {
	return j.Attempts < j.MaxAttempts
}

// Attempt records the outcome of a single execution attempt of a job.
type Attempt struct {
	ID         string    `json:"id"`
	JobID      string    `json:"job_id"`
	WorkerID   string    `json:"worker_id"`
	Attempt    int       `json:"attempt"`
	Status     Status    `json:"status"`
	DurationMs int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	ExecutedAt time.Time `json:"executed_at"`
}

// EventType names a job lifecycle event.
type EventType string

const (
	EventStarted   EventType = "started"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventRetrying  EventType = "retrying"
	EventStalled   EventType = "stalled"
	EventCancelled EventType = "cancelled"
)

// Event is emitted for observability only; nothing in the job lifecycle
// depends on it being delivered.
type Event struct {
	Type     EventType `json:"type"`
	JobID    string    `json:"job_id"`
	Attempt  int       `json:"attempt"`
	WorkerID string    `json:"worker_id,omitempty"`
	Error    string    `json:"error,omitempty"`
	Result   string    `json:"result,omitempty"`
	At       time.Time `json:"at"`
}

// Truncate bounds msg to MaxErrorLen bytes without splitting a UTF-8
// sequence.
func Truncate(msg string) string {
	if len(msg) <= MaxErrorLen {
		return msg
	}
	cut := MaxErrorLen - 3
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut] + "..."
}
