package model

import "time"

// JobState is the state of one stage job.
type JobState string

const (
	JobStateIdle       JobState = "idle"
	JobStateSubmitting JobState = "submitting"
	JobStateRunning    JobState = "running"
	JobStateSucceeded  JobState = "succeeded"
	JobStateFailed     JobState = "failed"
)

// IsTerminal reports whether no further transitions can happen.
func (s JobState) IsTerminal() bool {
	return s == JobStateSucceeded || s == JobStateFailed
}

// IsActive reports whether a job in this state blocks a new start.
func (s JobState) IsActive() bool {
	return s == JobStateSubmitting || s == JobStateRunning
}

// ErrorKind classifies pipeline failures.
type ErrorKind string

const (
	ErrorKindNone                  ErrorKind = ""
	ErrorKindPreconditionViolation ErrorKind = "precondition_violation"
	ErrorKindValidation            ErrorKind = "validation"
	ErrorKindJobFailure            ErrorKind = "job_failure"
	ErrorKindTimeout               ErrorKind = "timeout"
	ErrorKindCancelled             ErrorKind = "cancelled"
	ErrorKindTransientIO           ErrorKind = "transient_io"
)

// Job is one asynchronous invocation of a stage's backend processing.
type Job struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	Stage       Stage      `json:"stage"`
	State       JobState   `json:"state"`
	Handle      string     `json:"handle,omitempty"`
	Progress    float64    `json:"progress"`
	ErrorKind   ErrorKind  `json:"error_kind,omitempty"`
	Error       string     `json:"error,omitempty"`
	Output      int        `json:"output_count,omitempty"`
	SubmittedAt time.Time  `json:"submitted_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
