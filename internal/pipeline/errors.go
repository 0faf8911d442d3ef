package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/sells-group/screening-cli/internal/model"
	"github.com/sells-group/screening-cli/internal/resilience"
)

var (
	ErrAlreadyRunning  = eris.New("stage already has an active job")
	ErrStageLocked     = eris.New("stage is locked until the previous stage has processed records")
	ErrNotRunning      = eris.New("stage has no active job")
	ErrInvalidStage    = eris.New("unknown stage")
	ErrInvalidAction   = eris.New("unknown action")
	ErrEmptyRationale  = eris.New("rationale is required")
	ErrEmptyArticle    = eris.New("article id is required")
	ErrInvalidDecision = eris.New("decision must be include or exclude")
	ErrProjectOwned    = eris.New("project is owned by another controller")
	ErrNotOwner        = eris.New("jobs can only be started by the project's owner")
)

// Error is a classified pipeline failure.
type Error struct {
	Kind model.ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind model.ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// DocumentError reports that documents could not be made available for
// secondary screening.
type DocumentError struct {
	ProjectID string
	Err       error
}

func (e *DocumentError) Error() string {
	return fmt.Sprintf("documents for project %s: %v", e.ProjectID, e.Err)
}

func (e *DocumentError) Unwrap() error {
	return e.Err
}

// KindOf maps any error to an ErrorKind.
func KindOf(err error) model.ErrorKind {
	if err == nil {
		return model.ErrorKindNone
	}

	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	var de *DocumentError
	if errors.As(err, &de) {
		return model.ErrorKindJobFailure
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return model.ErrorKindTimeout
	case errors.Is(err, context.Canceled):
		return model.ErrorKindCancelled
	case resilience.IsExhausted(err):
		return model.ErrorKindJobFailure
	case resilience.IsTransient(err):
		return model.ErrorKindTransientIO
	}
	return model.ErrorKindJobFailure
}
