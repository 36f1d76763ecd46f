package pipeline

import (
	"errors"
	"fmt"
)

// Reason classifies why a pipeline stopped. Each maps to exactly one
// failure_reason value persisted on the project row.
type Reason string

const (
	ReasonValidation     Reason = "validation_error"
	ReasonPersistence    Reason = "persistence_error"
	ReasonBreakdown      Reason = "breakdown_error"
	ReasonGeneration     Reason = "generation_error"
	ReasonExecutionInfra Reason = "execution_infra_error"
	ReasonConflict       Reason = "conflict_error"
	ReasonCanceled       Reason = "canceled"
)

// Error is the pipeline's failure type. Stage names where the walk
// stopped; Reason drives both the persisted failure classification and
// the API status code.
type Error struct {
	Stage  string
	Reason Reason
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s at stage %s", e.Reason, e.Stage)
	}
	return fmt.Sprintf("%s at stage %s: %v", e.Reason, e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(stage string, reason Reason, err error) *Error {
	return &Error{Stage: stage, Reason: reason, Err: err}
}

// IsConflict reports whether err is a duplicate-submission rejection.
func IsConflict(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Reason == ReasonConflict
}

// IsValidation reports whether err is an input rejection.
func IsValidation(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Reason == ReasonValidation
}
