package engine

import (
	"errors"
	"fmt"

	"dripline/models"
)

// ErrorKindPrecondition is reported to API callers for rejected transitions.
const ErrorKindPrecondition = "precondition_failed"

// ErrTerminal is wrapped by precondition errors raised against COMPLETED or
// EXITED enrollments.
var ErrTerminal = errors.New("enrollment is in a terminal state")

// PreconditionError is returned when a transition is not allowed from the
// enrollment's current status. No state is changed when it is returned.
type PreconditionError struct {
	Op      Op
	Status  models.EnrollmentStatus
	Message string
	err     error
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("cannot %s enrollment in status %s: %s", e.Op, e.Status, e.Message)
}

func (e *PreconditionError) Unwrap() error {
	return e.err
}

// Kind returns the stable error kind used in API responses.
func (e *PreconditionError) Kind() string {
	return ErrorKindPrecondition
}

// IsPrecondition reports whether err is (or wraps) a PreconditionError.
func IsPrecondition(err error) bool {
	var pe *PreconditionError
	return errors.As(err, &pe)
}

func precondition(op Op, status models.EnrollmentStatus, msg string) error {
	pe := &PreconditionError{Op: op, Status: status, Message: msg}
	if status.IsTerminal() {
		pe.err = ErrTerminal
	}
	return pe
}
