package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when no definition exists for a job name
	ErrJobNotFound = errors.New("job not found")

	// ErrRunNotFound is returned when a job run cannot be found
	ErrRunNotFound = errors.New("job run not found")

	// ErrInvalidTransition is returned when a status change would regress a run
	ErrInvalidTransition = errors.New("invalid run status transition")

	// ErrLeaseConflict is returned when another instance holds the primary lease
	ErrLeaseConflict = errors.New("lease held by another instance")

	// ErrHandlerNotFound is returned when no handler is registered under a name
	ErrHandlerNotFound = errors.New("handler not registered")

	// ErrQueueItemNotFound is returned when acknowledging or releasing an unknown item
	ErrQueueItemNotFound = errors.New("queue item not found")

	// ErrStaleDelivery is returned when a queue item was handed out again
	// since the caller dequeued it
	ErrStaleDelivery = errors.New("queue item redelivered to another consumer")

	// ErrInvalidDefinition is returned when a definition fails validation
	ErrInvalidDefinition = errors.New("invalid job definition")

	// ErrInvalidPayload is returned when a run payload is not valid JSON
	ErrInvalidPayload = errors.New("invalid job payload")
)

// TransientError wraps store or queue failures that are worth retrying
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient error in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError creates a new transient error for the given operation
func NewTransientError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err (or anything it wraps) is a TransientError
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// HandlerError is a failure raised by a job's own logic
type HandlerError struct {
	JobName string
	RunID   string
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler for job %q (run %s) failed: %v", e.JobName, e.RunID, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// ScheduleParseError is returned when a cron or interval definition is invalid
type ScheduleParseError struct {
	Spec string
	Err  error
}

func (e *ScheduleParseError) Error() string {
	return fmt.Sprintf("invalid schedule %q: %v", e.Spec, e.Err)
}

func (e *ScheduleParseError) Unwrap() error {
	return e.Err
}

// PoisonItemError marks a run that exceeded its delivery attempt ceiling
type PoisonItemError struct {
	RunID    string
	JobName  string
	Attempts int
}

func (e *PoisonItemError) Error() string {
	return fmt.Sprintf("run %s of job %q exceeded max attempts (%d)", e.RunID, e.JobName, e.Attempts)
}
