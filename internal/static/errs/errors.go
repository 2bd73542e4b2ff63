package errs

import (
	"errors"
	"fmt"
)

var (
	ErrNoCapacity        = errors.New("no capacity")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrConflict          = errors.New("conflicting command outstanding")
	ErrNotFound          = errors.New("not found")
	ErrWorkerRetired     = errors.New("worker retired")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrStaleWrite        = errors.New("stale write")
	ErrInvalidArgument   = errors.New("invalid argument")
	InternalError        = errors.New("internal error")
	GeneratingToken      = errors.New("error generating token")
)

// NoCapacityError is returned when no worker can host a request. Reason
// names the limiting dimension or filter.
type NoCapacityError struct {
	Reason string
}

func (e *NoCapacityError) Error() string {
	return fmt.Sprintf("no capacity: %s", e.Reason)
}

func (e *NoCapacityError) Is(target error) bool {
	return target == ErrNoCapacity
}

func NoCapacity(reason string) error {
	return &NoCapacityError{Reason: reason}
}

type InvalidTransitionError struct {
	WorkloadID string
	From       string
	To         string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for %s: %s -> %s", e.WorkloadID, e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
