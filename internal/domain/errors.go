package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicate is returned when a "start" references a run that already exists.
	ErrDuplicate = errors.New("duplicate run")
	// ErrProjectNotFound is returned when the owning project row is absent.
	ErrProjectNotFound = errors.New("project not found")
	// ErrRunNotFound is returned when an event references a run that never became visible.
	ErrRunNotFound = errors.New("run not found")
	// ErrUserNotFound is returned when an external user was never seen in a project.
	ErrUserNotFound = errors.New("user not found")
	// ErrMissingProjectKey is returned when a request carries no project key.
	ErrMissingProjectKey = errors.New("missing project key")
	// ErrInvalidProjectID is returned when an unknown project key is not a valid project id either.
	ErrInvalidProjectID = errors.New("incorrect project id format")
)

// ValidationError reports a malformed event.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid event: %s %s", e.Field, e.Reason)
}

// IsExpected reports whether err is a benign ingestion outcome that is
// recorded as a failed result but not sent to the error tracker.
func IsExpected(err error) bool {
	return errors.Is(err, ErrDuplicate) || errors.Is(err, ErrProjectNotFound)
}
