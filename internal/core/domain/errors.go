package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the core and its adapters.
var (
	ErrAppNotFound      = errors.New("app not found")
	ErrAppExists        = errors.New("app already exists")
	ErrInvalidApp       = errors.New("invalid app definition")
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrInvalidTransition guards the instance lifecycle; callers requesting
	// an illegal state change get it back wrapped with the details.
	ErrInvalidTransition = errors.New("invalid instance state transition")

	// ErrNoCapacity: no Ready instance exists and none became ready within
	// the caller's deadline. Callers must turn this into a bounded-time
	// unavailable response, never an unbounded hang.
	ErrNoCapacity = errors.New("no ready instance available")

	// ErrAppDegraded: provisioning attempts are exhausted and automatic
	// scale-up is suspended until an operator resets the App.
	ErrAppDegraded = errors.New("app degraded: provisioning attempts exhausted")
)

// ProvisionError wraps a failure to start an instance. Transient failures
// are retried with backoff; fatal ones (or retries running out) degrade the
// App.
type ProvisionError struct {
	AppID   string
	Attempt int
	Fatal   bool
	Err     error
}

func (e *ProvisionError) Error() string {
	kind := "transient"
	if e.Fatal {
		kind = "fatal"
	}
	if e.Attempt > 0 {
		return fmt.Sprintf("provision app %s (attempt %d, %s): %v", e.AppID, e.Attempt, kind, e.Err)
	}
	return fmt.Sprintf("provision app %s (%s): %v", e.AppID, kind, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// IsFatalProvision reports whether err carries a non-retriable provisioning
// failure.
func IsFatalProvision(err error) bool {
	var pe *ProvisionError
	return errors.As(err, &pe) && pe.Fatal
}
