package reconcile

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSourceUnavailable means a forced update or a day fetch failed.
	ErrSourceUnavailable = errors.New("meter reading source unavailable")
	// ErrStalenessDetected means the estimated next portal update has lapsed.
	ErrStalenessDetected = errors.New("estimated next update has lapsed")
)

// UpdateFailed is returned when a refresh cycle aborts. No rows are produced
// for any meter and the next attempt should run after RetryIn.
type UpdateFailed struct {
	Kind    error
	Meter   string
	RetryIn time.Duration
	Err     error
}

func (e *UpdateFailed) Error() string {
	msg := "update failed: " + e.Kind.Error()
	if e.Meter != "" {
		msg += fmt.Sprintf(" (meter %s)", e.Meter)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UpdateFailed) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
