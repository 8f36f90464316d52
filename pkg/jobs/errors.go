package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrJobNotFound is returned by orchestrator operations that name a job the
// engine does not know.
var ErrJobNotFound = errors.New("job not found")

// ErrInjectedFault is the root cause of every failure the chaos layer
// fabricates. Callers can detect injected failures with errors.Is.
var ErrInjectedFault = errors.New("injected chaos fault")

// WaitTimeoutError reports a trigger-and-wait deadline expiring before every
// fired job reached a terminal run. Outstanding names the jobs still pending,
// in the order they were requested.
type WaitTimeoutError struct {
	Timeout     time.Duration
	Outstanding []string
}

func (e *WaitTimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for jobs to finish: %s",
		e.Timeout, strings.Join(e.Outstanding, ", "))
}

// transientError marks a failure as worth retrying. Produced by Transient,
// detected by IsTransient; everything else about the wrapped error is
// preserved for errors.Is / errors.As.
type transientError struct {
	err error
}

func (e *transientError) Error() string {
	return e.err.Error()
}

func (e *transientError) Unwrap() error {
	return e.err
}

// Transient marks err as retryable. Job bodies wrap the failures they expect
// to clear on a retry (timeouts talking to flaky dependencies, lost
// connections); anything not wrapped fails the run on the first attempt.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err or anything it wraps was marked with
// Transient.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

// panicError carries a recovered panic value through the middleware chain as
// an ordinary error.
type panicError struct {
	value interface{}
}

func (e *panicError) Error() string {
	return fmt.Sprint(e.value)
}

// failureText renders a run failure for the persisted Result column. The
// bracketed kind comes from a closed vocabulary so run history stays
// greppable: panic, timeout, cancelled, chaos, transient, error.
func failureText(err error) string {
	return "[" + failureKind(err) + "] " + err.Error()
}

func failureKind(err error) string {
	var pe *panicError
	switch {
	case errors.As(err, &pe):
		return "panic"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, ErrInjectedFault):
		return "chaos"
	case IsTransient(err):
		return "transient"
	default:
		return "error"
	}
}
