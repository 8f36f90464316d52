package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jobledger/core/pkg/models"
)

// DefaultAttemptTimeout bounds one attempt of a job body when no explicit
// timeout is configured.
const DefaultAttemptTimeout = 30 * time.Minute

// TimeoutMiddleware gives every attempt its own deadline, derived from the
// firing's context. Cancellation is cooperative: the body is expected to
// honor its context, exactly as it must for interrupts. Sitting inside the
// retry layer, each retry gets a fresh deadline.
type TimeoutMiddleware struct {
	timeout time.Duration
}

func NewTimeoutMiddleware(timeout time.Duration) *TimeoutMiddleware {
	if timeout <= 0 {
		timeout = DefaultAttemptTimeout
	}
	return &TimeoutMiddleware{timeout: timeout}
}

func (m *TimeoutMiddleware) Name() string {
	return "timeout"
}

func (m *TimeoutMiddleware) Execute(ctx context.Context, ec *models.ExecContext, next Handler) error {
	attemptCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := next(attemptCtx, ec)
	if err == nil {
		return nil
	}

	// Name the budget in the failure when it was this attempt's own deadline
	// that fired rather than the caller's context.
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("attempt of job %s exceeded %s: %w", ec.JobName, m.timeout, err)
	}
	return err
}
