package jobs

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/jobledger/core/pkg/logger"
	"github.com/jobledger/core/pkg/models"
)

// RetryConfig tunes the retry middleware. Zero durations fall back to the
// defaults below; Jitter 0 genuinely disables jitter.
type RetryConfig struct {
	// MaxRetries is the number of extra attempts after the first one.
	MaxRetries int
	// BaseBackoff is the delay before the first retry; it doubles each
	// further retry.
	BaseBackoff time.Duration
	// MaxBackoff caps the grown delay.
	MaxBackoff time.Duration
	// Jitter spreads each delay multiplicatively into [1-Jitter, 1+Jitter]
	// so synchronized jobs do not retry in lockstep.
	Jitter float64
}

const (
	defaultMaxRetries  = 2
	defaultBaseBackoff = 500 * time.Millisecond
	defaultMaxBackoff  = 15 * time.Second
	defaultJitter      = 0.2
)

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = defaultBaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		c.Jitter = defaultJitter
	}
	return c
}

// DefaultRetryConfig returns the retry tuning used when no explicit config is
// given: two retries, half-second base delay, 15s cap, 20% jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:  defaultMaxRetries,
		BaseBackoff: defaultBaseBackoff,
		MaxBackoff:  defaultMaxBackoff,
		Jitter:      defaultJitter,
	}
}

// RetryMiddleware re-runs the rest of the chain when an attempt fails with an
// error marked Transient. Context cancellation and deadline expiry are never
// retried; neither is any unmarked error.
type RetryMiddleware struct {
	cfg RetryConfig
	log *logger.Logger
}

func NewRetryMiddleware(cfg RetryConfig) *RetryMiddleware {
	return &RetryMiddleware{
		cfg: cfg.withDefaults(),
		log: logger.New("retry"),
	}
}

func (m *RetryMiddleware) Name() string {
	return "retry"
}

func (m *RetryMiddleware) Execute(ctx context.Context, ec *models.ExecContext, next Handler) error {
	var lastErr error
	maxAttempts := m.cfg.MaxRetries + 1

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := m.backoff(attempt)
			m.log.Warn().
				Str("job_name", ec.JobName).
				Str("job_group", ec.JobGroup).
				Int("attempt", attempt).
				Int("max_attempts", maxAttempts).
				Dur("backoff", delay).
				Err(lastErr).
				Str("action", "run_retry").
				Msg("Retrying job run after transient failure")

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		ec.Attempts = attempt
		err := next(ctx, ec)
		if err == nil {
			if attempt > 1 {
				m.log.Info().
					Str("job_name", ec.JobName).
					Int("attempt", attempt).
					Str("action", "run_retry_success").
					Msg("Job run succeeded after retry")
			}
			return nil
		}

		lastErr = err
		if !m.shouldRetry(err) {
			break
		}
	}

	return lastErr
}

// shouldRetry keeps cancellation and deadline errors terminal and retries
// only failures explicitly marked transient.
func (m *RetryMiddleware) shouldRetry(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return IsTransient(err)
}

// backoff grows the delay exponentially from BaseBackoff, caps it at
// MaxBackoff and jitters the result. attempt is the upcoming attempt number,
// so the first retry (attempt 2) waits roughly BaseBackoff.
func (m *RetryMiddleware) backoff(attempt int) time.Duration {
	d := m.cfg.BaseBackoff
	for i := 2; i < attempt; i++ {
		d *= 2
		if d > m.cfg.MaxBackoff {
			d = m.cfg.MaxBackoff
			break
		}
	}
	if m.cfg.Jitter > 0 {
		r := (rand.Float64()*2 - 1) * m.cfg.Jitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	return d
}
