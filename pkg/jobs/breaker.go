package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/jobledger/core/pkg/logger"
	"github.com/jobledger/core/pkg/models"
)

// BreakerConfig tunes the per-job circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is the run of consecutive failures that opens a job's
	// circuit.
	FailureThreshold uint32
	// CoolDown is how long an open circuit rejects firings before letting a
	// probe attempt through.
	CoolDown time.Duration
}

const (
	defaultFailureThreshold = 5
	defaultCoolDown         = time.Minute
)

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = defaultFailureThreshold
	}
	if c.CoolDown <= 0 {
		c.CoolDown = defaultCoolDown
	}
	return c
}

// BreakerMiddleware short-circuits jobs that keep failing. Each job name gets
// its own gobreaker circuit, created lazily; while a circuit is open the
// firing fails immediately without running the body, and the run history
// records the rejection.
type BreakerMiddleware struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	cfg      BreakerConfig
	log      *logger.Logger
}

func NewBreakerMiddleware(cfg BreakerConfig) *BreakerMiddleware {
	return &BreakerMiddleware{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		cfg:      cfg.withDefaults(),
		log:      logger.New("breaker"),
	}
}

func (m *BreakerMiddleware) Name() string {
	return "breaker"
}

func (m *BreakerMiddleware) Execute(ctx context.Context, ec *models.ExecContext, next Handler) error {
	cb := m.breakerFor(ec.JobName)

	_, err := cb.Execute(func() (interface{}, error) {
		return nil, next(ctx, ec)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("job %s rejected by open circuit: %w", ec.JobName, err)
	}
	return err
}

func (m *BreakerMiddleware) breakerFor(jobName string) *gobreaker.CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	cb, ok := m.breakers[jobName]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    jobName,
			Timeout: m.cfg.CoolDown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= m.cfg.FailureThreshold
			},
			// An operator interrupt is not a job failure and must not
			// poison the circuit.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				m.log.Warn().
					Str("job_name", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Str("action", "breaker_state_change").
					Msg("Circuit breaker changed state")
			},
		})
		m.breakers[jobName] = cb
	}
	return cb
}
