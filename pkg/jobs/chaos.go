package jobs

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/jobledger/core/pkg/logger"
	"github.com/jobledger/core/pkg/models"
)

// ChaosMiddleware aborts a configurable fraction of attempts before the job
// body runs, failing them with a transient ErrInjectedFault. Sitting inside
// the retry layer, injected faults exercise the retry path end to end.
// Probability 0 disables injection, which is the production default.
type ChaosMiddleware struct {
	probability float64
	log         *logger.Logger
}

// NewChaosMiddleware creates a chaos layer that fails each attempt with the
// given probability, clamped to [0, 1].
func NewChaosMiddleware(probability float64) *ChaosMiddleware {
	if probability < 0 {
		probability = 0
	}
	if probability > 1 {
		probability = 1
	}
	return &ChaosMiddleware{
		probability: probability,
		log:         logger.New("chaos"),
	}
}

func (m *ChaosMiddleware) Name() string {
	return "chaos"
}

func (m *ChaosMiddleware) Execute(ctx context.Context, ec *models.ExecContext, next Handler) error {
	if m.probability > 0 && rand.Float64() < m.probability {
		m.log.Warn().
			Str("job_name", ec.JobName).
			Str("job_group", ec.JobGroup).
			Float64("probability", m.probability).
			Str("action", "chaos_injected").
			Msg("Injecting fault instead of running job body")
		return Transient(fmt.Errorf("%w: attempt of job %s aborted", ErrInjectedFault, ec.JobName))
	}
	return next(ctx, ec)
}
