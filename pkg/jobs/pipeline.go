package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jobledger/core/pkg/logger"
	"github.com/jobledger/core/pkg/models"
	"github.com/jobledger/core/pkg/runstore"
	"github.com/jobledger/core/pkg/scheduler"
	"github.com/jobledger/core/pkg/utils"
)

// PipelineConfig carries the pipeline's identity and middleware stack.
type PipelineConfig struct {
	// InstanceName stamps every run with the process that executed it.
	InstanceName string
	// Middlewares wrap the job body, first entry outermost. Nil means the
	// body runs bare, which is what most tests want.
	Middlewares []Middleware
}

// ExecutionPipeline turns registered job bodies into engine handlers. Every
// firing that passes its group gate produces exactly one JobRun: written as
// Started before the body runs and finished with exactly one terminal write.
// A firing cancelled while still waiting at the gate produces no run at all.
//
// The pipeline also keeps each job's persistent bag, whose checkpoint keys
// let a firing see how the previous one ended.
type ExecutionPipeline struct {
	store    runstore.RunStore
	gate     *GroupRegistry
	chain    []Middleware
	instance string
	log      *logger.Logger

	bagMu sync.Mutex
	bags  map[string]map[string]string
}

func NewExecutionPipeline(store runstore.RunStore, gate *GroupRegistry, cfg PipelineConfig) *ExecutionPipeline {
	instance := cfg.InstanceName
	if instance == "" {
		instance = "jobledger"
	}
	if gate == nil {
		gate = NewGroupRegistry(nil)
	}
	return &ExecutionPipeline{
		store:    store,
		gate:     gate,
		chain:    cfg.Middlewares,
		instance: instance,
		log:      logger.New("pipeline"),
		bags:     make(map[string]map[string]string),
	}
}

// Wrap binds a job body to the pipeline, producing the handler that gets
// registered with the scheduling engine. The middleware chain is composed
// once per registration; panic recovery sits innermost so a panicking body
// is indistinguishable from one returning an error.
func (p *ExecutionPipeline) Wrap(body Handler) scheduler.Handler {
	chained := Chain(recoverPanics(body), p.chain...)
	return func(ctx context.Context, firing scheduler.Firing) error {
		return p.run(ctx, firing, chained)
	}
}

func (p *ExecutionPipeline) run(ctx context.Context, firing scheduler.Firing, chained Handler) error {
	ec := p.newExecContext(firing)

	runLog := p.log.
		WithCorrelationID(ec.CorrelationID).
		WithFlowID(ec.FlowID).
		WithJob(ec.JobName, ec.JobGroup)

	if err := ctx.Err(); err != nil {
		runLog.Info().
			Str("action", "run_cancelled_before_start").
			Str("fire_instance_id", firing.FireInstanceID).
			Msg("Firing cancelled before start, no run recorded")
		return err
	}

	// The gate comes before the Started record: a firing parked behind its
	// exclusive group has not begun, and cancelling it there leaves no trace
	// in run history.
	guard, err := p.gate.Enter(ctx, ec.JobGroup)
	if err != nil {
		runLog.Info().
			Str("action", "run_cancelled_before_start").
			Str("fire_instance_id", firing.FireInstanceID).
			Msg("Firing cancelled while waiting for its group, no run recorded")
		return err
	}
	defer guard.Release()

	ec.Previous = models.CheckpointFromBag(p.bagSnapshot(firing.JobKey))

	run := &models.JobRun{
		ID:            utils.NewRunID(),
		JobName:       ec.JobName,
		JobGroup:      ec.JobGroup,
		StartTime:     time.Now().UTC(),
		Status:        models.RunStarted,
		Priority:      firing.Priority,
		InstanceName:  p.instance,
		CorrelationID: ec.CorrelationID,
		FlowID:        ec.FlowID,
		TriggeredBy:   ec.TriggeredBy,
	}
	runLog = runLog.WithRun(run.ID)

	if err := p.store.SaveJobRun(ctx, run); err != nil {
		runLog.Error().
			Err(err).
			Str("action", "run_start_write_failed").
			Msg("Could not record run start, firing aborted")
		return fmt.Errorf("failed to record start of job %s: %w", ec.JobName, err)
	}
	runLog.LogRunStart(ec.JobName, ec.JobGroup, ec.TriggeredBy)

	ctx = runLog.ToContext(ctx)
	ctx = models.WithExecContext(ctx, ec)

	ec.Attempts = 1
	execErr := chained(ctx, ec)
	endedAt := time.Now().UTC()

	if execErr != nil {
		_ = run.MarkFailed(endedAt, failureText(execErr))
	} else {
		_ = run.MarkSucceeded(endedAt)
	}

	// The terminal write must survive the firing's own cancellation or the
	// run would be stuck in Started forever.
	saveCtx := context.WithoutCancel(ctx)
	if err := p.store.SaveJobRun(saveCtx, run); err != nil {
		runLog.Error().
			Err(err).
			Str("action", "run_finish_write_failed").
			Str("status", run.Status.String()).
			Msg("Could not record terminal run status")
	}

	p.saveCheckpoint(firing.JobKey, models.Checkpoint{
		LastStatus:  run.Status,
		LastError:   run.Result,
		ProcessedAt: endedAt,
		ElapsedMs:   endedAt.Sub(run.StartTime).Milliseconds(),
	})

	runLog.LogRunComplete(ec.JobName, run.Status.String(), run.Duration(endedAt), ec.Attempts)
	return execErr
}

// newExecContext maps a firing onto the typed execution context. Reserved
// keys in the one-shot data become fields; everything else lands in Extra.
func (p *ExecutionPipeline) newExecContext(firing scheduler.Firing) *models.ExecContext {
	correlationID := firing.Data[models.KeyCorrelationID]
	if correlationID == "" {
		correlationID = utils.NewCorrelationID()
	}

	ec := &models.ExecContext{
		CorrelationID: correlationID,
		FlowID:        utils.FlowID(firing.JobType),
		JobID:         firing.FireInstanceID,
		JobName:       firing.JobKey.Name,
		JobGroup:      firing.JobKey.Group,
		JobType:       firing.JobType,
		TriggeredBy:   firing.TriggeredBy,
		Category:      firing.Data[models.KeyCategory],
	}
	for k, v := range firing.Data {
		if reservedKey(k) {
			continue
		}
		if ec.Extra == nil {
			ec.Extra = make(map[string]string)
		}
		ec.Extra[k] = v
	}
	return ec
}

func reservedKey(k string) bool {
	switch k {
	case models.KeyCorrelationID, models.KeyFlowID, models.KeyJobID,
		models.KeyTriggeredBy, models.KeyCategory,
		models.KeyStatus, models.KeyErrorMessage,
		models.KeyProcessedDate, models.KeyElapsedMillis:
		return true
	}
	return false
}

// bagSnapshot copies the job's persistent bag so readers never alias the
// live map.
func (p *ExecutionPipeline) bagSnapshot(key scheduler.JobKey) map[string]string {
	p.bagMu.Lock()
	defer p.bagMu.Unlock()

	bag := p.bags[key.String()]
	out := make(map[string]string, len(bag))
	for k, v := range bag {
		out[k] = v
	}
	return out
}

func (p *ExecutionPipeline) saveCheckpoint(key scheduler.JobKey, cp models.Checkpoint) {
	p.bagMu.Lock()
	defer p.bagMu.Unlock()

	bag := p.bags[key.String()]
	if bag == nil {
		bag = make(map[string]string)
		p.bags[key.String()] = bag
	}
	cp.ToBag(bag)
}

// recoverPanics converts a panicking body into an ordinary failed attempt so
// one bad job can never take the scheduler down.
func recoverPanics(body Handler) Handler {
	return func(ctx context.Context, ec *models.ExecContext) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = &panicError{value: r}
			}
		}()
		return body(ctx, ec)
	}
}
