package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jobledger/core/pkg/logger"
	"github.com/jobledger/core/pkg/models"
	"github.com/jobledger/core/pkg/runstore"
	"github.com/jobledger/core/pkg/scheduler"
	"github.com/jobledger/core/pkg/utils"
)

// OrchestratorConfig tunes the trigger-and-wait operations. Zero values fall
// back to the package defaults.
type OrchestratorConfig struct {
	WaitTimeout  time.Duration
	PollInterval time.Duration
}

// Orchestrator is the management facade over the scheduling engine and the
// run store: composite job views, manual triggering, pause/resume/interrupt
// and history purging. It holds no state of its own beyond its defaults, so
// one instance serves any number of concurrent callers.
type Orchestrator struct {
	engine scheduler.Engine
	store  runstore.RunStore
	cfg    OrchestratorConfig
	log    *logger.Logger
}

func NewOrchestrator(engine scheduler.Engine, store runstore.RunStore, cfg *OrchestratorConfig) *Orchestrator {
	resolved := OrchestratorConfig{
		WaitTimeout:  DefaultWaitTimeout,
		PollInterval: DefaultPollInterval,
	}
	if cfg != nil {
		if cfg.WaitTimeout > 0 {
			resolved.WaitTimeout = cfg.WaitTimeout
		}
		if cfg.PollInterval > 0 {
			resolved.PollInterval = cfg.PollInterval
		}
	}
	return &Orchestrator{
		engine: engine,
		store:  store,
		cfg:    resolved,
		log:    logger.New("orchestrator"),
	}
}

// GetJobs returns the composite view of every registered job, ordered by
// group then name.
func (o *Orchestrator) GetJobs(ctx context.Context) ([]models.JobInfo, error) {
	keys, err := o.engine.ListJobKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	infos := make([]models.JobInfo, 0, len(keys))
	for _, key := range keys {
		info, err := o.jobInfo(ctx, key)
		if err != nil {
			return nil, err
		}
		infos = append(infos, *info)
	}
	return infos, nil
}

// GetJob returns the composite view of one job, or ErrJobNotFound.
func (o *Orchestrator) GetJob(ctx context.Context, name, group string) (*models.JobInfo, error) {
	key := scheduler.NewJobKey(name, group)
	info, err := o.jobInfo(ctx, key)
	if errors.Is(err, scheduler.ErrNotFound) {
		return nil, fmt.Errorf("job %s: %w", key, ErrJobNotFound)
	}
	return info, err
}

// jobInfo assembles one job's view from live engine state, its newest run
// and all-time stats. The view is rebuilt on every call and never cached.
func (o *Orchestrator) jobInfo(ctx context.Context, key scheduler.JobKey) (*models.JobInfo, error) {
	detail, err := o.engine.JobDetail(ctx, key)
	if err != nil {
		return nil, err
	}

	triggers, err := o.engine.TriggersOf(ctx, key)
	if err != nil {
		return nil, err
	}

	triggerInfos := make([]models.TriggerInfo, 0, len(triggers))
	for _, tr := range triggers {
		state, err := o.engine.TriggerState(ctx, tr.Key)
		if err != nil {
			return nil, err
		}
		triggerInfos = append(triggerInfos, models.TriggerInfo{
			Name:             tr.Key.Name,
			Group:            tr.Key.Group,
			Description:      tr.Description,
			CronExpression:   tr.CronExpression,
			NextFireTime:     tr.NextFireTime,
			PreviousFireTime: tr.PreviousFireTime,
			State:            state,
		})
	}

	info := &models.JobInfo{
		Name:         key.Name,
		Group:        key.Group,
		Description:  detail.Description,
		Type:         detail.JobType,
		Status:       models.DeriveJobStatus(triggerInfos),
		TriggerCount: len(triggerInfos),
		Category:     detail.Metadata[models.KeyCategory],
		Triggers:     triggerInfos,
	}

	runs, err := o.store.GetJobRuns(ctx, runstore.RunFilter{
		JobName:  key.Name,
		JobGroup: key.Group,
		Take:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load last run of job %s: %w", key, err)
	}
	if len(runs) > 0 {
		run := runs[0]
		info.LastRun = &run

		stats, err := o.store.GetJobRunStats(ctx, key.Name, key.Group, time.Time{}, time.Time{})
		if err != nil {
			return nil, fmt.Errorf("failed to load run stats of job %s: %w", key, err)
		}
		info.LastRunStats = &stats
	}
	return info, nil
}

// TriggerJob fires the job once, immediately, with the given one-shot data
// merged over the job's static metadata. It returns as soon as the firing is
// handed to the engine; use TriggerJobAndWait to observe the outcome.
func (o *Orchestrator) TriggerJob(ctx context.Context, name, group string, data map[string]string) error {
	key := scheduler.NewJobKey(name, group)
	if err := o.engine.FireNow(ctx, key, scheduler.MetadataBag(data)); err != nil {
		return o.mapNotFound(err, "trigger", key)
	}
	o.log.Info().
		Str("job_name", key.Name).
		Str("job_group", key.Group).
		Str("action", "job_triggered").
		Msg("Job triggered manually")
	return nil
}

// TriggerJobs fires every listed job in the group immediately, stamping one
// shared correlation id into each one-shot bag so the resulting runs can be
// tied back together in run history. Per-job entries in perJobData are merged
// over the shared data. Firing stops at the first job the engine rejects; the
// jobs already fired keep running under the returned correlation id.
func (o *Orchestrator) TriggerJobs(ctx context.Context, names []string, group string, data map[string]string, perJobData map[string]map[string]string) (string, error) {
	correlationID := utils.NewCorrelationID()

	for _, name := range names {
		key := scheduler.NewJobKey(name, group)

		bag := scheduler.MetadataBag(data).Clone()
		if bag == nil {
			bag = scheduler.MetadataBag{}
		}
		for k, v := range perJobData[name] {
			bag[k] = v
		}
		bag[models.KeyCorrelationID] = correlationID

		if err := o.engine.FireNow(ctx, key, bag); err != nil {
			return correlationID, o.mapNotFound(err, "trigger", key)
		}
	}
	o.log.Info().
		Int("jobs", len(names)).
		Str("job_group", group).
		Str("correlation_id", correlationID).
		Str("action", "jobs_triggered").
		Msg("Job batch triggered manually")
	return correlationID, nil
}

// PauseJob pauses the job's scheduled firings. Manual triggers still work
// while a job is paused.
func (o *Orchestrator) PauseJob(ctx context.Context, name, group string) error {
	key := scheduler.NewJobKey(name, group)
	if err := o.engine.Pause(ctx, key); err != nil {
		return o.mapNotFound(err, "pause", key)
	}
	o.log.Info().
		Str("job_name", key.Name).
		Str("job_group", key.Group).
		Str("action", "job_paused").
		Msg("Job paused")
	return nil
}

// ResumeJob lifts a pause.
func (o *Orchestrator) ResumeJob(ctx context.Context, name, group string) error {
	key := scheduler.NewJobKey(name, group)
	if err := o.engine.Resume(ctx, key); err != nil {
		return o.mapNotFound(err, "resume", key)
	}
	o.log.Info().
		Str("job_name", key.Name).
		Str("job_group", key.Group).
		Str("action", "job_resumed").
		Msg("Job resumed")
	return nil
}

// InterruptJob cancels the contexts of the job's in-flight firings and
// reports whether any firing was actually interrupted. Interruption is
// cooperative: bodies that ignore their context run to completion anyway.
func (o *Orchestrator) InterruptJob(ctx context.Context, name, group string) (bool, error) {
	key := scheduler.NewJobKey(name, group)
	interrupted, err := o.engine.Interrupt(ctx, key)
	if err != nil {
		return false, o.mapNotFound(err, "interrupt", key)
	}
	o.log.Info().
		Str("job_name", key.Name).
		Str("job_group", key.Group).
		Bool("interrupted", interrupted).
		Str("action", "job_interrupted").
		Msg("Interrupt requested")
	return interrupted, nil
}

// PurgeJobRuns deletes all runs that started before olderThan, across every
// job, and returns how many were removed.
func (o *Orchestrator) PurgeJobRuns(ctx context.Context, olderThan time.Time) (int, error) {
	purged, err := o.store.PurgeJobRuns(ctx, "", "", olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to purge job runs: %w", err)
	}
	o.log.Info().
		Int("purged", purged).
		Time("older_than", olderThan).
		Str("action", "runs_purged").
		Msg("Purged old job runs")
	return purged, nil
}

func (o *Orchestrator) mapNotFound(err error, op string, key scheduler.JobKey) error {
	if errors.Is(err, scheduler.ErrNotFound) {
		return fmt.Errorf("%s job %s: %w", op, key, ErrJobNotFound)
	}
	return err
}
