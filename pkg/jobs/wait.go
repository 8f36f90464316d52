package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jobledger/core/pkg/models"
	"github.com/jobledger/core/pkg/runstore"
	"github.com/jobledger/core/pkg/scheduler"
	"github.com/jobledger/core/pkg/utils"
)

const (
	// DefaultWaitTimeout bounds a trigger-and-wait call when the caller sets
	// no explicit timeout.
	DefaultWaitTimeout = 10 * time.Minute
	// DefaultPollInterval is how often run history is polled while waiting.
	DefaultPollInterval = time.Second
	// MinPollInterval floors caller-supplied intervals so waiting can never
	// degenerate into a busy loop against the store.
	MinPollInterval = 100 * time.Millisecond

	// waitWarmup is the pause before the first poll. A freshly fired job
	// almost never finishes instantly, so the first look is delayed instead
	// of wasted.
	waitWarmup = 500 * time.Millisecond
)

// WaitOptions control TriggerJobAndWait and TriggerJobsAndWait. The zero
// value means: orchestrator defaults, sequential, stop the batch on the
// first failed run.
type WaitOptions struct {
	// Timeout bounds the whole call, batch or single. 0 uses the
	// orchestrator's default.
	Timeout time.Duration
	// PollInterval overrides how often run history is checked. 0 uses the
	// orchestrator's default; values below MinPollInterval are raised to it.
	PollInterval time.Duration
	// Concurrent fires every job in the batch up front and waits for all of
	// them together instead of one at a time.
	Concurrent bool
	// ContinueOnFailure keeps the batch going after a job's run ends Failed.
	ContinueOnFailure bool
}

// JobRequest names one job of a batch trigger, with optional one-shot data.
type JobRequest struct {
	Name  string
	Group string
	Data  map[string]string
}

type waitSettings struct {
	timeout           time.Duration
	pollInterval      time.Duration
	concurrent        bool
	continueOnFailure bool
}

func (o *Orchestrator) waitSettings(opts *WaitOptions) waitSettings {
	w := waitSettings{
		timeout:      o.cfg.WaitTimeout,
		pollInterval: o.cfg.PollInterval,
	}
	if opts != nil {
		if opts.Timeout > 0 {
			w.timeout = opts.Timeout
		}
		if opts.PollInterval > 0 {
			w.pollInterval = opts.PollInterval
		}
		w.concurrent = opts.Concurrent
		w.continueOnFailure = opts.ContinueOnFailure
	}
	if w.pollInterval < MinPollInterval {
		w.pollInterval = MinPollInterval
	}
	return w
}

// TriggerJobAndWait fires the job once and blocks until its run reaches a
// terminal status, returning the job's composite view with LastRun pinned to
// the run this call fired. A Failed run is a successful wait: the caller
// inspects LastRun.Status. The error is non-nil only when the outcome is
// unknown: the job does not exist, the store failed, the caller's context was
// cancelled, or the timeout expired (a *WaitTimeoutError).
func (o *Orchestrator) TriggerJobAndWait(ctx context.Context, name, group string, data map[string]string, opts *WaitOptions) (*models.JobInfo, error) {
	w := o.waitSettings(opts)
	key := scheduler.NewJobKey(name, group)
	deadline := time.Now().Add(w.timeout)

	correlationID, err := o.fireTracked(ctx, key, data)
	if err != nil {
		return nil, err
	}
	run, err := o.awaitRun(ctx, key, correlationID, deadline, w)
	if err != nil {
		return nil, err
	}
	return o.finishedInfo(ctx, key, run)
}

// TriggerJobsAndWait fires a batch of jobs and waits for their runs. The
// returned map is keyed by job name and always reflects every job whose run
// finished, even when the call errors or stops early.
//
// Sequential mode fires each job only after the previous one finished and,
// unless ContinueOnFailure is set, stops triggering after the first Failed
// run; the jobs never fired simply do not appear in the result. Concurrent
// mode fires everything up front; a Failed run then only stops the waiting.
// One timeout budget covers the whole batch.
func (o *Orchestrator) TriggerJobsAndWait(ctx context.Context, requests []JobRequest, opts *WaitOptions) (map[string]*models.JobInfo, error) {
	w := o.waitSettings(opts)
	results := make(map[string]*models.JobInfo, len(requests))
	deadline := time.Now().Add(w.timeout)

	if w.concurrent {
		return o.waitConcurrent(ctx, requests, results, deadline, w)
	}
	return o.waitSequential(ctx, requests, results, deadline, w)
}

func (o *Orchestrator) waitSequential(ctx context.Context, requests []JobRequest, results map[string]*models.JobInfo, deadline time.Time, w waitSettings) (map[string]*models.JobInfo, error) {
	for _, req := range requests {
		key := scheduler.NewJobKey(req.Name, req.Group)

		correlationID, err := o.fireTracked(ctx, key, req.Data)
		if err != nil {
			return results, err
		}

		run, err := o.awaitRun(ctx, key, correlationID, deadline, w)
		if err != nil {
			return results, err
		}
		info, err := o.finishedInfo(ctx, key, run)
		if err != nil {
			return results, err
		}
		results[req.Name] = info

		if run.Status == models.RunFailed && !w.continueOnFailure {
			o.log.Warn().
				Str("job_name", req.Name).
				Str("job_group", key.Group).
				Str("action", "batch_stopped_on_failure").
				Msg("Stopping batch after failed run")
			return results, nil
		}
	}
	return results, nil
}

func (o *Orchestrator) waitConcurrent(ctx context.Context, requests []JobRequest, results map[string]*models.JobInfo, deadline time.Time, w waitSettings) (map[string]*models.JobInfo, error) {
	type pending struct {
		name          string
		key           scheduler.JobKey
		correlationID string
	}

	outstanding := make([]pending, 0, len(requests))
	for _, req := range requests {
		key := scheduler.NewJobKey(req.Name, req.Group)
		correlationID, err := o.fireTracked(ctx, key, req.Data)
		if err != nil {
			return results, err
		}
		outstanding = append(outstanding, pending{name: req.Name, key: key, correlationID: correlationID})
	}

	if err := o.sleepBounded(ctx, waitWarmup, deadline); err != nil {
		return results, err
	}

	for {
		stopOnFailure := false
		remaining := outstanding[:0]
		for _, p := range outstanding {
			run, err := o.findRun(ctx, p.key, p.correlationID)
			if err != nil {
				return results, err
			}
			if run == nil || !run.Status.IsTerminal() {
				remaining = append(remaining, p)
				continue
			}
			info, err := o.finishedInfo(ctx, p.key, run)
			if err != nil {
				return results, err
			}
			results[p.name] = info
			if run.Status == models.RunFailed && !w.continueOnFailure {
				stopOnFailure = true
			}
		}
		outstanding = remaining

		if len(outstanding) == 0 {
			return results, nil
		}
		if stopOnFailure {
			// Everything was already fired; the engine finishes the rest
			// without us watching.
			o.log.Warn().
				Int("abandoned", len(outstanding)).
				Str("action", "batch_stopped_on_failure").
				Msg("Stopped waiting on batch after failed run")
			return results, nil
		}
		if !time.Now().Before(deadline) {
			names := make([]string, 0, len(outstanding))
			for _, p := range outstanding {
				names = append(names, p.name)
			}
			return results, &WaitTimeoutError{Timeout: w.timeout, Outstanding: names}
		}
		if err := o.sleepBounded(ctx, w.pollInterval, deadline); err != nil {
			return results, err
		}
	}
}

// finishedInfo assembles the job's composite view once its tracked run has
// turned terminal. LastRun is pinned to that run: the engine may already be
// firing the job again, and the caller asked about this firing, not about
// whichever run happens to be newest.
func (o *Orchestrator) finishedInfo(ctx context.Context, key scheduler.JobKey, run *models.JobRun) (*models.JobInfo, error) {
	info, err := o.jobInfo(ctx, key)
	if errors.Is(err, scheduler.ErrNotFound) {
		return nil, fmt.Errorf("job %s vanished while waiting: %w", key, ErrJobNotFound)
	}
	if err != nil {
		return nil, err
	}
	info.LastRun = run
	return info, nil
}

// fireTracked stamps a fresh correlation id into the one-shot data and fires
// the job. The id is what lets the poll loop pick this firing's run out of
// the job's history.
func (o *Orchestrator) fireTracked(ctx context.Context, key scheduler.JobKey, data map[string]string) (string, error) {
	correlationID := utils.NewCorrelationID()

	bag := scheduler.MetadataBag(data).Clone()
	if bag == nil {
		bag = scheduler.MetadataBag{}
	}
	bag[models.KeyCorrelationID] = correlationID

	if err := o.engine.FireNow(ctx, key, bag); err != nil {
		return "", o.mapNotFound(err, "trigger", key)
	}
	return correlationID, nil
}

// awaitRun polls run history until the run stamped with correlationID turns
// terminal. The deadline is tracked against the wall clock rather than a
// derived context so an expired wait surfaces as *WaitTimeoutError while a
// cancelled caller still gets ctx.Err().
func (o *Orchestrator) awaitRun(ctx context.Context, key scheduler.JobKey, correlationID string, deadline time.Time, w waitSettings) (*models.JobRun, error) {
	if err := o.sleepBounded(ctx, waitWarmup, deadline); err != nil {
		return nil, err
	}

	for {
		run, err := o.findRun(ctx, key, correlationID)
		if err != nil {
			return nil, err
		}
		if run != nil && run.Status.IsTerminal() {
			return run, nil
		}
		if !time.Now().Before(deadline) {
			return nil, &WaitTimeoutError{Timeout: w.timeout, Outstanding: []string{key.Name}}
		}
		if err := o.sleepBounded(ctx, w.pollInterval, deadline); err != nil {
			return nil, err
		}
	}
}

// findRun returns the tracked run once it has reached the store, nil while
// the firing is still on its way there. A job that vanished from the engine
// before its run appeared fails the wait instead of letting it ride out the
// full timeout.
func (o *Orchestrator) findRun(ctx context.Context, key scheduler.JobKey, correlationID string) (*models.JobRun, error) {
	runs, err := o.store.GetJobRuns(ctx, runstore.RunFilter{
		JobName:  key.Name,
		JobGroup: key.Group,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to poll runs of job %s: %w", key, err)
	}
	for i := range runs {
		if runs[i].CorrelationID == correlationID {
			return &runs[i], nil
		}
	}

	if _, err := o.engine.JobDetail(ctx, key); err != nil {
		if errors.Is(err, scheduler.ErrNotFound) {
			return nil, fmt.Errorf("job %s vanished while waiting: %w", key, ErrJobNotFound)
		}
		return nil, err
	}
	return nil, nil
}

// sleepBounded sleeps for d, but never past the deadline, and wakes early on
// context cancellation.
func (o *Orchestrator) sleepBounded(ctx context.Context, d time.Duration, deadline time.Time) error {
	if remaining := time.Until(deadline); d > remaining {
		d = remaining
	}
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
