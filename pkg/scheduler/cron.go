package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jobledger/core/pkg/logger"
	"github.com/jobledger/core/pkg/models"
	"github.com/jobledger/core/pkg/utils"
)

// registration is the engine-side record of one registered job.
type registration struct {
	schedule models.JobSchedule
	handler  Handler
	entryID  cron.EntryID // zero when the job is manual-only
	paused   bool
	active   map[string]context.CancelFunc // in-flight firings by fire instance id
}

// CronEngine adapts robfig/cron to the Engine contract. It adds what the
// contract requires and robfig lacks: name+group job identity, fire-now
// with one-shot data, pause as a veto on scheduled firings, interrupt via
// per-firing context cancellation, and trigger state queries.
type CronEngine struct {
	cron *cron.Cron
	log  *logger.Logger

	mu   sync.RWMutex
	jobs map[JobKey]*registration

	manual sync.WaitGroup // fire-now firings, outside cron's own tracking
}

// NewCronEngine creates an engine running on UTC wall time.
func NewCronEngine() *CronEngine {
	return &CronEngine{
		cron: cron.New(cron.WithLocation(time.UTC)),
		log:  logger.New("cron-engine"),
		jobs: make(map[JobKey]*registration),
	}
}

// Register adds a job and, when the schedule carries a cron expression, its
// trigger. Jobs without an expression are registered manual-only and fire
// through FireNow alone.
func (e *CronEngine) Register(schedule models.JobSchedule, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("job %q requires a handler", schedule.Name)
	}
	if err := schedule.Validate(); err != nil {
		return err
	}
	schedule = schedule.Normalized()
	key := JobKey{Name: schedule.Name, Group: schedule.Group}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.jobs[key]; exists {
		return fmt.Errorf("job %s is already registered", key)
	}

	reg := &registration{
		schedule: schedule,
		handler:  handler,
		active:   make(map[string]context.CancelFunc),
	}

	if schedule.CronExpression != "" {
		entryID, err := e.cron.AddFunc(schedule.CronExpression, func() {
			e.fire(key, TriggeredByScheduled, nil)
		})
		if err != nil {
			return fmt.Errorf("failed to schedule job %s: %w", key, err)
		}
		reg.entryID = entryID
	}

	e.jobs[key] = reg

	e.log.Info().
		Str("action", "register_job").
		Str("job_name", schedule.Name).
		Str("job_group", schedule.Group).
		Str("schedule", schedule.CronExpression).
		Msg("Registered job")

	return nil
}

// fire runs one firing of a registered job on the calling goroutine.
// Scheduled entries and FireNow both route through here.
func (e *CronEngine) fire(key JobKey, triggeredBy string, oneShot MetadataBag) {
	e.mu.Lock()
	reg, ok := e.jobs[key]
	if !ok {
		e.mu.Unlock()
		return
	}
	if reg.paused && triggeredBy == TriggeredByScheduled {
		e.mu.Unlock()
		e.log.Debug().
			Str("action", "firing_vetoed").
			Str("job_name", key.Name).
			Str("job_group", key.Group).
			Msg("Skipping scheduled firing of paused job")
		return
	}

	fireID := utils.NewFireInstanceID()
	ctx, cancel := context.WithCancel(context.Background())
	reg.active[fireID] = cancel

	firing := Firing{
		FireInstanceID: fireID,
		JobKey:         key,
		JobType:        reg.schedule.JobType,
		Priority:       reg.schedule.Priority,
		TriggeredBy:    triggeredBy,
		FiredAt:        time.Now().UTC(),
		Data:           MetadataBag(reg.schedule.Metadata).Merge(oneShot),
	}
	handler := reg.handler
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(reg.active, fireID)
		e.mu.Unlock()
		cancel()
	}()

	if err := handler(ctx, firing); err != nil {
		e.log.Error().
			Err(err).
			Str("action", "firing_failed").
			Str("job_name", key.Name).
			Str("job_group", key.Group).
			Str("fire_instance_id", fireID).
			Str("triggered_by", triggeredBy).
			Msg("Job firing returned error")
	}
}

// ListJobKeys enumerates registered jobs ordered by group, then name.
func (e *CronEngine) ListJobKeys(_ context.Context) ([]JobKey, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	keys := make([]JobKey, 0, len(e.jobs))
	for key := range e.jobs {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Group != keys[j].Group {
			return keys[i].Group < keys[j].Group
		}
		return keys[i].Name < keys[j].Name
	})
	return keys, nil
}

func (e *CronEngine) JobDetail(_ context.Context, key JobKey) (*JobDetail, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	reg, ok := e.jobs[key]
	if !ok {
		return nil, fmt.Errorf("job detail %s: %w", key, ErrNotFound)
	}
	return &JobDetail{
		Key:         key,
		JobType:     reg.schedule.JobType,
		Description: reg.schedule.Description,
		Priority:    reg.schedule.Priority,
		Metadata:    MetadataBag(reg.schedule.Metadata).Clone(),
	}, nil
}

func (e *CronEngine) TriggersOf(_ context.Context, key JobKey) ([]TriggerDetail, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	reg, ok := e.jobs[key]
	if !ok {
		return nil, fmt.Errorf("triggers of %s: %w", key, ErrNotFound)
	}
	if reg.entryID == 0 {
		return nil, nil
	}

	entry := e.cron.Entry(reg.entryID)
	detail := TriggerDetail{
		Key:            triggerKeyFor(key),
		JobKey:         key,
		Description:    reg.schedule.Description,
		CronExpression: reg.schedule.CronExpression,
	}
	if !entry.Next.IsZero() {
		next := entry.Next
		detail.NextFireTime = &next
	}
	if !entry.Prev.IsZero() {
		prev := entry.Prev
		detail.PreviousFireTime = &prev
	}
	return []TriggerDetail{detail}, nil
}

func (e *CronEngine) TriggerState(_ context.Context, key TriggerKey) (models.TriggerState, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for jobKey, reg := range e.jobs {
		if reg.entryID == 0 || triggerKeyFor(jobKey) != key {
			continue
		}
		if reg.paused {
			return models.TriggerPaused, nil
		}
		return models.TriggerActive, nil
	}
	return models.TriggerNone, fmt.Errorf("trigger state %s: %w", key, ErrNotFound)
}

// FireNow fires the job immediately on a fresh goroutine. Manual firings
// bypass pause; pausing vetoes scheduled firings only.
func (e *CronEngine) FireNow(_ context.Context, key JobKey, data MetadataBag) error {
	e.mu.RLock()
	_, ok := e.jobs[key]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("fire now %s: %w", key, ErrNotFound)
	}

	oneShot := data.Clone()
	e.manual.Add(1)
	go func() {
		defer e.manual.Done()
		e.fire(key, TriggeredByTrigger, oneShot)
	}()
	return nil
}

func (e *CronEngine) Pause(_ context.Context, key JobKey) error {
	return e.setPaused("pause", key, true)
}

func (e *CronEngine) Resume(_ context.Context, key JobKey) error {
	return e.setPaused("resume", key, false)
}

func (e *CronEngine) setPaused(op string, key JobKey, paused bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	reg, ok := e.jobs[key]
	if !ok {
		return fmt.Errorf("%s %s: %w", op, key, ErrNotFound)
	}
	reg.paused = paused

	e.log.Info().
		Str("action", op).
		Str("job_name", key.Name).
		Str("job_group", key.Group).
		Msg("Changed job pause state")
	return nil
}

// Interrupt cancels the contexts of every in-flight firing of the job. The
// firings themselves decide how quickly they observe cancellation.
func (e *CronEngine) Interrupt(_ context.Context, key JobKey) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	reg, ok := e.jobs[key]
	if !ok {
		return false, fmt.Errorf("interrupt %s: %w", key, ErrNotFound)
	}

	interrupted := false
	for fireID, cancel := range reg.active {
		cancel()
		interrupted = true
		e.log.Info().
			Str("action", "firing_interrupted").
			Str("job_name", key.Name).
			Str("job_group", key.Group).
			Str("fire_instance_id", fireID).
			Msg("Cancelled in-flight firing")
	}
	return interrupted, nil
}

// Start begins scheduled firing.
func (e *CronEngine) Start() {
	e.mu.RLock()
	count := len(e.jobs)
	e.mu.RUnlock()

	e.log.Info().
		Str("action", "start").
		Int("job_count", count).
		Msg("Starting cron engine")
	e.cron.Start()
}

// Stop stops scheduling new firings and waits for in-flight ones, manual
// included, to finish.
func (e *CronEngine) Stop() {
	e.log.Info().
		Str("action", "stop_initiated").
		Msg("Stopping cron engine")

	ctx := e.cron.Stop()
	<-ctx.Done()
	e.manual.Wait()

	e.log.Info().
		Str("action", "stopped").
		Msg("Cron engine stopped")
}

// triggerKeyFor names the single trigger the adapter attaches per
// scheduled job.
func triggerKeyFor(key JobKey) TriggerKey {
	return TriggerKey{Name: key.Name + "-trigger", Group: key.Group}
}
