package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/jobledger/core/pkg/models"
)

// ErrNotFound is returned when no registered job or trigger matches a key.
var ErrNotFound = errors.New("scheduler: job or trigger not found")

// TriggeredBy values stamped on every firing handed to a Handler.
const (
	TriggeredByScheduled = "scheduled"
	TriggeredByTrigger   = "triggered"
)

// JobKey identifies a registered job by name within a group.
type JobKey struct {
	Name  string `json:"name"`
	Group string `json:"group"`
}

// NewJobKey builds a job key, normalizing an empty group to the default group.
func NewJobKey(name, group string) JobKey {
	if group == "" {
		group = models.DefaultGroup
	}
	return JobKey{Name: name, Group: group}
}

func (k JobKey) String() string {
	return k.Group + "." + k.Name
}

// TriggerKey identifies a trigger by name within a group.
type TriggerKey struct {
	Name  string `json:"name"`
	Group string `json:"group"`
}

func (k TriggerKey) String() string {
	return k.Group + "." + k.Name
}

// MetadataBag is the string-keyed data bag shared between job registrations,
// one-shot trigger data and firings.
type MetadataBag map[string]string

// Clone returns an independent copy of the bag. A nil bag clones to nil.
func (b MetadataBag) Clone() MetadataBag {
	if b == nil {
		return nil
	}
	out := make(MetadataBag, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}

// Merge returns a new bag holding b's entries with over's written on top.
func (b MetadataBag) Merge(over MetadataBag) MetadataBag {
	if len(b) == 0 && len(over) == 0 {
		return nil
	}
	out := make(MetadataBag, len(b)+len(over))
	for k, v := range b {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}

// JobDetail describes one registered job.
type JobDetail struct {
	Key         JobKey      `json:"key"`
	JobType     string      `json:"jobType"`
	Description string      `json:"description,omitempty"`
	Priority    int         `json:"priority"`
	Metadata    MetadataBag `json:"metadata,omitempty"`
}

// TriggerDetail describes one trigger of a job, including the live fire
// times reported by the engine.
type TriggerDetail struct {
	Key              TriggerKey `json:"key"`
	JobKey           JobKey     `json:"jobKey"`
	Description      string     `json:"description,omitempty"`
	CronExpression   string     `json:"cronExpression"`
	NextFireTime     *time.Time `json:"nextFireTime,omitempty"`
	PreviousFireTime *time.Time `json:"previousFireTime,omitempty"`
}

// Firing is one invocation of a job as handed to its Handler: the firing
// identity, what caused it, and the static registration metadata merged
// with any one-shot trigger data (one-shot wins).
type Firing struct {
	FireInstanceID string
	JobKey         JobKey
	JobType        string
	Priority       int
	TriggeredBy    string
	FiredAt        time.Time
	Data           MetadataBag
}

// Handler runs one firing of a job. The context is cancelled when the
// firing is interrupted or the engine shuts down the firing.
type Handler func(ctx context.Context, firing Firing) error

// Engine is the scheduling engine contract the orchestration layer consumes.
// Implementations own cron parsing, trigger firing and the goroutines
// firings run on; the layer above owns run history, mutual exclusion and
// retry semantics.
type Engine interface {
	// ListJobKeys enumerates every registered job in stable order.
	ListJobKeys(ctx context.Context) ([]JobKey, error)

	// JobDetail fetches the registration record of one job.
	JobDetail(ctx context.Context, key JobKey) (*JobDetail, error)

	// TriggersOf lists the triggers attached to one job. Jobs registered
	// without a cron expression have none.
	TriggersOf(ctx context.Context, key JobKey) ([]TriggerDetail, error)

	// TriggerState reports the live state of one trigger.
	TriggerState(ctx context.Context, key TriggerKey) (models.TriggerState, error)

	// FireNow fires a job immediately with optional one-shot data. The
	// firing runs asynchronously; completion is observed through run
	// history, not this call.
	FireNow(ctx context.Context, key JobKey, data MetadataBag) error

	// Pause stops scheduled firings of the job until Resume.
	Pause(ctx context.Context, key JobKey) error

	// Resume re-enables scheduled firings of a paused job.
	Resume(ctx context.Context, key JobKey) error

	// Interrupt cancels in-flight firings of the job and reports whether
	// any were running.
	Interrupt(ctx context.Context, key JobKey) (bool, error)
}
