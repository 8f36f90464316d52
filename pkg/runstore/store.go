package runstore

import (
	"context"
	"errors"
	"time"

	"github.com/jobledger/core/pkg/models"
)

// ErrRunNotFound is returned when no run matches the given id.
var ErrRunNotFound = errors.New("runstore: job run not found")

// RunFilter narrows GetJobRuns. Zero-valued fields are ignored; From and To
// bound the run's start time inclusively.
type RunFilter struct {
	JobName        string
	JobGroup       string
	From           time.Time
	To             time.Time
	Status         models.RunStatus
	Priority       *int
	InstanceName   string
	ResultContains string
	Take           int // truncate after ordering; 0 means no limit
}

// RunStore persists the run history of every firing.
//
// SaveJobRun is an upsert keyed by run id: the pipeline inserts the Started
// row when a firing begins and rewrites the same id exactly once with the
// terminal status. GetJobRuns returns runs ordered by start time descending.
type RunStore interface {
	SaveJobRun(ctx context.Context, run *models.JobRun) error
	GetJobRun(ctx context.Context, id string) (*models.JobRun, error)
	GetJobRuns(ctx context.Context, filter RunFilter) ([]models.JobRun, error)
	GetJobRunStats(ctx context.Context, jobName, jobGroup string, from, to time.Time) (models.JobRunStats, error)
	PurgeJobRuns(ctx context.Context, jobName, jobGroup string, olderThan time.Time) (int, error)
}
