package runstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jobledger/core/pkg/models"
)

// DefaultRetention bounds how long the in-memory store keeps finished runs.
const DefaultRetention = time.Hour

// MemoryStore keeps run history in process memory. There is no background
// sweeper: every call first evicts runs whose start time has aged past the
// retention window, then does its own work. History is lost on restart.
type MemoryStore struct {
	mu        sync.Mutex
	runs      map[string]models.JobRun
	retention time.Duration
	now       func() time.Time
}

// NewMemoryStore creates a store with the given retention window.
// A non-positive retention falls back to DefaultRetention.
func NewMemoryStore(retention time.Duration) *MemoryStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &MemoryStore{
		runs:      make(map[string]models.JobRun),
		retention: retention,
		now:       time.Now,
	}
}

func (s *MemoryStore) evictLocked() {
	cutoff := s.now().Add(-s.retention)
	for id, run := range s.runs {
		if run.StartTime.Before(cutoff) {
			delete(s.runs, id)
		}
	}
}

func (s *MemoryStore) SaveJobRun(ctx context.Context, run *models.JobRun) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if run == nil || run.ID == "" {
		return fmt.Errorf("job run requires an id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked()
	s.runs[run.ID] = cloneRun(*run)
	return nil
}

func (s *MemoryStore) GetJobRun(ctx context.Context, id string) (*models.JobRun, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked()

	run, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("job run %s: %w", id, ErrRunNotFound)
	}
	out := cloneRun(run)
	return &out, nil
}

func (s *MemoryStore) GetJobRuns(ctx context.Context, filter RunFilter) ([]models.JobRun, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked()

	var runs []models.JobRun
	for _, run := range s.runs {
		if matchesFilter(filter, run) {
			runs = append(runs, cloneRun(run))
		}
	}
	sortRunsNewestFirst(runs)
	if filter.Take > 0 && len(runs) > filter.Take {
		runs = runs[:filter.Take]
	}
	return runs, nil
}

func (s *MemoryStore) GetJobRunStats(ctx context.Context, jobName, jobGroup string, from, to time.Time) (models.JobRunStats, error) {
	if err := ctx.Err(); err != nil {
		return models.JobRunStats{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked()

	filter := RunFilter{JobName: jobName, JobGroup: jobGroup, From: from, To: to}
	var runs []models.JobRun
	for _, run := range s.runs {
		if matchesFilter(filter, run) {
			runs = append(runs, run)
		}
	}
	return models.ComputeRunStats(runs), nil
}

func (s *MemoryStore) PurgeJobRuns(ctx context.Context, jobName, jobGroup string, olderThan time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked()

	purged := 0
	for id, run := range s.runs {
		if jobName != "" && run.JobName != jobName {
			continue
		}
		if jobGroup != "" && run.JobGroup != jobGroup {
			continue
		}
		if run.StartTime.Before(olderThan) {
			delete(s.runs, id)
			purged++
		}
	}
	return purged, nil
}

func matchesFilter(f RunFilter, run models.JobRun) bool {
	if f.JobName != "" && run.JobName != f.JobName {
		return false
	}
	if f.JobGroup != "" && run.JobGroup != f.JobGroup {
		return false
	}
	if !f.From.IsZero() && run.StartTime.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && run.StartTime.After(f.To) {
		return false
	}
	if f.Status != "" && run.Status != f.Status {
		return false
	}
	if f.Priority != nil && run.Priority != *f.Priority {
		return false
	}
	if f.InstanceName != "" && run.InstanceName != f.InstanceName {
		return false
	}
	if f.ResultContains != "" && !strings.Contains(run.Result, f.ResultContains) {
		return false
	}
	return true
}

func sortRunsNewestFirst(runs []models.JobRun) {
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].StartTime.Equal(runs[j].StartTime) {
			return runs[i].StartTime.After(runs[j].StartTime)
		}
		return runs[i].ID < runs[j].ID
	})
}

// cloneRun copies a run including its pointer fields so stored records never
// alias caller memory.
func cloneRun(run models.JobRun) models.JobRun {
	if run.EndTime != nil {
		end := *run.EndTime
		run.EndTime = &end
	}
	if run.DurationMs != nil {
		ms := *run.DurationMs
		run.DurationMs = &ms
	}
	return run
}
