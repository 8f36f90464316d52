package runstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jobledger/core/pkg/models"
)

func startedRun(id, name, group string, start time.Time) *models.JobRun {
	return &models.JobRun{
		ID:            id,
		JobName:       name,
		JobGroup:      group,
		StartTime:     start,
		Status:        models.RunStarted,
		Priority:      models.DefaultPriority,
		InstanceName:  "test-instance",
		CorrelationID: "corr-" + id,
		FlowID:        "flow-" + name,
		TriggeredBy:   "triggered",
	}
}

func finishedRun(t *testing.T, id, name, group string, start time.Time, d time.Duration, failWith string) *models.JobRun {
	t.Helper()
	run := startedRun(id, name, group, start)
	var err error
	if failWith == "" {
		err = run.MarkSucceeded(start.Add(d))
	} else {
		err = run.MarkFailed(start.Add(d), failWith)
	}
	if err != nil {
		t.Fatalf("Failed to finish run %s: %v", id, err)
	}
	return run
}

func TestMemoryStore_SaveAndGet(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	ctx := context.Background()

	run := startedRun("run-1", "email-digest", "notifications", time.Now())
	if err := store.SaveJobRun(ctx, run); err != nil {
		t.Fatalf("Failed to save run: %v", err)
	}

	got, err := store.GetJobRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("Failed to get run: %v", err)
	}
	if got.JobName != "email-digest" || got.JobGroup != "notifications" {
		t.Errorf("Expected email-digest/notifications, got %s/%s", got.JobName, got.JobGroup)
	}
	if got.Status != models.RunStarted {
		t.Errorf("Expected status Started, got %s", got.Status)
	}

	_, err = store.GetJobRun(ctx, "missing")
	if !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Expected ErrRunNotFound, got %v", err)
	}

	if err := store.SaveJobRun(ctx, &models.JobRun{}); err == nil {
		t.Error("Expected save without an id to fail")
	}
}

func TestMemoryStore_SaveUpsertsByID(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	ctx := context.Background()

	start := time.Now()
	run := startedRun("run-1", "email-digest", "notifications", start)
	if err := store.SaveJobRun(ctx, run); err != nil {
		t.Fatalf("Failed to save started run: %v", err)
	}

	if err := run.MarkSucceeded(start.Add(250 * time.Millisecond)); err != nil {
		t.Fatalf("Failed to mark run succeeded: %v", err)
	}
	if err := store.SaveJobRun(ctx, run); err != nil {
		t.Fatalf("Failed to save terminal run: %v", err)
	}

	runs, err := store.GetJobRuns(ctx, RunFilter{JobName: "email-digest"})
	if err != nil {
		t.Fatalf("Failed to list runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("Expected the terminal write to land on the same record, got %d records", len(runs))
	}
	if runs[0].Status != models.RunSucceeded {
		t.Errorf("Expected status Success, got %s", runs[0].Status)
	}
	if runs[0].DurationMs == nil || *runs[0].DurationMs != 250 {
		t.Errorf("Expected duration 250ms, got %v", runs[0].DurationMs)
	}
}

func TestMemoryStore_ReturnedRunsDoNotAliasStore(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	ctx := context.Background()

	run := finishedRun(t, "run-1", "email-digest", "", time.Now(), time.Second, "")
	if err := store.SaveJobRun(ctx, run); err != nil {
		t.Fatalf("Failed to save run: %v", err)
	}

	got, err := store.GetJobRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("Failed to get run: %v", err)
	}
	*got.DurationMs = 9999
	got.Result = "tampered"

	again, err := store.GetJobRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("Failed to re-get run: %v", err)
	}
	if *again.DurationMs == 9999 {
		t.Error("Expected stored run to be isolated from caller mutation")
	}
}

func TestMemoryStore_GetJobRunsFilters(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	ctx := context.Background()
	base := time.Now().Add(-10 * time.Minute)

	seed := []*models.JobRun{
		finishedRun(t, "run-1", "email-digest", "notifications", base.Add(1*time.Minute), time.Second, ""),
		finishedRun(t, "run-2", "email-digest", "notifications", base.Add(2*time.Minute), 2*time.Second, "[timeout] deadline exceeded"),
		finishedRun(t, "run-3", "cleanup", "maintenance", base.Add(3*time.Minute), 3*time.Second, ""),
		startedRun("run-4", "cleanup", "maintenance", base.Add(4*time.Minute)),
	}
	seed[2].Priority = 9
	seed[2].InstanceName = "worker-2"
	for _, run := range seed {
		if err := store.SaveJobRun(ctx, run); err != nil {
			t.Fatalf("Failed to seed run %s: %v", run.ID, err)
		}
	}

	tests := []struct {
		name    string
		filter  RunFilter
		wantIDs []string
	}{
		{
			name:    "by job name",
			filter:  RunFilter{JobName: "email-digest"},
			wantIDs: []string{"run-2", "run-1"},
		},
		{
			name:    "by group",
			filter:  RunFilter{JobGroup: "maintenance"},
			wantIDs: []string{"run-4", "run-3"},
		},
		{
			name:    "by status",
			filter:  RunFilter{Status: models.RunFailed},
			wantIDs: []string{"run-2"},
		},
		{
			name:    "by priority",
			filter:  RunFilter{Priority: intPtr(9)},
			wantIDs: []string{"run-3"},
		},
		{
			name:    "by instance name",
			filter:  RunFilter{InstanceName: "worker-2"},
			wantIDs: []string{"run-3"},
		},
		{
			name:    "by result substring",
			filter:  RunFilter{ResultContains: "deadline"},
			wantIDs: []string{"run-2"},
		},
		{
			name:    "by window",
			filter:  RunFilter{From: base.Add(2 * time.Minute), To: base.Add(3 * time.Minute)},
			wantIDs: []string{"run-3", "run-2"},
		},
		{
			name:    "everything newest first",
			filter:  RunFilter{},
			wantIDs: []string{"run-4", "run-3", "run-2", "run-1"},
		},
		{
			name:    "take truncates after ordering",
			filter:  RunFilter{Take: 2},
			wantIDs: []string{"run-4", "run-3"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runs, err := store.GetJobRuns(ctx, tt.filter)
			if err != nil {
				t.Fatalf("GetJobRuns failed: %v", err)
			}
			if len(runs) != len(tt.wantIDs) {
				t.Fatalf("Expected %d runs, got %d", len(tt.wantIDs), len(runs))
			}
			for i, id := range tt.wantIDs {
				if runs[i].ID != id {
					t.Errorf("Expected run %d to be %s, got %s", i, id, runs[i].ID)
				}
			}
		})
	}
}

func TestMemoryStore_GetJobRunStats(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	ctx := context.Background()
	base := time.Now().Add(-10 * time.Minute)

	seed := []*models.JobRun{
		finishedRun(t, "run-1", "email-digest", "notifications", base.Add(1*time.Minute), 100*time.Millisecond, ""),
		finishedRun(t, "run-2", "email-digest", "notifications", base.Add(2*time.Minute), 300*time.Millisecond, "[error] boom"),
		startedRun("run-3", "email-digest", "notifications", base.Add(3*time.Minute)),
		finishedRun(t, "run-4", "cleanup", "maintenance", base.Add(4*time.Minute), time.Second, ""),
	}
	for _, run := range seed {
		if err := store.SaveJobRun(ctx, run); err != nil {
			t.Fatalf("Failed to seed run %s: %v", run.ID, err)
		}
	}

	stats, err := store.GetJobRunStats(ctx, "email-digest", "notifications", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("GetJobRunStats failed: %v", err)
	}
	if stats.Count != 3 {
		t.Errorf("Expected in-flight runs to count, got count %d", stats.Count)
	}
	if stats.SuccessCount != 1 || stats.FailureCount != 1 {
		t.Errorf("Expected 1 success and 1 failure, got %d/%d", stats.SuccessCount, stats.FailureCount)
	}
	if stats.MinDurationMs != 100 || stats.MaxDurationMs != 300 {
		t.Errorf("Expected min/max 100/300, got %d/%d", stats.MinDurationMs, stats.MaxDurationMs)
	}
	if stats.AvgDurationMs != 200 {
		t.Errorf("Expected avg 200, got %f", stats.AvgDurationMs)
	}

	// Empty set is zero stats, not an error
	stats, err = store.GetJobRunStats(ctx, "ghost", "", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("GetJobRunStats for unknown job failed: %v", err)
	}
	if stats != (models.JobRunStats{}) {
		t.Errorf("Expected zero stats for an empty set, got %+v", stats)
	}

	// Window narrows the sample
	stats, err = store.GetJobRunStats(ctx, "email-digest", "notifications", base.Add(90*time.Second), time.Time{})
	if err != nil {
		t.Fatalf("GetJobRunStats with window failed: %v", err)
	}
	if stats.Count != 2 {
		t.Errorf("Expected window to drop the older run, got count %d", stats.Count)
	}
}

func TestMemoryStore_PurgeJobRuns(t *testing.T) {
	store := NewMemoryStore(24 * time.Hour)
	ctx := context.Background()
	now := time.Now()

	seed := []*models.JobRun{
		finishedRun(t, "old-1", "email-digest", "notifications", now.Add(-3*time.Hour), time.Second, ""),
		finishedRun(t, "old-2", "cleanup", "maintenance", now.Add(-2*time.Hour), time.Second, ""),
		finishedRun(t, "new-1", "email-digest", "notifications", now.Add(-time.Minute), time.Second, ""),
	}
	for _, run := range seed {
		if err := store.SaveJobRun(ctx, run); err != nil {
			t.Fatalf("Failed to seed run %s: %v", run.ID, err)
		}
	}

	purged, err := store.PurgeJobRuns(ctx, "email-digest", "", now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("PurgeJobRuns failed: %v", err)
	}
	if purged != 1 {
		t.Errorf("Expected 1 purged run, got %d", purged)
	}
	if _, err := store.GetJobRun(ctx, "old-1"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Expected old-1 to be purged, got %v", err)
	}
	if _, err := store.GetJobRun(ctx, "old-2"); err != nil {
		t.Errorf("Expected old-2 of another job to survive a scoped purge, got %v", err)
	}

	purged, err = store.PurgeJobRuns(ctx, "", "", now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("Unscoped purge failed: %v", err)
	}
	if purged != 1 {
		t.Errorf("Expected the remaining old run to be purged, got %d", purged)
	}
	if _, err := store.GetJobRun(ctx, "new-1"); err != nil {
		t.Errorf("Expected recent run to survive, got %v", err)
	}
}

func TestMemoryStore_RetentionEvictsOnEveryCall(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	ctx := context.Background()

	fixed := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return fixed }

	atCutoff := finishedRun(t, "at-cutoff", "email-digest", "", fixed.Add(-time.Hour), time.Second, "")
	justPast := finishedRun(t, "just-past", "email-digest", "", fixed.Add(-time.Hour-time.Nanosecond), time.Second, "")
	fresh := startedRun("fresh", "email-digest", "", fixed.Add(-time.Minute))

	for _, run := range []*models.JobRun{atCutoff, justPast, fresh} {
		if err := store.SaveJobRun(ctx, run); err != nil {
			t.Fatalf("Failed to seed run %s: %v", run.ID, err)
		}
	}

	// Any call evicts; a read is enough.
	runs, err := store.GetJobRuns(ctx, RunFilter{})
	if err != nil {
		t.Fatalf("GetJobRuns failed: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("Expected the aged-out run to be evicted, got %d runs", len(runs))
	}
	if _, err := store.GetJobRun(ctx, "just-past"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Expected just-past to be evicted, got %v", err)
	}
	if _, err := store.GetJobRun(ctx, "at-cutoff"); err != nil {
		t.Errorf("Expected run exactly at the cutoff to survive, got %v", err)
	}
}

func TestMemoryStore_DefaultRetention(t *testing.T) {
	store := NewMemoryStore(0)
	if store.retention != DefaultRetention {
		t.Errorf("Expected default retention %v, got %v", DefaultRetention, store.retention)
	}
}

func TestMemoryStore_CancelledContext(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := store.SaveJobRun(ctx, startedRun("run-1", "email-digest", "", time.Now())); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled from save, got %v", err)
	}
	if _, err := store.GetJobRuns(ctx, RunFilter{}); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled from list, got %v", err)
	}
}

func intPtr(v int) *int { return &v }
