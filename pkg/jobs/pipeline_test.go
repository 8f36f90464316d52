package jobs

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jobledger/core/pkg/models"
	"github.com/jobledger/core/pkg/runstore"
	"github.com/jobledger/core/pkg/scheduler"
	"github.com/jobledger/core/pkg/utils"
)

func newTestPipeline(t *testing.T, gate *GroupRegistry, middlewares ...Middleware) (*ExecutionPipeline, *runstore.MemoryStore) {
	t.Helper()
	store := runstore.NewMemoryStore(time.Hour)
	pipeline := NewExecutionPipeline(store, gate, PipelineConfig{
		InstanceName: "test-instance",
		Middlewares:  middlewares,
	})
	return pipeline, store
}

func testFiring(name, group string, data map[string]string) scheduler.Firing {
	return scheduler.Firing{
		FireInstanceID: utils.NewFireInstanceID(),
		JobKey:         scheduler.NewJobKey(name, group),
		JobType:        name + "Job",
		Priority:       models.DefaultPriority,
		TriggeredBy:    scheduler.TriggeredByTrigger,
		FiredAt:        time.Now().UTC(),
		Data:           data,
	}
}

func runsOf(t *testing.T, store *runstore.MemoryStore, name, group string) []models.JobRun {
	t.Helper()
	runs, err := store.GetJobRuns(context.Background(), runstore.RunFilter{JobName: name, JobGroup: group})
	if err != nil {
		t.Fatalf("Expected run query to succeed, got %v", err)
	}
	return runs
}

func TestExecutionPipeline_SuccessfulRunRecorded(t *testing.T) {
	pipeline, store := newTestPipeline(t, nil)

	handler := pipeline.Wrap(func(ctx context.Context, ec *models.ExecContext) error {
		time.Sleep(10 * time.Millisecond)
		return nil
	})

	firing := testFiring("email-digest", "reports", nil)
	if err := handler(context.Background(), firing); err != nil {
		t.Fatalf("Expected handler to succeed, got %v", err)
	}

	runs := runsOf(t, store, "email-digest", "reports")
	if len(runs) != 1 {
		t.Fatalf("Expected exactly one run, got %d", len(runs))
	}

	run := runs[0]
	if run.Status != models.RunSucceeded {
		t.Errorf("Expected status Success, got %s", run.Status)
	}
	if run.Result != "" {
		t.Errorf("Expected empty result for success, got %q", run.Result)
	}
	if run.EndTime == nil || run.DurationMs == nil {
		t.Fatal("Expected end time and duration on a finished run")
	}
	if *run.DurationMs < 10 {
		t.Errorf("Expected duration of at least 10ms, got %d", *run.DurationMs)
	}
	if run.InstanceName != "test-instance" {
		t.Errorf("Expected instance name test-instance, got %q", run.InstanceName)
	}
	if run.TriggeredBy != scheduler.TriggeredByTrigger {
		t.Errorf("Expected triggeredBy %q, got %q", scheduler.TriggeredByTrigger, run.TriggeredBy)
	}
	if run.CorrelationID == "" {
		t.Error("Expected a generated correlation id")
	}
	if run.FlowID != utils.FlowID("email-digestJob") {
		t.Errorf("Expected flow id derived from the job type, got %q", run.FlowID)
	}
	if run.Priority != models.DefaultPriority {
		t.Errorf("Expected priority %d, got %d", models.DefaultPriority, run.Priority)
	}
}

func TestExecutionPipeline_FailedRunRecordsFailureText(t *testing.T) {
	pipeline, store := newTestPipeline(t, nil)

	boom := errors.New("boom")
	handler := pipeline.Wrap(func(ctx context.Context, ec *models.ExecContext) error {
		return boom
	})

	firing := testFiring("importer", "", nil)
	if err := handler(context.Background(), firing); !errors.Is(err, boom) {
		t.Fatalf("Expected the body error to propagate, got %v", err)
	}

	runs := runsOf(t, store, "importer", models.DefaultGroup)
	if len(runs) != 1 {
		t.Fatalf("Expected exactly one run, got %d", len(runs))
	}
	if runs[0].Status != models.RunFailed {
		t.Errorf("Expected status Failed, got %s", runs[0].Status)
	}
	if runs[0].Result != "[error] boom" {
		t.Errorf("Expected result %q, got %q", "[error] boom", runs[0].Result)
	}
}

func TestExecutionPipeline_PanicBecomesFailedRun(t *testing.T) {
	pipeline, store := newTestPipeline(t, nil)

	handler := pipeline.Wrap(func(ctx context.Context, ec *models.ExecContext) error {
		panic("database gone")
	})

	firing := testFiring("panicky", "", nil)
	err := handler(context.Background(), firing)
	if err == nil {
		t.Fatal("Expected the recovered panic to surface as an error")
	}

	runs := runsOf(t, store, "panicky", models.DefaultGroup)
	if len(runs) != 1 {
		t.Fatalf("Expected exactly one run, got %d", len(runs))
	}
	if runs[0].Status != models.RunFailed {
		t.Errorf("Expected status Failed, got %s", runs[0].Status)
	}
	if runs[0].Result != "[panic] database gone" {
		t.Errorf("Expected result %q, got %q", "[panic] database gone", runs[0].Result)
	}
}

func TestExecutionPipeline_StartedThenTerminalSameRecord(t *testing.T) {
	pipeline, store := newTestPipeline(t, nil)

	var startedID string
	handler := pipeline.Wrap(func(ctx context.Context, ec *models.ExecContext) error {
		runs := runsOf(t, store, "two-phase", models.DefaultGroup)
		if len(runs) != 1 {
			t.Fatalf("Expected the Started record to exist mid-run, got %d runs", len(runs))
		}
		if runs[0].Status != models.RunStarted {
			t.Errorf("Expected mid-run status Started, got %s", runs[0].Status)
		}
		startedID = runs[0].ID
		return nil
	})

	if err := handler(context.Background(), testFiring("two-phase", "", nil)); err != nil {
		t.Fatalf("Expected success, got %v", err)
	}

	runs := runsOf(t, store, "two-phase", models.DefaultGroup)
	if len(runs) != 1 {
		t.Fatalf("Expected the terminal write to upsert in place, got %d runs", len(runs))
	}
	if runs[0].ID != startedID {
		t.Errorf("Expected terminal record to keep id %s, got %s", startedID, runs[0].ID)
	}
	if runs[0].Status != models.RunSucceeded {
		t.Errorf("Expected status Success, got %s", runs[0].Status)
	}
}

func TestExecutionPipeline_CorrelationAdoptedFromData(t *testing.T) {
	pipeline, store := newTestPipeline(t, nil)

	var seen *models.ExecContext
	handler := pipeline.Wrap(func(ctx context.Context, ec *models.ExecContext) error {
		seen = ec
		if models.ExecContextFrom(ctx) != ec {
			t.Error("Expected the execution context to ride on the context")
		}
		return nil
	})

	firing := testFiring("tracked", "", map[string]string{
		models.KeyCorrelationID: "corr-batch-7",
		models.KeyCategory:      "maintenance",
		"Region":                "eu-west",
	})
	if err := handler(context.Background(), firing); err != nil {
		t.Fatalf("Expected success, got %v", err)
	}

	if seen.CorrelationID != "corr-batch-7" {
		t.Errorf("Expected adopted correlation id, got %q", seen.CorrelationID)
	}
	if seen.Category != "maintenance" {
		t.Errorf("Expected category maintenance, got %q", seen.Category)
	}
	if len(seen.Extra) != 1 || seen.Extra["Region"] != "eu-west" {
		t.Errorf("Expected Extra to hold only the Region key, got %v", seen.Extra)
	}
	if seen.JobID != firing.FireInstanceID {
		t.Errorf("Expected job id %q, got %q", firing.FireInstanceID, seen.JobID)
	}

	runs := runsOf(t, store, "tracked", models.DefaultGroup)
	if runs[0].CorrelationID != "corr-batch-7" {
		t.Errorf("Expected run stamped with the adopted correlation id, got %q", runs[0].CorrelationID)
	}
}

func TestExecutionPipeline_GeneratedCorrelationIsUniquePerFiring(t *testing.T) {
	pipeline, store := newTestPipeline(t, nil)
	handler := pipeline.Wrap(func(ctx context.Context, ec *models.ExecContext) error {
		return nil
	})

	for i := 0; i < 2; i++ {
		if err := handler(context.Background(), testFiring("fresh", "", nil)); err != nil {
			t.Fatalf("Expected success, got %v", err)
		}
	}

	runs := runsOf(t, store, "fresh", models.DefaultGroup)
	if len(runs) != 2 {
		t.Fatalf("Expected two runs, got %d", len(runs))
	}
	if runs[0].CorrelationID == "" || runs[1].CorrelationID == "" {
		t.Fatal("Expected generated correlation ids")
	}
	if runs[0].CorrelationID == runs[1].CorrelationID {
		t.Error("Expected each firing to get its own correlation id")
	}
	if runs[0].FlowID != runs[1].FlowID {
		t.Error("Expected both firings of the same job type to share a flow id")
	}
}

func TestExecutionPipeline_CancelledWhileGateWaitingLeavesNoRun(t *testing.T) {
	gate := NewGroupRegistry([]string{"serial"})
	pipeline, store := newTestPipeline(t, gate)

	started := make(chan struct{})
	release := make(chan struct{})
	blocker := pipeline.Wrap(func(ctx context.Context, ec *models.ExecContext) error {
		close(started)
		<-release
		return nil
	})
	waiter := pipeline.Wrap(func(ctx context.Context, ec *models.ExecContext) error {
		t.Error("Expected the waiting firing to never run")
		return nil
	})

	blockerDone := make(chan error, 1)
	go func() {
		blockerDone <- blocker(context.Background(), testFiring("holder", "serial", nil))
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	waiterDone := make(chan error, 1)
	go func() {
		waiterDone <- waiter(ctx, testFiring("parked", "serial", nil))
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-waiterDone:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected the parked firing to give up on cancellation")
	}

	if runs := runsOf(t, store, "parked", "serial"); len(runs) != 0 {
		t.Errorf("Expected no run for a firing cancelled at the gate, got %d", len(runs))
	}

	close(release)
	if err := <-blockerDone; err != nil {
		t.Fatalf("Expected the holder to finish cleanly, got %v", err)
	}
	if runs := runsOf(t, store, "holder", "serial"); len(runs) != 1 {
		t.Errorf("Expected the holder's run to be recorded, got %d", len(runs))
	}
}

func TestExecutionPipeline_ExclusiveGroupSerializesRuns(t *testing.T) {
	gate := NewGroupRegistry([]string{"serial"})
	pipeline, store := newTestPipeline(t, gate)

	var mu sync.Mutex
	inside, maxInside := 0, 0
	handler := pipeline.Wrap(func(ctx context.Context, ec *models.ExecContext) error {
		mu.Lock()
		inside++
		if inside > maxInside {
			maxInside = inside
		}
		mu.Unlock()

		time.Sleep(10 * time.Millisecond)

		mu.Lock()
		inside--
		mu.Unlock()
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := handler(context.Background(), testFiring("worker", "serial", nil)); err != nil {
				t.Errorf("Expected success, got %v", err)
			}
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Errorf("Expected runs of the exclusive group to never overlap, got %d at once", maxInside)
	}
	if runs := runsOf(t, store, "worker", "serial"); len(runs) != 4 {
		t.Errorf("Expected all four runs recorded, got %d", len(runs))
	}
}

func TestExecutionPipeline_CheckpointRoundTrip(t *testing.T) {
	pipeline, _ := newTestPipeline(t, nil)

	var previous []models.Checkpoint
	fail := true
	handler := pipeline.Wrap(func(ctx context.Context, ec *models.ExecContext) error {
		previous = append(previous, ec.Previous)
		if fail {
			return errors.New("sync exploded")
		}
		return nil
	})

	// First firing: no previous checkpoint. Second: sees the failure.
	// Third: sees the success with the error cleared.
	if err := handler(context.Background(), testFiring("nightly", "", nil)); err == nil {
		t.Fatal("Expected first firing to fail")
	}
	fail = false
	if err := handler(context.Background(), testFiring("nightly", "", nil)); err != nil {
		t.Fatalf("Expected second firing to succeed, got %v", err)
	}
	if err := handler(context.Background(), testFiring("nightly", "", nil)); err != nil {
		t.Fatalf("Expected third firing to succeed, got %v", err)
	}

	if len(previous) != 3 {
		t.Fatalf("Expected three observed checkpoints, got %d", len(previous))
	}
	if previous[0].LastStatus != "" || !previous[0].ProcessedAt.IsZero() {
		t.Errorf("Expected an empty checkpoint on the first firing, got %+v", previous[0])
	}
	if previous[1].LastStatus != models.RunFailed {
		t.Errorf("Expected second firing to see the failure, got %s", previous[1].LastStatus)
	}
	if previous[1].LastError != "[error] sync exploded" {
		t.Errorf("Expected recorded failure text, got %q", previous[1].LastError)
	}
	if previous[1].ProcessedAt.IsZero() {
		t.Error("Expected a processed-at timestamp on the second firing's checkpoint")
	}
	if previous[2].LastStatus != models.RunSucceeded {
		t.Errorf("Expected third firing to see the success, got %s", previous[2].LastStatus)
	}
	if previous[2].LastError != "" {
		t.Errorf("Expected the error to be cleared after success, got %q", previous[2].LastError)
	}
}

func TestExecutionPipeline_CheckpointsAreScopedPerJob(t *testing.T) {
	pipeline, _ := newTestPipeline(t, nil)

	failing := pipeline.Wrap(func(ctx context.Context, ec *models.ExecContext) error {
		return errors.New("red")
	})
	var observed models.Checkpoint
	watching := pipeline.Wrap(func(ctx context.Context, ec *models.ExecContext) error {
		observed = ec.Previous
		return nil
	})

	if err := failing(context.Background(), testFiring("red-job", "", nil)); err == nil {
		t.Fatal("Expected failure")
	}
	if err := watching(context.Background(), testFiring("green-job", "", nil)); err != nil {
		t.Fatalf("Expected success, got %v", err)
	}

	if observed.LastStatus != "" {
		t.Errorf("Expected green-job to see no checkpoint from red-job, got %s", observed.LastStatus)
	}
}

func TestExecutionPipeline_RetryMiddlewareDrivesAttempts(t *testing.T) {
	pipeline, store := newTestPipeline(t, nil, NewRetryMiddleware(fastRetryConfig(3)))

	calls := 0
	var attempts int
	handler := pipeline.Wrap(func(ctx context.Context, ec *models.ExecContext) error {
		calls++
		if calls < 3 {
			return Transient(errors.New("warming up"))
		}
		attempts = ec.Attempts
		return nil
	})

	if err := handler(context.Background(), testFiring("retryable", "", nil)); err != nil {
		t.Fatalf("Expected success after retries, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 body calls, got %d", calls)
	}
	if attempts != 3 {
		t.Errorf("Expected attempt counter 3, got %d", attempts)
	}

	runs := runsOf(t, store, "retryable", models.DefaultGroup)
	if len(runs) != 1 {
		t.Fatalf("Expected retries to stay within one run record, got %d", len(runs))
	}
	if runs[0].Status != models.RunSucceeded {
		t.Errorf("Expected final status Success, got %s", runs[0].Status)
	}
}

func TestExecutionPipeline_InterruptedRunRecordedAsCancelled(t *testing.T) {
	pipeline, store := newTestPipeline(t, nil)

	started := make(chan struct{})
	handler := pipeline.Wrap(func(ctx context.Context, ec *models.ExecContext) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- handler(ctx, testFiring("long-haul", "", nil))
	}()

	<-started
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected the run to end on cancellation")
	}

	runs := runsOf(t, store, "long-haul", models.DefaultGroup)
	if len(runs) != 1 {
		t.Fatalf("Expected the interrupted run to be recorded, got %d", len(runs))
	}
	if runs[0].Status != models.RunFailed {
		t.Errorf("Expected status Failed, got %s", runs[0].Status)
	}
	if !strings.HasPrefix(runs[0].Result, "[cancelled]") {
		t.Errorf("Expected cancellation noted in the result, got %q", runs[0].Result)
	}
	if runs[0].EndTime == nil {
		t.Error("Expected the terminal write to survive the cancelled context")
	}
}
