package models

import (
	"context"
	"testing"
	"time"
)

func TestCheckpoint_BagRoundTrip(t *testing.T) {
	processed := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	cp := Checkpoint{
		LastStatus:  RunFailed,
		LastError:   "[*errors.errorString] upstream unreachable",
		ProcessedAt: processed,
		ElapsedMs:   1250,
	}

	bag := map[string]string{}
	cp.ToBag(bag)

	if bag[KeyStatus] != string(RunFailed) {
		t.Errorf("Expected bag status %q, got %q", RunFailed, bag[KeyStatus])
	}
	if bag[KeyElapsedMillis] != "1250" {
		t.Errorf("Expected elapsed 1250, got %q", bag[KeyElapsedMillis])
	}

	restored := CheckpointFromBag(bag)
	if restored.LastStatus != cp.LastStatus {
		t.Errorf("Expected status %s, got %s", cp.LastStatus, restored.LastStatus)
	}
	if restored.LastError != cp.LastError {
		t.Errorf("Expected error %q, got %q", cp.LastError, restored.LastError)
	}
	if !restored.ProcessedAt.Equal(processed) {
		t.Errorf("Expected processed %v, got %v", processed, restored.ProcessedAt)
	}
	if restored.ElapsedMs != 1250 {
		t.Errorf("Expected elapsed 1250, got %d", restored.ElapsedMs)
	}
}

func TestCheckpoint_SuccessClearsError(t *testing.T) {
	bag := map[string]string{KeyErrorMessage: "old failure"}

	cp := Checkpoint{LastStatus: RunSucceeded, ProcessedAt: time.Now(), ElapsedMs: 10}
	cp.ToBag(bag)

	if _, ok := bag[KeyErrorMessage]; ok {
		t.Error("Expected error message removed from bag after success checkpoint")
	}
}

func TestCheckpointFromBag_Malformed(t *testing.T) {
	bag := map[string]string{
		KeyProcessedDate: "not-a-date",
		KeyElapsedMillis: "not-a-number",
	}

	cp := CheckpointFromBag(bag)
	if !cp.ProcessedAt.IsZero() {
		t.Errorf("Expected zero processed time for malformed date, got %v", cp.ProcessedAt)
	}
	if cp.ElapsedMs != 0 {
		t.Errorf("Expected zero elapsed for malformed number, got %d", cp.ElapsedMs)
	}
}

func TestExecContext_ContextHelpers(t *testing.T) {
	ec := &ExecContext{CorrelationID: "corr-1", FlowID: "flow-1", JobName: "email-digest"}

	ctx := WithExecContext(context.Background(), ec)
	if got := ExecContextFrom(ctx); got != ec {
		t.Errorf("Expected the attached exec context back, got %+v", got)
	}

	if got := ExecContextFrom(context.Background()); got != nil {
		t.Errorf("Expected nil exec context from bare context, got %+v", got)
	}
}
