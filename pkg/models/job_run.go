package models

import (
	"fmt"
	"time"
)

// JobRun is one recorded execution attempt of a job. A run is created with
// status Started when the firing begins, transitions to exactly one terminal
// status at completion, and is immutable afterwards until a retention purge
// removes it.
type JobRun struct {
	ID            string     `json:"id"`
	JobName       string     `json:"jobName"`
	JobGroup      string     `json:"jobGroup"`
	StartTime     time.Time  `json:"startTime"`
	EndTime       *time.Time `json:"endTime,omitempty"`
	DurationMs    *int64     `json:"durationMs,omitempty"`
	Status        RunStatus  `json:"status"`
	Result        string     `json:"result,omitempty"`
	Priority      int        `json:"priority"`
	InstanceName  string     `json:"instanceName,omitempty"`
	CorrelationID string     `json:"correlationId"`
	FlowID        string     `json:"flowId"`
	TriggeredBy   string     `json:"triggeredBy"`
}

// MarkSucceeded moves the run to its terminal Success state, clearing any
// previous error text. It is an error to finish a run twice.
func (r *JobRun) MarkSucceeded(endedAt time.Time) error {
	return r.finish(RunSucceeded, endedAt, "")
}

// MarkFailed moves the run to its terminal Failed state with the captured
// error text. It is an error to finish a run twice.
func (r *JobRun) MarkFailed(endedAt time.Time, errText string) error {
	return r.finish(RunFailed, endedAt, errText)
}

func (r *JobRun) finish(status RunStatus, endedAt time.Time, result string) error {
	if !ValidRunTransition(r.Status, status) {
		return fmt.Errorf("invalid run transition %s -> %s for run %s", r.Status, status, r.ID)
	}
	if endedAt.Before(r.StartTime) {
		endedAt = r.StartTime
	}
	ms := endedAt.Sub(r.StartTime).Milliseconds()
	r.Status = status
	r.EndTime = &endedAt
	r.DurationMs = &ms
	r.Result = result
	return nil
}

// Duration returns the stored duration for finished runs, or the live
// elapsed time against now for a run that is still Started.
func (r *JobRun) Duration(now time.Time) time.Duration {
	if r.DurationMs != nil {
		return time.Duration(*r.DurationMs) * time.Millisecond
	}
	if now.Before(r.StartTime) {
		return 0
	}
	return now.Sub(r.StartTime)
}

// JobRunStats is an aggregate computed on demand over a filtered run set.
// The zero value describes an empty set.
type JobRunStats struct {
	Count         int     `json:"count"`
	SuccessCount  int     `json:"successCount"`
	FailureCount  int     `json:"failureCount"`
	MinDurationMs int64   `json:"minDurationMs"`
	AvgDurationMs float64 `json:"avgDurationMs"`
	MaxDurationMs int64   `json:"maxDurationMs"`
}

// ComputeRunStats aggregates count, outcome tallies and duration extrema over
// the given runs. Runs still in flight count toward Count but contribute no
// duration sample.
func ComputeRunStats(runs []JobRun) JobRunStats {
	var stats JobRunStats
	var total int64
	var samples int

	for i := range runs {
		run := &runs[i]
		stats.Count++
		switch run.Status {
		case RunSucceeded:
			stats.SuccessCount++
		case RunFailed:
			stats.FailureCount++
		}
		if run.DurationMs == nil {
			continue
		}
		d := *run.DurationMs
		if samples == 0 || d < stats.MinDurationMs {
			stats.MinDurationMs = d
		}
		if d > stats.MaxDurationMs {
			stats.MaxDurationMs = d
		}
		total += d
		samples++
	}
	if samples > 0 {
		stats.AvgDurationMs = float64(total) / float64(samples)
	}
	return stats
}
