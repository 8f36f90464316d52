package models

import "time"

// JobInfo is the read-only composite view of one job: live engine state
// merged with the most recent run and its aggregate stats. Rebuilt on every
// query, never persisted.
type JobInfo struct {
	Name         string        `json:"name"`
	Group        string        `json:"group"`
	Description  string        `json:"description,omitempty"`
	Type         string        `json:"type"`
	Status       JobStatus     `json:"status"`
	TriggerCount int           `json:"triggerCount"`
	LastRun      *JobRun       `json:"lastRun,omitempty"`
	LastRunStats *JobRunStats  `json:"lastRunStats,omitempty"`
	Category     string        `json:"category,omitempty"`
	Triggers     []TriggerInfo `json:"triggers"`
}

// TriggerInfo is the read-only view of one trigger of a job.
type TriggerInfo struct {
	Name             string       `json:"name"`
	Group            string       `json:"group"`
	Description      string       `json:"description,omitempty"`
	CronExpression   string       `json:"cronExpression"`
	NextFireTime     *time.Time   `json:"nextFireTime,omitempty"`
	PreviousFireTime *time.Time   `json:"previousFireTime,omitempty"`
	State            TriggerState `json:"state"`
}

// DeriveJobStatus computes the coarse job status from its trigger states:
// no triggers at all, every trigger paused, or anything else active.
func DeriveJobStatus(triggers []TriggerInfo) JobStatus {
	if len(triggers) == 0 {
		return JobNoTriggers
	}
	for _, t := range triggers {
		if t.State != TriggerPaused {
			return JobActive
		}
	}
	return JobPaused
}
