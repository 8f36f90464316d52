package models

import "fmt"

// DefaultGroup is the group assigned to jobs registered without one.
const DefaultGroup = "DEFAULT"

// DefaultPriority matches the engine's neutral trigger priority.
const DefaultPriority = 5

// JobSchedule is the immutable registration record for a job: identity,
// cron expression and static metadata. Created once at startup registration
// and never mutated afterwards.
type JobSchedule struct {
	Name           string            `json:"name"`
	Group          string            `json:"group"`
	JobType        string            `json:"jobType"`
	CronExpression string            `json:"cronExpression"`
	Description    string            `json:"description,omitempty"`
	Priority       int               `json:"priority"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Normalized returns a copy with the default group and priority filled in.
func (s JobSchedule) Normalized() JobSchedule {
	if s.Group == "" {
		s.Group = DefaultGroup
	}
	if s.Priority == 0 {
		s.Priority = DefaultPriority
	}
	return s
}

// Validate checks the fields a registration cannot do without. An empty
// cron expression is allowed: the job is registered manual-only, with no
// trigger of its own.
func (s JobSchedule) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("job schedule requires a name")
	}
	if s.JobType == "" {
		return fmt.Errorf("job schedule %q requires a job type", s.Name)
	}
	return nil
}

// Category reads the optional category from the schedule's static metadata.
func (s JobSchedule) Category() string {
	return s.Metadata[KeyCategory]
}
