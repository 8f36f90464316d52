package models

// RunStatus is the lifecycle state of a single job run. Values are closed;
// comparisons against raw strings are a typo hazard and are avoided everywhere.
type RunStatus string

const (
	RunStarted   RunStatus = "Started"
	RunSucceeded RunStatus = "Success"
	RunFailed    RunStatus = "Failed"
)

func (s RunStatus) String() string {
	return string(s)
}

// IsTerminal reports whether the run has reached a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunSucceeded || s == RunFailed
}

// ValidRunTransition reports whether a run may move from one status to another.
// The only legal transitions are Started -> Success and Started -> Failed,
// each taken exactly once.
func ValidRunTransition(from, to RunStatus) bool {
	return from == RunStarted && to.IsTerminal()
}

// JobStatus is the coarse state of a job as derived from its live triggers:
// no triggers at all, every trigger paused, or at least one active trigger.
type JobStatus string

const (
	JobActive     JobStatus = "Active"
	JobPaused     JobStatus = "Paused"
	JobNoTriggers JobStatus = "No Triggers"
)

func (s JobStatus) String() string {
	return string(s)
}

// TriggerState is the live state of a single trigger as reported by the
// scheduling engine.
type TriggerState string

const (
	TriggerActive TriggerState = "Active"
	TriggerPaused TriggerState = "Paused"
	TriggerNone   TriggerState = "None"
)

func (s TriggerState) String() string {
	return string(s)
}
