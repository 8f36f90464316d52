package models

import (
	"context"
	"strconv"
	"time"
)

// Reserved metadata keys shared with the scheduling engine's string-keyed
// data bags. The firing-scoped keys travel with one trigger's data; the
// checkpoint keys persist in the job's own bag across firings of a
// recurring job.
const (
	KeyCorrelationID = "CorrelationId"
	KeyFlowID        = "FlowId"
	KeyJobID         = "JobId"
	KeyTriggeredBy   = "TriggeredBy"
	KeyCategory      = "Category"

	KeyStatus        = "Status"
	KeyErrorMessage  = "ErrorMessage"
	KeyProcessedDate = "ProcessedDate"
	KeyElapsedMillis = "ElapsedMilliseconds"
)

// ExecContext carries the identifiers and checkpoint state of one firing
// through the middleware chain. The reserved bag keys become named fields;
// Extra holds whatever genuinely dynamic values the trigger supplied beyond
// them.
type ExecContext struct {
	CorrelationID string
	FlowID        string
	JobID         string
	JobName       string
	JobGroup      string
	JobType       string
	TriggeredBy   string
	Category      string
	Previous      Checkpoint
	Extra         map[string]string

	// Attempts counts the attempts used by this firing. The pipeline sets it
	// to 1 before the chain runs; the retry layer overwrites it as it
	// re-runs the chain.
	Attempts int
}

// Checkpoint is the slice of a job's persistent metadata bag that records
// how its previous firing ended. It doubles as a lightweight crash-recovery
// record for recurring jobs.
type Checkpoint struct {
	LastStatus  RunStatus
	LastError   string
	ProcessedAt time.Time
	ElapsedMs   int64
}

// CheckpointFromBag restores a checkpoint from a job's persistent bag.
// Missing or malformed entries leave zero values.
func CheckpointFromBag(bag map[string]string) Checkpoint {
	var cp Checkpoint
	if v, ok := bag[KeyStatus]; ok {
		cp.LastStatus = RunStatus(v)
	}
	cp.LastError = bag[KeyErrorMessage]
	if v, ok := bag[KeyProcessedDate]; ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			cp.ProcessedAt = t
		}
	}
	if v, ok := bag[KeyElapsedMillis]; ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			cp.ElapsedMs = ms
		}
	}
	return cp
}

// ToBag writes the checkpoint into a job's persistent bag under the
// reserved keys.
func (cp Checkpoint) ToBag(bag map[string]string) {
	bag[KeyStatus] = string(cp.LastStatus)
	if cp.LastError == "" {
		delete(bag, KeyErrorMessage)
	} else {
		bag[KeyErrorMessage] = cp.LastError
	}
	bag[KeyProcessedDate] = cp.ProcessedAt.Format(time.RFC3339Nano)
	bag[KeyElapsedMillis] = strconv.FormatInt(cp.ElapsedMs, 10)
}

type execContextKey struct{}

// WithExecContext attaches the firing's execution context so job bodies and
// middleware can read correlation identity without threading it explicitly.
func WithExecContext(ctx context.Context, ec *ExecContext) context.Context {
	return context.WithValue(ctx, execContextKey{}, ec)
}

// ExecContextFrom returns the execution context of the current firing, or
// nil when the context does not belong to one.
func ExecContextFrom(ctx context.Context) *ExecContext {
	ec, _ := ctx.Value(execContextKey{}).(*ExecContext)
	return ec
}
