package utils

import (
	"github.com/google/uuid"
	"github.com/gosimple/slug"
)

// flowNamespace seeds deterministic flow id derivation. Changing it would
// break correlation with historical runs, so it is fixed for good.
var flowNamespace = uuid.MustParse("9c1d5a86-52f4-4b0e-9f6e-3d2a8e07c9b1")

// NormalizeIdentity turns free-form job identity text into a stable
// slug using the gosimple/slug library, so spacing and casing variants of
// the same identity collapse to one value.
func NormalizeIdentity(text string) string {
	if text == "" {
		return ""
	}
	return slug.Make(text)
}

// FlowID derives the flow id for a job type. The same job type always maps
// to the same id, which is what lets every firing of that type be grouped
// in logs and run history.
func FlowID(jobType string) string {
	normalized := NormalizeIdentity(jobType)
	if normalized == "" {
		normalized = "job"
	}
	return uuid.NewSHA1(flowNamespace, []byte(normalized)).String()
}

// NewCorrelationID returns a fresh per-firing (or per-batch) correlation id.
func NewCorrelationID() string {
	return uuid.NewString()
}

// NewFireInstanceID returns a unique id for one engine firing.
func NewFireInstanceID() string {
	return uuid.NewString()
}

// NewRunID returns a unique id for one recorded job run.
func NewRunID() string {
	return uuid.NewString()
}
