package models

import (
	"time"
)

// JobStatus enumerates the openEO batch job lifecycle states persisted in the registry.
const (
	StatusCreated  = "created"
	StatusQueued   = "queued"
	StatusRunning  = "running"
	StatusFinished = "finished"
	StatusError    = "error"
	StatusCanceled = "canceled"
)

// IsTerminal reports whether a status is final. Terminal jobs are excluded
// from the tracking set and never polled again.
func IsTerminal(status string) bool {
	switch status {
	case StatusFinished, StatusError, StatusCanceled:
		return true
	}
	return false
}

// JobRecord is a batch job row as stored in the registry. The tracker reads
// and patches records; it never creates them (that happens at submission time).
type JobRecord struct {
	JobID             string         `json:"job_id"`
	UserID            string         `json:"user_id"`
	Title             string         `json:"title,omitempty"`
	ApplicationID     string         `json:"application_id,omitempty"`
	Status            string         `json:"status"`
	Created           time.Time      `json:"created"`
	Started           *string        `json:"started,omitempty"`
	Finished          *string        `json:"finished,omitempty"`
	Usage             *Usage         `json:"usage,omitempty"`
	Costs             *float64       `json:"costs,omitempty"`
	DependencySources []string       `json:"dependency_sources,omitempty"`
	DependencyUsage   float64        `json:"dependency_usage,omitempty"`
	ResultMetadata    map[string]any `json:"result_metadata,omitempty"`
	Done              bool           `json:"done"`
}

// Usage holds cumulative resource consumption as reported by the cluster
// scheduler. Later reads overwrite earlier ones; values are never merged.
type Usage struct {
	CPUSeconds float64 `json:"cpu_seconds"`
	MBSeconds  float64 `json:"mb_seconds"`
}

// JobMetadata is the transient status snapshot produced by one cluster query.
// Start/finish times are RFC-3339 UTC strings, nil when not yet known.
type JobMetadata struct {
	Status     string
	StartTime  *string
	FinishTime *string
	Usage      *Usage
}

// ResultMetadata is collected from a finished job's output directory.
type ResultMetadata struct {
	AreaSquareMeters *float64       `json:"area_square_meters,omitempty"`
	UniqueProcessIDs []string       `json:"unique_process_ids,omitempty"`
	Assets           map[string]any `json:"assets,omitempty"`
	// ProcessingUnits are vendor-specific usage counters (e.g. Sentinel Hub
	// PUs) accumulated during execution, billed separately from cpu/memory.
	ProcessingUnits float64 `json:"processing_units,omitempty"`
}

// JobPatch is a field-level partial update of a JobRecord. Nil fields are
// left untouched so concurrent trackers never clobber each other's writes.
type JobPatch struct {
	Status         *string
	Started        *string
	Finished       *string
	Usage          *Usage
	Costs          *float64
	ResultMetadata map[string]any
}
