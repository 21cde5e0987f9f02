// Package cluster queries external schedulers (YARN, Kubernetes) for the
// live state of submitted applications and normalizes it into the domain
// status vocabulary.
package cluster

import (
	"context"
	"errors"
	"fmt"

	"openeo-job-tracker/internal/models"
)

// ErrAppNotFound signals that the scheduler has no record of a previously
// submitted application. This is a legitimate end state (e.g. an operator
// purged the app), distinct from a transient query failure.
var ErrAppNotFound = errors.New("application not found on cluster")

// ReportParseError wraps a scheduler response that could not be decoded into
// the expected fields. Treated as transient per job, but surfaced so an
// upstream format change is visible.
type ReportParseError struct {
	Err error
}

func (e *ReportParseError) Error() string {
	return fmt.Sprintf("parse application report: %v", e.Err)
}

func (e *ReportParseError) Unwrap() error {
	return e.Err
}

// StatusGetter retrieves one application's status metadata from a cluster
// scheduler. Implementations must return an error wrapping ErrAppNotFound
// when the application is unknown to the scheduler.
type StatusGetter interface {
	GetJobMetadata(ctx context.Context, jobID, userID, appID string) (models.JobMetadata, error)
}
