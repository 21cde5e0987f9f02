// Package costs computes the monetary cost of a finished batch job from its
// resource usage and result metadata.
package costs

import (
	"context"

	"openeo-job-tracker/internal/models"
)

// Calculator computes total job costs on terminal transition. Called once
// per job after status, usage and result metadata have been collected;
// implementations must be safe to retry on a later cycle.
type Calculator interface {
	CalculateCosts(ctx context.Context, job models.JobRecord, metadata models.JobMetadata, result models.ResultMetadata) (float64, error)
}

// NoopCalculator is used on deployments without an accounting backend.
type NoopCalculator struct{}

func (NoopCalculator) CalculateCosts(context.Context, models.JobRecord, models.JobMetadata, models.ResultMetadata) (float64, error) {
	return 0, nil
}
