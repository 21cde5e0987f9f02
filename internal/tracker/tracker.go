// Package tracker drives the job status reconciliation loop: it pulls the
// non-terminal job set from the registry, asks the cluster for each job's
// current state, persists transitions and runs the terminal side effects
// (result metadata, dependency cleanup, cost calculation) exactly once.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"openeo-job-tracker/internal/cluster"
	"openeo-job-tracker/internal/costs"
	"openeo-job-tracker/internal/models"
	"openeo-job-tracker/internal/ratelimit"
	"openeo-job-tracker/internal/registry"
	"openeo-job-tracker/internal/results"
	"openeo-job-tracker/internal/tasks"
	"openeo-job-tracker/internal/telemetry"
)

const clusterQueryBucketKey = "jobtracker:cluster-queries"

// JobRegistry is the slice of the registry contract the tracker needs.
type JobRegistry interface {
	GetRunningJobs(ctx context.Context) ([]models.JobRecord, error)
	Patch(ctx context.Context, jobID, userID string, patch models.JobPatch) error
	SetStatus(ctx context.Context, jobID, userID, status string, markDone bool) error
	RemoveDependencies(ctx context.Context, jobID, userID string) error
}

// Tracker reconciles registry job records against the cluster scheduler.
type Tracker struct {
	log          *zap.Logger
	statusGetter cluster.StatusGetter
	registry     JobRegistry
	mirror       registry.Mirror
	calculator   costs.Calculator
	results      results.Provider
	dispatcher   tasks.Dispatcher
	limiter      *ratelimit.TokenBucket
	failFast     bool
}

// Options collects the tracker's collaborators. Mirror and Limiter are
// optional; Calculator defaults to a no-op.
type Options struct {
	StatusGetter cluster.StatusGetter
	Registry     JobRegistry
	Mirror       registry.Mirror
	Calculator   costs.Calculator
	Results      results.Provider
	Dispatcher   tasks.Dispatcher
	Limiter      *ratelimit.TokenBucket
	FailFast     bool
}

func New(log *zap.Logger, opts Options) *Tracker {
	calculator := opts.Calculator
	if calculator == nil {
		calculator = costs.NoopCalculator{}
	}
	return &Tracker{
		log:          log,
		statusGetter: opts.StatusGetter,
		registry:     opts.Registry,
		mirror:       opts.Mirror,
		calculator:   calculator,
		results:      opts.Results,
		dispatcher:   opts.Dispatcher,
		limiter:      opts.Limiter,
		failFast:     opts.FailFast,
	}
}

// UpdateStatuses runs one reconciliation cycle. A registry read failure
// aborts the whole cycle; any other failure is isolated to its job and the
// loop continues, unless fail-fast was requested.
func (t *Tracker) UpdateStatuses(ctx context.Context) error {
	start := time.Now()
	stats := &CycleStats{}
	defer func() {
		stats.report(t.log, time.Since(start))
	}()

	jobs, err := t.registry.GetRunningJobs(ctx)
	if err != nil {
		telemetry.CycleFailures.Inc()
		return fmt.Errorf("fetch jobs to track: %w", err)
	}
	stats.Collected = len(jobs)
	telemetry.JobsCollected.Add(float64(len(jobs)))
	telemetry.TrackedJobsGauge.Set(float64(len(jobs)))
	t.log.Info("collected jobs to track", zap.Int("count", len(jobs)))

	for _, job := range jobs {
		if job.JobID == "" || job.UserID == "" {
			t.log.Error("invalid job record",
				zap.String("job_id", job.JobID), zap.String("user_id", job.UserID))
			stats.Invalid++
			telemetry.JobsInvalid.Inc()
			continue
		}
		if job.ApplicationID == "" {
			// No application id typically means the job was not submitted
			// to the cluster yet.
			t.log.Info("skipping job without application_id",
				zap.String("job_id", job.JobID),
				zap.String("status", job.Status),
				zap.Duration("age", time.Since(job.Created)))
			stats.SkippedNoAppID++
			telemetry.JobsSkippedNoAppID.Inc()
			continue
		}

		if err := t.syncJobStatus(ctx, job, stats); err != nil {
			t.log.Error("failed status sync",
				zap.String("job_id", job.JobID),
				zap.String("user_id", job.UserID),
				zap.String("application_id", job.ApplicationID),
				zap.Error(err))
			stats.SyncFailures++
			telemetry.SyncFailures.Inc()
			if t.failFast {
				return fmt.Errorf("sync job %s: %w", job.JobID, err)
			}
		}
	}

	telemetry.CyclesTotal.Inc()
	return nil
}

// syncJobStatus reconciles a single job: fetch cluster metadata, persist the
// transition, run terminal handling when a final status is reached.
func (t *Tracker) syncJobStatus(ctx context.Context, job models.JobRecord, stats *CycleStats) error {
	log := t.log.With(zap.String("job_id", job.JobID), zap.String("user_id", job.UserID))

	if t.limiter != nil {
		if err := t.limiter.Wait(ctx, clusterQueryBucketKey); err != nil {
			return fmt.Errorf("cluster query rate limit: %w", err)
		}
	}

	metadata, err := t.statusGetter.GetJobMetadata(ctx, job.JobID, job.UserID, job.ApplicationID)
	if errors.Is(err, cluster.ErrAppNotFound) {
		// The scheduler lost track of the app (e.g. purged by an operator).
		// No metadata is available, so: error status, mark done, no cost
		// calculation, no cleanup attempt.
		log.Warn("application not found on cluster",
			zap.String("application_id", job.ApplicationID))
		stats.AppNotFound++
		telemetry.AppsNotFound.Inc()
		if err := t.registry.SetStatus(ctx, job.JobID, job.UserID, models.StatusError, true); err != nil {
			return fmt.Errorf("set error status after app not found: %w", err)
		}
		t.mirrorSetStatus(ctx, log, job, models.StatusError)
		return nil
	}
	if err != nil {
		return fmt.Errorf("get job metadata for app %s: %w", job.ApplicationID, err)
	}

	if job.Status != metadata.Status {
		log.Info("job status change",
			zap.String("previous_status", job.Status),
			zap.String("new_status", metadata.Status))
		stats.StatusChanged++
		telemetry.StatusChanges.Inc()
	} else {
		stats.StatusSame++
	}

	patch := models.JobPatch{
		Status:   &metadata.Status,
		Started:  metadata.StartTime,
		Finished: metadata.FinishTime,
		Usage:    metadata.Usage,
	}
	if err := t.registry.Patch(ctx, job.JobID, job.UserID, patch); err != nil {
		return fmt.Errorf("patch job status: %w", err)
	}
	t.mirrorPatch(ctx, log, job, patch)

	if models.IsTerminal(metadata.Status) {
		return t.handleTerminal(ctx, log, job, metadata, stats)
	}
	return nil
}

// handleTerminal runs the side effects of a terminal transition. It must be
// safe to re-enter on a later cycle after a partial failure: cleanup dispatch
// is gated on the record still carrying dependency sources, mark-done is
// idempotent, and costs are recomputed and overwritten.
func (t *Tracker) handleTerminal(ctx context.Context, log *zap.Logger, job models.JobRecord, metadata models.JobMetadata, stats *CycleStats) error {
	stats.TerminalReached++
	telemetry.TerminalReached.Inc()

	result, err := t.results.GetResultsMetadata(ctx, job.JobID, job.UserID)
	if err != nil {
		return fmt.Errorf("get results metadata: %w", err)
	}

	if err := t.registry.RemoveDependencies(ctx, job.JobID, job.UserID); err != nil {
		return fmt.Errorf("remove dependencies: %w", err)
	}

	// Duplicates are possible when batch processes get recycled.
	sources := dedupe(job.DependencySources)
	if len(sources) > 0 {
		if err := t.dispatcher.ScheduleDeleteDependencySources(ctx, job.JobID, job.UserID, sources); err != nil {
			return fmt.Errorf("schedule dependency cleanup: %w", err)
		}
	}

	// The status was already patched above; SetStatus re-affirms it to drive
	// the registry's mark-done bookkeeping.
	if err := t.registry.SetStatus(ctx, job.JobID, job.UserID, metadata.Status, true); err != nil {
		return fmt.Errorf("mark done: %w", err)
	}
	t.mirrorSetStatus(ctx, log, job, metadata.Status)

	jobCosts, err := t.calculator.CalculateCosts(ctx, job, metadata, result)
	if err != nil {
		// Status and usage stay as patched; costs remain unset until a
		// later cycle retries this branch.
		return fmt.Errorf("calculate costs: %w", err)
	}

	finalPatch := models.JobPatch{
		Costs:          &jobCosts,
		ResultMetadata: resultMetadataFields(result),
	}
	if err := t.registry.Patch(ctx, job.JobID, job.UserID, finalPatch); err != nil {
		return fmt.Errorf("patch costs and result metadata: %w", err)
	}
	t.mirrorPatch(ctx, log, job, finalPatch)

	log.Info("job reached terminal status",
		zap.String("status", metadata.Status),
		zap.Float64("costs", jobCosts),
		zap.Strings("unique_process_ids", result.UniqueProcessIDs))
	return nil
}

func (t *Tracker) mirrorSetStatus(ctx context.Context, log *zap.Logger, job models.JobRecord, status string) {
	if t.mirror == nil {
		return
	}
	registry.JustLogErrors(log, "set status", func() error {
		return t.mirror.SetStatus(ctx, job.JobID, job.UserID, status)
	})
}

func (t *Tracker) mirrorPatch(ctx context.Context, log *zap.Logger, job models.JobRecord, patch models.JobPatch) {
	if t.mirror == nil {
		return
	}
	registry.JustLogErrors(log, "patch", func() error {
		return t.mirror.Patch(ctx, job.JobID, job.UserID, patch)
	})
}

func resultMetadataFields(result models.ResultMetadata) map[string]any {
	fields := map[string]any{}
	if result.AreaSquareMeters != nil {
		fields["area_square_meters"] = *result.AreaSquareMeters
	}
	if len(result.UniqueProcessIDs) > 0 {
		fields["unique_process_ids"] = result.UniqueProcessIDs
	}
	if result.Assets != nil {
		fields["assets"] = result.Assets
	}
	if result.ProcessingUnits > 0 {
		fields["processing_units"] = result.ProcessingUnits
	}
	return fields
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	var out []string
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// CycleStats aggregates per-cycle counters, reported once per cycle.
type CycleStats struct {
	Collected       int
	Invalid         int
	SkippedNoAppID  int
	StatusChanged   int
	StatusSame      int
	AppNotFound     int
	TerminalReached int
	SyncFailures    int
}

func (s *CycleStats) report(log *zap.Logger, elapsed time.Duration) {
	log.Info("reconciliation cycle finished",
		zap.Duration("elapsed", elapsed),
		zap.Int("collected", s.Collected),
		zap.Int("invalid", s.Invalid),
		zap.Int("skipped_no_app_id", s.SkippedNoAppID),
		zap.Int("status_changed", s.StatusChanged),
		zap.Int("status_same", s.StatusSame),
		zap.Int("app_not_found", s.AppNotFound),
		zap.Int("terminal_reached", s.TerminalReached),
		zap.Int("sync_failures", s.SyncFailures))
}
