package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"openeo-job-tracker/internal/models"
)

// ErrJobNotFound is returned when a (job_id, user_id) pair has no record.
var ErrJobNotFound = errors.New("job not found")

// Registry wraps pgxpool for the primary batch job registry. Records are
// keyed by (job_id, user_id); the tracker reads and patches them, submission
// machinery elsewhere creates them.
type Registry struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Registry, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Registry{pool: pool}, nil
}

func (r *Registry) Close() {
	if r.pool != nil {
		r.pool.Close()
	}
}

const jobColumns = `job_id, user_id, title, application_id, status, created, started, finished,
	usage, costs, dependency_sources, dependency_usage, result_metadata, done`

// GetRunningJobs returns every record not yet marked done, i.e. the set the
// tracker still has to reconcile against the cluster.
func (r *Registry) GetRunningJobs(ctx context.Context) ([]models.JobRecord, error) {
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM batch_jobs WHERE done = FALSE ORDER BY created
	`, jobColumns))
	if err != nil {
		return nil, fmt.Errorf("query running jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.JobRecord
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate running jobs: %w", err)
	}
	return jobs, nil
}

// GetJob fetches a single record.
func (r *Registry) GetJob(ctx context.Context, jobID, userID string) (models.JobRecord, error) {
	row := r.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s FROM batch_jobs WHERE job_id = $1 AND user_id = $2
	`, jobColumns), jobID, userID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.JobRecord{}, ErrJobNotFound
	}
	return job, err
}

// Patch applies a field-level partial update. Nil fields in the patch are
// left untouched so concurrent trackers can update disjoint fields safely.
func (r *Registry) Patch(ctx context.Context, jobID, userID string, patch models.JobPatch) error {
	setSQL, args, err := buildPatch(patch)
	if err != nil {
		return err
	}
	if setSQL == "" {
		return nil
	}
	args = append(args, jobID, userID)
	tag, err := r.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE batch_jobs SET %s, updated_at = NOW() WHERE job_id = $%d AND user_id = $%d
	`, setSQL, len(args)-1, len(args)), args...)
	if err != nil {
		return fmt.Errorf("patch job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

// SetStatus updates the status and, when markDone is set, permanently removes
// the job from the tracking set. Marking an already-done job is a no-op
// beyond the status write, so retried terminal handling stays safe.
func (r *Registry) SetStatus(ctx context.Context, jobID, userID, status string, markDone bool) error {
	var err error
	if markDone {
		_, err = r.pool.Exec(ctx, `
			UPDATE batch_jobs SET status = $3, done = TRUE, updated_at = NOW()
			WHERE job_id = $1 AND user_id = $2
		`, jobID, userID, status)
	} else {
		_, err = r.pool.Exec(ctx, `
			UPDATE batch_jobs SET status = $3, updated_at = NOW()
			WHERE job_id = $1 AND user_id = $2
		`, jobID, userID, status)
	}
	if err != nil {
		return fmt.Errorf("set status for job %s: %w", jobID, err)
	}
	return nil
}

// RemoveDependencies clears dependency bookkeeping from the record. Cleared
// as part of the same terminal transition that schedules deletion, so a
// replayed terminal branch sees no sources and dispatches nothing.
func (r *Registry) RemoveDependencies(ctx context.Context, jobID, userID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE batch_jobs
		SET dependency_sources = '[]'::jsonb, dependency_usage = 0, updated_at = NOW()
		WHERE job_id = $1 AND user_id = $2
	`, jobID, userID)
	if err != nil {
		return fmt.Errorf("remove dependencies for job %s: %w", jobID, err)
	}
	return nil
}

// buildPatch renders the SET clause for a partial update. Exposed internally
// for testing without a live database.
func buildPatch(patch models.JobPatch) (string, []any, error) {
	var (
		sets []string
		args []any
	)
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if patch.Status != nil {
		add("status", *patch.Status)
	}
	if patch.Started != nil {
		add("started", *patch.Started)
	}
	if patch.Finished != nil {
		add("finished", *patch.Finished)
	}
	if patch.Usage != nil {
		usageJSON, err := json.Marshal(patch.Usage)
		if err != nil {
			return "", nil, fmt.Errorf("marshal usage: %w", err)
		}
		add("usage", usageJSON)
	}
	if patch.Costs != nil {
		add("costs", *patch.Costs)
	}
	if patch.ResultMetadata != nil {
		resultJSON, err := json.Marshal(patch.ResultMetadata)
		if err != nil {
			return "", nil, fmt.Errorf("marshal result metadata: %w", err)
		}
		add("result_metadata", resultJSON)
	}
	return strings.Join(sets, ", "), args, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (models.JobRecord, error) {
	var (
		job         models.JobRecord
		title       pgtype.Text
		appID       pgtype.Text
		created     time.Time
		started     pgtype.Text
		finished    pgtype.Text
		usageJSON   []byte
		costs       pgtype.Float8
		sourcesJSON []byte
		resultJSON  []byte
	)
	err := row.Scan(&job.JobID, &job.UserID, &title, &appID, &job.Status, &created,
		&started, &finished, &usageJSON, &costs, &sourcesJSON, &job.DependencyUsage,
		&resultJSON, &job.Done)
	if err != nil {
		return models.JobRecord{}, err
	}
	job.Title = title.String
	job.ApplicationID = appID.String
	job.Created = created
	job.Started = textPtr(started)
	job.Finished = textPtr(finished)
	if costs.Valid {
		job.Costs = &costs.Float64
	}
	if len(usageJSON) > 0 {
		var usage models.Usage
		if err := json.Unmarshal(usageJSON, &usage); err != nil {
			return models.JobRecord{}, fmt.Errorf("unmarshal usage: %w", err)
		}
		job.Usage = &usage
	}
	if len(sourcesJSON) > 0 {
		if err := json.Unmarshal(sourcesJSON, &job.DependencySources); err != nil {
			return models.JobRecord{}, fmt.Errorf("unmarshal dependency sources: %w", err)
		}
	}
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &job.ResultMetadata); err != nil {
			return models.JobRecord{}, fmt.Errorf("unmarshal result metadata: %w", err)
		}
	}
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
