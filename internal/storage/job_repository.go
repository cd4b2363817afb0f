package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/exchange-oracle/internal/models"
	"github.com/exchange-oracle/internal/types"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// JobRepository handles platform job persistence
type JobRepository struct {
	db *PostgresDB
}

// NewJobRepository creates a new job repository
func NewJobRepository(db *PostgresDB) *JobRepository {
	return &JobRepository{db: db}
}

const jobColumns = `id, platform_id, platform_task_id, platform_project_id, status, start_frame, stop_frame, created_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.PlatformID, &j.PlatformTaskID, &j.PlatformProjectID,
		&j.Status, &j.StartFrame, &j.StopFrame, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// Create inserts a new job within the given querier. The frame range must be
// non-empty; range-versus-task bounds are validated by the caller against the
// task's uploaded frame count.
func (r *JobRepository) Create(ctx context.Context, q Querier, job *models.Job) error {
	if job.StopFrame <= job.StartFrame {
		return fmt.Errorf("invalid frame range [%d, %d)", job.StartFrame, job.StopFrame)
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := q.Exec(ctx, query,
		job.ID, job.PlatformID, job.PlatformTaskID, job.PlatformProjectID,
		job.Status, job.StartFrame, job.StopFrame, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// GetByPlatformID retrieves a job by its platform identifier
func (r *JobRepository) GetByPlatformID(ctx context.Context, platformID int64) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE platform_id = $1`

	j, err := scanJob(r.db.Pool().QueryRow(ctx, query, platformID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return j, nil
}

// ListByProject returns all jobs of a project
func (r *JobRepository) ListByProject(ctx context.Context, q Querier, platformProjectID int64) ([]*models.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE platform_project_id = $1
		ORDER BY created_at ASC
	`
	rows, err := q.Query(ctx, query, platformProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs by project: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

func collectJobs(rows pgx.Rows) ([]*models.Job, error) {
	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}
	return jobs, nil
}

// LockForUpdate loads a job with a row lock for transition application
func (r *JobRepository) LockForUpdate(ctx context.Context, tx pgx.Tx, platformID int64) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE platform_id = $1 FOR UPDATE`

	j, err := scanJob(tx.QueryRow(ctx, query, platformID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("job not found: %d", platformID)
		}
		return nil, fmt.Errorf("failed to lock job: %w", err)
	}
	return j, nil
}

// UpdateStatus transitions a job to a new status
func (r *JobRepository) UpdateStatus(ctx context.Context, q Querier, platformID int64, status types.JobStatus) error {
	query := `
		UPDATE jobs
		SET status = $2, updated_at = $3
		WHERE platform_id = $1
	`
	tag, err := q.Exec(ctx, query, platformID, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job not found: %d", platformID)
	}
	return nil
}
