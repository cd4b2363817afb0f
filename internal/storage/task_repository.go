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

// TaskRepository handles platform task and data upload persistence
type TaskRepository struct {
	db *PostgresDB
}

// NewTaskRepository creates a new task repository
func NewTaskRepository(db *PostgresDB) *TaskRepository {
	return &TaskRepository{db: db}
}

const taskColumns = `id, platform_id, platform_project_id, status, created_at, updated_at`

func scanTask(row pgx.Row) (*models.Task, error) {
	var t models.Task
	err := row.Scan(&t.ID, &t.PlatformID, &t.PlatformProjectID, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Create inserts a new task within the given querier
func (r *TaskRepository) Create(ctx context.Context, q Querier, task *models.Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO tasks (` + taskColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := q.Exec(ctx, query,
		task.ID, task.PlatformID, task.PlatformProjectID, task.Status, task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

// GetByPlatformID retrieves a task by its platform identifier
func (r *TaskRepository) GetByPlatformID(ctx context.Context, platformID int64) (*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE platform_id = $1`

	t, err := scanTask(r.db.Pool().QueryRow(ctx, query, platformID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return t, nil
}

// ListByProject returns all tasks of a project
func (r *TaskRepository) ListByProject(ctx context.Context, q Querier, platformProjectID int64) ([]*models.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE platform_project_id = $1
		ORDER BY created_at ASC
	`
	rows, err := q.Query(ctx, query, platformProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks by project: %w", err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

// ListByStatus returns tasks in the given status, oldest first
func (r *TaskRepository) ListByStatus(ctx context.Context, status types.TaskStatus, limit int) ([]*models.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2
	`
	rows, err := r.db.Pool().Query(ctx, query, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks by status: %w", err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

func collectTasks(rows pgx.Rows) ([]*models.Task, error) {
	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

// LockForUpdate loads a task with a row lock for transition application
func (r *TaskRepository) LockForUpdate(ctx context.Context, tx pgx.Tx, platformID int64) (*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE platform_id = $1 FOR UPDATE`

	t, err := scanTask(tx.QueryRow(ctx, query, platformID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("task not found: %d", platformID)
		}
		return nil, fmt.Errorf("failed to lock task: %w", err)
	}
	return t, nil
}

// UpdateStatus transitions a task to a new status
func (r *TaskRepository) UpdateStatus(ctx context.Context, q Querier, platformID int64, status types.TaskStatus) error {
	query := `
		UPDATE tasks
		SET status = $2, updated_at = $3
		WHERE platform_id = $1
	`
	tag, err := q.Exec(ctx, query, platformID, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task not found: %d", platformID)
	}
	return nil
}

// CreateDataUpload marks a task's data as still uploading. Unique per task.
func (r *TaskRepository) CreateDataUpload(ctx context.Context, q Querier, upload *models.DataUpload) error {
	if upload.ID == "" {
		upload.ID = uuid.NewString()
	}
	if upload.CreatedAt.IsZero() {
		upload.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO data_uploads (id, platform_task_id, created_at)
		VALUES ($1, $2, $3)
	`
	_, err := q.Exec(ctx, query, upload.ID, upload.PlatformTaskID, upload.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create data upload: %w", err)
	}
	return nil
}

// ListPendingDataUploads returns tasks whose data upload has not been
// confirmed yet, locked so one tick owns each upload check.
func (r *TaskRepository) ListPendingDataUploads(ctx context.Context, tx pgx.Tx, limit int) ([]*models.DataUpload, error) {
	query := `
		SELECT id, platform_task_id, created_at
		FROM data_uploads
		ORDER BY created_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`
	rows, err := tx.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list data uploads: %w", err)
	}
	defer rows.Close()

	var uploads []*models.DataUpload
	for rows.Next() {
		var u models.DataUpload
		if err := rows.Scan(&u.ID, &u.PlatformTaskID, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan data upload: %w", err)
		}
		uploads = append(uploads, &u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating data uploads: %w", err)
	}
	return uploads, nil
}

// DeleteDataUpload removes the upload marker once the platform confirms the data
func (r *TaskRepository) DeleteDataUpload(ctx context.Context, q Querier, id string) error {
	tag, err := q.Exec(ctx, `DELETE FROM data_uploads WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete data upload: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("data upload not found: %s", id)
	}
	return nil
}
