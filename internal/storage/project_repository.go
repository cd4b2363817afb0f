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

// ProjectRepository handles annotation project persistence
type ProjectRepository struct {
	db *PostgresDB
}

// NewProjectRepository creates a new project repository
func NewProjectRepository(db *PostgresDB) *ProjectRepository {
	return &ProjectRepository{db: db}
}

const projectColumns = `id, platform_id, escrow_address, chain_id, status, job_type, bucket_url, platform_webhook_id, created_at, updated_at`

func scanProject(row pgx.Row) (*models.Project, error) {
	var p models.Project
	err := row.Scan(&p.ID, &p.PlatformID, &p.EscrowAddress, &p.ChainID, &p.Status,
		&p.JobType, &p.BucketURL, &p.PlatformWebhookID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Create inserts a new project within the given querier
func (r *ProjectRepository) Create(ctx context.Context, q Querier, project *models.Project) error {
	if project.ID == "" {
		project.ID = uuid.NewString()
	}
	if project.CreatedAt.IsZero() {
		project.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO projects (` + projectColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := q.Exec(ctx, query,
		project.ID,
		project.PlatformID,
		project.EscrowAddress,
		project.ChainID,
		project.Status,
		project.JobType,
		project.BucketURL,
		project.PlatformWebhookID,
		project.CreatedAt,
		project.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create project: %w", err)
	}
	return nil
}

// GetByPlatformID retrieves a project by its platform identifier
func (r *ProjectRepository) GetByPlatformID(ctx context.Context, platformID int64) (*models.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE platform_id = $1`

	p, err := scanProject(r.db.Pool().QueryRow(ctx, query, platformID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return p, nil
}

// ListByEscrow returns all projects created for an escrow. One escrow may be
// split across several projects.
func (r *ProjectRepository) ListByEscrow(ctx context.Context, q Querier, escrowAddress string, chainID types.ChainID) ([]*models.Project, error) {
	query := `
		SELECT ` + projectColumns + `
		FROM projects
		WHERE escrow_address = $1 AND chain_id = $2
		ORDER BY created_at ASC
	`
	rows, err := q.Query(ctx, query, escrowAddress, chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects by escrow: %w", err)
	}
	defer rows.Close()

	return collectProjects(rows)
}

// ListByStatus returns projects in the given status, oldest first
func (r *ProjectRepository) ListByStatus(ctx context.Context, status types.ProjectStatus, limit int) ([]*models.Project, error) {
	query := `
		SELECT ` + projectColumns + `
		FROM projects
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2
	`
	rows, err := r.db.Pool().Query(ctx, query, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects by status: %w", err)
	}
	defer rows.Close()

	return collectProjects(rows)
}

func collectProjects(rows pgx.Rows) ([]*models.Project, error) {
	var projects []*models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating projects: %w", err)
	}
	return projects, nil
}

// LockForUpdate loads a project with a row lock for transition application
func (r *ProjectRepository) LockForUpdate(ctx context.Context, tx pgx.Tx, platformID int64) (*models.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE platform_id = $1 FOR UPDATE`

	p, err := scanProject(tx.QueryRow(ctx, query, platformID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("project not found: %d", platformID)
		}
		return nil, fmt.Errorf("failed to lock project: %w", err)
	}
	return p, nil
}

// UpdateStatus transitions a project to a new status
func (r *ProjectRepository) UpdateStatus(ctx context.Context, q Querier, platformID int64, status types.ProjectStatus) error {
	query := `
		UPDATE projects
		SET status = $2, updated_at = $3
		WHERE platform_id = $1
	`
	tag, err := q.Exec(ctx, query, platformID, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update project status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("project not found: %d", platformID)
	}
	return nil
}

// CreateImage registers a data file under a project. Re-registering the same
// filename is a no-op so manifest re-reads stay idempotent.
func (r *ProjectRepository) CreateImage(ctx context.Context, q Querier, image *models.Image) error {
	if image.ID == "" {
		image.ID = uuid.NewString()
	}
	if image.CreatedAt.IsZero() {
		image.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO images (id, platform_project_id, filename, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (platform_project_id, filename) DO NOTHING
	`
	_, err := q.Exec(ctx, query, image.ID, image.PlatformProjectID, image.Filename, image.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create image: %w", err)
	}
	return nil
}

// CountImages returns the number of files registered under a project
func (r *ProjectRepository) CountImages(ctx context.Context, platformProjectID int64) (int, error) {
	var count int
	err := r.db.Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM images WHERE platform_project_id = $1`, platformProjectID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count images: %w", err)
	}
	return count, nil
}
