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

// AssignmentRepository handles assignment and user persistence
type AssignmentRepository struct {
	db *PostgresDB
}

// NewAssignmentRepository creates a new assignment repository
func NewAssignmentRepository(db *PostgresDB) *AssignmentRepository {
	return &AssignmentRepository{db: db}
}

const assignmentColumns = `id, user_wallet_address, platform_job_id, status, created_at, updated_at, expires_at, completed_at`

func scanAssignment(row pgx.Row) (*models.Assignment, error) {
	var a models.Assignment
	err := row.Scan(&a.ID, &a.UserWalletAddress, &a.PlatformJobID, &a.Status,
		&a.CreatedAt, &a.UpdatedAt, &a.ExpiresAt, &a.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Create inserts a new assignment. ExpiresAt must be set at creation time.
func (r *AssignmentRepository) Create(ctx context.Context, q Querier, assignment *models.Assignment) error {
	if assignment.ExpiresAt.IsZero() {
		return fmt.Errorf("assignment expiry must be set at creation")
	}
	if assignment.ID == "" {
		assignment.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if assignment.CreatedAt.IsZero() {
		assignment.CreatedAt = now
	}
	if assignment.UpdatedAt.IsZero() {
		assignment.UpdatedAt = now
	}
	if assignment.Status == "" {
		assignment.Status = types.AssignmentStatusCreated
	}

	query := `
		INSERT INTO assignments (` + assignmentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := q.Exec(ctx, query,
		assignment.ID, assignment.UserWalletAddress, assignment.PlatformJobID,
		assignment.Status, assignment.CreatedAt, assignment.UpdatedAt,
		assignment.ExpiresAt, assignment.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to create assignment: %w", err)
	}
	return nil
}

// GetLatestByJob returns the most recently created assignment for a job,
// which is by definition the only one that can be active.
func (r *AssignmentRepository) GetLatestByJob(ctx context.Context, q Querier, platformJobID int64) (*models.Assignment, error) {
	query := `
		SELECT ` + assignmentColumns + `
		FROM assignments
		WHERE platform_job_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`
	a, err := scanAssignment(q.QueryRow(ctx, query, platformJobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest assignment: %w", err)
	}
	return a, nil
}

// ListExpired returns assignments still marked created whose deadline has
// passed, locked so exactly one reconciliation tick releases each of them.
func (r *AssignmentRepository) ListExpired(ctx context.Context, tx pgx.Tx, now time.Time, limit int) ([]*models.Assignment, error) {
	query := `
		SELECT ` + assignmentColumns + `
		FROM assignments
		WHERE status = $1 AND expires_at < $2
		ORDER BY expires_at ASC
		LIMIT $3
		FOR UPDATE SKIP LOCKED
	`
	rows, err := tx.Query(ctx, query, types.AssignmentStatusCreated, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired assignments: %w", err)
	}
	defer rows.Close()

	var assignments []*models.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan assignment: %w", err)
		}
		assignments = append(assignments, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating assignments: %w", err)
	}
	return assignments, nil
}

// UpdateStatus transitions an assignment to a new status
func (r *AssignmentRepository) UpdateStatus(ctx context.Context, q Querier, id string, status types.AssignmentStatus) error {
	query := `
		UPDATE assignments
		SET status = $2, updated_at = $3
		WHERE id = $1
	`
	tag, err := q.Exec(ctx, query, id, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update assignment status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("assignment not found: %s", id)
	}
	return nil
}

// Complete stamps completed_at and transitions the assignment
func (r *AssignmentRepository) Complete(ctx context.Context, q Querier, id string, completedAt time.Time) error {
	query := `
		UPDATE assignments
		SET status = $2, completed_at = $3, updated_at = $4
		WHERE id = $1
	`
	tag, err := q.Exec(ctx, query, id, types.AssignmentStatusCompleted, completedAt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to complete assignment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("assignment not found: %s", id)
	}
	return nil
}

// UpsertUser inserts or updates a user keyed by wallet address
func (r *AssignmentRepository) UpsertUser(ctx context.Context, q Querier, user *models.User) error {
	query := `
		INSERT INTO users (wallet_address, platform_email, platform_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (wallet_address)
		DO UPDATE SET platform_email = EXCLUDED.platform_email, platform_id = EXCLUDED.platform_id
	`
	_, err := q.Exec(ctx, query, user.WalletAddress, user.PlatformEmail, user.PlatformID)
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}
