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

// EscrowRepository handles escrow creation and validation persistence
type EscrowRepository struct {
	db *PostgresDB
}

// NewEscrowRepository creates a new escrow repository
func NewEscrowRepository(db *PostgresDB) *EscrowRepository {
	return &EscrowRepository{db: db}
}

const escrowCreationColumns = `id, escrow_address, chain_id, total_jobs, created_at, finished_at`

func scanEscrowCreation(row pgx.Row) (*models.EscrowCreation, error) {
	var e models.EscrowCreation
	err := row.Scan(&e.ID, &e.EscrowAddress, &e.ChainID, &e.TotalJobs, &e.CreatedAt, &e.FinishedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// CreateEscrowCreation inserts a new intake record within the given querier
// (pool or transaction). The id is generated here.
func (r *EscrowRepository) CreateEscrowCreation(ctx context.Context, q Querier, creation *models.EscrowCreation) error {
	if creation.ID == "" {
		creation.ID = uuid.NewString()
	}
	if creation.CreatedAt.IsZero() {
		creation.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO escrow_creations (id, escrow_address, chain_id, total_jobs, created_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := q.Exec(ctx, query,
		creation.ID,
		creation.EscrowAddress,
		creation.ChainID,
		creation.TotalJobs,
		creation.CreatedAt,
		creation.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create escrow creation: %w", err)
	}
	return nil
}

// ListUnfinishedCreations returns intake records with no finish timestamp,
// oldest first.
func (r *EscrowRepository) ListUnfinishedCreations(ctx context.Context, limit int) ([]*models.EscrowCreation, error) {
	query := `
		SELECT ` + escrowCreationColumns + `
		FROM escrow_creations
		WHERE finished_at IS NULL
		ORDER BY created_at ASC
		LIMIT $1
	`
	rows, err := r.db.Pool().Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unfinished escrow creations: %w", err)
	}
	defer rows.Close()

	var creations []*models.EscrowCreation
	for rows.Next() {
		e, err := scanEscrowCreation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan escrow creation: %w", err)
		}
		creations = append(creations, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating escrow creations: %w", err)
	}
	return creations, nil
}

// LockCreationForUpdate loads one intake record with a row lock so that
// concurrent scheduler ticks cannot finish the same intake twice.
func (r *EscrowRepository) LockCreationForUpdate(ctx context.Context, tx pgx.Tx, id string) (*models.EscrowCreation, error) {
	query := `
		SELECT ` + escrowCreationColumns + `
		FROM escrow_creations
		WHERE id = $1
		FOR UPDATE
	`
	e, err := scanEscrowCreation(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("escrow creation not found: %s", id)
		}
		return nil, fmt.Errorf("failed to lock escrow creation: %w", err)
	}
	return e, nil
}

// FinishCreation stamps finished_at exactly once. Returns false when the
// record was already finished, making repeated detection a no-op.
func (r *EscrowRepository) FinishCreation(ctx context.Context, tx pgx.Tx, id string, finishedAt time.Time) (bool, error) {
	query := `
		UPDATE escrow_creations
		SET finished_at = $2
		WHERE id = $1 AND finished_at IS NULL
	`
	tag, err := tx.Exec(ctx, query, id, finishedAt)
	if err != nil {
		return false, fmt.Errorf("failed to finish escrow creation: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetLatestCreation returns the most recent intake record for an escrow.
// Addresses recur across campaigns, so created_at breaks the tie.
func (r *EscrowRepository) GetLatestCreation(ctx context.Context, escrowAddress string, chainID types.ChainID) (*models.EscrowCreation, error) {
	query := `
		SELECT ` + escrowCreationColumns + `
		FROM escrow_creations
		WHERE escrow_address = $1 AND chain_id = $2
		ORDER BY created_at DESC
		LIMIT 1
	`
	e, err := scanEscrowCreation(r.db.Pool().QueryRow(ctx, query, escrowAddress, chainID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get escrow creation: %w", err)
	}
	return e, nil
}

const escrowValidationColumns = `id, escrow_address, chain_id, status, attempts, created_at`

func scanEscrowValidation(row pgx.Row) (*models.EscrowValidation, error) {
	var v models.EscrowValidation
	err := row.Scan(&v.ID, &v.EscrowAddress, &v.ChainID, &v.Status, &v.Attempts, &v.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// CreateValidation inserts a validation record. Validations are unique per
// (escrow_address, chain_id); a duplicate insert is reported as an error.
func (r *EscrowRepository) CreateValidation(ctx context.Context, q Querier, validation *models.EscrowValidation) error {
	if validation.ID == "" {
		validation.ID = uuid.NewString()
	}
	if validation.Status == "" {
		validation.Status = types.ValidationUnderValidation
	}
	if validation.CreatedAt.IsZero() {
		validation.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO escrow_validations (id, escrow_address, chain_id, status, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := q.Exec(ctx, query,
		validation.ID,
		validation.EscrowAddress,
		validation.ChainID,
		validation.Status,
		validation.Attempts,
		validation.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create escrow validation: %w", err)
	}
	return nil
}

// GetValidation returns the validation record for an escrow, or nil when none
// exists.
func (r *EscrowRepository) GetValidation(ctx context.Context, escrowAddress string, chainID types.ChainID) (*models.EscrowValidation, error) {
	query := `
		SELECT ` + escrowValidationColumns + `
		FROM escrow_validations
		WHERE escrow_address = $1 AND chain_id = $2
	`
	v, err := scanEscrowValidation(r.db.Pool().QueryRow(ctx, query, escrowAddress, chainID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get escrow validation: %w", err)
	}
	return v, nil
}

// ListValidationsUnderValidation returns non-terminal validation records,
// oldest first, locking them for the calling transaction so a concurrent
// tick skips them instead of double-counting attempts.
func (r *EscrowRepository) ListValidationsUnderValidation(ctx context.Context, tx pgx.Tx, limit int) ([]*models.EscrowValidation, error) {
	query := `
		SELECT ` + escrowValidationColumns + `
		FROM escrow_validations
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`
	rows, err := tx.Query(ctx, query, types.ValidationUnderValidation, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list escrow validations: %w", err)
	}
	defer rows.Close()

	var validations []*models.EscrowValidation
	for rows.Next() {
		v, err := scanEscrowValidation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan escrow validation: %w", err)
		}
		validations = append(validations, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating escrow validations: %w", err)
	}
	return validations, nil
}

// UpdateValidation writes back the validation status and attempt counter.
func (r *EscrowRepository) UpdateValidation(ctx context.Context, q Querier, validation *models.EscrowValidation) error {
	query := `
		UPDATE escrow_validations
		SET status = $2, attempts = $3
		WHERE id = $1
	`
	tag, err := q.Exec(ctx, query, validation.ID, validation.Status, validation.Attempts)
	if err != nil {
		return fmt.Errorf("failed to update escrow validation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("escrow validation not found: %s", validation.ID)
	}
	return nil
}
