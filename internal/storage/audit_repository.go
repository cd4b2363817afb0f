package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/exchange-oracle/internal/logging"
)

// TransitionRecord is one applied state transition or webhook delivery
// outcome, written to the insert-only audit trail.
type TransitionRecord struct {
	OccurredAt    time.Time
	EntityKind    string // escrow_validation, project, task, job, assignment, outgoing_webhook, incoming_webhook
	EntityID      string
	EscrowAddress string
	ChainID       int64
	FromStatus    string
	ToStatus      string
	Detail        string
}

// Auditor records transitions for operator analytics. It is never consulted
// for reconciliation decisions, so audit failures are logged and swallowed.
type Auditor interface {
	Record(ctx context.Context, rec TransitionRecord)
}

// AuditRepository writes transition records to ClickHouse
type AuditRepository struct {
	db     *ClickHouseDB
	logger *logging.Logger
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *ClickHouseDB, logger *logging.Logger) *AuditRepository {
	return &AuditRepository{db: db, logger: logger}
}

// Record inserts one transition record. Failures never propagate to the
// calling job or dispatcher.
func (r *AuditRepository) Record(ctx context.Context, rec TransitionRecord) {
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = time.Now().UTC()
	}

	query := `
		INSERT INTO transition_audit
			(occurred_at, entity_kind, entity_id, escrow_address, chain_id, from_status, to_status, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	err := r.db.Exec(ctx, query,
		rec.OccurredAt, rec.EntityKind, rec.EntityID, rec.EscrowAddress,
		rec.ChainID, rec.FromStatus, rec.ToStatus, rec.Detail)
	if err != nil {
		r.logger.WithError(err).Warn("failed to write transition audit record")
	}
}

// EnsureAuditSchema creates the audit table if it does not exist
func (r *AuditRepository) EnsureAuditSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS transition_audit (
			occurred_at    DateTime64(3, 'UTC'),
			entity_kind    LowCardinality(String),
			entity_id      String,
			escrow_address String,
			chain_id       Int64,
			from_status    LowCardinality(String),
			to_status      LowCardinality(String),
			detail         String
		) ENGINE = MergeTree()
		ORDER BY (entity_kind, occurred_at)
		TTL toDateTime(occurred_at) + INTERVAL 90 DAY
	`
	if err := r.db.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create transition_audit table: %w", err)
	}
	return nil
}

// NopAuditor discards records; used when ClickHouse is not configured.
type NopAuditor struct{}

// Record implements Auditor
func (NopAuditor) Record(context.Context, TransitionRecord) {}
