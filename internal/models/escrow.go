package models

import (
	"time"

	"github.com/exchange-oracle/internal/types"
)

// EscrowCreation tracks the intake of a newly announced escrow. The record is
// terminal once every child project has finished creation and FinishedAt is set.
//
// Escrow addresses can be reused across campaigns, so (chain_id, escrow_address)
// is not unique over time; (chain_id, escrow_address, created_at) is the
// practical ordering key.
type EscrowCreation struct {
	ID            string        `json:"id" db:"id"`
	EscrowAddress string        `json:"escrowAddress" db:"escrow_address"`
	ChainID       types.ChainID `json:"chainId" db:"chain_id"`
	TotalJobs     int           `json:"totalJobs" db:"total_jobs"`
	CreatedAt     time.Time     `json:"createdAt" db:"created_at"`
	FinishedAt    *time.Time    `json:"finishedAt,omitempty" db:"finished_at"`
}

// Finished reports whether escrow intake has completed.
func (e *EscrowCreation) Finished() bool {
	return e.FinishedAt != nil
}

// EscrowValidation tracks periodic re-validation of escrow health.
// Unique per (escrow_address, chain_id). Re-entrant until the status turns
// terminal or the attempt budget is exhausted.
type EscrowValidation struct {
	ID            string                 `json:"id" db:"id"`
	EscrowAddress string                 `json:"escrowAddress" db:"escrow_address"`
	ChainID       types.ChainID          `json:"chainId" db:"chain_id"`
	Status        types.ValidationStatus `json:"status" db:"status"`
	Attempts      int                    `json:"attempts" db:"attempts"`
	CreatedAt     time.Time              `json:"createdAt" db:"created_at"`
}

// Terminal reports whether no further validation attempts should happen.
func (v *EscrowValidation) Terminal() bool {
	return v.Status == types.ValidationValid || v.Status == types.ValidationInvalid
}
