package models

import (
	"encoding/json"
	"time"

	"github.com/exchange-oracle/internal/types"
)

// OutgoingWebhook is a queued event notification for a peer oracle.
// Rows are inserted in the same transaction as the state change that produced
// them, so a crash between "state changed" and "event sent" cannot lose the
// event. Delivery is at-least-once.
type OutgoingWebhook struct {
	EventID       string                      `json:"eventId" db:"event_id"`
	EventType     types.EventType             `json:"eventType" db:"event_type"`
	EscrowAddress string                      `json:"escrowAddress" db:"escrow_address"`
	ChainID       types.ChainID               `json:"chainId" db:"chain_id"`
	Recipient     types.OracleKind            `json:"recipient" db:"recipient"`
	EventData     json.RawMessage             `json:"eventData" db:"event_data"`
	Status        types.OutgoingWebhookStatus `json:"status" db:"status"`
	Attempts      int                         `json:"attempts" db:"attempts"`
	NextRetryAt   time.Time                   `json:"nextRetryAt" db:"next_retry_at"`
	CreatedAt     time.Time                   `json:"createdAt" db:"created_at"`
}

// IncomingWebhook is the dedup ledger entry for a received event. The event id
// is the deduplication key: once a row reaches completed, redelivery of the
// same event id is an idempotent no-op.
type IncomingWebhook struct {
	EventID       string                      `json:"eventId" db:"event_id"`
	Sender        types.OracleKind            `json:"sender" db:"sender"`
	EventType     types.EventType             `json:"eventType" db:"event_type"`
	EscrowAddress string                      `json:"escrowAddress" db:"escrow_address"`
	ChainID       types.ChainID               `json:"chainId" db:"chain_id"`
	EventData     json.RawMessage             `json:"eventData" db:"event_data"`
	Status        types.IncomingWebhookStatus `json:"status" db:"status"`
	FailureReason *string                     `json:"failureReason,omitempty" db:"failure_reason"`
	ReceivedAt    time.Time                   `json:"receivedAt" db:"received_at"`
}
