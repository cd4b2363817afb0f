// Package webhook implements the oracle-to-oracle webhook exchange: the
// outgoing dispatcher draining the transactional outbox, the incoming
// receiver with signature verification and dedup, and the typed event
// payloads both sides agree on.
package webhook

import (
	"encoding/json"
	"fmt"
	"time"

	oracleerrors "github.com/exchange-oracle/internal/errors"
	"github.com/exchange-oracle/internal/types"
)

// Payload is the wire format shared by all oracle webhooks. EventData carries
// the event-type-specific body; Timestamp records when the sender produced
// the event.
type Payload struct {
	EventID       string          `json:"event_id"`
	EscrowAddress string          `json:"escrow_address"`
	ChainID       types.ChainID   `json:"chain_id"`
	EventType     types.EventType `json:"event_type"`
	EventData     json.RawMessage `json:"event_data,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Validate checks the envelope fields every handler depends on. EventData is
// validated later by the per-event decoder, since its shape depends on
// EventType.
func (p *Payload) Validate() error {
	if p.EventID == "" {
		return oracleerrors.NewValidationError("event_id", "missing")
	}
	if p.EscrowAddress == "" {
		return oracleerrors.NewValidationError("escrow_address", "missing")
	}
	if p.ChainID == 0 {
		return oracleerrors.NewValidationError("chain_id", "missing")
	}
	if !p.EventType.Valid() {
		return oracleerrors.NewUnknownEventTypeError(string(p.EventType))
	}
	return nil
}

// ParsePayload decodes and validates a webhook body. Unknown top-level fields
// are tolerated so peers can extend the envelope without breaking us.
func ParsePayload(body []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, oracleerrors.NewValidationError("body", fmt.Sprintf("malformed JSON: %v", err))
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// EscrowCreatedData is the body of an escrow_created event from the launcher.
type EscrowCreatedData struct {
	ManifestURL  string `json:"manifest_url"`
	ManifestHash string `json:"manifest_hash"`
}

// EscrowValidatedData is the body of an escrow_validated event.
type EscrowValidatedData struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// TaskCreationCompletedData announces that platform setup for an escrow
// finished: every project lineage exists and is open for annotation.
type TaskCreationCompletedData struct {
	ProjectCount int `json:"project_count"`
	JobCount     int `json:"job_count"`
}

// TaskCompletedData announces a fully annotated task to the recording oracle.
type TaskCompletedData struct {
	TaskID     int64  `json:"task_id"`
	ResultsURL string `json:"results_url,omitempty"`
}

// JobCompletedData is the body of a job_completed event from the recording
// oracle confirming one job's annotations were accepted.
type JobCompletedData struct {
	JobID int64 `json:"job_id"`
}

// EscrowCompletedData announces that all work under an escrow is done.
type EscrowCompletedData struct {
	ResultsURL  string `json:"results_url,omitempty"`
	ResultsHash string `json:"results_hash,omitempty"`
}

// DecodeEventData decodes EventData into the typed shape for the payload's
// event type. Events without a required body decode into their zero value.
func (p *Payload) DecodeEventData() (interface{}, error) {
	decode := func(out interface{}) (interface{}, error) {
		if len(p.EventData) == 0 {
			return out, nil
		}
		if err := json.Unmarshal(p.EventData, out); err != nil {
			return nil, oracleerrors.NewValidationError("event_data", fmt.Sprintf("malformed %s body: %v", p.EventType, err))
		}
		return out, nil
	}

	switch p.EventType {
	case types.EventEscrowCreated:
		return decode(&EscrowCreatedData{})
	case types.EventEscrowValidated:
		return decode(&EscrowValidatedData{})
	case types.EventTaskCreationCompleted:
		return decode(&TaskCreationCompletedData{})
	case types.EventTaskCompleted:
		return decode(&TaskCompletedData{})
	case types.EventJobCompleted:
		return decode(&JobCompletedData{})
	case types.EventEscrowCompleted:
		return decode(&EscrowCompletedData{})
	}
	return nil, oracleerrors.NewUnknownEventTypeError(string(p.EventType))
}

// MarshalEventData encodes a typed event body for storage in the outbox.
func MarshalEventData(data interface{}) (json.RawMessage, error) {
	if data == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event data: %w", err)
	}
	return encoded, nil
}
