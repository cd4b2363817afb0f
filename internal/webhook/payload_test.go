package webhook

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	oracleerrors "github.com/exchange-oracle/internal/errors"
	"github.com/exchange-oracle/internal/types"
)

func validBody(t *testing.T, mutate func(m map[string]interface{})) []byte {
	t.Helper()
	m := map[string]interface{}{
		"event_id":       "evt-1",
		"escrow_address": "0xabc",
		"chain_id":       137,
		"event_type":     "escrow_created",
		"timestamp":      "2026-08-28T12:00:00Z",
	}
	if mutate != nil {
		mutate(m)
	}
	body, err := json.Marshal(m)
	require.NoError(t, err)
	return body
}

func TestParsePayload(t *testing.T) {
	payload, err := ParsePayload(validBody(t, nil))
	require.NoError(t, err)
	assert.Equal(t, "evt-1", payload.EventID)
	assert.Equal(t, types.ChainPolygon, payload.ChainID)
	assert.Equal(t, types.EventEscrowCreated, payload.EventType)
}

func TestParsePayloadToleratesUnknownFields(t *testing.T) {
	_, err := ParsePayload(validBody(t, func(m map[string]interface{}) {
		m["future_field"] = "whatever"
	}))
	assert.NoError(t, err)
}

func TestParsePayloadRejections(t *testing.T) {
	tests := []struct {
		name     string
		body     []byte
		wantCode string
	}{
		{"malformed json", []byte("{nope"), "VALIDATION_FAILED"},
		{"missing event id", validBody(t, func(m map[string]interface{}) { delete(m, "event_id") }), "VALIDATION_FAILED"},
		{"missing escrow address", validBody(t, func(m map[string]interface{}) { delete(m, "escrow_address") }), "VALIDATION_FAILED"},
		{"missing chain id", validBody(t, func(m map[string]interface{}) { delete(m, "chain_id") }), "VALIDATION_FAILED"},
		{"unknown event type", validBody(t, func(m map[string]interface{}) { m["event_type"] = "escrow_imploded" }), "UNKNOWN_EVENT_TYPE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePayload(tt.body)
			require.Error(t, err)

			var catErr *oracleerrors.CategorizedError
			require.True(t, errors.As(err, &catErr))
			assert.Equal(t, tt.wantCode, catErr.Code)
			assert.Equal(t, oracleerrors.CategoryValidation, catErr.Category)
		})
	}
}

func TestDecodeEventData(t *testing.T) {
	payload := &Payload{
		EventType: types.EventJobCompleted,
		EventData: json.RawMessage(`{"job_id":42}`),
	}
	decoded, err := payload.DecodeEventData()
	require.NoError(t, err)
	data, ok := decoded.(*JobCompletedData)
	require.True(t, ok)
	assert.Equal(t, int64(42), data.JobID)
}

func TestDecodeEventDataEmptyBody(t *testing.T) {
	payload := &Payload{EventType: types.EventEscrowCreated}
	decoded, err := payload.DecodeEventData()
	require.NoError(t, err)
	data, ok := decoded.(*EscrowCreatedData)
	require.True(t, ok)
	assert.Empty(t, data.ManifestURL)
}

func TestDecodeEventDataMalformedBody(t *testing.T) {
	payload := &Payload{
		EventType: types.EventJobCompleted,
		EventData: json.RawMessage(`{"job_id":"not a number"}`),
	}
	_, err := payload.DecodeEventData()
	require.Error(t, err)

	var catErr *oracleerrors.CategorizedError
	require.True(t, errors.As(err, &catErr))
	assert.Equal(t, oracleerrors.CategoryValidation, catErr.Category)
}

func TestMarshalEventDataRoundTrip(t *testing.T) {
	data, err := MarshalEventData(&EscrowValidatedData{Valid: true})
	require.NoError(t, err)

	payload := &Payload{EventType: types.EventEscrowValidated, EventData: data}
	decoded, err := payload.DecodeEventData()
	require.NoError(t, err)
	assert.True(t, decoded.(*EscrowValidatedData).Valid)
}

func TestMarshalEventDataNil(t *testing.T) {
	data, err := MarshalEventData(nil)
	require.NoError(t, err)
	assert.Nil(t, data)
}
