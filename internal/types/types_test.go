package types

import (
	"testing"
)

func TestEventTypeValid(t *testing.T) {
	tests := []struct {
		name      string
		eventType EventType
		want      bool
	}{
		{"escrow created", EventEscrowCreated, true},
		{"escrow validated", EventEscrowValidated, true},
		{"task creation completed", EventTaskCreationCompleted, true},
		{"task completed", EventTaskCompleted, true},
		{"job completed", EventJobCompleted, true},
		{"escrow completed", EventEscrowCompleted, true},
		{"empty", EventType(""), false},
		{"unknown", EventType("escrow_launched"), false},
		{"case sensitive", EventType("Escrow_Created"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.eventType.Valid(); got != tt.want {
				t.Errorf("Valid() = %v, want %v for %q", got, tt.want, tt.eventType)
			}
		})
	}
}

func TestServiceErrorMessage(t *testing.T) {
	err := &ServiceError{Code: "VALIDATION_FAILED", Message: "invalid field"}
	if err.Error() != "invalid field" {
		t.Errorf("Error() = %q, want %q", err.Error(), "invalid field")
	}
}
