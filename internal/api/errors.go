package api

import (
	"encoding/json"
	"net/http"

	oracleerrors "github.com/exchange-oracle/internal/errors"
	"github.com/exchange-oracle/internal/types"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error types.ServiceError `json:"error"`
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{
		Error: types.ServiceError{
			Code:    code,
			Message: message,
			Details: details,
		},
	}

	_ = json.NewEncoder(w).Encode(response)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// respondCategorized maps a categorized error onto the HTTP surface:
// authentication failures are 401, validation failures 400, everything else
// 500 so the sender's retry loop picks it up. Internal details never leak;
// the body carries the code and message only.
func respondCategorized(w http.ResponseWriter, err error) {
	catErr := oracleerrors.Categorize(err)
	status := catErr.StatusCode
	if status >= 500 {
		status = http.StatusInternalServerError
	}
	respondError(w, status, catErr.Code, catErr.Message, nil)
}
