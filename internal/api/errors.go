package api

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/token-custody/internal/errors"
	"github.com/token-custody/internal/types"
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

	json.NewEncoder(w).Encode(response)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// parseJSONBody parses JSON request body.
func parseJSONBody(r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

// Common error codes
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// respondServiceError maps a categorized error onto its HTTP status and
// error code. Uncategorized errors are masked as internal.
func respondServiceError(w http.ResponseWriter, err error) {
	var categorized *errors.CategorizedError
	if stderrors.As(err, &categorized) {
		respondError(w, categorized.StatusCode, categorized.Code, categorized.Message, categorized.Details)
		return
	}
	respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "An internal error occurred", nil)
}

// outcomeStatusCode maps a settlement outcome onto an HTTP status
func outcomeStatusCode(outcome *types.SettlementOutcome) int {
	switch outcome.Status {
	case types.StatusCompleted:
		return http.StatusOK
	case types.StatusRejected:
		return http.StatusUnprocessableEntity
	case types.StatusNeedsReconciliation:
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}
