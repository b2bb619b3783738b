// Package errors provides the categorized error taxonomy used across the
// custody engine.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"github.com/token-custody/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryValidation represents locally rejected input; no remote call was made
	CategoryValidation ErrorCategory = "validation"
	// CategoryRemoteTimeout represents a remote exchange that did not complete in time
	CategoryRemoteTimeout ErrorCategory = "remote_timeout"
	// CategoryRemoteRejection represents an explicit Success:false from the remote
	CategoryRemoteRejection ErrorCategory = "remote_rejection"
	// CategoryPersistence represents a durable-store failure
	CategoryPersistence ErrorCategory = "persistence"
	// CategoryResponseShape represents a remote response matching no known contract
	CategoryResponseShape ErrorCategory = "response_shape"
	// CategoryReconciliation represents a partial settlement: funds already moved
	// on one side while the other side failed to record it
	CategoryReconciliation ErrorCategory = "needs_reconciliation"
	// CategoryNotFound represents a missing account or process
	CategoryNotFound ErrorCategory = "not_found"
)

// CategorizedError carries a category, a stable code, and an HTTP status for
// the API layer.
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// ToServiceError converts to a ServiceError payload
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// NewValidationError creates a locally rejected input error
func NewValidationError(field, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       "INVALID_INPUT",
		Message:    fmt.Sprintf("invalid %s: %s", field, reason),
		Details: map[string]interface{}{
			"field":  field,
			"reason": reason,
		},
	}
}

// NewRemoteTimeoutError creates a bounded-wait expiry error
func NewRemoteTimeoutError(action string, timeout time.Duration, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryRemoteTimeout,
		StatusCode: http.StatusGatewayTimeout,
		Code:       "REMOTE_TIMEOUT",
		Message:    fmt.Sprintf("no response for %s within %s", action, timeout),
		Details: map[string]interface{}{
			"action":  action,
			"timeout": timeout.String(),
		},
		Cause: cause,
	}
}

// NewRemoteRejectionError surfaces a Success:false response verbatim; it is
// never retried automatically.
func NewRemoteRejectionError(action, remoteMessage string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryRemoteRejection,
		StatusCode: http.StatusUnprocessableEntity,
		Code:       "REMOTE_REJECTED",
		Message:    fmt.Sprintf("%s rejected by ledger: %s", action, remoteMessage),
		Details: map[string]interface{}{
			"action":        action,
			"remoteMessage": remoteMessage,
		},
	}
}

// NewPersistenceError creates a durable-store failure error
func NewPersistenceError(op string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryPersistence,
		StatusCode: http.StatusInternalServerError,
		Code:       "PERSISTENCE_FAILED",
		Message:    fmt.Sprintf("store %s failed", op),
		Details: map[string]interface{}{
			"operation": op,
		},
		Cause: cause,
	}
}

// NewResponseShapeError marks a remote response that matches neither the
// structured envelope nor any recognized plain-text shape. It must be treated
// as failure, never as success-by-default.
func NewResponseShapeError(action, got string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryResponseShape,
		StatusCode: http.StatusBadGateway,
		Code:       "UNRECOGNIZED_RESPONSE",
		Message:    fmt.Sprintf("unrecognized %s response shape", action),
		Details: map[string]interface{}{
			"action":   action,
			"response": got,
		},
	}
}

// NewReconciliationRequiredError marks a partial settlement where funds have
// already moved. It is a distinct class from ordinary failures.
func NewReconciliationRequiredError(userID, detail string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryReconciliation,
		StatusCode: http.StatusConflict,
		Code:       "NEEDS_RECONCILIATION",
		Message:    detail,
		Details: map[string]interface{}{
			"userId": userID,
		},
	}
}

// NewAccountNotFoundError creates a missing-account error
func NewAccountNotFoundError(userID string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       "ACCOUNT_NOT_FOUND",
		Message:    fmt.Sprintf("no account for user %s", userID),
		Details: map[string]interface{}{
			"userId": userID,
		},
	}
}

// Category extracts the category of err, or empty if err is not categorized.
func Category(err error) ErrorCategory {
	var ce *CategorizedError
	if stderrors.As(err, &ce) {
		return ce.Category
	}
	return ""
}

// IsValidation reports whether err is a validation error
func IsValidation(err error) bool { return Category(err) == CategoryValidation }

// IsRemoteTimeout reports whether err is a remote timeout
func IsRemoteTimeout(err error) bool { return Category(err) == CategoryRemoteTimeout }

// IsRemoteRejection reports whether err is an explicit remote rejection
func IsRemoteRejection(err error) bool { return Category(err) == CategoryRemoteRejection }

// IsResponseShape reports whether err is an unrecognized-response error
func IsResponseShape(err error) bool { return Category(err) == CategoryResponseShape }

// IsReconciliationRequired reports whether err marks a partial settlement
func IsReconciliationRequired(err error) bool { return Category(err) == CategoryReconciliation }

// IsNotFound reports whether err is a missing-account error
func IsNotFound(err error) bool { return Category(err) == CategoryNotFound }

// StatusCode returns the HTTP status for err, defaulting to 500.
func StatusCode(err error) int {
	var ce *CategorizedError
	if stderrors.As(err, &ce) && ce.StatusCode != 0 {
		return ce.StatusCode
	}
	return http.StatusInternalServerError
}
