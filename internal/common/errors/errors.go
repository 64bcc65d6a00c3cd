// Package errors provides structured error handling for the governance engine
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// ErrorCode represents an application error code
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrBadRequest ErrorCode = "BAD_REQUEST"
	ErrConflict   ErrorCode = "CONFLICT"
	ErrValidation ErrorCode = "VALIDATION_ERROR"
	ErrForbidden  ErrorCode = "FORBIDDEN"

	// Governance taxonomy
	ErrDuplicateActiveCampaign    ErrorCode = "DUPLICATE_ACTIVE_CAMPAIGN"
	ErrDownstreamUnavailable      ErrorCode = "DOWNSTREAM_UNAVAILABLE"
	ErrNotificationDeliveryFailed ErrorCode = "NOTIFICATION_DELIVERY_FAILED"
	ErrConcurrentDecisionConflict ErrorCode = "CONCURRENT_DECISION_CONFLICT"

	// Database errors
	ErrDatabase ErrorCode = "DATABASE_ERROR"
)

// AppError represents a structured application error
type AppError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	Details    string                 `json:"details,omitempty"`
	StatusCode int                    `json:"-"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Err        error                  `json:"-"` // Original error for logging
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the original error
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithMetadata adds metadata to the error
func (e *AppError) WithMetadata(key string, value interface{}) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// New creates a new AppError
func New(code ErrorCode, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap wraps an existing error into an AppError
func Wrap(err error, code ErrorCode, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Err:        err,
	}
}

// Internal creates an internal server error
func Internal(message string, err error) *AppError {
	return &AppError{
		Code:       ErrInternal,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}

// NotFound creates a not found error
func NotFound(resource string) *AppError {
	return &AppError{
		Code:       ErrNotFound,
		Message:    fmt.Sprintf("%s not found", resource),
		StatusCode: http.StatusNotFound,
	}
}

// BadRequest creates a bad request error
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrBadRequest,
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

// ValidationError creates a validation error
func ValidationError(message string) *AppError {
	return &AppError{
		Code:       ErrValidation,
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

// Forbidden creates a forbidden error
func Forbidden(message string) *AppError {
	return &AppError{
		Code:       ErrForbidden,
		Message:    message,
		StatusCode: http.StatusForbidden,
	}
}

// DuplicateActiveCampaign rejects campaign creation when an active campaign
// of the same type already covers the tenant
func DuplicateActiveCampaign(tenantID, campaignType string) *AppError {
	return (&AppError{
		Code:       ErrDuplicateActiveCampaign,
		Message:    "An active campaign of this type already covers the tenant",
		StatusCode: http.StatusConflict,
	}).WithMetadata("tenant_id", tenantID).WithMetadata("campaign_type", campaignType)
}

// DownstreamUnavailable signals an entitlement source or role policy store
// read failure; the scan for that tenant aborts, other tenants proceed
func DownstreamUnavailable(system string, err error) *AppError {
	return &AppError{
		Code:       ErrDownstreamUnavailable,
		Message:    fmt.Sprintf("Downstream system unavailable: %s", system),
		StatusCode: http.StatusBadGateway,
		Err:        err,
	}
}

// NotificationDeliveryFailed is soft: recorded, never blocks state transitions
func NotificationDeliveryFailed(target string, err error) *AppError {
	return &AppError{
		Code:       ErrNotificationDeliveryFailed,
		Message:    "Notification delivery failed",
		StatusCode: http.StatusBadGateway,
		Details:    target,
		Err:        err,
	}
}

// ConcurrentDecisionConflict rejects a decision on an already-decided
// review item; callers must not retry
func ConcurrentDecisionConflict(itemID string) *AppError {
	return (&AppError{
		Code:       ErrConcurrentDecisionConflict,
		Message:    "Review item has already been decided",
		StatusCode: http.StatusConflict,
	}).WithMetadata("item_id", itemID)
}

// DatabaseError creates a database error
func DatabaseError(operation string, err error) *AppError {
	return &AppError{
		Code:       ErrDatabase,
		Message:    "Database operation failed",
		Details:    operation,
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}

// ErrorResponse is the JSON response structure for errors
type ErrorResponse struct {
	Error     ErrorCode              `json:"error"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// HandleError sends an error response to the client. Wrapped AppErrors
// keep their code and status.
func HandleError(c *gin.Context, err error) {
	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		appErr = Internal("An unexpected error occurred", err)
	}

	requestID, _ := c.Get("request_id")
	reqIDStr, _ := requestID.(string)

	response := ErrorResponse{
		Error:     appErr.Code,
		Message:   appErr.Message,
		Details:   appErr.Details,
		Metadata:  appErr.Metadata,
		RequestID: reqIDStr,
	}

	c.JSON(appErr.StatusCode, response)
}

// IsErrorCode checks if an error has a specific error code, looking
// through fmt.Errorf %w wrapping
func IsErrorCode(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// GetStatusCode returns the HTTP status code for an error
func GetStatusCode(err error) int {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}
