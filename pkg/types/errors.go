package types

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeInternal   ErrorType = "internal"
	ErrorTypeExternal   ErrorType = "external"
	ErrorTypeRateLimit  ErrorType = "rate_limit"
)

// AppError represents a structured error raised by the appointment service
type AppError struct {
	Type    ErrorType              `json:"type"`
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithDetail attaches a detail value and returns the same error
func (e *AppError) WithDetail(key string, value interface{}) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewValidationError creates a new validation error
func NewValidationError(code, message string, details map[string]interface{}) *AppError {
	return &AppError{
		Type:    ErrorTypeValidation,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(code, message string) *AppError {
	return &AppError{
		Type:    ErrorTypeNotFound,
		Code:    code,
		Message: message,
	}
}

// NewConflictError creates a new conflict error
func NewConflictError(code, message string, details map[string]interface{}) *AppError {
	return &AppError{
		Type:    ErrorTypeConflict,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// NewExternalError creates an error for a failing upstream dependency
func NewExternalError(code, message string, cause error) *AppError {
	return &AppError{
		Type:    ErrorTypeExternal,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// NewInternalError creates a new internal error
func NewInternalError(code, message string, cause error) *AppError {
	return &AppError{
		Type:    ErrorTypeInternal,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// NewRateLimitError creates a new rate limit error
func NewRateLimitError(message string) *AppError {
	return &AppError{
		Type:    ErrorTypeRateLimit,
		Code:    ErrCodeRateLimitExceeded,
		Message: message,
	}
}

// Error codes
const (
	ErrCodePatientNotFound        = "PATIENT_NOT_FOUND"
	ErrCodeDoctorNotFound         = "DOCTOR_NOT_FOUND"
	ErrCodeAppointmentNotFound    = "APPOINTMENT_NOT_FOUND"
	ErrCodeOutsideWorkingHours    = "OUTSIDE_WORKING_HOURS"
	ErrCodeInvalidDateFormat      = "INVALID_DATE_FORMAT"
	ErrCodeMissingRequiredField   = "MISSING_REQUIRED_FIELD"
	ErrCodeInvalidStatus          = "INVALID_STATUS"
	ErrCodeInvalidDuration        = "INVALID_DURATION"
	ErrCodeInvalidInput           = "INVALID_INPUT"
	ErrCodeSchedulingConflict     = "SCHEDULING_CONFLICT"
	ErrCodeInvalidStateTransition = "INVALID_STATE_TRANSITION"
	ErrCodeDuplicateAppointmentID = "DUPLICATE_APPOINTMENT_ID"
	ErrCodeConcurrentModification = "CONCURRENT_MODIFICATION"
	ErrCodeServiceUnavailable     = "SERVICE_UNAVAILABLE"
	ErrCodeIDSpaceExhausted       = "ID_SPACE_EXHAUSTED"
	ErrCodeRateLimitExceeded      = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternalError          = "INTERNAL_ERROR"
)

// DetailSuggestedSlot is the details key carrying the next free slot of a conflict
const DetailSuggestedSlot = "suggested_slot"

func PatientNotFound(patientID string) *AppError {
	return NewNotFoundError(ErrCodePatientNotFound, fmt.Sprintf("patient not found with id: %s", patientID)).
		WithDetail("patient_id", patientID)
}

func DoctorNotFound(doctorID string) *AppError {
	return NewNotFoundError(ErrCodeDoctorNotFound, fmt.Sprintf("doctor not found with id: %s", doctorID)).
		WithDetail("doctor_id", doctorID)
}

func AppointmentNotFound(appointmentID string) *AppError {
	return NewNotFoundError(ErrCodeAppointmentNotFound, fmt.Sprintf("appointment not found with id: %s", appointmentID)).
		WithDetail("appointment_id", appointmentID)
}

func OutsideWorkingHours(message string) *AppError {
	return NewValidationError(ErrCodeOutsideWorkingHours, message, nil)
}

func InvalidDateFormat(value, expected string) *AppError {
	return NewValidationError(ErrCodeInvalidDateFormat,
		fmt.Sprintf("invalid date %q, expected format %s", value, expected),
		map[string]interface{}{"value": value, "expected": expected})
}

func MissingRequiredField(field string) *AppError {
	return NewValidationError(ErrCodeMissingRequiredField,
		fmt.Sprintf("%s is required", field),
		map[string]interface{}{"field": field})
}

func InvalidStatus(value string) *AppError {
	return NewValidationError(ErrCodeInvalidStatus,
		fmt.Sprintf("invalid appointment status: %s", value),
		map[string]interface{}{"status": value})
}

// SchedulingConflict carries the suggested slot both in the message and in Details
func SchedulingConflict(message, suggestedSlot string) *AppError {
	return NewConflictError(ErrCodeSchedulingConflict, message,
		map[string]interface{}{DetailSuggestedSlot: suggestedSlot})
}

func InvalidStateTransition(from AppointmentStatus, operation string) *AppError {
	return NewConflictError(ErrCodeInvalidStateTransition,
		fmt.Sprintf("cannot %s an appointment in status %s", operation, from),
		map[string]interface{}{"status": string(from), "operation": operation})
}

// ConcurrentModification reports an update built from a version that is no longer current
func ConcurrentModification(appointmentID string, version int64) *AppError {
	return NewConflictError(ErrCodeConcurrentModification,
		fmt.Sprintf("appointment %s was modified concurrently, reload and retry", appointmentID),
		map[string]interface{}{"appointment_id": appointmentID, "version": version})
}

func ServiceUnavailable(service string, cause error) *AppError {
	return NewExternalError(ErrCodeServiceUnavailable,
		fmt.Sprintf("%s is unavailable", service), cause).
		WithDetail("service", service)
}

// AsAppError extracts an *AppError from an error chain
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// ErrorTypeOf returns the type of an error, internal for anything unstructured
func ErrorTypeOf(err error) ErrorType {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Type
	}
	return ErrorTypeInternal
}

// HasCode reports whether err carries the given error code
func HasCode(err error, code string) bool {
	appErr, ok := AsAppError(err)
	return ok && appErr.Code == code
}

// HTTPStatus maps an error to the HTTP status code the API responds with
func HTTPStatus(err error) int {
	switch ErrorTypeOf(err) {
	case ErrorTypeValidation:
		return http.StatusBadRequest
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeConflict:
		return http.StatusConflict
	case ErrorTypeExternal:
		return http.StatusServiceUnavailable
	case ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
