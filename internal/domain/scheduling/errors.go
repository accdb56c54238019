package scheduling

import (
	"errors"
	"sort"
	"strings"
)

// Common errors returned by the scheduling service.
var (
	ErrDepartmentNotFound  = errors.New("department not found")
	ErrDoctorNotFound      = errors.New("doctor not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrSlotConflict        = errors.New("doctor already has an appointment at this time")
	ErrDuplicateRequest    = errors.New("a request with this idempotency key is already in progress")
	ErrTerminalStatus      = errors.New("appointment is in a terminal status")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrConcurrentUpdate    = errors.New("appointment was changed by another request")
)

// ValidationError collects per-field messages. It is returned before any
// persistence call is attempted.
type ValidationError struct {
	Fields map[string]string
}

// NewValidationError returns a ValidationError with a single field message.
func NewValidationError(field, msg string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

// Add records msg for field, keeping the first message per field.
func (e *ValidationError) Add(field, msg string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	if _, ok := e.Fields[field]; !ok {
		e.Fields[field] = msg
	}
}

// OrNil returns nil when no field errors were recorded.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}
