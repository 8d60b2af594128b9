package appointments

import "errors"

var (
	ErrValidation        = errors.New("appointments: validation failed")
	ErrInvalidTransition = errors.New("appointments: invalid transition")
	ErrSlotConflict      = errors.New("appointments: slot already booked")
	ErrUnauthorized      = errors.New("appointments: unauthorized")
	ErrInvalidSchedule   = errors.New("appointments: invalid schedule")
	ErrNotFound          = errors.New("appointments: not found")
	ErrStaleRecord       = errors.New("appointments: record changed concurrently")
	ErrSessionImmutable  = errors.New("appointments: payment session already set")
	ErrSessionTaken      = errors.New("appointments: payment session used by another booking")
)

// ValidationError describes a malformed field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "appointments: invalid " + e.Field + ": " + e.Reason
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func invalid(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}
