// Package errors consolidates error definitions for the vigil daemon.
//
// It provides:
//   - Sentinel errors for all error conditions
//   - Error category checking functions
//   - A ValidationErrors collector for configuration loading
//   - Error wrapping utilities
package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// Configuration errors. Rejected at load; the previous generation of
	// the target set stays active.
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrDuplicateTarget = errors.New("duplicate target address")
	ErrInvalidInterval = errors.New("invalid scrape interval")
	ErrInvalidTimeout  = errors.New("invalid timeout")
	ErrMissingField    = errors.New("missing required field")
	ErrUnknownModule   = errors.New("unknown probe module")

	// Scrape and probe errors. Contained per target, surfaced only as a
	// synthetic down-sample.
	ErrScrapeFailed = errors.New("scrape failed")
	ErrTimeout      = errors.New("timeout")

	// Storage errors.
	ErrOutOfOrder = errors.New("out-of-order sample")
	ErrStorageIO  = errors.New("storage I/O failure")
	ErrCorrupt    = errors.New("corrupt storage state")
	ErrNotRunning = errors.New("not running")

	// Query errors.
	ErrBadSelector  = errors.New("malformed series selector")
	ErrBadTimeRange = errors.New("invalid time range")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is.
var Is = errors.Is

// As is a convenience wrapper for errors.As.
var As = errors.As

// New is a convenience wrapper for errors.New.
var New = errors.New

// IsValidation returns true if err is a configuration validation error.
func IsValidation(err error) bool {
	var verrs *ValidationErrors
	if errors.As(err, &verrs) {
		return true
	}
	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrDuplicateTarget) ||
		errors.Is(err, ErrInvalidInterval) ||
		errors.Is(err, ErrInvalidTimeout) ||
		errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrUnknownModule)
}

// IsStorage returns true if err indicates a durable-storage failure, as
// opposed to ordinary retention or compaction activity.
func IsStorage(err error) bool {
	return errors.Is(err, ErrStorageIO) || errors.Is(err, ErrCorrupt)
}

// IsOutOfOrder returns true if err is an out-of-order sample rejection.
func IsOutOfOrder(err error) bool {
	return errors.Is(err, ErrOutOfOrder)
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// NewValidation creates a validation error with field context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

// ============================================================================
// Validation Errors Collection
// ============================================================================

// ValidationErrors collects multiple validation errors so a reload reports
// every problem in one pass instead of failing on the first.
type ValidationErrors struct {
	Errors []error
}

// NewValidationErrors creates a new ValidationErrors collector.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// Add adds an error to the collection.
func (v *ValidationErrors) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

// AddField adds a field validation error.
func (v *ValidationErrors) AddField(field, reason string) {
	v.Errors = append(v.Errors, NewValidation(field, reason))
}

// AddMissing adds a missing field error.
func (v *ValidationErrors) AddMissing(field string) {
	v.Errors = append(v.Errors, NewMissingField(field))
}

// HasErrors returns true if there are any errors.
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// Error implements the error interface.
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}
	if len(v.Errors) == 1 {
		return v.Errors[0].Error()
	}

	msg := fmt.Sprintf("validation failed with %d errors:", len(v.Errors))
	for _, err := range v.Errors {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Err returns nil if no errors, otherwise returns the ValidationErrors.
func (v *ValidationErrors) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}

// Unwrap returns the first error for errors.Is/As support.
func (v *ValidationErrors) Unwrap() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v.Errors[0]
}
