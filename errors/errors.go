// Package errors provides error handling for FluxCaption.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - PII-safe error formatting
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Check errors
//	if errors.Is(err, errors.ErrNotFound) {
//	    // handle not found
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint           = crdb.WithHint
	WithHintf          = crdb.WithHintf
	WithDetail         = crdb.WithDetail
	WithDetailf        = crdb.WithDetailf
	WithSecondaryError = crdb.WithSecondaryError
)

// Error inspection
var (
	Is            = crdb.Is
	IsAny         = crdb.IsAny
	As            = crdb.As
	Unwrap        = crdb.Unwrap
	UnwrapOnce    = crdb.UnwrapOnce
	UnwrapAll     = crdb.UnwrapAll
	GetAllDetails = crdb.GetAllDetails
	FlattenHints  = crdb.FlattenHints
)

// Assertions
var (
	AssertionFailedf = crdb.AssertionFailedf
)

// Sentinel errors for the pipeline error taxonomy.
// Use these with errors.Is() for type-safe error checking.
// Wrap these with errors.Wrap() to add context while preserving the kind.
var (
	// ErrBadInput indicates a validation failure surfaced to the producer
	ErrBadInput = New("bad input")

	// ErrNotFound indicates a missing job, model, or provider
	ErrNotFound = New("not found")

	// ErrProviderTransient indicates a retryable provider failure (network, HTTP 5xx)
	ErrProviderTransient = New("provider transient error")

	// ErrProviderFailed indicates a non-transient provider failure
	ErrProviderFailed = New("provider failed")

	// ErrTimeout indicates a queue or request-level timeout
	ErrTimeout = New("operation timed out")

	// ErrCancelled indicates explicit cancellation
	ErrCancelled = New("cancelled")

	// ErrConflict indicates a resource conflict (e.g., duplicate key, lost CAS race)
	ErrConflict = New("resource conflict")

	// ErrInternal indicates a programmer error
	ErrInternal = New("internal error")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsBadInputError checks if an error is or wraps ErrBadInput
func IsBadInputError(err error) bool {
	return err != nil && Is(err, ErrBadInput)
}

// IsTransient checks if an error is or wraps ErrProviderTransient
func IsTransient(err error) bool {
	return err != nil && Is(err, ErrProviderTransient)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}

// NewBadInputError creates a bad-input error with a formatted message
func NewBadInputError(format string, args ...interface{}) error {
	return Wrap(ErrBadInput, Newf(format, args...).Error())
}
