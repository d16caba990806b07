// Package errors provides the structured error taxonomy for the sync engine.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure modes.
var (
	ErrTimeout      = errors.New("operation timed out")
	ErrUnavailable  = errors.New("remote store unavailable")
	ErrNotConnected = errors.New("not connected to remote store")
	ErrMalformed    = errors.New("malformed remote data")
	ErrConflict     = errors.New("conflicting mutation")
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("entity not found")
	ErrPersistence  = errors.New("local persistence failed")
	ErrInvalidState = errors.New("invalid state transition")
)

// Kind classifies an error for reporting.
type Kind string

const (
	KindTransient   Kind = "transient"
	KindMalformed   Kind = "malformed"
	KindPersistence Kind = "persistence"
	KindConflict    Kind = "conflict"
	KindUnknown     Kind = "unknown"
)

// GatewayError represents a failed call against the remote store.
type GatewayError struct {
	Op   string
	Path string
	Code string
	Err  error
}

func (e *GatewayError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway %s %s (%s): %v", e.Op, e.Path, e.Code, e.Err)
	}
	return fmt.Sprintf("gateway %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// NewGatewayError creates a new gateway error. A remote error code is mapped
// onto the matching sentinel so callers can use errors.Is.
func NewGatewayError(op, path, code, message string) *GatewayError {
	base := ErrUnavailable
	switch code {
	case "TIMEOUT":
		base = ErrTimeout
	case "DISCONNECTED":
		base = ErrNotConnected
	case "INVALID", "BAD_REQUEST":
		base = ErrInvalidInput
	case "NOT_FOUND":
		base = ErrNotFound
	case "CONFLICT":
		base = ErrConflict
	}
	var err error = base
	if message != "" {
		err = fmt.Errorf("%s: %w", message, base)
	}
	return &GatewayError{Op: op, Path: path, Code: code, Err: err}
}

// EntityError reports a single remote entity that failed to decode.
type EntityError struct {
	Entity string
	ID     string
	Reason string
}

func (e *EntityError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s %q: %s", e.Entity, e.ID, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Entity, e.Reason)
}

func (e *EntityError) Unwrap() error { return ErrMalformed }

// Malformed creates an EntityError for the given entity.
func Malformed(entity, id, format string, args ...any) error {
	return &EntityError{Entity: entity, ID: id, Reason: fmt.Sprintf(format, args...)}
}

// IsRetryable returns true if the error is likely transient and worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable) || errors.Is(err, ErrNotConnected)
}

// Classify returns the Kind of err.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case IsRetryable(err):
		return KindTransient
	case errors.Is(err, ErrMalformed):
		return KindMalformed
	case errors.Is(err, ErrPersistence):
		return KindPersistence
	case errors.Is(err, ErrConflict), errors.Is(err, ErrInvalidInput), errors.Is(err, ErrNotFound):
		return KindConflict
	}
	return KindUnknown
}
