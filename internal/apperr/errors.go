// Package apperr defines the error conditions shared by the chat core, the
// HTTP handlers and the websocket dispatcher.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks bad input shape or length. Rejected before any mutation.
	ErrValidation = errors.New("validation error")
	// ErrPermissionDenied marks a caller that is not a member of the room.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrStorage marks a persistence failure. The whole operation is aborted.
	ErrStorage = errors.New("storage error")
	// ErrNotFound marks a missing record.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks a uniqueness or state conflict.
	ErrConflict = errors.New("conflict")
	// ErrPushFailed marks a single connection send that failed. It is logged,
	// never escalated to the submitter.
	ErrPushFailed = errors.New("transient push failure")
)

func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func PermissionDenied(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPermissionDenied, fmt.Sprintf(format, args...))
}

func NotFound(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

func Conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// Storage wraps a driver error so that both ErrStorage and the cause match
// errors.Is. Errors that already carry a domain condition pass through.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrValidation) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

// PushFailed wraps a failed send to the connection identified by connID.
func PushFailed(connID string, err error) error {
	return fmt.Errorf("%w: conn %s: %w", ErrPushFailed, connID, err)
}

// Code returns a short machine-readable code for err, used in websocket error
// frames and JSON error bodies.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrStorage):
		return "storage"
	default:
		return "internal"
	}
}
