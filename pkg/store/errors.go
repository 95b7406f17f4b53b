package store

import (
	"errors"
	"fmt"
)

// StoreError represents a domain error from VFS operations.
//
// These are business logic errors (node not found, name taken, protected
// module) as opposed to infrastructure errors (disk failure), which are
// returned wrapped with fmt.Errorf.
type StoreError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// Path is the VFS path related to the error (if applicable)
	Path string
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e.Path != "" {
		return e.Message + ": " + e.Path
	}
	return e.Message
}

// Is matches another *StoreError with the same code, so
// errors.Is(err, &StoreError{Code: ErrNotFound}) works.
func (e *StoreError) Is(target error) bool {
	var t *StoreError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// ErrorCode represents the category of a store error.
type ErrorCode int

const (
	// ErrNotFound indicates the node, module, tag or record doesn't exist
	ErrNotFound ErrorCode = iota

	// ErrAlreadyExists indicates the target path or name is taken
	ErrAlreadyExists

	// ErrInvalidOperation indicates the request is malformed or not allowed
	// for the node type (write to a directory, non-recursive unlink of a
	// non-empty directory, move into own subtree, bad path)
	ErrInvalidOperation

	// ErrPermissionDenied indicates a protected module or tag
	ErrPermissionDenied

	// ErrTransactionFailed indicates the commit failed; no changes were applied
	ErrTransactionFailed

	// ErrConflict indicates a concurrent modification was detected
	ErrConflict
)

// String returns the wire name of the code.
func (c ErrorCode) String() string {
	switch c {
	case ErrNotFound:
		return "NOT_FOUND"
	case ErrAlreadyExists:
		return "ALREADY_EXISTS"
	case ErrInvalidOperation:
		return "INVALID_OPERATION"
	case ErrPermissionDenied:
		return "PERMISSION_DENIED"
	case ErrTransactionFailed:
		return "TRANSACTION_FAILED"
	case ErrConflict:
		return "CONFLICT"
	default:
		return "UNKNOWN"
	}
}

// ParseErrorCode is the inverse of ErrorCode.String.
func ParseErrorCode(s string) (ErrorCode, bool) {
	for c := ErrNotFound; c <= ErrConflict; c++ {
		if c.String() == s {
			return c, true
		}
	}
	return 0, false
}

// NewError builds a StoreError.
func NewError(code ErrorCode, path, format string, args ...any) *StoreError {
	return &StoreError{Code: code, Message: fmt.Sprintf(format, args...), Path: path}
}

// NewNotFoundError is shorthand for NewError(ErrNotFound, ...).
func NewNotFoundError(path, what string) *StoreError {
	return &StoreError{Code: ErrNotFound, Message: what + " not found", Path: path}
}

// CodeOf extracts the error code. ok is false for non-store errors.
func CodeOf(err error) (ErrorCode, bool) {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Code, true
	}
	return 0, false
}

func hasCode(err error, code ErrorCode) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}

func IsNotFound(err error) bool         { return hasCode(err, ErrNotFound) }
func IsAlreadyExists(err error) bool    { return hasCode(err, ErrAlreadyExists) }
func IsInvalidOperation(err error) bool { return hasCode(err, ErrInvalidOperation) }
func IsPermissionDenied(err error) bool { return hasCode(err, ErrPermissionDenied) }
func IsTransactionFailed(err error) bool {
	return hasCode(err, ErrTransactionFailed)
}
func IsConflict(err error) bool { return hasCode(err, ErrConflict) }
