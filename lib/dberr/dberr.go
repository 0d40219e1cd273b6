package dberr

import (
	"errors"
	"fmt"
)

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error is the error type returned by every component of the database.
// It wraps a Code, a human-readable message and an optional cause.
//
// Two *Error values match with errors.Is when their codes are equal, so callers
// compare against the sentinels below:
//
//	if errors.Is(err, dberr.ErrRevisionMismatch) { ... }
type Error struct {
	Code  Code   // The error code
	Msg   string // The error message
	Cause error  // The underlying error (optional)
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("dDoc error (%s): %s: %v", e.Code, e.Msg, e.Cause)
	}
	return fmt.Sprintf("dDoc error (%s): %s", e.Code, e.Msg)
}

// Unwrap returns the cause of the error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// New creates a new *Error with the given code and message.
func New(code Code, msg string) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
	}
}

// Newf creates a new *Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{
		Code: code,
		Msg:  fmt.Sprintf(format, args...),
	}
}

// Wrap creates a new *Error with the given code that wraps cause.
func Wrap(code Code, cause error, msg string) *Error {
	return &Error{
		Code:  code,
		Msg:   msg,
		Cause: cause,
	}
}

// CodeOf returns the code of the first *Error in the chain of err.
// CodeInternal is returned for foreign errors and CodeSuccess for nil.
func CodeOf(err error) Code {
	if err == nil {
		return CodeSuccess
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// --------------------------------------------------------------------------
// Sentinels (only the Code is compared)
// --------------------------------------------------------------------------

var (
	ErrInternal             = New(CodeInternal, "internal error")
	ErrUnsupportedOperation = New(CodeUnsupportedOperation, "unsupported operation")
	ErrInvalidOperation     = New(CodeInvalidOperation, "invalid operation")
	ErrRevisionMismatch     = New(CodeRevisionMismatch, "revision mismatch")
	ErrNotFound             = New(CodeNotFound, "not found")
	ErrDocumentConflict     = New(CodeDocumentConflict, "document conflict")
	ErrViewComputation      = New(CodeViewComputation, "view computation failed")
	ErrTransactionAborted   = New(CodeTransactionAborted, "transaction aborted")
	ErrStorageIO            = New(CodeStorageIO, "storage i/o error")
	ErrCorruptIndex         = New(CodeCorruptIndex, "corrupt index")
	ErrTimeout              = New(CodeTimeout, "timeout")
	ErrClosed               = New(CodeClosed, "closed")
	ErrValueType            = New(CodeValueType, "value type mismatch")
)

// --------------------------------------------------------------------------
// Error Codes
// --------------------------------------------------------------------------

// Code identifies the kind of an error. Codes are stable and travel over the wire.
type Code uint64

const (
	CodeSuccess              Code = iota // 0: No error.
	CodeInternal                         // 1: Unexpected internal error.
	CodeUnsupportedOperation             // 2: Operation is not supported by the component.
	CodeInvalidOperation                 // 3: Invalid arguments or state.
	CodeRevisionMismatch                 // 4: Expected revision does not match the stored one.
	CodeNotFound                         // 5: Document, collection, view or key does not exist.
	CodeDocumentConflict                 // 6: A document with the requested id already exists.
	CodeViewComputation                  // 7: A map or reduce function failed.
	CodeTransactionAborted               // 8: Validation failed at commit time.
	CodeStorageIO                        // 9: The keyspace reported an I/O error.
	CodeCorruptIndex                     // 10: A view index could not be decoded.
	CodeTimeout                          // 11: The caller's deadline expired while waiting.
	CodeClosed                           // 12: The component was closed.
	CodeValueType                        // 13: A key-value entry holds a value of another type.
)

// String returns the name of the code.
func (c Code) String() string {
	switch c {
	case CodeSuccess:
		return "Success"
	case CodeInternal:
		return "Internal"
	case CodeUnsupportedOperation:
		return "UnsupportedOperation"
	case CodeInvalidOperation:
		return "InvalidOperation"
	case CodeRevisionMismatch:
		return "RevisionMismatch"
	case CodeNotFound:
		return "NotFound"
	case CodeDocumentConflict:
		return "DocumentConflict"
	case CodeViewComputation:
		return "ViewComputation"
	case CodeTransactionAborted:
		return "TransactionAborted"
	case CodeStorageIO:
		return "StorageIO"
	case CodeCorruptIndex:
		return "CorruptIndex"
	case CodeTimeout:
		return "Timeout"
	case CodeClosed:
		return "Closed"
	case CodeValueType:
		return "ValueType"
	default:
		return "Unknown"
	}
}
