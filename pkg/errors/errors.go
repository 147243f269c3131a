// Package errors provides structured error handling for logpipe
package errors

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeInternal represents internal system errors
	ErrorTypeInternal ErrorType = "internal"
	// ErrorTypeValidation represents validation errors
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeNotFound represents resource not found errors
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeConflict represents conflict errors
	ErrorTypeConflict ErrorType = "conflict"
	// ErrorTypeRateLimit represents rate limit errors
	ErrorTypeRateLimit ErrorType = "rate_limit"
	// ErrorTypeTimeout represents timeout errors
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeConnection represents connection errors
	ErrorTypeConnection ErrorType = "connection"
	// ErrorTypeConfig represents configuration errors
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeParse represents log parsing errors
	ErrorTypeParse ErrorType = "parse"
	// ErrorTypeQueue represents durable queue errors
	ErrorTypeQueue ErrorType = "queue"
	// ErrorTypePersistence represents storage sink errors
	ErrorTypePersistence ErrorType = "persistence"
	// ErrorTypeBroadcast represents live fan-out errors
	ErrorTypeBroadcast ErrorType = "broadcast"
)

// Kind narrows an ErrorType down to the specific failure that occurred.
// Callers branch on Kind; ErrorType is kept for coarse grouping in logs.
type Kind string

const (
	KindNone Kind = ""

	// Parse failures
	KindNoFormatMatched Kind = "no_format_matched"
	KindMalformedField  Kind = "malformed_field"
	KindInvalidPattern  Kind = "invalid_pattern_registration"

	// Queue failures. An empty poll is not an error.
	KindAppendFailed Kind = "append_failed"
	KindAckFailed    Kind = "ack_failed"

	// Persistence failures
	KindTransientUnavailable Kind = "transient_unavailable"
	KindSchemaViolation      Kind = "schema_violation"

	// Broadcast failures, local to a single connection
	KindConnectionSendFailed Kind = "connection_send_failed"
)

// kindTypes maps every kind to its owning category.
var kindTypes = map[Kind]ErrorType{
	KindNoFormatMatched:      ErrorTypeParse,
	KindMalformedField:       ErrorTypeParse,
	KindInvalidPattern:       ErrorTypeParse,
	KindAppendFailed:         ErrorTypeQueue,
	KindAckFailed:            ErrorTypeQueue,
	KindTransientUnavailable: ErrorTypePersistence,
	KindSchemaViolation:      ErrorTypePersistence,
	KindConnectionSendFailed: ErrorTypeBroadcast,
}

// Error represents a structured error with context
type Error struct {
	Type    ErrorType
	Kind    Kind
	Message string
	Cause   error
	Details map[string]interface{}
	Stack   []StackFrame
}

// StackFrame represents a single frame in the call stack
type StackFrame struct {
	Function string
	File     string
	Line     int
}

// Error implements the error interface
func (e *Error) Error() string {
	label := string(e.Type)
	if e.Kind != KindNone {
		label = string(e.Kind)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", label, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", label, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a key-value detail to the error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new error with the given type and message
func New(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Newf is New with a formatted message
func Newf(errType ErrorType, format string, args ...interface{}) *Error {
	return &Error{
		Type:    errType,
		Message: fmt.Sprintf(format, args...),
		Stack:   captureStack(2),
	}
}

// NewKind creates an error of a specific kind. The type is derived from the kind.
func NewKind(kind Kind, message string) *Error {
	return &Error{
		Type:    typeOf(kind),
		Kind:    kind,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}

	// If already our error type, preserve the stack
	var existingErr *Error
	if errors.As(err, &existingErr) {
		return &Error{
			Type:    errType,
			Message: message,
			Cause:   err,
			Stack:   existingErr.Stack,
		}
	}

	return &Error{
		Type:    errType,
		Message: message,
		Cause:   err,
		Stack:   captureStack(2),
	}
}

// WrapKind wraps err as a specific kind, overriding any kind already carried by err.
func WrapKind(err error, kind Kind, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Type:    typeOf(kind),
		Kind:    kind,
		Message: message,
		Cause:   err,
		Stack:   captureStack(2),
	}
}

// IsRetryable returns true if the error is retryable
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}

	switch KindOf(err) {
	case KindTransientUnavailable, KindAppendFailed, KindAckFailed:
		return true
	case KindSchemaViolation, KindMalformedField, KindNoFormatMatched, KindInvalidPattern:
		return false
	}

	switch e.Type {
	case ErrorTypeRateLimit, ErrorTypeTimeout, ErrorTypeConnection:
		return true
	default:
		return false
	}
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// IsType checks if the error is of the given type
func IsType(err error, errType ErrorType) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Type == errType
}

// IsKind reports whether any error in err's chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Cause
	}
	return false
}

// KindOf returns the outermost kind in err's chain, or KindNone.
func KindOf(err error) Kind {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return KindNone
		}
		if e.Kind != KindNone {
			return e.Kind
		}
		err = e.Cause
	}
	return KindNone
}

func typeOf(kind Kind) ErrorType {
	if t, ok := kindTypes[kind]; ok {
		return t
	}
	return ErrorTypeInternal
}

// captureStack captures the current call stack
func captureStack(skip int) []StackFrame {
	const maxFrames = 32
	frames := make([]StackFrame, 0, maxFrames)

	for i := skip; i < maxFrames+skip; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}

		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}

		frames = append(frames, StackFrame{
			Function: fn.Name(),
			File:     file,
			Line:     line,
		})
	}

	return frames
}
