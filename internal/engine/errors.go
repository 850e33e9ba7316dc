package engine

import (
	"errors"
	"fmt"
)

// Kind classifies engine failures so transports can map them to status codes
// and clients can tell retryable contention from caller mistakes.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindBusy       Kind = "busy"
	KindConstraint Kind = "constraint"
	KindStore      Kind = "store"
)

// Error is the engine's typed failure. Code is a stable machine-readable
// identifier; Details carries the offending ids and values.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Retryable reports whether the caller may simply retry the same request.
func (e *Error) Retryable() bool { return e.Kind == KindBusy }

// AsError extracts a typed engine error, nil if err is something else.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

func validationErr(code, message string, details map[string]any) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: message, Details: details}
}

func notFoundErr(entity, id string) *Error {
	return &Error{
		Kind:    KindNotFound,
		Code:    entity + "_not_found",
		Message: fmt.Sprintf("%s %s not found", entity, id),
		Details: map[string]any{"id": id},
	}
}

func busyErr(ownerID string) *Error {
	return &Error{
		Kind:    KindBusy,
		Code:    "owner_busy",
		Message: "another mutation for this owner is in flight, retry shortly",
		Details: map[string]any{"owner_id": ownerID},
	}
}

func constraintErr(code, message string, details map[string]any) *Error {
	return &Error{Kind: KindConstraint, Code: code, Message: message, Details: details}
}

func storeErr(op string, err error) *Error {
	return &Error{Kind: KindStore, Code: "store_failure", Message: op + " failed", cause: err}
}
