package service

import (
	"errors"
	"fmt"
)

// Kind classifies service failures for the transport layer.
type Kind string

const (
	KindNotFound              Kind = "not_found"
	KindValidation            Kind = "validation"
	KindConflict              Kind = "conflict"
	KindUnprocessableCapacity Kind = "unprocessable_capacity"
	KindServiceUnavailable    Kind = "service_unavailable"
)

// Error is the structured failure returned by every service operation.
// Code is a stable machine-readable identifier; Details carries extra
// fields such as the trip and remaining seats of a capacity failure.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

func NotFound(code, msg string) *Error   { return newError(KindNotFound, code, msg) }
func Validation(code, msg string) *Error { return newError(KindValidation, code, msg) }
func Conflict(code, msg string) *Error   { return newError(KindConflict, code, msg) }

// CapacityError reports a failed seat claim with the observed seats left.
func CapacityError(tripID uint64, requested, seatsLeft int) *Error {
	return &Error{
		Kind:    KindUnprocessableCapacity,
		Code:    "insufficient_seats",
		Message: fmt.Sprintf("trip %d has %d seats left, %d requested", tripID, seatsLeft, requested),
		Details: map[string]any{"trip_id": tripID, "requested": requested, "seats_left": seatsLeft},
	}
}

// Unavailable wraps a failure of an external dependency; the caller may
// retry.
func Unavailable(code, msg string, err error) *Error {
	return &Error{
		Kind:    KindServiceUnavailable,
		Code:    code,
		Message: msg,
		Details: map[string]any{"retryable": true},
		Err:     err,
	}
}

// KindOf returns the kind of a service error, or "" for anything else.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}
