// Package errs provides structured error types and helpers for takbridge services.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies a bridge error category.
type Code string

const (
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeNetwork indicates a network transport failure towards a destination.
	CodeNetwork Code = "network"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeConflict indicates a concurrent mutation conflict.
	CodeConflict Code = "conflict"
	// CodeUnavailable indicates the component is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
	// CodeCircuitOpen indicates a call was rejected by an open circuit breaker.
	CodeCircuitOpen Code = "circuit_open"
	// CodeTimeout indicates an operation exceeded its deadline.
	CodeTimeout Code = "timeout"
	// CodeEncoding indicates a location record could not be rendered.
	CodeEncoding Code = "encoding"
)

// E captures structured error information produced across the bridge.
type E struct {
	Op          string
	Code        Code
	Message     string
	Destination string
	Remediation string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the operation and error code.
func New(op string, code Code, opts ...Option) *E {
	e := &E{
		Op:          strings.TrimSpace(op),
		Code:        code,
		Message:     "",
		Destination: "",
		Remediation: "",
		cause:       nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithRemediation attaches remediation guidance to the error.
func WithRemediation(remediation string) Option {
	trimmed := strings.TrimSpace(remediation)
	return func(e *E) {
		e.Remediation = trimmed
	}
}

// WithDestination records the destination the failure relates to.
func WithDestination(id int64) Option {
	return func(e *E) {
		e.Destination = strconv.FormatInt(id, 10)
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	op := e.Op
	if op == "" {
		op = "unknown"
	}
	parts = append(parts, "op="+op)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Destination != "" {
		parts = append(parts, "destination="+e.Destination)
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.Remediation != "" {
		parts = append(parts, "remediation="+strconv.Quote(e.Remediation))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf returns the code of the first envelope found in the chain, if any.
func CodeOf(err error) (Code, bool) {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code, true
	}
	return "", false
}

// IsCode reports whether any envelope in the chain carries the supplied code.
func IsCode(err error, code Code) bool {
	got, ok := CodeOf(err)
	return ok && got == code
}
