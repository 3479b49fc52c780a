// SPDX-License-Identifier: Apache-2.0
// Package errors provides typed error handling with context for Ensemble.
// Every failure in the core is a value built here; nothing is fatal to the
// process.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
)

// Code classifies Ensemble errors for diagnostics and recovery.
type Code string

const (
	// CodeDuplicateName indicates a registry name collision.
	CodeDuplicateName Code = "DUPLICATE_NAME"

	// CodeNotFound indicates an unknown intent, workflow, plugin, skill or
	// connection.
	CodeNotFound Code = "NOT_FOUND"

	// CodeValidation indicates a malformed plugin or skill contribution.
	CodeValidation Code = "VALIDATION_ERROR"

	// CodeSpawnFailed indicates a tool server process could not be started.
	CodeSpawnFailed Code = "SPAWN_FAILED"

	// CodeHandshakeFailed indicates the protocol handshake did not complete.
	CodeHandshakeFailed Code = "HANDSHAKE_FAILED"

	// CodeTimeout indicates an operation exceeded its time limit.
	CodeTimeout Code = "TIMEOUT"

	// CodeEmptyResponse indicates a tool server produced an empty reply line.
	CodeEmptyResponse Code = "EMPTY_RESPONSE"

	// CodeProtocol indicates a server-reported JSON-RPC error.
	CodeProtocol Code = "PROTOCOL_ERROR"

	// CodeStepFailed indicates a skill or workflow step aborted its sequence.
	CodeStepFailed Code = "STEP_FAILED"

	// CodeInternal indicates an internal system error.
	CodeInternal Code = "INTERNAL_ERROR"
)

// Error is a typed error with structured context. It implements the error
// interface and can be unwrapped with errors.As / errors.Is.
type Error struct {
	Code    Code
	Message string
	Err     error
	Context map[string]any

	// RPCCode carries the numeric JSON-RPC error code for CodeProtocol
	// errors so callers can surface it unchanged.
	RPCCode int
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements errors.Unwrap for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Err
}

// MarshalJSON implements json.Marshaler for structured logging.
func (e *Error) MarshalJSON() ([]byte, error) {
	out := struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Cause   string         `json:"cause,omitempty"`
		Context map[string]any `json:"context,omitempty"`
		RPCCode int            `json:"rpc_code,omitempty"`
	}{
		Code:    string(e.Code),
		Message: e.Message,
		Context: e.Context,
		RPCCode: e.RPCCode,
	}
	if e.Err != nil {
		out.Cause = e.Err.Error()
	}
	return json.Marshal(out)
}

// New creates a new Error with the given code, message and cause.
func New(code Code, msg string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: msg,
		Err:     cause,
		Context: make(map[string]any),
	}
}

// Newf creates a new Error with a formatted message and no cause.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...), nil)
}

// WithContext adds a key-value pair to the error context.
// Returns the error for method chaining.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithRPCCode records the server-reported JSON-RPC error code.
func (e *Error) WithRPCCode(code int) *Error {
	e.RPCCode = code
	return e
}

// As attempts to convert an error to an *Error, wrapping unknown errors as
// internal. The chain is traversed, so an *Error wrapped by fmt.Errorf is
// still found. Returns nil for a nil input.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var ee *Error
	if stderrors.As(err, &ee) {
		return ee
	}
	return New(CodeInternal, "wrapped error", err)
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code Code) bool {
	var ee *Error
	return stderrors.As(err, &ee) && ee.Code == code
}
