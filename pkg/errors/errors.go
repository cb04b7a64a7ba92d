// SPDX-License-Identifier: Apache-2.0
// Package errors provides typed error handling with rich context for Veldt.
package errors

import (
	"encoding/json"
	"fmt"
)

// ErrorCode classifies Veldt errors for monitoring and recovery.
type ErrorCode string

const (
	// CodeInternal indicates an internal system error.
	CodeInternal ErrorCode = "INTERNAL_ERROR"

	// CodeInvalidInput indicates the input was invalid.
	CodeInvalidInput ErrorCode = "INVALID_INPUT"

	// CodeToolFailure indicates a tool execution failed.
	CodeToolFailure ErrorCode = "TOOL_FAILURE"

	// CodeCapabilityDenied indicates an agent attempted a tool call without
	// the required capability. The engine fails closed on this code.
	CodeCapabilityDenied ErrorCode = "CAPABILITY_DENIED"

	// CodeBudgetExceeded indicates a run's token ledger went negative.
	CodeBudgetExceeded ErrorCode = "BUDGET_EXCEEDED"

	// CodePrecondition indicates a misconfigured caller, e.g. a store that
	// was never initialized. Fatal to the current call.
	CodePrecondition ErrorCode = "PRECONDITION_FAILURE"

	// CodeTimeout indicates an operation exceeded its time limit.
	CodeTimeout ErrorCode = "TIMEOUT"

	// CodeNotFound indicates a resource was not found.
	CodeNotFound ErrorCode = "NOT_FOUND"

	// CodePlanInvalid indicates a plan failed structural validation.
	CodePlanInvalid ErrorCode = "PLAN_INVALID"
)

// VeldtError is a typed error with rich context for observability.
// It implements the error interface and can be unwrapped with errors.As().
type VeldtError struct {
	Code        ErrorCode
	Message     string
	Err         error
	Context     map[string]interface{}
	Recoverable bool
}

// Error implements the error interface.
func (e *VeldtError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements errors.Unwrap for error chain traversal.
func (e *VeldtError) Unwrap() error {
	return e.Err
}

// MarshalJSON implements json.Marshaler for structured logging.
func (e *VeldtError) MarshalJSON() ([]byte, error) {
	type Alias VeldtError
	return json.Marshal(&struct {
		Message     string `json:"message"`
		Code        string `json:"code"`
		Err         string `json:"error,omitempty"`
		Recoverable bool   `json:"recoverable"`
		*Alias
	}{
		Message:     e.Error(),
		Code:        string(e.Code),
		Err:         fmt.Sprintf("%v", e.Err),
		Recoverable: e.Recoverable,
		Alias:       (*Alias)(e),
	})
}

// New creates a new VeldtError with the given code, message, and cause.
func New(code ErrorCode, msg string, cause error) *VeldtError {
	return &VeldtError{
		Code:    code,
		Message: msg,
		Err:     cause,
		Context: make(map[string]interface{}),
	}
}

// WithContext adds a key-value pair to the error context.
// Returns the error for method chaining.
func (e *VeldtError) WithContext(key string, value interface{}) *VeldtError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithRecoverable sets whether the error can be recovered from.
// Returns the error for method chaining.
func (e *VeldtError) WithRecoverable(recoverable bool) *VeldtError {
	e.Recoverable = recoverable
	return e
}

// AsVeldtError attempts to convert an error to a VeldtError.
// Returns the error as VeldtError if it is one, or wraps it otherwise.
func AsVeldtError(err error) *VeldtError {
	if err == nil {
		return nil
	}
	if ve, ok := err.(*VeldtError); ok {
		return ve
	}
	return New(CodeInternal, "wrapped error", err)
}

// RecoverableString returns "true" or "false" as a string for observability.
func (e *VeldtError) RecoverableString() string {
	if e.Recoverable {
		return "true"
	}
	return "false"
}
