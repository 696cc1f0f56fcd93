// Package core holds types shared across the relay's HTTP surfaces and
// providers.
package core

import (
	"fmt"
)

// Error is the JSON error body returned by HTTP endpoints.
type Error struct {
	Type      ErrorType `json:"type"`
	Message   string    `json:"message"`
	Param     string    `json:"param,omitempty"`
	Code      string    `json:"code,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrorType categorizes errors.
type ErrorType string

const (
	ErrInvalidRequest ErrorType = "invalid_request_error"
	ErrPermission     ErrorType = "permission_error"
	ErrNotFound       ErrorType = "not_found_error"
	ErrAPI            ErrorType = "api_error"
	ErrOverloaded     ErrorType = "overloaded_error"
)

func NewInvalidRequestError(message, code string) *Error {
	return &Error{Type: ErrInvalidRequest, Message: message, Code: code}
}

func NewPermissionError(message, param string) *Error {
	return &Error{Type: ErrPermission, Message: message, Param: param}
}

func NewNotFoundError(message string) *Error {
	return &Error{Type: ErrNotFound, Message: message}
}

func NewAPIError(message string) *Error {
	return &Error{Type: ErrAPI, Message: message}
}

// NewOverloadedError is returned while the server is draining.
func NewOverloadedError(message, code string) *Error {
	return &Error{Type: ErrOverloaded, Message: message, Code: code}
}

// WithRequestID returns a copy of e carrying id.
func (e *Error) WithRequestID(id string) *Error {
	if e == nil {
		return nil
	}
	cp := *e
	cp.RequestID = id
	return &cp
}
