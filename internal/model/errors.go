package model

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes core errors.
type ErrorCode string

const (
	ErrCodeDuplicateNode         ErrorCode = "DUPLICATE_NODE"
	ErrCodeMissingParent         ErrorCode = "MISSING_PARENT"
	ErrCodeInvalidHierarchy      ErrorCode = "INVALID_HIERARCHY"
	ErrCodeUnknownNode           ErrorCode = "UNKNOWN_NODE"
	ErrCodeAuthorization         ErrorCode = "AUTHORIZATION"
	ErrCodeUnboundSoul           ErrorCode = "UNBOUND_SOUL"
	ErrCodeAlreadyBound          ErrorCode = "ALREADY_BOUND"
	ErrCodeInsufficientResonance ErrorCode = "INSUFFICIENT_RESONANCE"
	ErrCodeBindingNotFound       ErrorCode = "BINDING_NOT_FOUND"
	ErrCodePersistence           ErrorCode = "PERSISTENCE"
	ErrCodeHandshake             ErrorCode = "HANDSHAKE"
)

// Error is the single error type returned across component boundaries.
//
// Error matches with errors.Is by Code, so callers compare against the
// sentinels below regardless of the ids or wrapped cause:
//
//	if errors.Is(err, model.ErrUnboundSoul) { ... }
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// NodeID identifies the affected node, when there is one.
	NodeID string

	// BindingID identifies the affected binding, when there is one.
	BindingID string

	// Err is the underlying cause (I/O, decoding, ...).
	Err error
}

// Sentinels for errors.Is comparisons.
var (
	ErrDuplicateNode         = &Error{Code: ErrCodeDuplicateNode}
	ErrMissingParent         = &Error{Code: ErrCodeMissingParent}
	ErrInvalidHierarchy      = &Error{Code: ErrCodeInvalidHierarchy}
	ErrUnknownNode           = &Error{Code: ErrCodeUnknownNode}
	ErrAuthorization         = &Error{Code: ErrCodeAuthorization}
	ErrUnboundSoul           = &Error{Code: ErrCodeUnboundSoul}
	ErrAlreadyBound          = &Error{Code: ErrCodeAlreadyBound}
	ErrInsufficientResonance = &Error{Code: ErrCodeInsufficientResonance}
	ErrBindingNotFound       = &Error{Code: ErrCodeBindingNotFound}
	ErrPersistence           = &Error{Code: ErrCodePersistence}
	ErrHandshake             = &Error{Code: ErrCodeHandshake}
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	switch {
	case e.NodeID != "" && e.BindingID != "":
		msg += fmt.Sprintf(" (node=%s, binding=%s)", e.NodeID, e.BindingID)
	case e.NodeID != "":
		msg += fmt.Sprintf(" (node=%s)", e.NodeID)
	case e.BindingID != "":
		msg += fmt.Sprintf(" (binding=%s)", e.BindingID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// CodeOf returns the ErrorCode carried by err, or "" when err is not an *Error.
// Uses errors.As to handle wrapped errors.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// NewNodeError creates an Error about a node.
func NewNodeError(code ErrorCode, nodeID, format string, args ...any) *Error {
	return &Error{Code: code, NodeID: nodeID, Message: fmt.Sprintf(format, args...)}
}

// NewBindingError creates an Error about a binding.
func NewBindingError(code ErrorCode, bindingID, format string, args ...any) *Error {
	return &Error{Code: code, BindingID: bindingID, Message: fmt.Sprintf(format, args...)}
}

// NewPersistenceError wraps an I/O or encoding failure on path.
func NewPersistenceError(op, path string, err error) *Error {
	return &Error{
		Code:    ErrCodePersistence,
		Message: fmt.Sprintf("%s %s", op, path),
		Err:     err,
	}
}
