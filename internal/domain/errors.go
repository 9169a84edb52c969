// File: internal/domain/errors.go
package domain

import (
	"errors"
	"fmt"
)

type ErrorType string

const (
	ErrTypeTransportUnavailable ErrorType = "TRANSPORT_UNAVAILABLE"
	ErrTypePersistenceFailure   ErrorType = "PERSISTENCE_FAILURE"
	ErrTypeIdentityUnresolved   ErrorType = "IDENTITY_UNRESOLVED"
	ErrTypeValidation           ErrorType = "VALIDATION"
	ErrTypeRateLimited          ErrorType = "RATE_LIMITED"
)

// ChatError is the error type shared by the presence and delivery layers.
type ChatError struct {
	Type      ErrorType
	Operation string
	Message   string
	UserID    UserID
	ChannelID ChannelID
	Cause     error
}

func (e *ChatError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("chat %s error in %s: %s (caused by: %v)", e.Type, e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("chat %s error in %s: %s", e.Type, e.Operation, e.Message)
}

func (e *ChatError) Unwrap() error { return e.Cause }

// Retryable reports whether the caller may try the operation again.
func (e *ChatError) Retryable() bool {
	switch e.Type {
	case ErrTypeTransportUnavailable, ErrTypePersistenceFailure:
		return true
	default:
		return false
	}
}

func NewTransportError(operation string, channel ChannelID, cause error) *ChatError {
	return &ChatError{Type: ErrTypeTransportUnavailable, Operation: operation, Message: "transport unavailable", ChannelID: channel, Cause: cause}
}

func NewPersistenceError(operation, msg string, cause error) *ChatError {
	return &ChatError{Type: ErrTypePersistenceFailure, Operation: operation, Message: msg, Cause: cause}
}

func NewIdentityError(operation string, userID UserID, cause error) *ChatError {
	return &ChatError{Type: ErrTypeIdentityUnresolved, Operation: operation, Message: "identity could not be resolved", UserID: userID, Cause: cause}
}

func NewValidationError(operation, msg string) *ChatError {
	return &ChatError{Type: ErrTypeValidation, Operation: operation, Message: msg}
}

func NewRateLimitError(operation string, userID UserID) *ChatError {
	return &ChatError{Type: ErrTypeRateLimited, Operation: operation, Message: "too many requests", UserID: userID}
}

// IsType reports whether err wraps a ChatError of type t.
func IsType(err error, t ErrorType) bool {
	var ce *ChatError
	return errors.As(err, &ce) && ce.Type == t
}

// Retryable reports whether err wraps a retryable ChatError. Errors that are
// not ChatErrors are treated as transient.
func Retryable(err error) bool {
	var ce *ChatError
	if errors.As(err, &ce) {
		return ce.Retryable()
	}
	return true
}

// TypeOf returns the ChatError type of err, or "" when err is not one.
func TypeOf(err error) ErrorType {
	var ce *ChatError
	if errors.As(err, &ce) {
		return ce.Type
	}
	return ""
}
