package errors

import (
	"fmt"
)

// Error is a coded gatekit error.
type Error struct {
	code     ErrorCode
	message  string
	cause    error
	metadata map[string]string
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Message returns the message without the cause chain.
func (e *Error) Message() string { return e.message }

func (e *Error) Code() ErrorCode { return e.code }

// Metadata returns a copy of the error metadata.
func (e *Error) Metadata() map[string]string {
	out := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		out[k] = v
	}
	return out
}

func (e *Error) Unwrap() error { return e.cause }

// Option configures an Error.
type Option func(*Error)

// WithMetadata adds a metadata key-value pair.
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithIdentity records the client identity the error concerns.
func WithIdentity(id string) Option {
	return WithMetadata("identity", id)
}

// WithCause sets the underlying cause.
func WithCause(cause error) Option {
	return func(e *Error) { e.cause = cause }
}

// New creates an Error with the given code and message.
func New(code ErrorCode, message string, opts ...Option) *Error {
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Newf creates an Error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// InvalidInput creates an invalid input error.
func InvalidInput(message string, opts ...Option) *Error {
	return New(ErrCodeInvalidInput, message, opts...)
}

// Internal creates an internal error.
func Internal(message string, opts ...Option) *Error {
	return New(ErrCodeInternal, message, opts...)
}
