package errors

import (
	"context"
	"errors"
	"fmt"
)

// Wrap adds context to err while keeping the chain intact.
// A nil err yields nil. A coded error keeps its code and metadata; context
// errors map to TIMEOUT and CANCELED; anything else becomes INTERNAL.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var gwErr *Error
	if errors.As(err, &gwErr) {
		wrapped := &Error{
			code:     gwErr.code,
			message:  message,
			cause:    err,
			metadata: gwErr.Metadata(),
		}
		for _, opt := range opts {
			opt(wrapped)
		}
		return wrapped
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return New(ErrCodeTimeout, message, append(opts, WithCause(err))...)
	}
	if errors.Is(err, context.Canceled) {
		return New(ErrCodeCanceled, message, append(opts, WithCause(err))...)
	}
	return New(ErrCodeInternal, message, append(opts, WithCause(err))...)
}

// WrapWithCode wraps err under an explicit code.
func WrapWithCode(err error, code ErrorCode, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	return New(code, message, append(opts, WithCause(err))...)
}

// Is reports whether the outermost coded error in the chain has code.
func Is(err error, code ErrorCode) bool {
	return Code(err) == code && code != ""
}

// Code extracts the error code, or "" for plain errors.
func Code(err error) ErrorCode {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.code
	}
	return ""
}

// RecoverPanic converts a recovered panic value into an Error.
func RecoverPanic(recovered interface{}) *Error {
	if recovered == nil {
		return nil
	}
	var message string
	switch v := recovered.(type) {
	case error:
		message = v.Error()
	case string:
		message = v
	default:
		message = fmt.Sprintf("%v", v)
	}
	return New(ErrCodePanic, message, WithMetadata("panic_type", fmt.Sprintf("%T", recovered)))
}
