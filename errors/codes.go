package errors

// ErrorCode identifies a specific failure.
type ErrorCode string

const (
	// Dependencies
	ErrCodeTimeout     ErrorCode = "TIMEOUT"     // dependency call exceeded its deadline
	ErrCodeUnavailable ErrorCode = "UNAVAILABLE" // dependency unreachable
	ErrCodeStore       ErrorCode = "STORE"       // counter store command failed

	// Requests
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT" // payload failed validation
	ErrCodeUnknownType  ErrorCode = "UNKNOWN_TYPE"  // no handler for message type
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"  // connection could not be authenticated
	ErrCodeForbidden    ErrorCode = "FORBIDDEN"     // capability missing
	ErrCodeCanceled     ErrorCode = "CANCELED"      // caller gave up

	// Limits
	ErrCodeRateLimit   ErrorCode = "RATE_LIMITED" // sliding window exhausted
	ErrCodeCircuitOpen ErrorCode = "CIRCUIT_OPEN" // breaker rejecting calls

	// Defects
	ErrCodeInternal ErrorCode = "INTERNAL"  // unexpected failure
	ErrCodePanic    ErrorCode = "PANIC"     // recovered from panic
	ErrCodeNoResult ErrorCode = "NO_RESULT" // handler returned neither result nor error
)

func (c ErrorCode) String() string {
	return string(c)
}
