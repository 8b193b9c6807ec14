// Package errors provides the coded errors used across gatekit.
//
// Every failure that crosses a package boundary inside the gateway carries a
// code. The code decides how the failure is surfaced: a response status, a
// breaker failure, a log line. Metadata rides along into structured logs.
//
// # Usage
//
//	err := errors.New(errors.ErrCodeUnknownType, "no handler for type 7",
//	    errors.WithIdentity(identity))
//
//	if errors.Is(err, errors.ErrCodeCircuitOpen) {
//	    // fail fast
//	}
package errors
