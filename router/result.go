package router

import (
	"github.com/vinayprograms/gatekit/errors"
	"github.com/vinayprograms/gatekit/protocol"
)

// Result is what a handler hands back. Client-facing outcomes, including
// rejections, are Results; handler errors are reserved for failures.
type Result struct {
	Status     protocol.StatusCode
	Payload    interface{}
	Pagination *protocol.Pagination
}

// OK wraps a successful payload.
func OK(payload interface{}) *Result {
	return &Result{Status: protocol.StatusOK, Payload: payload}
}

// Page wraps one page of a listing.
func Page(items interface{}, page, perPage, total int) *Result {
	return &Result{
		Status:     protocol.StatusOK,
		Payload:    items,
		Pagination: protocol.NewPagination(page, perPage, total),
	}
}

// Invalid rejects the request as malformed for this handler.
func Invalid(message string) *Result {
	return &Result{
		Status:  protocol.StatusInvalidData,
		Payload: protocol.ErrorPayload{Message: message, Code: string(errors.ErrCodeInvalidInput)},
	}
}

// Denied refuses the request for the calling identity.
func Denied(message string) *Result {
	return &Result{
		Status:  protocol.StatusPermissionDenied,
		Payload: protocol.ErrorPayload{Message: message, Code: string(errors.ErrCodeForbidden)},
	}
}

func (r *Result) response(req *protocol.Request) *protocol.Response {
	return &protocol.Response{
		MessageTypeID: req.MessageTypeID,
		CorrelationID: req.CorrelationID,
		StatusCode:    r.Status,
		Payload:       r.Payload,
		Pagination:    r.Pagination,
	}
}
