package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/vinayprograms/gatekit/errors"
)

// StatusCode is the outcome of a dispatch.
type StatusCode int

const (
	StatusOK               StatusCode = 0
	StatusError            StatusCode = 1
	StatusInvalidData      StatusCode = 2
	StatusPermissionDenied StatusCode = 3
)

func (s StatusCode) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusError:
		return "ERROR"
	case StatusInvalidData:
		return "INVALID_DATA"
	case StatusPermissionDenied:
		return "PERMISSION_DENIED"
	default:
		return fmt.Sprintf("STATUS(%d)", int(s))
	}
}

// Valid reports whether s is one of the four wire statuses.
func (s StatusCode) Valid() bool {
	return s >= StatusOK && s <= StatusPermissionDenied
}

// Request is an inbound envelope.
type Request struct {
	MessageTypeID int             `json:"message_type_id"`
	CorrelationID uuid.UUID       `json:"correlation_id"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// HasPayload reports whether the request carries a non-null payload.
func (r *Request) HasPayload() bool {
	return payloadPresent(r.Payload)
}

// Bind decodes the payload into v.
func (r *Request) Bind(v interface{}) error {
	return DecodePayload(r.Payload, v)
}

// DecodePayload decodes payload into v. An absent, blank or null payload is
// INVALID_INPUT.
func DecodePayload(payload json.RawMessage, v interface{}) error {
	if !payloadPresent(payload) {
		return errors.InvalidInput("payload is empty")
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "decoding payload")
	}
	return nil
}

func payloadPresent(p json.RawMessage) bool {
	p = bytes.TrimSpace(p)
	return len(p) > 0 && !bytes.Equal(p, []byte("null"))
}

// Pagination describes one page of a list response.
type Pagination struct {
	Page    int `json:"page"`
	PerPage int `json:"per_page"`
	Total   int `json:"total"`
	Pages   int `json:"pages"`
}

// NewPagination computes the page count for total items at perPage per page.
// A non-positive perPage yields a single page.
func NewPagination(page, perPage, total int) *Pagination {
	if page < 1 {
		page = 1
	}
	if total < 0 {
		total = 0
	}
	pages := 1
	if perPage > 0 {
		pages = (total + perPage - 1) / perPage
		if pages == 0 {
			pages = 1
		}
	}
	return &Pagination{Page: page, PerPage: perPage, Total: total, Pages: pages}
}

// Response is an outbound envelope. It is never mutated after dispatch returns it.
type Response struct {
	MessageTypeID int         `json:"message_type_id"`
	CorrelationID uuid.UUID   `json:"correlation_id"`
	StatusCode    StatusCode  `json:"status_code"`
	Payload       interface{} `json:"payload"`
	Pagination    *Pagination `json:"pagination_meta,omitempty"`
}

// ErrorPayload is the payload of every non-OK response.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// NewResponse builds an OK response echoing req's identifiers.
func NewResponse(req *Request, payload interface{}) *Response {
	return &Response{
		MessageTypeID: req.MessageTypeID,
		CorrelationID: req.CorrelationID,
		StatusCode:    StatusOK,
		Payload:       payload,
	}
}

// NewErrorResponse builds a non-OK response echoing req's identifiers.
func NewErrorResponse(req *Request, status StatusCode, message string, code errors.ErrorCode) *Response {
	return &Response{
		MessageTypeID: req.MessageTypeID,
		CorrelationID: req.CorrelationID,
		StatusCode:    status,
		Payload:       ErrorPayload{Message: message, Code: string(code)},
	}
}

// Unencodable replaces a response that cannot be put on the wire with a
// generic ERROR carrying the same identifiers.
func Unencodable(resp *Response) *Response {
	return &Response{
		MessageTypeID: resp.MessageTypeID,
		CorrelationID: resp.CorrelationID,
		StatusCode:    StatusError,
		Payload:       ErrorPayload{Message: "internal error", Code: string(errors.ErrCodeInternal)},
	}
}

// ParseRequest decodes one inbound envelope.
//
// On failure the returned Request still carries whatever identifiers could
// be decoded, so the caller can echo them in an INVALID_DATA response.
func ParseRequest(data []byte) (*Request, error) {
	var raw struct {
		MessageTypeID *int            `json:"message_type_id"`
		CorrelationID string          `json:"correlation_id"`
		Payload       json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return &Request{}, errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "malformed envelope")
	}

	req := &Request{Payload: raw.Payload}
	if raw.MessageTypeID != nil {
		req.MessageTypeID = *raw.MessageTypeID
	}
	id, idErr := uuid.Parse(raw.CorrelationID)
	if idErr == nil {
		req.CorrelationID = id
	}

	if raw.MessageTypeID == nil {
		return req, errors.InvalidInput("message_type_id is required")
	}
	if raw.CorrelationID == "" {
		return req, errors.InvalidInput("correlation_id is required")
	}
	if idErr != nil {
		return req, errors.WrapWithCode(idErr, errors.ErrCodeInvalidInput, "correlation_id must be a UUID")
	}
	return req, nil
}

// MarshalResponse encodes resp for the wire.
func MarshalResponse(resp *Response) ([]byte, error) {
	if resp == nil {
		return nil, errors.Internal("nil response")
	}
	if !resp.StatusCode.Valid() {
		return nil, errors.Newf(errors.ErrCodeInternal, "invalid status code %d", resp.StatusCode)
	}
	return json.Marshal(resp)
}
