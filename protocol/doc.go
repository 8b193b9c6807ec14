// Package protocol defines the envelopes exchanged over a gateway connection.
//
// A client sends a Request carrying a numeric message type, a correlation id
// and a JSON payload. The gateway answers with a Response that echoes the type
// and correlation id and adds a status code:
//
//	{"message_type_id": 1, "correlation_id": "…", "payload": {"name": "a"}}
//	{"message_type_id": 1, "correlation_id": "…", "status_code": 0, "payload": {...}}
//
// Responses to list-style requests may carry pagination metadata.
package protocol
