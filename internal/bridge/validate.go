package bridge

import (
	"bytes"
	"fmt"
)

// validateResponseStart checks the shape of a response-start message before
// it is cached as the pending response: the status must fall in the valid
// HTTP range and every header pair must be wire-legal raw bytes. A failed
// check yields a *MessageShapeError and leaves the stream state untouched.
func validateResponseStart(m ResponseStartMessage) error {
	if m.Status < 100 || m.Status > 599 {
		return NewMessageShapeError(m.Type(), "status",
			fmt.Sprintf("must be a valid HTTP status code, got %d", m.Status))
	}
	for i, h := range m.Headers {
		field := fmt.Sprintf("headers[%d]", i)
		if len(h.Name) == 0 {
			return NewMessageShapeError(m.Type(), field, "has an empty name")
		}
		if h.Name[0] == ':' {
			return NewMessageShapeError(m.Type(), field,
				"is a pseudo-header; pseudo-headers belong to the transport")
		}
		if bytes.ContainsAny(h.Name, " :\r\n\x00") {
			return NewMessageShapeError(m.Type(), field,
				fmt.Sprintf("name %q contains forbidden bytes", h.Name))
		}
		if bytes.ContainsAny(h.Value, "\r\n\x00") {
			return NewMessageShapeError(m.Type(), field,
				fmt.Sprintf("value for %q contains forbidden bytes", h.Name))
		}
	}
	return nil
}

// emitHeaders prepares validated response headers for the wire: names are
// lowercased (HTTP/2 requires it, HTTP/1.1 permits it) and both slices are
// copied so later mutation by the application cannot reach the emitted
// event. Pair order is preserved.
func emitHeaders(headers []HeaderField) []HeaderField {
	out := make([]HeaderField, len(headers))
	for i, h := range headers {
		out[i] = HeaderField{
			Name:  bytes.ToLower(h.Name),
			Value: bytes.Clone(h.Value),
		}
	}
	return out
}
