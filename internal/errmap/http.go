// Package errmap maps domain errors to transport-level responses.
package errmap

import (
	"context"
	"errors"
	"net/http"

	"github.com/aelexs/rag-gateway/internal/domain"
)

// Client-facing messages. These strings are part of the public API.
const (
	MsgMessageRequired = "Message is required"
	MsgInitialising    = "RAG system is still initialising, please wait..."
	MsgTimeout         = "Request timeout"
	MsgUnavailable     = "RAG system is temporarily unavailable"
	MsgCancelled       = "Request cancelled"
	MsgReplyTooLarge   = "RAG system reply was too large"
	MsgInternal        = "internal error"
)

// HTTPError represents an HTTP error response.
type HTTPError struct {
	StatusCode int    `json:"-"`
	Message    string `json:"error"`
}

func (e HTTPError) Error() string {
	return e.Message
}

// httpMapping defines a domain error to HTTP status/message mapping.
type httpMapping struct {
	err        error
	statusCode int
	message    string
}

// httpMappings maps domain errors to HTTP responses.
// Order matters: first match wins (via errors.Is).
var httpMappings = []httpMapping{
	// Validation errors: 400
	{domain.ErrInvalidInput, http.StatusBadRequest, MsgMessageRequired},

	// Readiness: 503. A dead worker looks the same to clients as one
	// that has not finished starting.
	{domain.ErrNotReady, http.StatusServiceUnavailable, MsgInitialising},
	{domain.ErrWorkerExited, http.StatusServiceUnavailable, MsgInitialising},
	{domain.ErrUnavailable, http.StatusServiceUnavailable, MsgUnavailable},

	// Timeouts: 504
	{domain.ErrTimeout, http.StatusGatewayTimeout, MsgTimeout},
	{context.DeadlineExceeded, http.StatusGatewayTimeout, MsgTimeout},

	// The worker answered, but the reply could not be relayed.
	{domain.ErrReplyTooLarge, http.StatusBadGateway, MsgReplyTooLarge},

	// Client went away; the status is mostly for logs.
	{context.Canceled, http.StatusServiceUnavailable, MsgCancelled},
}

// ToHTTPError converts a domain error to an HTTP error.
func ToHTTPError(err error) HTTPError {
	if err == nil {
		return HTTPError{StatusCode: http.StatusOK}
	}
	for _, m := range httpMappings {
		if errors.Is(err, m.err) {
			return HTTPError{StatusCode: m.statusCode, Message: m.message}
		}
	}
	// Never expose internal error details to clients
	return HTTPError{StatusCode: http.StatusInternalServerError, Message: MsgInternal}
}

// ToHTTPStatusCode extracts just the HTTP status code for a domain error.
func ToHTTPStatusCode(err error) int {
	return ToHTTPError(err).StatusCode
}
