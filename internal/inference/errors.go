// Package inference implements the client for the remote chat-completion
// endpoint: unary and SSE-streaming calls, per-status error classification,
// and rate-limit retry with jittered exponential backoff.
package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/agentica/agentica-server/pkg/protocol"
)

// Error is a typed inference failure carrying the wire error name and the
// originating HTTP status (0 for transport-level failures).
type Error struct {
	Name    protocol.ErrorName
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (HTTP %d): %s", e.Name, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

// ErrorName returns the wire name, satisfying protocol.Named.
func (e *Error) ErrorName() protocol.ErrorName { return e.Name }

// classifyStatus maps an HTTP error status to a typed inference error.
func classifyStatus(status int, body []byte) *Error {
	msg := errorMessage(body)

	var name protocol.ErrorName
	switch status {
	case http.StatusBadRequest:
		name = protocol.ErrBadRequest
	case http.StatusUnauthorized:
		name = protocol.ErrUnauthorized
	case http.StatusPaymentRequired:
		name = protocol.ErrInsufficientCredits
	case http.StatusForbidden:
		name = protocol.ErrPermissionDenied
	case http.StatusNotFound:
		name = protocol.ErrNotFound
	case http.StatusConflict:
		name = protocol.ErrConflict
	case http.StatusRequestEntityTooLarge:
		name = protocol.ErrRequestTooLarge
	case http.StatusUnprocessableEntity:
		name = protocol.ErrUnprocessableEntity
	case http.StatusTooManyRequests:
		name = protocol.ErrRateLimit
	case http.StatusServiceUnavailable:
		// Providers report a downed model as a 503 whose message names it.
		if strings.Contains(strings.ToLower(msg), "model") {
			name = protocol.ErrModelDown
		} else {
			name = protocol.ErrServiceUnavailable
		}
	case http.StatusGatewayTimeout:
		name = protocol.ErrDeadlineExceeded
	case 529:
		name = protocol.ErrOverloaded
	default:
		name = protocol.ErrInternalServer
	}

	return &Error{Name: name, Status: status, Message: msg}
}

// classifyTransport maps request/transport failures to APITimeout or
// APIConnection. Context cancellation passes through untouched so that
// invocation cancel unwinds cleanly.
func classifyTransport(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return &Error{Name: protocol.ErrAPITimeout, Message: err.Error()}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Name: protocol.ErrAPITimeout, Message: err.Error()}
	}
	return &Error{Name: protocol.ErrAPIConnection, Message: err.Error()}
}

// errorMessage extracts a human-readable message from a provider error body.
// Providers return either {"error":{"message":...}} or {"message":...}.
func errorMessage(body []byte) string {
	var nested struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &nested); err == nil {
		if nested.Error.Message != "" {
			return nested.Error.Message
		}
		if nested.Message != "" {
			return nested.Message
		}
	}
	return strings.TrimSpace(string(body))
}

// IsRateLimit reports whether err is a retryable rate-limit error.
func IsRateLimit(err error) bool {
	var infErr *Error
	return errors.As(err, &infErr) && infErr.Name == protocol.ErrRateLimit
}

// IsRequestTooLarge reports whether err is the expected oversized-request error.
func IsRequestTooLarge(err error) bool {
	var infErr *Error
	return errors.As(err, &infErr) && infErr.Name == protocol.ErrRequestTooLarge
}
