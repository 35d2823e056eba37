package protocol

import (
	"errors"
	"fmt"
)

// ErrorName is the closed enum of error names carried on ErrorMessage.Name.
// Names are part of the wire contract and must stay stable.
type ErrorName string

const (
	// Protocol / admission
	ErrMalformedInvokeMessage ErrorName = "MalformedInvokeMessageError"
	ErrNotRunning             ErrorName = "NotRunningError"
	ErrTooManyInvocations     ErrorName = "TooManyInvocationsError"

	// Validation
	ErrBadModel   ErrorName = "BadModel"
	ErrValidation ErrorName = "ValidationError"

	// Version
	ErrUnsupportedVersion ErrorName = "UnsupportedVersionError"

	// Inference (mapped from HTTP status, see internal/inference)
	ErrBadRequest          ErrorName = "BadRequestError"
	ErrUnauthorized        ErrorName = "UnauthorizedError"
	ErrInsufficientCredits ErrorName = "InsufficientCreditsError"
	ErrPermissionDenied    ErrorName = "PermissionDeniedError"
	ErrNotFound            ErrorName = "NotFoundError"
	ErrConflict            ErrorName = "ConflictError"
	ErrRequestTooLarge     ErrorName = "RequestTooLargeError"
	ErrUnprocessableEntity ErrorName = "UnprocessableEntityError"
	ErrRateLimit           ErrorName = "RateLimitError"
	ErrServiceUnavailable  ErrorName = "ServiceUnavailableError"
	ErrModelDown           ErrorName = "ModelDownError"
	ErrDeadlineExceeded    ErrorName = "DeadlineExceededError"
	ErrOverloaded          ErrorName = "OverloadedError"
	ErrInternalServer      ErrorName = "InternalServerError"
	ErrAPITimeout          ErrorName = "APITimeoutError"
	ErrAPIConnection       ErrorName = "APIConnectionError"

	// Budgets / policy
	ErrMaxTokens        ErrorName = "MaxTokensError"
	ErrMaxRounds        ErrorName = "MaxRoundsError"
	ErrContentFiltering ErrorName = "ContentFilteringError"

	// Sandbox
	ErrSandbox      ErrorName = "SandboxError"
	ErrWarpShutdown ErrorName = "WarpShutdown"

	// Executable tool paths
	ErrExecution ErrorName = "ExecutionError"
)

// Error is a named error suitable for surfacing on the wire.
type Error struct {
	Name ErrorName
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return string(e.Name)
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Msg)
}

// NewError builds a named protocol error.
func NewError(name ErrorName, format string, args ...interface{}) *Error {
	return &Error{Name: name, Msg: fmt.Sprintf(format, args...)}
}

// Named is implemented by error types that carry a wire error name.
type Named interface {
	error
	ErrorName() ErrorName
}

// ErrorName returns the wire name, satisfying Named.
func (e *Error) ErrorName() ErrorName { return e.Name }

// NameOf extracts the wire error name from err, unwrapping as needed.
// Errors that carry no name report as InternalServerError.
func NameOf(err error) ErrorName {
	if err == nil {
		return ""
	}
	var n Named
	if errors.As(err, &n) {
		return n.ErrorName()
	}
	return ErrInternalServer
}
