package protocol

import (
	"errors"
	"time"
)

// Code is the machine-readable error class reported to clients. Clients
// use it to distinguish "retry later" (rate limit), "not possible"
// (validation/conflict), "degraded" (dependency unavailable) and
// "not authenticated" (terminal).
type Code string

const (
	CodeAuthMissing   Code = "AUTH_MISSING"
	CodeAuthInvalid   Code = "AUTH_INVALID"
	CodeAuthExpired   Code = "AUTH_EXPIRED"
	CodeAuthRevoked   Code = "AUTH_REVOKED"
	CodeNotAuthed     Code = "NOT_AUTHENTICATED"
	CodeValidation    Code = "VALIDATION_FAILED"
	CodeRateLimited   Code = "RATE_LIMITED"
	CodeDepUnavail    Code = "DEPENDENCY_UNAVAILABLE"
	CodeTimeout       Code = "TIMEOUT"
	CodeConflict      Code = "CONFLICT"
	CodeVoiceUnavail  Code = "VOICE_UNAVAILABLE"
	CodeNotInRoom     Code = "NOT_IN_ROOM"
	CodeUnknownOp     Code = "UNKNOWN_OP"
)

// GatewayError is the typed error returned by event handlers. The
// dispatcher converts it into an `error` event for the originating
// connection; it never tears down the connection.
type GatewayError struct {
	Code       Code
	Message    string
	RetryAfter time.Duration
}

func (e *GatewayError) Error() string {
	return string(e.Code) + ": " + e.Message
}

// Event renders the error as its wire payload.
func (e *GatewayError) Event() ErrorEvent {
	ev := ErrorEvent{Code: e.Code, Message: e.Message}
	if e.RetryAfter > 0 {
		ev.RetryAfterMS = e.RetryAfter.Milliseconds()
	}
	return ev
}

func NewValidation(msg string) *GatewayError {
	return &GatewayError{Code: CodeValidation, Message: msg}
}

func NewRateLimited(retryAfter time.Duration) *GatewayError {
	return &GatewayError{
		Code:       CodeRateLimited,
		Message:    "rate limit exceeded",
		RetryAfter: retryAfter,
	}
}

func NewDependencyUnavailable(dep string) *GatewayError {
	return &GatewayError{Code: CodeDepUnavail, Message: dep + " unavailable"}
}

func NewTimeout(dep string) *GatewayError {
	return &GatewayError{Code: CodeTimeout, Message: dep + " timed out"}
}

func NewConflict(msg string) *GatewayError {
	return &GatewayError{Code: CodeConflict, Message: msg}
}

// AsGatewayError extracts a GatewayError from an error chain. Unknown
// errors map to a generic dependency failure so internals never leak to
// clients.
func AsGatewayError(err error) *GatewayError {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge
	}
	return &GatewayError{Code: CodeDepUnavail, Message: "internal error"}
}

// Handshake rejection reasons (terminal, sent in the rejected payload).
const (
	RejectMissingCredential = "missing_credential"
	RejectInvalidToken      = "invalid"
	RejectExpiredToken      = "expired"
	RejectRevoked           = "revoked"
	RejectUnknownSession    = "unknown_session"
	RejectAuthUnavailable   = "auth_unavailable"
)
