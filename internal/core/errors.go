package core

import "errors"

// Error codes for domain errors. They are part of the wire contract.
const (
	ErrCodeAuthRejected       = "auth_rejected"
	ErrCodeBanned             = "banned"
	ErrCodeRateLimited        = "rate_limited"
	ErrCodeMessageTooLarge    = "message_too_large"
	ErrCodeNotAMember         = "not_a_member"
	ErrCodeDeliveryTimeout    = "delivery_timeout"
	ErrCodeStoreUnavailable   = "store_unavailable"
	ErrCodeScopeHalted        = "scope_halted"
	ErrCodeBadRequest         = "bad_request"
	ErrCodeInvalidFrame       = "invalid_frame"
	ErrCodeUnsupportedVersion = "unsupported_version"
	ErrCodeSessionClosed      = "session_closed"
	ErrCodeInternal           = "internal"
)

var (
	ErrAuthRejected       = coreError(ErrCodeAuthRejected, "authentication rejected")
	ErrBanned             = coreError(ErrCodeBanned, "user is banned")
	ErrRateLimited        = coreError(ErrCodeRateLimited, "rate limited")
	ErrMessageTooLarge    = coreError(ErrCodeMessageTooLarge, "message too large")
	ErrNotAMember         = coreError(ErrCodeNotAMember, "not a member of the room")
	ErrDeliveryTimeout    = coreError(ErrCodeDeliveryTimeout, "delivery timed out")
	ErrStoreUnavailable   = coreError(ErrCodeStoreUnavailable, "store unavailable")
	ErrScopeHalted        = coreError(ErrCodeScopeHalted, "scope halted")
	ErrBadRequest         = coreError(ErrCodeBadRequest, "bad request")
	ErrInvalidFrame       = coreError(ErrCodeInvalidFrame, "invalid frame")
	ErrUnsupportedVersion = coreError(ErrCodeUnsupportedVersion, "unsupported protocol version")
	ErrSessionClosed      = coreError(ErrCodeSessionClosed, "session closed")
)

// CoreError wraps a code and human-readable message.
type CoreError struct {
	Code    string
	Message string
}

func (e *CoreError) Error() string {
	return e.Message
}

func coreError(code, msg string) *CoreError {
	return &CoreError{Code: code, Message: msg}
}

// CodeOf maps any error to its wire code.
func CodeOf(err error) string {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ErrCodeInternal
}

// ErrorFor converts err into a CoreError for the wire, keeping the wrapped detail
// in the message.
func ErrorFor(err error) *CoreError {
	if err == nil {
		return nil
	}
	return &CoreError{Code: CodeOf(err), Message: err.Error()}
}
