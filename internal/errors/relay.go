package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// Relay error codes. Authentication failures all surface as HTTP 401 before the
// upgrade completes; the remaining codes map onto JSON-RPC error responses.
const (
	CodeUnauthenticated  = "UNAUTHENTICATED"
	CodeForbidden        = "FORBIDDEN"
	CodeInvalidToken     = "INVALID_TOKEN"
	CodeThrottleExceeded = "THROTTLE_EXCEEDED"
	CodeTTLExceeded      = "TTL_EXCEEDED"
	CodeMethodNotFound   = "METHOD_NOT_FOUND"
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeInvalidParams    = "INVALID_PARAMS"
	CodeProjectID        = "PROJECT_ID_MISSING"
	CodeStore            = "STORE_ERROR"
	CodeSocketClosed     = "SOCKET_CLOSED"
)

// Unauthenticated is returned when the handshake token is absent, undecodable or
// carries a bad signature.
func Unauthenticated(reason string) *AppError {
	return New(ErrorTypeAuthentication, CodeUnauthenticated, reason).
		WithSeverity(SeverityLow).
		WithUserMessage(reason)
}

// Forbidden is returned when the token is well-formed but rejected by whitelist or
// audience policy. It is answered with 401 like every other handshake failure.
func Forbidden(reason string) *AppError {
	return New(ErrorTypeAuthentication, CodeForbidden, reason).
		WithSeverity(SeverityMedium).
		WithUserMessage(reason)
}

// InvalidToken is returned when the token validity window is empty, in the past or
// longer than the permitted session length.
func InvalidToken(reason string) *AppError {
	return New(ErrorTypeAuthentication, CodeInvalidToken, reason).
		WithSeverity(SeverityLow).
		WithUserMessage(reason)
}

// ThrottleExceeded reports a connection that sent more than limit messages in one window.
func ThrottleExceeded(limit int, interval time.Duration) *AppError {
	return New(ErrorTypeRateLimit, CodeThrottleExceeded, "Too Many Requests").
		WithSeverity(SeverityMedium).
		WithDetails(fmt.Sprintf("limit %d per %s", limit, interval))
}

// TTLExceeded rejects a publish whose ttl is above the configured maximum.
func TTLExceeded(maxTTL int64) *AppError {
	return New(ErrorTypeValidation, CodeTTLExceeded, fmt.Sprintf("requested ttl is above %d seconds", maxTTL)).
		WithSeverity(SeverityLow)
}

// MethodNotFound is returned for methods outside the supported families.
func MethodNotFound(method string) *AppError {
	return New(ErrorTypeProtocol, CodeMethodNotFound, "Method not found").
		WithSeverity(SeverityLow).
		WithDetails(method)
}

// InvalidRequest is returned when a client calls a server-only method.
func InvalidRequest(reason string) *AppError {
	return New(ErrorTypeProtocol, CodeInvalidRequest, "Invalid Request").
		WithSeverity(SeverityLow).
		WithDetails(reason)
}

// InvalidParams wraps a params decoding or validation failure.
func InvalidParams(cause error) *AppError {
	return Wrap(cause, ErrorTypeValidation, CodeInvalidParams, "Invalid params").
		WithSeverity(SeverityLow)
}

// ProjectIDMissing rejects handshakes without a projectId when one is required.
func ProjectIDMissing() *AppError {
	return New(ErrorTypeValidation, CodeProjectID, "projectId is required").
		WithSeverity(SeverityLow).
		WithUserMessage("projectId query parameter is required")
}

// StoreError wraps a message store failure.
func StoreError(operation string, cause error) *AppError {
	return Wrap(cause, ErrorTypeStore, CodeStore, fmt.Sprintf("store %s failed", operation)).
		WithSeverity(SeverityHigh)
}

// SocketClosed rejects work for a socket that is already being torn down.
func SocketClosed() *AppError {
	return New(ErrorTypeInternal, CodeSocketClosed, "socket closed").
		WithSeverity(SeverityLow)
}

// As unwraps err into an *AppError.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// HasCode reports whether err is an AppError carrying code.
func HasCode(err error, code string) bool {
	appErr, ok := As(err)
	return ok && appErr.Code == code
}
