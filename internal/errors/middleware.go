package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/Shugur-Network/pubsub-relay/internal/logger"
	"github.com/Shugur-Network/pubsub-relay/internal/metrics"
	"go.uber.org/zap"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	ErrorTypeValidation     ErrorType = "validation"
	ErrorTypeAuthentication ErrorType = "authentication"
	ErrorTypeAuthorization  ErrorType = "authorization"
	ErrorTypeNotFound       ErrorType = "not_found"
	ErrorTypeRateLimit      ErrorType = "rate_limit"
	ErrorTypeProtocol       ErrorType = "protocol"
	ErrorTypeStore          ErrorType = "store"
	ErrorTypeTimeout        ErrorType = "timeout"
	ErrorTypeInternal       ErrorType = "internal"
)

// ErrorSeverity represents the severity level of errors
type ErrorSeverity string

const (
	SeverityLow      ErrorSeverity = "low"      // client mistakes, nothing to fix server-side
	SeverityMedium   ErrorSeverity = "medium"   // policy rejections, throttling
	SeverityHigh     ErrorSeverity = "high"     // backend failures
	SeverityCritical ErrorSeverity = "critical" // recovered panics
)

// AppError represents a structured application error
type AppError struct {
	Type        ErrorType     `json:"type"`
	Code        string        `json:"code"`
	Message     string        `json:"message"`
	Details     string        `json:"details,omitempty"`
	Severity    ErrorSeverity `json:"severity"`
	Timestamp   time.Time     `json:"timestamp"`
	RequestID   string        `json:"request_id,omitempty"`
	UserMessage string        `json:"user_message,omitempty"`
	Cause       error         `json:"-"`
	StackTrace  string        `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s:%s] %s: %s", e.Type, e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Type, e.Code, e.Message)
}

// Unwrap implements the Unwrap interface for error wrapping
func (e *AppError) Unwrap() error {
	return e.Cause
}

// ErrorResponse represents the JSON response format for errors
type ErrorResponse struct {
	Error struct {
		Type      ErrorType `json:"type"`
		Code      string    `json:"code"`
		Message   string    `json:"message"`
		Timestamp time.Time `json:"timestamp"`
		RequestID string    `json:"request_id,omitempty"`
	} `json:"error"`
}

// ErrorMiddleware handles error processing and response formatting
type ErrorMiddleware struct {
	logger *zap.Logger
}

// NewErrorMiddleware creates a new error middleware instance
func NewErrorMiddleware() *ErrorMiddleware {
	return &ErrorMiddleware{
		logger: logger.New("error_middleware"),
	}
}

// New creates a new AppError. Stack traces are only captured for high severity errors.
func New(errorType ErrorType, code string, message string) *AppError {
	return &AppError{
		Type:      errorType,
		Code:      code,
		Message:   message,
		Severity:  SeverityMedium,
		Timestamp: time.Now(),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, errorType ErrorType, code string, message string) *AppError {
	appErr := New(errorType, code, message)
	appErr.Cause = err
	if err != nil {
		appErr.Details = err.Error()
	}
	return appErr
}

// WithSeverity sets the severity level of an error
func (e *AppError) WithSeverity(severity ErrorSeverity) *AppError {
	e.Severity = severity
	if (severity == SeverityHigh || severity == SeverityCritical) && e.StackTrace == "" {
		e.StackTrace = captureStackTrace()
	}
	return e
}

// WithDetails adds additional details to an error
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithUserMessage sets a user-friendly message
func (e *AppError) WithUserMessage(message string) *AppError {
	e.UserMessage = message
	return e
}

// WithRequestID associates an error with a request ID
func (e *AppError) WithRequestID(requestID string) *AppError {
	e.RequestID = requestID
	return e
}

// HandleError processes an error and sends appropriate HTTP response
func (em *ErrorMiddleware) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	appErr, ok := As(err)
	if !ok {
		appErr = Wrap(err, ErrorTypeInternal, "INTERNAL_ERROR", "An internal error occurred").
			WithSeverity(SeverityHigh)
	}

	if requestID := getRequestID(r); requestID != "" {
		appErr.RequestID = requestID
	}

	em.logError(appErr, r)
	metrics.ErrorsCount.WithLabelValues(string(appErr.Type)).Inc()

	em.sendErrorResponse(w, appErr)
}

// logError logs an error with appropriate severity level
func (em *ErrorMiddleware) logError(err *AppError, r *http.Request) {
	fields := []zap.Field{
		zap.String("error_type", string(err.Type)),
		zap.String("error_code", err.Code),
		zap.String("severity", string(err.Severity)),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("user_agent", r.UserAgent()),
		zap.String("remote_addr", r.RemoteAddr),
	}

	if err.RequestID != "" {
		fields = append(fields, zap.String("request_id", err.RequestID))
	}
	if err.Details != "" {
		fields = append(fields, zap.String("details", err.Details))
	}
	if err.StackTrace != "" {
		fields = append(fields, zap.String("stack_trace", err.StackTrace))
	}

	switch err.Severity {
	case SeverityLow:
		em.logger.Debug(err.Message, fields...)
	case SeverityMedium:
		em.logger.Info(err.Message, fields...)
	default:
		em.logger.Error(err.Message, fields...)
	}
}

// sendErrorResponse sends a structured JSON error response. Authentication
// failures also ask the server to drop the underlying TCP connection.
func (em *ErrorMiddleware) sendErrorResponse(w http.ResponseWriter, err *AppError) {
	statusCode := HTTPStatus(err)

	var response ErrorResponse
	response.Error.Type = err.Type
	response.Error.Code = err.Code
	response.Error.Message = getUserFriendlyMessage(err)
	response.Error.Timestamp = err.Timestamp
	response.Error.RequestID = err.RequestID

	if statusCode == http.StatusUnauthorized {
		w.Header().Set("Connection", "close")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if encodeErr := json.NewEncoder(w).Encode(response); encodeErr != nil {
		em.logger.Debug("Failed to encode error response", zap.Error(encodeErr))
	}
}

// HTTPStatus maps an AppError to the HTTP status used before a connection is upgraded.
func HTTPStatus(err *AppError) int {
	switch err.Type {
	case ErrorTypeValidation, ErrorTypeProtocol:
		return http.StatusBadRequest
	case ErrorTypeAuthentication:
		return http.StatusUnauthorized
	case ErrorTypeAuthorization:
		return http.StatusForbidden
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	case ErrorTypeTimeout:
		return http.StatusRequestTimeout
	case ErrorTypeStore:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// getUserFriendlyMessage returns a user-friendly error message
func getUserFriendlyMessage(err *AppError) string {
	if err.UserMessage != "" {
		return err.UserMessage
	}

	switch err.Type {
	case ErrorTypeValidation, ErrorTypeProtocol:
		return "The request is invalid."
	case ErrorTypeAuthentication:
		return "Authentication failed."
	case ErrorTypeAuthorization:
		return "You don't have permission to perform this action."
	case ErrorTypeNotFound:
		return "The requested resource was not found."
	case ErrorTypeRateLimit:
		return "Too many requests. Please wait before trying again."
	case ErrorTypeTimeout:
		return "The request timed out. Please try again."
	case ErrorTypeStore:
		return "The message store is temporarily unavailable."
	default:
		return "An unexpected error occurred. Please try again."
	}
}

func captureStackTrace() string {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}

// getRequestID extracts request ID from request context or headers
func getRequestID(r *http.Request) string {
	if id, ok := r.Context().Value(requestIDKey).(string); ok {
		return id
	}
	return r.Header.Get("X-Request-ID")
}

// RecoveryMiddleware is a middleware that recovers from panics and converts them to structured errors
func (em *ErrorMiddleware) RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if recovered := recover(); recovered != nil {
				em.HandleError(w, r, Recovered(recovered))
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// Recovered converts a value returned by recover() into a critical AppError.
func Recovered(recovered interface{}) *AppError {
	err, ok := recovered.(error)
	if !ok {
		err = fmt.Errorf("panic: %v", recovered)
	}
	return Wrap(err, ErrorTypeInternal, "PANIC_RECOVERED", "An unexpected error occurred").
		WithSeverity(SeverityCritical)
}

// Common error constructors for frequently used error types

// ValidationError creates a validation error
func ValidationError(code, message string) *AppError {
	return New(ErrorTypeValidation, code, message).
		WithSeverity(SeverityLow)
}

// NotFoundError creates a not found error
func NotFoundError(resource string) *AppError {
	return New(ErrorTypeNotFound, "NOT_FOUND", fmt.Sprintf("%s not found", resource)).
		WithSeverity(SeverityLow)
}

// RateLimitError creates a rate limit error
func RateLimitError(resource string) *AppError {
	return New(ErrorTypeRateLimit, "RATE_LIMIT_EXCEEDED", fmt.Sprintf("Rate limit exceeded for %s", resource)).
		WithSeverity(SeverityMedium).
		WithUserMessage("Too many requests. Please wait before trying again.")
}

// InternalError creates an internal error
func InternalError(message string, cause error) *AppError {
	return Wrap(cause, ErrorTypeInternal, "INTERNAL_ERROR", message).
		WithSeverity(SeverityHigh)
}
