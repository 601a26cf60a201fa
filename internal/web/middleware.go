// Package web holds the HTTP hardening shared by the relay's plain endpoints.
package web

import (
	"net/http"
	"strings"
	"unicode/utf8"

	relayErrors "github.com/Shugur-Network/pubsub-relay/internal/errors"
	"github.com/Shugur-Network/pubsub-relay/internal/logger"
	"go.uber.org/zap"
)

// SecurityHeaders defines the security headers to be applied to responses
type SecurityHeaders struct {
	// Content Security Policy
	CSP string
	// X-Content-Type-Options
	XContentTypeOptions string
	// Referrer-Policy
	ReferrerPolicy string
}

// APISecurityHeaders returns headers for the JSON and text endpoints. Nothing
// served here is meant to be rendered as a page.
func APISecurityHeaders() *SecurityHeaders {
	return &SecurityHeaders{
		CSP:                 "default-src 'none'; frame-ancestors 'none'",
		XContentTypeOptions: "nosniff",
		ReferrerPolicy:      "no-referrer",
	}
}

// Apply applies the security headers directly to a ResponseWriter
func (sh *SecurityHeaders) Apply(w http.ResponseWriter) {
	if sh.CSP != "" {
		w.Header().Set("Content-Security-Policy", sh.CSP)
	}
	if sh.XContentTypeOptions != "" {
		w.Header().Set("X-Content-Type-Options", sh.XContentTypeOptions)
	}
	if sh.ReferrerPolicy != "" {
		w.Header().Set("Referrer-Policy", sh.ReferrerPolicy)
	}
}

// InputValidation bounds the size and shape of incoming requests
type InputValidation struct {
	MaxPathLength   int
	MaxQueryLength  int
	MaxHeaderLength int
}

// DefaultInputValidation returns the limits used on the plain endpoints
func DefaultInputValidation() *InputValidation {
	return &InputValidation{
		MaxPathLength:   1024,
		MaxQueryLength:  4096,
		MaxHeaderLength: 8192,
	}
}

// ValidationError represents an input validation error
type ValidationError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Field   string `json:"field"`
}

func (e *ValidationError) Error() string {
	return e.Message
}

// ValidateRequest validates an HTTP request against the input validation rules
func (iv *InputValidation) ValidateRequest(r *http.Request) *ValidationError {
	if len(r.URL.Path) > iv.MaxPathLength {
		return &ValidationError{Type: "path_length", Message: "Request path too long", Field: "url_path"}
	}
	if len(r.URL.RawQuery) > iv.MaxQueryLength {
		return &ValidationError{Type: "query_length", Message: "Query string too long", Field: "query_string"}
	}

	for name, values := range r.Header {
		for _, value := range values {
			if len(value) > iv.MaxHeaderLength {
				return &ValidationError{Type: "header_length", Message: "Header value too long", Field: name}
			}
		}
	}

	// Check for potential injection patterns in critical headers
	for _, headerName := range []string{"Host", "X-Forwarded-For", "X-Real-IP", "User-Agent", "Referer"} {
		if headerValue := r.Header.Get(headerName); headerValue != "" {
			if err := validateHeaderValue(headerName, headerValue); err != nil {
				return err
			}
		}
	}
	return nil
}

// validateHeaderValue checks header values for injection patterns
func validateHeaderValue(name, value string) *ValidationError {
	if !utf8.ValidString(value) {
		return &ValidationError{Type: "invalid_encoding", Message: "Invalid character encoding in header", Field: name}
	}
	if strings.ContainsAny(value, "\x00\r\n") {
		return &ValidationError{Type: "header_injection", Message: "Potential header injection detected", Field: name}
	}

	switch name {
	case "Host":
		if strings.ContainsAny(value, " \t<>\"'") {
			return &ValidationError{Type: "invalid_host", Message: "Invalid characters in Host header", Field: name}
		}
	case "User-Agent":
		if len(value) > 1024 {
			return &ValidationError{Type: "user_agent_length", Message: "User-Agent header too long", Field: name}
		}
	}
	return nil
}

// Secure validates the request and sets the API security headers before
// calling next. Rejected requests get a 400.
func Secure(next http.Handler) http.Handler {
	headers := APISecurityHeaders()
	validation := DefaultInputValidation()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := validation.ValidateRequest(r); err != nil {
			logger.Warn("Input validation failed",
				zap.String("type", err.Type),
				zap.String("field", err.Field),
				zap.String("client_ip", r.RemoteAddr),
				zap.String("path", r.URL.Path))
			relayErrors.HandleHTTPError(w, r, relayErrors.ValidationError(strings.ToUpper(err.Type), err.Message))
			return
		}
		headers.Apply(w)
		next.ServeHTTP(w, r)
	})
}
