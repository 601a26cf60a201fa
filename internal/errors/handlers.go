package errors

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// Define a custom type for context keys to avoid collisions
type contextKey string

const requestIDKey contextKey = "request_id"

// HandlerFunc is a function type that can return an error
type HandlerFunc func(w http.ResponseWriter, r *http.Request) error

// Handler wraps HandlerFunc with automatic error handling
type Handler struct {
	errorMiddleware *ErrorMiddleware
	handlerFunc     HandlerFunc
}

// NewHandler creates a new error-aware handler
func NewHandler(handlerFunc HandlerFunc) *Handler {
	return &Handler{
		errorMiddleware: GetErrorMiddleware(),
		handlerFunc:     handlerFunc,
	}
}

// ServeHTTP implements the http.Handler interface
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	r = r.WithContext(context.WithValue(r.Context(), requestIDKey, requestID))

	if err := h.handlerFunc(w, r); err != nil {
		h.errorMiddleware.HandleError(w, r, err)
	}
}

// WrapHandler wraps an error-returning handler function
func WrapHandler(handlerFunc func(w http.ResponseWriter, r *http.Request) error) http.Handler {
	return NewHandler(handlerFunc)
}

// RequestID returns the id assigned to r by Handler, if any.
func RequestID(r *http.Request) string {
	return getRequestID(r)
}
