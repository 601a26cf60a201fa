package errors

import (
	"net/http"
	"sync"
)

var (
	globalErrorMiddleware *ErrorMiddleware
	initOnce              sync.Once
)

// InitErrorHandling initializes the global error middleware. It must run after the
// logger so the middleware picks up the configured core.
func InitErrorHandling() {
	initOnce.Do(func() {
		globalErrorMiddleware = NewErrorMiddleware()
	})
}

// GetErrorMiddleware returns the global error middleware instance
func GetErrorMiddleware() *ErrorMiddleware {
	InitErrorHandling()
	return globalErrorMiddleware
}

// HandleHTTPError is a convenience function for handling HTTP errors
func HandleHTTPError(w http.ResponseWriter, r *http.Request, err error) {
	GetErrorMiddleware().HandleError(w, r, err)
}

// RecoveryMiddleware returns a middleware that recovers from panics
func RecoveryMiddleware(next http.Handler) http.Handler {
	return GetErrorMiddleware().RecoveryMiddleware(next)
}
