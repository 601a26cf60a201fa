package web

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestSecureSetsHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	Secure(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/info", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-referrer", rec.Header().Get("Referrer-Policy"))
	assert.Contains(t, rec.Header().Get("Content-Security-Policy"), "default-src 'none'")
}

func TestSecureRejectsOversizedRequests(t *testing.T) {
	tests := map[string]func(r *http.Request){
		"long path": func(r *http.Request) { r.URL.Path = "/" + strings.Repeat("a", 2048) },
		"long query": func(r *http.Request) {
			r.URL.RawQuery = "q=" + strings.Repeat("b", 5000)
		},
		"long header": func(r *http.Request) { r.Header.Set("X-Custom", strings.Repeat("c", 9000)) },
		"long user agent": func(r *http.Request) {
			r.Header.Set("User-Agent", strings.Repeat("d", 1025))
		},
	}

	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/health", nil)
			mutate(r)
			rec := httptest.NewRecorder()
			Secure(okHandler()).ServeHTTP(rec, r)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Empty(t, rec.Header().Get("X-Content-Type-Options"))
		})
	}
}

func TestValidateHeaderValue(t *testing.T) {
	assert.Nil(t, validateHeaderValue("Host", "relay.example.com"))

	err := validateHeaderValue("X-Forwarded-For", "1.2.3.4\r\nSet-Cookie: x")
	if assert.NotNil(t, err) {
		assert.Equal(t, "header_injection", err.Type)
	}

	err = validateHeaderValue("Host", "relay example.com")
	if assert.NotNil(t, err) {
		assert.Equal(t, "invalid_host", err.Type)
	}

	err = validateHeaderValue("Referer", string([]byte{0xff, 0xfe}))
	if assert.NotNil(t, err) {
		assert.Equal(t, "invalid_encoding", err.Type)
	}
}
