package middleware

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

func TestInternalAuth(t *testing.T) {
	handler := InternalAuth("top-secret")(okHandler())

	tests := []struct {
		name       string
		secret     string
		wantStatus int
	}{
		{name: "correct secret", secret: "top-secret", wantStatus: http.StatusOK},
		{name: "wrong secret", secret: "wrong", wantStatus: http.StatusUnauthorized},
		{name: "missing secret", secret: "", wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/payments/stk", nil)
			if tt.secret != "" {
				req.Header.Set("X-Internal-Secret", tt.secret)
			}
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestCallbackIPFilter(t *testing.T) {
	tests := []struct {
		name       string
		allowed    []string
		realIP     string
		forwarded  string
		remoteAddr string
		wantStatus int
	}{
		{
			name:       "empty allowlist allows everything",
			allowed:    nil,
			remoteAddr: "10.0.0.1:1234",
			wantStatus: http.StatusOK,
		},
		{
			name:       "direct ip match",
			allowed:    []string{"196.201.214.200"},
			realIP:     "196.201.214.200",
			wantStatus: http.StatusOK,
		},
		{
			name:       "cidr match",
			allowed:    []string{"196.201.214.0/24"},
			realIP:     "196.201.214.53",
			wantStatus: http.StatusOK,
		},
		{
			name:       "outside cidr",
			allowed:    []string{"196.201.214.0/24"},
			realIP:     "196.201.215.1",
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "forwarded-for uses first hop",
			allowed:    []string{"196.201.214.200"},
			forwarded:  "196.201.214.200, 10.0.0.1",
			wantStatus: http.StatusOK,
		},
		{
			name:       "remote addr fallback rejected",
			allowed:    []string{"196.201.214.200"},
			remoteAddr: "10.0.0.1:1234",
			wantStatus: http.StatusForbidden,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := CallbackIPFilter(tt.allowed)(okHandler())

			req := httptest.NewRequest(http.MethodPost, "/callback", nil)
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if tt.remoteAddr != "" {
				req.RemoteAddr = tt.remoteAddr
			}
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestRequestSizeLimit(t *testing.T) {
	handler := RequestSizeLimit(16)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 64)
		if _, err := r.Body.Read(buf); err != nil && err.Error() == "http: request body too large" {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("small body passes", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/callback", strings.NewReader("tiny"))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("oversized body rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/callback", strings.NewReader(strings.Repeat("x", 1024)))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})
}
