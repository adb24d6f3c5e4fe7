package middleware

import (
	"net"
	"net/http"
	"strings"
)

// CallbackIPFilter restricts the webhook endpoint to the gateway's
// published source addresses. An empty allowlist allows everything
// (sandbox/development).
func CallbackIPFilter(allowedIPs []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !ipAllowed(clientIP(r), allowedIPs) {
				http.Error(w, "Forbidden: source IP not allowed", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestSizeLimit caps the request body size.
func RequestSizeLimit(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP extracts the real client address, preferring proxy headers.
func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// First address in the chain is the originating client
		if parts := strings.Split(xff, ","); len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	ip, _, _ := net.SplitHostPort(r.RemoteAddr)
	return ip
}

func ipAllowed(clientAddr string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}

	ip := net.ParseIP(clientAddr)
	if ip == nil {
		return false
	}

	for _, a := range allowed {
		if strings.Contains(a, "/") {
			if _, ipNet, err := net.ParseCIDR(a); err == nil && ipNet.Contains(ip) {
				return true
			}
			continue
		}
		if allowedIP := net.ParseIP(a); allowedIP != nil && ip.Equal(allowedIP) {
			return true
		}
	}
	return false
}
