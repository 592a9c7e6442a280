// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// ============================================================================
// Rate Limiter
// ============================================================================

// RateLimiter is a token bucket per client IP.
type RateLimiter struct {
	// limiters maps client IPs to their bucket.
	limiters map[string]*clientLimiter

	// perMinute is the sustained request budget; it is also the burst.
	perMinute int

	mu sync.Mutex
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// idleTTL is how long an idle client's bucket is kept.
const idleTTL = 10 * time.Minute

// NewRateLimiter creates a RateLimiter allowing perMinute requests per
// client IP per minute.
func NewRateLimiter(perMinute int) *RateLimiter {
	return &RateLimiter{
		limiters:  make(map[string]*clientLimiter),
		perMinute: perMinute,
	}
}

// Allow reports whether a request from ip may proceed.
func (rl *RateLimiter) Allow(ip string) bool {
	return rl.get(ip).Allow()
}

// Remaining returns the whole tokens left for ip.
func (rl *RateLimiter) Remaining(ip string) int {
	n := int(rl.get(ip).Tokens())
	if n < 0 {
		return 0
	}
	return n
}

func (rl *RateLimiter) get(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cl, ok := rl.limiters[ip]
	if !ok {
		cl = &clientLimiter{
			limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(rl.perMinute)), rl.perMinute),
		}
		rl.limiters[ip] = cl
	}
	cl.lastSeen = now
	rl.sweep(now)
	return cl.limiter
}

// sweep drops idle buckets. The caller holds rl.mu.
func (rl *RateLimiter) sweep(now time.Time) {
	for ip, cl := range rl.limiters {
		if now.Sub(cl.lastSeen) > idleTTL {
			delete(rl.limiters, ip)
		}
	}
}

// RateLimitMiddleware returns HTTP middleware that enforces rate limiting.
//
// Returns 429 Too Many Requests if the rate limit is exceeded.
// Adds X-RateLimit-* headers to all responses.
func RateLimitMiddleware(limiter *RateLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientIP := GetClientIP(r)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limiter.perMinute))

			if !limiter.Allow(clientIP) {
				w.Header().Set("X-RateLimit-Remaining", "0")
				w.Header().Set("Retry-After", "60")
				logger.Warn("rate limit exceeded", "ip", clientIP, "limit", limiter.perMinute)
				writeError(w, http.StatusTooManyRequests, "too many requests")
				return
			}

			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(limiter.Remaining(clientIP)))
			next.ServeHTTP(w, r)
		})
	}
}

// ============================================================================
// Request ID Middleware
// ============================================================================

type requestIDKey struct{}

// RequestIDMiddleware tags each request with an ID, echoed in X-Request-ID.
func RequestIDMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if id == "" || len(id) > 64 {
				id = uuid.NewString()
			}
			w.Header().Set("X-Request-ID", id)
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
		})
	}
}

// RequestID returns the ID assigned by RequestIDMiddleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// ============================================================================
// Request Logging Middleware
// ============================================================================

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

// newResponseWriter creates a wrapped response writer.
func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

// WriteHeader captures the status code before writing it.
func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush lets streaming handlers flush through the wrapper.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// LoggingMiddleware returns HTTP middleware that logs all requests.
func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := newResponseWriter(w)

			next.ServeHTTP(wrapped, r)

			logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrapped.statusCode,
				"duration", time.Since(start),
				"request_id", RequestID(r.Context()),
			)
		})
	}
}

// ============================================================================
// Security Headers Middleware
// ============================================================================

// SecurityHeadersMiddleware returns HTTP middleware that adds security headers.
//
// Headers set:
//   - X-Content-Type-Options: nosniff
//   - X-Frame-Options: DENY
//   - Cache-Control: no-store
func SecurityHeadersMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Cache-Control", "no-store")
			next.ServeHTTP(w, r)
		})
	}
}

// ============================================================================
// Recovery Middleware
// ============================================================================

// RecoveryMiddleware returns HTTP middleware that recovers from panics,
// logs the stack and answers 500.
func RecoveryMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					if err == http.ErrAbortHandler {
						panic(err)
					}
					logger.Error("panic recovered",
						"method", r.Method,
						"path", r.URL.Path,
						"error", err,
						"stack", string(debug.Stack()),
					)
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// ============================================================================
// Middleware Chain Helper
// ============================================================================

// Chain composes multiple middleware functions into a single middleware.
// Middlewares are applied in the order provided.
//
// Example:
//
//	chain := Chain(
//	    LoggingMiddleware(logger),
//	    RateLimitMiddleware(limiter, logger),
//	)
//	http.Handle("/v1/", chain(handler))
func Chain(middlewares ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(final http.Handler) http.Handler {
		// Apply middlewares in reverse order so they execute in order
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

// ============================================================================
// IP Extraction Helper
// ============================================================================

// GetClientIP extracts the client IP address from an HTTP request.
//
// X-Forwarded-For and X-Real-IP are only trusted when the connection comes
// from loopback, where a local reverse proxy may sit in front of the API.
func GetClientIP(r *http.Request) string {
	connIP := getRemoteIP(r.RemoteAddr)

	ip := net.ParseIP(connIP)
	if ip == nil || !ip.IsLoopback() {
		return connIP
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if net.ParseIP(first) != nil {
			return first
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" && net.ParseIP(xri) != nil {
		return xri
	}
	return connIP
}

// getRemoteIP extracts the IP address from r.RemoteAddr.
// RemoteAddr is in the format "IP:port" or "[IPv6]:port".
func getRemoteIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		// RemoteAddr might not have a port
		return remoteAddr
	}
	return host
}
