package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/tunnelmesh/casmesh/internal/copier"
)

// statusRecorder wraps http.ResponseWriter to capture the HTTP status code.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
		r.ResponseWriter.WriteHeader(code)
	}
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.ResponseWriter.Write(b)
}

// getStatus returns the recorded status, defaulting to 200 if WriteHeader was never called.
func (r *statusRecorder) getStatus() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

// protect wraps a peer route with request accounting, rate limiting and
// authentication, in that order.
func (s *Server) protect(route string, next http.HandlerFunc) http.Handler {
	var h http.Handler = next
	if s.signer != nil {
		h = s.signer.Middleware(h)
	}
	h = s.withRateLimit(h)
	return s.observe(route, h)
}

func (s *Server) withRateLimit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			s.jsonError(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) observe(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		status := rec.getStatus()
		label := strings.ToLower(r.Method) + "_" + route
		if s.metrics != nil {
			s.metrics.ObserveRequest(label, status)
		}
		s.logger.Debug().
			Str("route", label).
			Str("path", r.URL.Path).
			Int("status", status).
			Str("request_id", r.Header.Get(copier.HeaderRequestID)).
			Str("origin", r.Header.Get(copier.HeaderOrigin)).
			Dur("duration", time.Since(start)).
			Msg("Handled request")
	})
}
