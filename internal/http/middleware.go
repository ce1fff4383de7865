package http

import (
	"context"
	"math"
	"net/http"
	"strconv"
)

// limitInflight bounds the number of requests handled at once. A request
// that cannot get a slot within QueueTimeout is turned away with 503.
func (s *Server) limitInflight(next http.Handler) http.Handler {
	if s.inflight == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.opts.QueueTimeout)
		err := s.inflight.Acquire(ctx, 1)
		cancel()
		if err != nil {
			w.Header().Set("Retry-After", "1")
			s.writeJSON(w, http.StatusServiceUnavailable, NewErrorResponse("server busy"))
			return
		}
		defer s.inflight.Release(1)

		next.ServeHTTP(w, r)
	})
}

// limitRate applies the ingestion token bucket.
func (s *Server) limitRate(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	retryAfter := strconv.Itoa(int(math.Ceil(1 / float64(s.limiter.Limit()))))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			w.Header().Set("Retry-After", retryAfter)
			s.writeJSON(w, http.StatusTooManyRequests, NewErrorResponse("rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
