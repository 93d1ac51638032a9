// Ridepool - Location-Scoped Ride-Share Group Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ridepool

package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/tomtom215/ridepool/internal/identity"
	"github.com/tomtom215/ridepool/internal/logging"
	"github.com/tomtom215/ridepool/internal/metrics"
)

// requestLogger logs one structured line per request with status, duration,
// and the chi request ID, and feeds the Prometheus request metrics. The
// route pattern is resolved after serving so path parameters collapse into
// one endpoint label.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		duration := time.Since(start)
		endpoint := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			endpoint = rctx.RoutePattern()
		}
		metrics.RecordAPIRequest(r.Method, endpoint, strconv.Itoa(ww.Status()), duration)

		logging.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", duration).
			Str("request_id", chimiddleware.GetReqID(r.Context())).
			Str("remote_addr", r.RemoteAddr).
			Msg("Request")
	})
}

// recoverer converts handler panics into 500 responses instead of dropping
// the connection.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logging.Error().
					Interface("panic", rec).
					Str("path", r.URL.Path).
					Msg("Handler panic recovered")
				writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "Internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// securityHeaders adds the standard hardening headers to API responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// authenticator resolves the caller and stashes it on the request context.
// With a verifier configured it requires a valid bearer token; otherwise it
// falls back to the static user, and with neither every request is anonymous
// (mutations then fail with 401 at the engine).
type authenticator struct {
	verifier   *identity.TokenVerifier
	staticUser *identity.User
}

func (a *authenticator) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.verifier != nil {
			bearer := r.Header.Get("Authorization")
			user, err := a.verifier.Verify(bearer)
			if err != nil {
				writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "Invalid or missing token")
				return
			}
			next.ServeHTTP(w, r.WithContext(identity.ContextWithUser(r.Context(), user)))
			return
		}
		if a.staticUser != nil {
			next.ServeHTTP(w, r.WithContext(identity.ContextWithUser(r.Context(), a.staticUser)))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// mutationLimiter applies a per-user token bucket to mutation submissions so
// one rider cannot flood the durable queue. Buckets are pruned lazily when
// the map grows past maxBuckets.
type mutationLimiter struct {
	mu         sync.Mutex
	buckets    map[string]*userBucket
	limit      rate.Limit
	burst      int
	maxBuckets int
}

type userBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newMutationLimiter(perMinute, burst int) *mutationLimiter {
	return &mutationLimiter{
		buckets:    make(map[string]*userBucket),
		limit:      rate.Limit(float64(perMinute) / 60.0),
		burst:      burst,
		maxBuckets: 10000,
	}
}

func (l *mutationLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= l.maxBuckets {
			l.pruneLocked()
		}
		b = &userBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = time.Now()
	return b.limiter.Allow()
}

func (l *mutationLimiter) pruneLocked() {
	cutoff := time.Now().Add(-10 * time.Minute)
	for key, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

func (l *mutationLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.RemoteAddr
		if u, ok := identity.UserFromContext(r.Context()); ok {
			key = u.ID
		}
		if !l.allow(key) {
			metrics.RecordRateLimitHit("mutation")
			writeError(w, http.StatusTooManyRequests, ErrCodeTooManyRequests, "Too many mutation requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}
