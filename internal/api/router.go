// Ridepool - Location-Scoped Ride-Share Group Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ridepool

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/ridepool/internal/identity"
	"github.com/tomtom215/ridepool/internal/metrics"
)

// RouterConfig tunes the HTTP surface.
type RouterConfig struct {
	// CORSAllowedOrigins is empty by default; cross-origin access must be
	// configured explicitly.
	CORSAllowedOrigins []string

	// ReadRequests/Window is the per-IP limit for read endpoints.
	ReadRequests int
	ReadWindow   time.Duration

	// MutationsPerMinute/MutationBurst is the per-user budget for
	// submitted mutations.
	MutationsPerMinute int
	MutationBurst      int

	// RateLimitDisabled turns all limits off (tests).
	RateLimitDisabled bool
}

// DefaultRouterConfig returns production defaults.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		CORSAllowedOrigins: []string{},
		ReadRequests:       300,
		ReadWindow:         time.Minute,
		MutationsPerMinute: 30,
		MutationBurst:      10,
	}
}

// Router assembles the chi routing tree.
type Router struct {
	handler *Handler
	auth    *authenticator
	config  RouterConfig

	// wsHandler serves /ws; nil responds 503.
	wsHandler http.Handler
}

// NewRouter builds a router. verifier and staticUser select the auth mode:
// verifier set means bearer tokens, staticUser set means a fixed identity,
// neither means anonymous reads with mutations rejected at the engine.
func NewRouter(h *Handler, verifier *identity.TokenVerifier, staticUser *identity.User, wsHandler http.Handler, cfg RouterConfig) *Router {
	return &Router{
		handler:   h,
		auth:      &authenticator{verifier: verifier, staticUser: staticUser},
		config:    cfg,
		wsHandler: wsHandler,
	}
}

// Routes returns the assembled http.Handler.
func (rt *Router) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger)
	r.Use(recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: rt.config.CORSAllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         86400,
	}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(securityHeaders)
		r.Use(rt.readLimit())
		r.Use(rt.auth.middleware)

		r.Get("/health", rt.handler.Health)

		r.Route("/groups", func(r chi.Router) {
			r.Get("/", rt.handler.ListGroups)
			r.Get("/nearby", rt.handler.NearbyGroups)
			r.Get("/{id}", rt.handler.GetGroup)

			r.Group(func(r chi.Router) {
				r.Use(rt.mutationLimit())
				r.Post("/", rt.handler.CreateGroup)
				r.Post("/{id}/join", rt.handler.JoinGroup)
				r.Post("/{id}/leave", rt.handler.LeaveGroup)
				r.Delete("/{id}", rt.handler.DeleteGroup)
			})
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/sweep", rt.handler.TriggerSweep)
			r.Get("/queue", rt.handler.QueueStats)
		})
	})

	r.Get("/ws", func(w http.ResponseWriter, req *http.Request) {
		if rt.wsHandler == nil {
			writeError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "WebSocket endpoint not configured")
			return
		}
		rt.wsHandler.ServeHTTP(w, req)
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}

func (rt *Router) readLimit() func(http.Handler) http.Handler {
	if rt.config.RateLimitDisabled {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(rt.config.ReadRequests, rt.config.ReadWindow,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			metrics.RecordRateLimitHit("read")
			writeError(w, http.StatusTooManyRequests, ErrCodeTooManyRequests, "Too many requests")
		}),
	)
}

func (rt *Router) mutationLimit() func(http.Handler) http.Handler {
	if rt.config.RateLimitDisabled {
		return func(next http.Handler) http.Handler { return next }
	}
	limiter := newMutationLimiter(rt.config.MutationsPerMinute, rt.config.MutationBurst)
	return limiter.middleware
}
