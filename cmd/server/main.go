// Ridepool - Location-Scoped Ride-Share Group Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ridepool

// Ridepool coordinates short-lived, location-scoped ride-share groups.
// Riders heading to the same destination see each other's groups instantly
// through an optimistic merged view, while a durable reconciliation queue
// converges every mutation against the authoritative store.
//
// Startup wires the layers bottom-up: store, queue, engine, runner, sweeper,
// WebSocket hub, HTTP API. A suture supervisor tree keeps the long-running
// pieces alive and isolates their failures from each other.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/tomtom215/ridepool/internal/api"
	"github.com/tomtom215/ridepool/internal/config"
	"github.com/tomtom215/ridepool/internal/events"
	"github.com/tomtom215/ridepool/internal/georule"
	"github.com/tomtom215/ridepool/internal/identity"
	"github.com/tomtom215/ridepool/internal/logging"
	"github.com/tomtom215/ridepool/internal/optimistic"
	"github.com/tomtom215/ridepool/internal/reconcile"
	"github.com/tomtom215/ridepool/internal/store"
	"github.com/tomtom215/ridepool/internal/supervisor"
	"github.com/tomtom215/ridepool/internal/sweeper"
	ws "github.com/tomtom215/ridepool/internal/websocket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("store_backend", cfg.Store.Backend).
		Str("auth_mode", cfg.Security.AuthMode).
		Float64("join_radius_m", cfg.Engine.JoinRadiusMeters).
		Msg("Starting Ridepool")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Authoritative group store.
	var groups store.GroupStore
	switch cfg.Store.Backend {
	case config.StoreBackendMemory:
		groups = store.NewMemStore()
		logging.Warn().Msg("Using in-memory store; groups do not survive restarts")
	case config.StoreBackendNATS:
		kv, err := store.NewNATSKVStore(ctx, store.NATSKVConfig{
			URL:           cfg.Store.NATSURL,
			Bucket:        cfg.Store.NATSBucket,
			ReconnectWait: cfg.Store.ReconnectWait,
		})
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		defer kv.Close()
		groups = kv
		logging.Info().Str("bucket", cfg.Store.NATSBucket).Msg("Connected to NATS JetStream KV")
	}

	var breaker api.BreakerReporter
	if cfg.Store.BreakerEnabled {
		bs := store.NewBreakerStore(groups, "group-store")
		groups = bs
		breaker = bs
	}

	// Durable reconciliation queue.
	queueCfg := reconcile.DefaultConfig()
	queueCfg.Path = cfg.Queue.Path
	queueCfg.SyncWrites = cfg.Queue.SyncWrites
	queueCfg.TickInterval = cfg.Queue.TickInterval
	queueCfg.MaxAttempts = cfg.Queue.MaxAttempts
	queueCfg.RetryBackoff = cfg.Queue.RetryBackoff
	queueCfg.StoreTimeout = cfg.Queue.StoreTimeout
	queueCfg.EntryTTL = cfg.Queue.EntryTTL
	queueCfg.LeaseDuration = cfg.Queue.LeaseDuration

	queue, err := reconcile.Open(&queueCfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open reconciliation queue")
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing reconciliation queue")
		}
	}()

	bus := events.NewBus()
	defer func() {
		if err := bus.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing event bus")
		}
	}()

	// Engine and runner reference each other; the runner side is wired late.
	state := optimistic.New(ctx, groups, queue, nil, identity.ContextProvider{}, optimistic.Config{
		DetachGrace: cfg.Engine.StreamDetachGrace,
	})
	runner := reconcile.NewRunner(queue, groups, state, bus)
	state.SetRunner(runner)

	rule := georule.New(cfg.Engine.JoinRadiusMeters)

	deleter, ok := groups.(sweeper.GroupDeleter)
	if !ok {
		logging.Fatal().Msgf("store %T does not support listing; sweeper cannot run", groups)
	}
	sw := sweeper.New(deleter, rule, bus, sweeper.Config{
		Interval:     cfg.Sweeper.Interval,
		SweepTimeout: cfg.Sweeper.SweepTimeout,
	})

	hub := ws.NewHub(state, bus)
	wsHandler := ws.NewHandler(hub, cfg.Security.CORSOrigins)

	// Authentication mode.
	var verifier *identity.TokenVerifier
	var staticUser *identity.User
	switch cfg.Security.AuthMode {
	case config.AuthModeToken:
		verifier, err = identity.NewTokenVerifier(cfg.Security.TokenSecret, cfg.Security.TokenIssuer)
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to build token verifier")
		}
	case config.AuthModeStatic:
		staticUser = &identity.User{
			ID:          cfg.Security.StaticUserID,
			DisplayName: cfg.Security.StaticUserName,
		}
	case config.AuthModeNone:
		logging.Warn().Msg("Authentication disabled; mutations require no identity header and will fail")
	}

	handler := api.NewHandler(state, queue, sw, rule, breaker)
	router := api.NewRouter(handler, verifier, staticUser, wsHandler, api.RouterConfig{
		CORSAllowedOrigins: cfg.Security.CORSOrigins,
		ReadRequests:       cfg.Security.RateLimitRequests,
		ReadWindow:         cfg.Security.RateLimitWindow,
		MutationsPerMinute: cfg.Security.MutationsPerMinute,
		MutationBurst:      cfg.Security.MutationBurst,
		RateLimitDisabled:  cfg.Security.RateLimitDisabled,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Supervisor tree.
	tree, err := supervisor.NewTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create supervisor tree")
	}

	tree.AddReconcileService(supervisor.NewLoopService("queue-runner", runner))
	tree.AddReconcileService(supervisor.NewLoopService("sweeper", sw))
	tree.AddMessagingService(hub)
	tree.AddAPIService(supervisor.NewHTTPService(srv, cfg.Server.ShutdownTimeout))

	errCh := tree.ServeBackground(ctx)
	logging.Info().Str("addr", srv.Addr).Msg("Ridepool started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logging.Info().Str("signal", sig.String()).Msg("Shutting down")
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			logging.Error().Err(err).Msg("Supervisor tree exited")
		}
	}

	if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
		for _, us := range report {
			logging.Warn().Str("service", us.Name).Msg("Service did not stop in time")
		}
	}

	logging.Info().Msg("Ridepool stopped")
}
