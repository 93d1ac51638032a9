// Ridepool - Location-Scoped Ride-Share Group Coordination
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ridepool

package supervisor

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/tomtom215/ridepool/internal/logging"
)

// StartStopper is the lifecycle shape shared by the queue runner and the
// sweeper: a non-blocking Start that spawns the loop, and a blocking Stop.
type StartStopper interface {
	Start(ctx context.Context) error
	Stop()
}

// LoopService adapts a StartStopper to the suture.Service interface.
type LoopService struct {
	Name   string
	Target StartStopper
}

// NewLoopService wraps a runner-style component for supervision.
func NewLoopService(name string, target StartStopper) *LoopService {
	return &LoopService{Name: name, Target: target}
}

// Serve implements suture.Service.
func (s *LoopService) Serve(ctx context.Context) error {
	logging.Info().Str("service", s.Name).Msg("Starting supervised service")

	if err := s.Target.Start(ctx); err != nil {
		logging.Error().Str("service", s.Name).Err(err).Msg("Failed to start supervised service")
		return err
	}

	<-ctx.Done()
	s.Target.Stop()

	logging.Info().Str("service", s.Name).Msg("Supervised service stopped")
	return ctx.Err()
}

func (s *LoopService) String() string { return s.Name }

// HTTPService runs an http.Server under supervision with graceful shutdown.
type HTTPService struct {
	Server          *http.Server
	ShutdownTimeout time.Duration
}

// NewHTTPService wraps an HTTP server. A zero shutdown timeout defaults to
// 15 seconds.
func NewHTTPService(srv *http.Server, shutdownTimeout time.Duration) *HTTPService {
	if shutdownTimeout == 0 {
		shutdownTimeout = 15 * time.Second
	}
	return &HTTPService{Server: srv, ShutdownTimeout: shutdownTimeout}
}

// Serve implements suture.Service. It blocks until the listener fails or the
// context ends, then drains in-flight requests.
func (s *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", s.Server.Addr).Msg("HTTP server listening")
		errCh <- s.Server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err

	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.ShutdownTimeout)
		defer cancel()
		if err := s.Server.Shutdown(shutdownCtx); err != nil {
			logging.Warn().Err(err).Msg("HTTP server shutdown error")
		}
		logging.Info().Msg("HTTP server stopped")
		return ctx.Err()
	}
}

func (s *HTTPService) String() string { return "http-server" }
