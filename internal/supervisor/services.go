// RealtimeDataPlatform - Operational Substrate for Long-Running Services
// Copyright 2026 yebeike
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yebeike/RealtimeDataPlatform

package supervisor

import (
	"context"
	"time"

	"github.com/yebeike/RealtimeDataPlatform/internal/api"
	"github.com/yebeike/RealtimeDataPlatform/internal/cache"
	"github.com/yebeike/RealtimeDataPlatform/internal/logging"
)

// ServiceFunc adapts a plain run function to suture.Service. name is used
// in supervisor logs.
type ServiceFunc struct {
	ServiceName string
	Run         func(ctx context.Context) error
}

func (s ServiceFunc) Serve(ctx context.Context) error {
	return s.Run(ctx)
}

func (s ServiceFunc) String() string {
	return s.ServiceName
}

// APIServer supervises the admin HTTP server: listen on start, drain on
// context cancellation.
type APIServer struct {
	Server *api.Server
}

func (a APIServer) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Server.Start()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.Server.Shutdown(shutdownCtx); err != nil {
			logging.Warn().Err(err).Msg("Admin server shutdown incomplete")
		}
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (APIServer) String() string {
	return "admin-server"
}

// WarmupService runs the cache warmup on start, then keeps the scheduled
// warm loops alive until shutdown.
type WarmupService struct {
	Warmer *cache.Warmer
}

func (w WarmupService) Serve(ctx context.Context) error {
	result := w.Warmer.WarmStartup(ctx)
	logging.Info().
		Int("succeeded", len(result.Successful)).
		Int("failed", len(result.Failed)).
		Msg("Startup cache warmup finished")

	w.Warmer.StartScheduled()
	defer w.Warmer.Stop()
	<-ctx.Done()
	return ctx.Err()
}

func (WarmupService) String() string {
	return "cache-warmup"
}
