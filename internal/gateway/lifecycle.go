package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/funnelsync/internal/bridge"
)

// Start wires inbound routing, restores persisted bridges and begins
// serving HTTP. It returns once the listener is bound.
func (s *Server) Start(ctx context.Context) error {
	s.startTime = time.Now()

	s.manager.OnInbound(func(ctx context.Context, ev bridge.InboundEvent) {
		if err := s.broadcaster.RouteInbound(ctx, ev.ChatID, ev.Text, ev.ChannelID); err != nil {
			s.logger.Warn("inbound message dropped",
				"user_id", ev.UserID, "channel_id", ev.ChannelID, "error", err)
		}
	})

	report, err := s.manager.RestoreAll(ctx)
	if err != nil {
		return fmt.Errorf("restore bridges: %w", err)
	}
	s.logger.Info("bridges restored at startup",
		"restored", report.Restored, "failed", report.Failed, "skipped", report.Skipped)

	if err := s.startHTTPServer(ctx); err != nil {
		return fmt.Errorf("failed to start http server: %w", err)
	}
	return nil
}

// Stop shuts down in dependency order: HTTP first so no new work arrives,
// then clients, then bridges, then storage.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping server", "uptime", time.Since(s.startTime).Round(time.Second).String())

	var errs []error
	s.stopHTTPServer(ctx)
	s.broadcaster.Shutdown()
	if err := s.manager.Shutdown(ctx); err != nil {
		s.logger.Error("error stopping bridges", "error", err)
		errs = append(errs, err)
	}
	if err := s.stores.Close(); err != nil {
		s.logger.Error("error closing storage", "error", err)
		errs = append(errs, err)
	}
	if s.tracerShutdown != nil {
		if err := s.tracerShutdown(ctx); err != nil {
			s.logger.Warn("tracer shutdown error", "error", err)
		}
	}
	return errors.Join(errs...)
}
