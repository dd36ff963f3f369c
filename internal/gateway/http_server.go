package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/funnelsync/internal/auth"
	"github.com/haasonsaas/funnelsync/internal/relay"
)

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	mux.Handle("/ws", relay.NewHandler(s.broadcaster, relay.HandlerConfig{
		Logger:         s.logger,
		Metrics:        s.metrics,
		SendBuffer:     s.config.Relay.SendBuffer,
		AllowedOrigins: s.config.Relay.AllowedOrigins,
	}))

	admin := http.NewServeMux()
	s.registerAdminRoutes(admin)
	mux.Handle("/api/telegram/", auth.RequireUser(s.authService, s.logger)(admin))

	return mux
}

func (s *Server) startHTTPServer(ctx context.Context) error {
	addr := s.config.Server.Addr()
	server := &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	s.httpServer = server
	s.httpListener = listener

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("starting http server", "addr", listener.Addr().String())
	return nil
}

func (s *Server) stopHTTPServer(ctx context.Context) {
	if s.httpServer == nil {
		return
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("http server shutdown error", "error", err)
	}
	s.httpServer = nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        s.version,
		"uptimeMs":       time.Since(s.startTime).Milliseconds(),
		"bridges":        s.manager.ActiveCount(),
		"clientSessions": s.broadcaster.SessionCount(),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload) //nolint:errcheck
}
