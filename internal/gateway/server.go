// Package gateway wires the stores, the bridge manager and the relay into
// one HTTP server exposing the real-time endpoint and the admin API.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/haasonsaas/funnelsync/internal/auth"
	"github.com/haasonsaas/funnelsync/internal/bridge"
	"github.com/haasonsaas/funnelsync/internal/channels"
	"github.com/haasonsaas/funnelsync/internal/channels/telegram"
	"github.com/haasonsaas/funnelsync/internal/config"
	"github.com/haasonsaas/funnelsync/internal/observability"
	"github.com/haasonsaas/funnelsync/internal/relay"
	"github.com/haasonsaas/funnelsync/internal/storage"
)

// Server is the funnelsync gateway.
type Server struct {
	config  *config.Config
	logger  *slog.Logger
	version string

	stores      storage.StoreSet
	authService *auth.Service
	manager     *bridge.Manager
	broadcaster *relay.Broadcaster
	metrics     *observability.Metrics
	registry    *prometheus.Registry
	tracer      *observability.Tracer

	tracerShutdown func(context.Context) error
	httpServer     *http.Server
	httpListener   net.Listener
	startTime      time.Time
}

// Option customizes NewServer.
type Option func(*serverOptions)

type serverOptions struct {
	dialer   channels.Dialer
	stores   *storage.StoreSet
	registry *prometheus.Registry
	tracer   *observability.Tracer
	version  string
}

// WithDialer replaces the Telegram dialer.
func WithDialer(d channels.Dialer) Option {
	return func(o *serverOptions) { o.dialer = d }
}

// WithStores uses already opened stores instead of opening the configured
// database.
func WithStores(s storage.StoreSet) Option {
	return func(o *serverOptions) { o.stores = &s }
}

// WithRegistry registers metrics on reg instead of a fresh registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *serverOptions) { o.registry = reg }
}

// WithTracer uses t instead of building one from the tracing section.
func WithTracer(t *observability.Tracer) Option {
	return func(o *serverOptions) { o.tracer = t }
}

// WithVersion sets the version reported by /healthz.
func WithVersion(v string) Option {
	return func(o *serverOptions) { o.version = v }
}

// NewServer opens storage and builds every component. Nothing is started
// until Start.
func NewServer(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	var o serverOptions
	for _, opt := range opts {
		opt(&o)
	}

	registry := o.registry
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	metrics := observability.NewMetrics(registry)

	tracer := o.tracer
	tracerShutdown := func(context.Context) error { return nil }
	if tracer == nil {
		tracer, tracerShutdown = observability.NewTracer(observability.TraceConfig{
			ServiceName:    cfg.Tracing.ServiceName,
			ServiceVersion: o.version,
			Environment:    cfg.Tracing.Environment,
			Endpoint:       cfg.Tracing.Endpoint,
			SamplingRate:   cfg.Tracing.SamplingRate,
			EnableInsecure: cfg.Tracing.Insecure,
		})
	}

	var stores storage.StoreSet
	if o.stores != nil {
		stores = *o.stores
	} else {
		opened, err := storage.Open(ctx, cfg.Database.Storage())
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		stores = opened
	}

	dialer := o.dialer
	if dialer == nil {
		dialer = telegram.NewDialer(telegram.Config{
			RateLimit:   cfg.Telegram.RateLimit,
			RateBurst:   cfg.Telegram.RateBurst,
			PerChatRate: cfg.Telegram.PerChatRate,
			ServerURL:   cfg.Telegram.ServerURL,
			PollTimeout: cfg.Telegram.PollTimeout,
			Logger:      logger,
		})
	}

	authService := auth.NewService(auth.Config{
		JWTSecret:   cfg.Auth.JWTSecret,
		TokenExpiry: cfg.Auth.TokenExpiry,
		Issuer:      cfg.Auth.Issuer,
	})

	manager, err := bridge.NewManager(bridge.Config{
		Directory:        stores.Channels,
		Dialer:           dialer,
		Metrics:          metrics,
		Tracer:           tracer,
		Logger:           logger,
		HandshakeTimeout: cfg.Telegram.HandshakeTimeout,
		CloseTimeout:     cfg.Telegram.CloseTimeout,
	})
	if err != nil {
		_ = stores.Close()
		return nil, err
	}

	broadcaster, err := relay.NewBroadcaster(relay.Config{
		Messages:     stores.Messages,
		Outbound:     manager,
		Auth:         authService,
		Metrics:      metrics,
		Tracer:       tracer,
		Logger:       logger,
		HistoryLimit: cfg.Relay.HistoryLimit,
	})
	if err != nil {
		_ = stores.Close()
		return nil, err
	}

	return &Server{
		config:         cfg,
		logger:         logger,
		version:        o.version,
		stores:         stores,
		authService:    authService,
		manager:        manager,
		broadcaster:    broadcaster,
		metrics:        metrics,
		registry:       registry,
		tracer:         tracer,
		tracerShutdown: tracerShutdown,
	}, nil
}

// Manager returns the bridge manager.
func (s *Server) Manager() *bridge.Manager { return s.manager }

// Broadcaster returns the relay broadcaster.
func (s *Server) Broadcaster() *relay.Broadcaster { return s.broadcaster }

// Addr returns the bound listen address once Start has run.
func (s *Server) Addr() string {
	if s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}
