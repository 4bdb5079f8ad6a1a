// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gateway assembles the session gateway service.
//
// # Architecture
//
//	      Renter frontend                     Host agents
//	            │ REST                             │ websocket
//	            ▼                                  ▼
//	┌──────────────────────────────────────────────────────────┐
//	│                     gin engine                           │
//	│  /api/v1/jobs/...            /ws/:hostAddress            │
//	└──────┬───────────────┬──────────────────┬────────────────┘
//	       │               │                  │
//	       ▼               ▼                  ▼
//	  dispatch.        status.          registry.Registry ◄── agent.Router
//	  Dispatcher       Service                 ▲                  │
//	       │               │                   │ commands         │ reports
//	       └───────┬───────┴───────────────────┘                  │
//	               ▼                                              ▼
//	        chain.CachedResolver ──► chain.AptosClient     sessions.Cache
//
// All state is in memory. A restart forgets every session and connection;
// agents reconnect and hosts report again.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/ComputeGateway/services/gateway/agent"
	"github.com/AleutianAI/ComputeGateway/services/gateway/chain"
	"github.com/AleutianAI/ComputeGateway/services/gateway/config"
	"github.com/AleutianAI/ComputeGateway/services/gateway/dispatch"
	"github.com/AleutianAI/ComputeGateway/services/gateway/observability"
	"github.com/AleutianAI/ComputeGateway/services/gateway/registry"
	"github.com/AleutianAI/ComputeGateway/services/gateway/routes"
	"github.com/AleutianAI/ComputeGateway/services/gateway/sessions"
	"github.com/AleutianAI/ComputeGateway/services/gateway/status"
	"github.com/AleutianAI/ComputeGateway/services/gateway/transport"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service is the gateway lifecycle.
//
// # Thread Safety
//
// Run blocks and must be called at most once. Router may be called from
// any goroutine.
type Service interface {
	// Run listens on the configured port and serves until ctx is cancelled.
	Run(ctx context.Context) error

	// Serve is Run on an existing listener.
	Serve(ctx context.Context, ln net.Listener) error

	// Router returns the configured engine, for tests.
	Router() *gin.Engine
}

// =============================================================================
// Implementation
// =============================================================================

type service struct {
	config config.Config
	logger *slog.Logger

	metricsRegistry *prometheus.Registry
	metrics         *observability.Metrics

	cache      *sessions.Cache
	resolver   *chain.CachedResolver
	registry   *registry.Registry
	router     *agent.Router
	dispatcher *dispatch.Dispatcher
	status     *status.Service

	engine        *gin.Engine
	tracerCleanup observability.ShutdownFunc
}

// New wires every component from cfg.
//
// # Description
//
// Builds, in order: tracing, metrics, the chain client and its cache, the
// session cache, the connection registry, the agent message router, the
// command dispatcher, the status service, and the HTTP routes.
//
// # Inputs
//
//   - cfg: A validated configuration (see config.Load).
//   - logger: Base logger. Nil uses slog.Default().
//
// # Outputs
//
//   - Service: Ready to Run.
//   - error: Non-nil if tracing or the chain client cannot be set up.
func New(cfg config.Config, logger *slog.Logger) (Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &service{
		config: cfg,
		logger: logger,
	}

	cleanup, err := observability.InitTracer(context.Background(), observability.TracingConfig{
		Exporter: cfg.Tracing.Exporter,
		Endpoint: cfg.Tracing.Endpoint,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	s.initMetrics()

	if err := s.initChain(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize chain client: %w", err)
	}

	s.cache = sessions.NewCache()
	s.registry = registry.New(logger, registry.WithObserver(s.metrics))
	s.router = agent.NewRouter(s.cache, s.resolver, logger, agent.WithObserver(s.metrics))
	s.dispatcher = dispatch.New(s.cache, s.resolver, s.registry, logger, s.metrics)
	s.status = status.New(s.cache, s.resolver, logger, status.WithObserver(s.metrics))

	s.initRouter()

	return s, nil
}

// Run implements Service.
func (s *service) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.config.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.cleanup()
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve implements Service.
//
// # Description
//
// Serves HTTP on ln. When ctx is cancelled every agent channel is closed
// (hijacked websockets are not tracked by http.Server.Shutdown), in-flight
// REST requests are drained for up to server.shutdown_timeout, and the
// tracer is flushed.
//
// # Outputs
//
//   - error: Nil after a clean shutdown.
func (s *service) Serve(ctx context.Context, ln net.Listener) error {
	defer s.cleanup()

	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting session gateway", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down session gateway", "connected_hosts", s.registry.Len())
	s.registry.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Router implements Service.
func (s *service) Router() *gin.Engine {
	return s.engine
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// initMetrics creates a private registry so that several services can
// coexist in one process (tests).
func (s *service) initMetrics() {
	s.metricsRegistry = prometheus.NewRegistry()
	s.metricsRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = observability.NewMetrics(s.metricsRegistry)
}

func (s *service) initChain() error {
	client, err := chain.NewAptosClient(chain.ClientConfig{
		NodeURL:            s.config.Chain.NodeURL,
		MarketplaceAddress: s.config.Chain.MarketplaceAddress,
		Timeout:            s.config.Chain.Timeout,
		RequestsPerSecond:  s.config.Chain.RequestsPerSecond,
		Burst:              s.config.Chain.Burst,
	}, s.logger, s.metrics)
	if err != nil {
		return err
	}
	s.resolver = chain.NewCachedResolver(client, s.config.Chain.CacheTTL,
		chain.WithLookupTimeout(s.config.Chain.Timeout))
	s.logger.Info("Chain client initialized",
		"node_url", s.config.Chain.NodeURL,
		"cache_ttl", s.config.Chain.CacheTTL.String())
	return nil
}

// initRouter creates the gin engine and mounts every route.
func (s *service) initRouter() {
	if s.config.Server.GinMode != "" {
		gin.SetMode(s.config.Server.GinMode)
	}
	s.engine = gin.Default()
	s.engine.Use(otelgin.Middleware(observability.ServiceName))

	routes.SetupRoutes(s.engine, routes.Deps{
		Sessions:        s.dispatcher,
		Status:          s.status,
		Jobs:            s.resolver,
		Agents:          s.registry,
		Messages:        s.router,
		AgentSecret:     []byte(s.config.Agents.TokenSecret),
		OnAgentRejected: s.metrics.AgentRejected,
		AgentOptions: transport.Options{
			WriteTimeout:    s.config.Agents.WriteTimeout,
			PingPeriod:      s.config.Agents.PingPeriod,
			MaxMessageBytes: s.config.Agents.MaxMessageBytes,
		},
		Gatherer: s.metricsRegistry,
		Logger:   s.logger,
	})
}

// cleanup releases resources. Safe to call more than once.
func (s *service) cleanup() {
	if s.registry != nil {
		s.registry.CloseAll()
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
		s.tracerCleanup = nil
	}
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var (
	_ Service               = (*service)(nil)
	_ dispatch.Sender       = (*registry.Registry)(nil)
	_ registry.Channel      = (*transport.WSChannel)(nil)
	_ agent.Source          = (*transport.WSChannel)(nil)
	_ chain.Resolver        = (*chain.CachedResolver)(nil)
	_ dispatch.Invalidator  = (*chain.CachedResolver)(nil)
	_ chain.RequestObserver = (*observability.Metrics)(nil)
	_ registry.Observer     = (*observability.Metrics)(nil)
	_ agent.Observer        = (*observability.Metrics)(nil)
	_ dispatch.Observer     = (*observability.Metrics)(nil)
	_ status.Observer       = (*observability.Metrics)(nil)
)
