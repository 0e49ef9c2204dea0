// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package server exposes the sentinel query and control surface over HTTP.
//
// Read endpoints are side-effect free and answer from in-memory state so
// the scheduler can poll them on its hot path. Mutating endpoints map
// one-to-one onto the kill switch and safe mode operations.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/sentinel/services/sentinel/classifier"
	"github.com/AleutianAI/sentinel/services/sentinel/escalation"
	"github.com/AleutianAI/sentinel/services/sentinel/killswitch"
	"github.com/AleutianAI/sentinel/services/sentinel/registry"
	"github.com/AleutianAI/sentinel/services/sentinel/safemode"
)

// Config configures the HTTP server.
type Config struct {
	// Addr is the listen address.
	Addr string

	// EnableTracing turns on OpenTelemetry middleware.
	EnableTracing bool

	// Logger for request lifecycle events. If nil, uses slog.Default().
	Logger *slog.Logger
}

// Server wires the safety components to HTTP handlers.
type Server struct {
	killSw     *killswitch.Switch
	safeMode   *safemode.Controller
	classifier *classifier.Classifier
	engine     *escalation.Engine
	registry   *registry.InMemory
	logger     *slog.Logger

	httpServer *http.Server
}

// New creates the server and registers all routes.
//
// reg may be nil when agent registration is handled out of process; the
// agent lifecycle endpoints then return 404.
func New(cfg Config, ks *killswitch.Switch, sm *safemode.Controller, cl *classifier.Classifier, eng *escalation.Engine, reg *registry.InMemory) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		killSw:     ks,
		safeMode:   sm,
		classifier: cl,
		engine:     eng,
		registry:   reg,
		logger:     logger.With(slog.String("component", "server")),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.EnableTracing {
		router.Use(otelgin.Middleware("sentinel"))
	}

	router.GET("/healthz", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	{
		v1.GET("/status", s.handleStatus)
		v1.GET("/operational", s.handleOperational)
		v1.GET("/history", s.handleHistory)
		v1.GET("/safemode/limits", s.handleLimits)
		v1.GET("/safemode/operations/:op", s.handleOperationAllowed)
		v1.GET("/violations", s.handleViolations)

		v1.POST("/check", s.handleCheck)
		v1.POST("/ack", s.handleAck)
		v1.POST("/trigger", s.handleTrigger)
		v1.POST("/recover", s.handleRecover)
		v1.POST("/verify", s.handleVerify)
		v1.POST("/safemode/enter", s.handleEnterSafeMode)
		v1.POST("/safemode/exit", s.handleExitSafeMode)
		v1.POST("/selftest", s.handleSelfTest)

		if s.registry != nil {
			v1.POST("/agents/:id/register", s.handleAgentRegister)
			v1.POST("/agents/:id/heartbeat", s.handleAgentHeartbeat)
			v1.POST("/agents/:id/deregister", s.handleAgentDeregister)
		}
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", slog.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
