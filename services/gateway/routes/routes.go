// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/ComputeGateway/services/gateway/chain"
	"github.com/AleutianAI/ComputeGateway/services/gateway/handlers"
	"github.com/AleutianAI/ComputeGateway/services/gateway/middleware"
	"github.com/AleutianAI/ComputeGateway/services/gateway/transport"
)

// Deps are the collaborators the routes are bound to.
type Deps struct {
	Sessions handlers.SessionController
	Status   handlers.StatusReader
	Jobs     chain.Resolver
	Agents   handlers.AgentRegistry
	Messages handlers.MessageServer

	// AgentSecret enables agent authentication when non-empty.
	AgentSecret []byte
	// OnAgentRejected is called for every rejected agent. Optional.
	OnAgentRejected func()
	AgentOptions    transport.Options

	// Gatherer backs /metrics. Nil serves the default registry.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// SetupRoutes mounts every gateway endpoint on router.
func SetupRoutes(router *gin.Engine, deps Deps) {
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	router.GET("/ws/:"+middleware.HostParam,
		middleware.AgentAuth(deps.AgentSecret, deps.OnAgentRejected),
		handlers.HandleAgentSocket(deps.Agents, deps.Messages, deps.AgentOptions, deps.Logger),
	)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/agents", handlers.HandleListAgents(deps.Agents))

		jobs := v1.Group("/jobs/:" + handlers.JobParam)
		{
			jobs.GET("", handlers.HandleGetJob(deps.Jobs, deps.Logger))
			jobs.POST("/start", handlers.HandleStartSession(deps.Sessions))
			jobs.POST("/stop", handlers.HandleStopSession(deps.Sessions))
			jobs.GET("/session", handlers.HandleGetSession(deps.Status))
		}
	}
}
