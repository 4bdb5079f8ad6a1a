// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/ComputeGateway/services/gateway/agent"
	"github.com/AleutianAI/ComputeGateway/services/gateway/middleware"
	"github.com/AleutianAI/ComputeGateway/services/gateway/protocol"
	"github.com/AleutianAI/ComputeGateway/services/gateway/registry"
	"github.com/AleutianAI/ComputeGateway/services/gateway/transport"
)

// AgentRegistry tracks live agent channels. *registry.Registry implements it.
type AgentRegistry interface {
	Connect(hostID string, ch registry.Channel)
	Disconnect(hostID string, ch registry.Channel) bool
	Hosts() []string
}

// MessageServer consumes an agent's inbound stream. *agent.Router
// implements it.
type MessageServer interface {
	Serve(ctx context.Context, hostID string, src agent.Source) error
}

// Agents never send an Origin a browser would; accept any.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// HandleAgentSocket serves GET /ws/:hostAddress.
//
// # Description
//
// Upgrades the request, registers the channel under the host id (replacing
// and closing any earlier connection for the same host) and runs the
// receive loop until the socket fails. On exit the channel is
// deregistered only if it is still the current one for the host.
//
// # Inputs
//
//   - reg: Where the channel is registered.
//   - srv: Applies inbound messages.
//   - opts: Per-connection websocket options.
//   - logger: Connection lifecycle logging.
func HandleAgentSocket(reg AgentRegistry, srv MessageServer, opts transport.Options, logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		hostID, ok := middleware.AgentHost(c)
		if !ok {
			hostID = protocol.NormalizeHostID(c.Param(middleware.HostParam))
		}
		if hostID == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{
				Error: "host address is required",
				Code:  "invalid_host",
			})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// Upgrade has already written the error response.
			logger.Warn("agent websocket upgrade failed", "host", hostID, "error", err)
			return
		}

		ch := transport.NewWSChannel(conn, opts)
		log := logger.With("host", hostID, "channel", ch.ID())
		log.Info("agent connected", "remote", ch.RemoteAddr())

		reg.Connect(hostID, ch)
		defer func() {
			reg.Disconnect(hostID, ch)
			_ = ch.Close()
			log.Info("agent disconnected")
		}()

		// The loop ends when the socket closes, not with the request.
		err = srv.Serve(context.WithoutCancel(c.Request.Context()), hostID, ch)
		log.Debug("agent receive loop finished", "error", err)
	}
}

// AgentsResponse lists connected hosts.
type AgentsResponse struct {
	Hosts []string `json:"hosts"`
	Count int      `json:"count"`
}

// HandleListAgents serves GET /api/v1/agents.
func HandleListAgents(reg AgentRegistry) gin.HandlerFunc {
	return func(c *gin.Context) {
		hosts := reg.Hosts()
		if hosts == nil {
			hosts = []string{}
		}
		c.JSON(http.StatusOK, AgentsResponse{Hosts: hosts, Count: len(hosts)})
	}
}
