// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the gateway's HTTP endpoints.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/ComputeGateway/services/gateway/chain"
	"github.com/AleutianAI/ComputeGateway/services/gateway/dispatch"
	"github.com/AleutianAI/ComputeGateway/services/gateway/registry"
	"github.com/AleutianAI/ComputeGateway/services/gateway/status"
)

// JobParam is the route parameter carrying the job id.
const JobParam = "jobId"

// Error codes returned in the "code" field of error bodies.
const (
	CodeInvalidJobID     = "invalid_job_id"
	CodeJobNotFound      = "job_not_found"
	CodeHostNotConnected = "host_not_connected"
	CodeSendFailed       = "send_failed"
	CodeInternal         = "internal_error"
)

// SessionController starts and stops sessions. *dispatch.Dispatcher
// implements it.
type SessionController interface {
	StartSession(ctx context.Context, jobID uint64) (dispatch.Ack, error)
	StopSession(ctx context.Context, jobID uint64) (dispatch.Ack, error)
}

// StatusReader answers session queries. *status.Service implements it.
type StatusReader interface {
	GetSessionStatus(ctx context.Context, jobID uint64) status.SessionStatus
}

// =============================================================================
// Response Bodies
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// CommandResponse answers start and stop.
type CommandResponse struct {
	Status    dispatch.State `json:"status"`
	PublicURL string         `json:"public_url,omitempty"`
	Token     string         `json:"token,omitempty"`
}

// SessionResponse answers a session query. A ready response always carries
// stats, as null until the agent reports any.
type SessionResponse struct {
	Status           status.State     `json:"status"`
	PublicURL        string           `json:"public_url,omitempty"`
	Token            string           `json:"token,omitempty"`
	Stats            *json.RawMessage `json:"stats,omitempty"`
	PricePerSecond   *uint64          `json:"price_per_second,omitempty"`
	UptimeSeconds    *uint64          `json:"uptime_seconds,omitempty"`
	CurrentCost      *uint64          `json:"current_cost,omitempty"`
	SessionStartTime *time.Time       `json:"session_start_time,omitempty"`
	Message          string           `json:"message,omitempty"`
}

// =============================================================================
// Handlers
// =============================================================================

// HandleStartSession serves POST /api/v1/jobs/:jobId/start.
//
// # Outputs
//
//   - 200 {status:"already_running", public_url, token} when a ready session
//     is cached.
//   - 202 {status:"pending"} once the command is delivered.
//   - 400, 404 or 500 with ErrorResponse otherwise.
func HandleStartSession(ctrl SessionController) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID, ok := parseJobID(c)
		if !ok {
			return
		}

		ack, err := ctrl.StartSession(c.Request.Context(), jobID)
		if err != nil {
			writeError(c, err)
			return
		}

		code := http.StatusAccepted
		if ack.State == dispatch.StateAlreadyRunning {
			code = http.StatusOK
		}
		c.JSON(code, CommandResponse{Status: ack.State, PublicURL: ack.PublicURL, Token: ack.Token})
	}
}

// HandleStopSession serves POST /api/v1/jobs/:jobId/stop.
func HandleStopSession(ctrl SessionController) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID, ok := parseJobID(c)
		if !ok {
			return
		}

		ack, err := ctrl.StopSession(c.Request.Context(), jobID)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, CommandResponse{Status: ack.State})
	}
}

// HandleGetSession serves GET /api/v1/jobs/:jobId/session.
//
// # Outputs
//
//   - 202 {status:"pending"} while the session is warming up.
//   - 200 {status:"ready", ...} with live billing numbers.
//   - 200 {status:"error", message} after the host reported a failure.
func HandleGetSession(reader StatusReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID, ok := parseJobID(c)
		if !ok {
			return
		}

		st := reader.GetSessionStatus(c.Request.Context(), jobID)
		switch st.State {
		case status.StateReady:
			start := st.SessionStartTime
			stats := st.Stats
			c.JSON(http.StatusOK, SessionResponse{
				Status:           st.State,
				PublicURL:        st.PublicURL,
				Token:            st.Token,
				Stats:            &stats,
				PricePerSecond:   &st.Billing.PricePerSecond,
				UptimeSeconds:    &st.Billing.UptimeSeconds,
				CurrentCost:      &st.Billing.CurrentCost,
				SessionStartTime: &start,
			})
		case status.StateError:
			c.JSON(http.StatusOK, SessionResponse{Status: st.State, Message: st.Message})
		default:
			c.JSON(http.StatusAccepted, SessionResponse{Status: status.StatePending})
		}
	}
}

// HandleGetJob serves GET /api/v1/jobs/:jobId with the on-chain record.
func HandleGetJob(resolver chain.Resolver, logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		jobID, ok := parseJobID(c)
		if !ok {
			return
		}

		job, err := resolver.GetJob(c.Request.Context(), jobID)
		if err != nil {
			if !chain.IsNotFound(err) {
				logger.Warn("job lookup failed", "job_id", jobID, "error", err)
			}
			writeError(c, &dispatch.JobNotFoundError{JobID: jobID, Err: err})
			return
		}
		c.JSON(http.StatusOK, job)
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

// parseJobID reads the job id parameter. On failure it writes a 400 and
// returns false.
func parseJobID(c *gin.Context) (uint64, bool) {
	raw := c.Param(JobParam)
	jobID, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{
			Error: "job id must be an unsigned integer",
			Code:  CodeInvalidJobID,
		})
		return 0, false
	}
	return jobID, true
}

// writeError maps a domain error to its HTTP status.
func writeError(c *gin.Context, err error) {
	code, body := mapError(err)
	c.AbortWithStatusJSON(code, body)
}

func mapError(err error) (int, ErrorResponse) {
	switch {
	case errors.Is(err, dispatch.ErrJobNotFound):
		return http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: CodeJobNotFound}
	case errors.Is(err, registry.ErrHostNotConnected):
		return http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: CodeHostNotConnected}
	case errors.Is(err, registry.ErrSendFailed):
		return http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: CodeSendFailed}
	default:
		return http.StatusInternalServerError, ErrorResponse{Error: "internal error", Code: CodeInternal}
	}
}
