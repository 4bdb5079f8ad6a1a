// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package agent applies the reports pushed by host agents to the session
// cache.
//
// # Description
//
// One Router is shared by every connection. Each connection runs Serve in its
// own goroutine; Serve returns only when the transport fails or closes.
// Message content never ends the loop: malformed, incomplete and
// out-of-order reports are logged and dropped.
//
//	Receive ──► FrameDecoder ──► Message ──┬─ SessionReady   → resolve job → Put
//	                                       ├─ StatsUpdate    → UpdateStats (existing only)
//	                                       ├─ SessionStopped → Delete
//	                                       ├─ SessionError   → Put (error record)
//	                                       └─ Unknown        → debug log
package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/ComputeGateway/services/gateway/chain"
	"github.com/AleutianAI/ComputeGateway/services/gateway/protocol"
	"github.com/AleutianAI/ComputeGateway/services/gateway/sessions"
)

// Outcome labels reported to Observer.
const (
	DiscardMalformed     = "malformed"
	DiscardIncomplete    = "incomplete"
	DiscardUnresolvable  = "unresolvable"
	DiscardNoSession     = "no_session"
	DiscardUnknownStatus = "unknown_status"
)

// Source is the inbound half of an agent channel.
type Source interface {
	// Receive blocks until the next frame arrives. Any error is terminal.
	Receive(ctx context.Context) ([]byte, error)
}

// Observer is told about every processed or discarded message.
type Observer interface {
	MessageApplied(status protocol.Status)
	MessageDiscarded(reason string)
}

// Router routes decoded agent reports into a sessions.Cache.
//
// # Thread Safety
//
// Safe for concurrent use by any number of connections.
type Router struct {
	cache    *sessions.Cache
	resolver chain.Resolver
	logger   *slog.Logger
	observer Observer
	now      func() time.Time
	validate *validator.Validate
}

// Option configures a Router.
type Option func(*Router)

// WithObserver attaches an outcome observer.
func WithObserver(o Observer) Option {
	return func(r *Router) { r.observer = o }
}

// WithClock overrides time.Now for session start timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// NewRouter creates a Router writing into cache and resolving jobs via
// resolver.
func NewRouter(cache *sessions.Cache, resolver chain.Resolver, logger *slog.Logger, opts ...Option) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		cache:    cache,
		resolver: resolver,
		logger:   logger.With("component", "agent_router"),
		now:      time.Now,
		validate: validator.New(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Serve runs the receive loop for one connection.
//
// # Description
//
// Reads frames from src until Receive fails and applies every message in
// each frame. The returned error is always the transport error that ended
// the loop; the caller is responsible for disconnecting the channel.
//
// # Inputs
//
//   - ctx: Passed to Receive and to chain lookups.
//   - hostID: The host the connection belongs to, for logging.
//   - src: The connection's inbound stream.
func (r *Router) Serve(ctx context.Context, hostID string, src Source) error {
	logger := r.logger.With("host", protocol.NormalizeHostID(hostID))
	for {
		frame, err := src.Receive(ctx)
		if err != nil {
			logger.Debug("agent receive loop ended", "error", err)
			return err
		}
		r.Handle(ctx, hostID, frame)
	}
}

// Handle applies every message in one frame. It never fails; anything that
// cannot be applied is logged and discarded.
func (r *Router) Handle(ctx context.Context, hostID string, frame []byte) {
	logger := r.logger.With("host", protocol.NormalizeHostID(hostID))
	dec := protocol.NewFrameDecoder(frame)
	for {
		msg, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			logger.Warn("discarding malformed agent message", "error", err)
			r.discarded(DiscardMalformed)
			continue
		}
		r.apply(ctx, logger, hostID, msg)
	}
}

func (r *Router) apply(ctx context.Context, logger *slog.Logger, hostID string, msg protocol.Message) {
	logger = logger.With("job_id", msg.JobID())

	switch m := msg.(type) {
	case protocol.SessionReady:
		r.sessionReady(ctx, logger, hostID, m)

	case protocol.StatsUpdate:
		if !r.cache.UpdateStats(m.Job, m.Stats) {
			logger.Debug("stats for job without a session, discarding")
			r.discarded(DiscardNoSession)
			return
		}
		r.applied(protocol.StatusStatsUpdate)

	case protocol.SessionStopped:
		if r.cache.Delete(m.Job) {
			logger.Info("session stopped")
		} else {
			logger.Debug("session stopped for job without a session")
		}
		r.applied(protocol.StatusSessionStopped)

	case protocol.SessionError:
		r.cache.Put(sessions.Record{JobID: m.Job, ErrorMessage: m.Message})
		logger.Warn("session failed on host", "message", m.Message)
		r.applied(protocol.StatusSessionError)

	case protocol.Unknown:
		logger.Debug("ignoring agent message with unknown status", "status", m.Status)
		r.discarded(DiscardUnknownStatus)

	default:
		logger.Debug("ignoring unhandled agent message type")
		r.discarded(DiscardUnknownStatus)
	}
}

func (r *Router) sessionReady(ctx context.Context, logger *slog.Logger, hostID string, m protocol.SessionReady) {
	if err := r.validate.Struct(m); err != nil {
		logger.Warn("session_ready missing public_url or token, discarding", "error", err)
		r.discarded(DiscardIncomplete)
		return
	}

	job, err := r.resolver.GetJob(ctx, m.Job)
	if err != nil {
		logger.Warn("session_ready for job that does not resolve, not caching", "error", err)
		r.discarded(DiscardUnresolvable)
		return
	}
	if protocol.NormalizeHostID(job.HostAddress) != protocol.NormalizeHostID(hostID) {
		logger.Warn("session_ready from a host that does not own the job",
			"job_host", protocol.NormalizeHostID(job.HostAddress))
	}

	r.cache.Put(sessions.Record{
		JobID:            m.Job,
		PublicURL:        m.PublicURL,
		AccessToken:      m.Token,
		SessionStartTime: r.now(),
	})
	logger.Info("session ready", "public_url", m.PublicURL, "token_present", m.Token != "")
	r.applied(protocol.StatusSessionReady)
}

func (r *Router) applied(status protocol.Status) {
	if r.observer != nil {
		r.observer.MessageApplied(status)
	}
}

func (r *Router) discarded(reason string) {
	if r.observer != nil {
		r.observer.MessageDiscarded(reason)
	}
}
