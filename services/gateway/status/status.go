// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package status answers "what is the state of job N's session" from the
// session cache plus a live billing computation.
package status

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/AleutianAI/ComputeGateway/services/gateway/billing"
	"github.com/AleutianAI/ComputeGateway/services/gateway/chain"
	"github.com/AleutianAI/ComputeGateway/services/gateway/sessions"
)

// State is the reported session state.
type State string

const (
	StatePending State = "pending"
	StateReady   State = "ready"
	StateError   State = "error"
)

// SessionStatus is the answer to a session query. Fields beyond State are
// populated only for the state they belong to.
type SessionStatus struct {
	State State

	// Ready
	PublicURL        string
	Token            string
	Stats            json.RawMessage
	Billing          billing.Snapshot
	SessionStartTime time.Time

	// Error
	Message string
}

// Observer records query outcomes.
type Observer interface {
	SessionQueried(state State)
}

// Service evaluates session status queries.
//
// # Thread Safety
//
// Safe for concurrent use.
type Service struct {
	cache    *sessions.Cache
	resolver chain.Resolver
	logger   *slog.Logger
	observer Observer
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides time.Now for billing.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithObserver attaches a query observer.
func WithObserver(o Observer) Option {
	return func(s *Service) { s.observer = o }
}

// New creates a Service.
func New(cache *sessions.Cache, resolver chain.Resolver, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		cache:    cache,
		resolver: resolver,
		logger:   logger.With("component", "session_status"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetSessionStatus reports the state of jobID's session.
//
// # Description
//
// Never fails. A missing record is pending. A record created by
// session_error reports its message. A ready record gets its billing facts
// from the chain on first query; if the chain cannot answer, the session is
// reported as pending and the next poll retries.
func (s *Service) GetSessionStatus(ctx context.Context, jobID uint64) SessionStatus {
	st := s.evaluate(ctx, jobID)
	if s.observer != nil {
		s.observer.SessionQueried(st.State)
	}
	return st
}

func (s *Service) evaluate(ctx context.Context, jobID uint64) SessionStatus {
	rec, ok := s.cache.Get(jobID)
	if !ok {
		return SessionStatus{State: StatePending}
	}
	if rec.Failed() {
		return SessionStatus{State: StateError, Message: rec.ErrorMessage}
	}

	meta, ok, err := s.cache.BillingMeta(ctx, jobID, s.fetchMeta)
	if !ok {
		// Removed between the two reads.
		return SessionStatus{State: StatePending}
	}
	if err != nil {
		s.logger.Warn("billing facts unavailable, reporting pending", "job_id", jobID, "error", err)
		return SessionStatus{State: StatePending}
	}

	return SessionStatus{
		State:            StateReady,
		PublicURL:        rec.PublicURL,
		Token:            rec.AccessToken,
		Stats:            rec.Stats,
		Billing:          billing.Compute(meta, s.now().Unix()),
		SessionStartTime: rec.SessionStartTime,
	}
}

func (s *Service) fetchMeta(ctx context.Context, jobID uint64) (billing.Meta, error) {
	job, err := s.resolver.GetJob(ctx, jobID)
	if err != nil {
		return billing.Meta{}, err
	}
	return job.BillingMeta(), nil
}
