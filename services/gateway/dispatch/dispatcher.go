// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dispatch turns renter start/stop requests into agent commands.
//
// Commands are fire-and-forget: a successful call means the command was
// written to the host's channel, not that the session changed state.
// Callers poll the session status for the outcome.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/ComputeGateway/services/gateway/chain"
	"github.com/AleutianAI/ComputeGateway/services/gateway/protocol"
	"github.com/AleutianAI/ComputeGateway/services/gateway/registry"
	"github.com/AleutianAI/ComputeGateway/services/gateway/sessions"
)

// ErrJobNotFound is matched by errors.Is for *JobNotFoundError.
var ErrJobNotFound = errors.New("job not found")

// JobNotFoundError reports that the job could not be resolved to a host.
type JobNotFoundError struct {
	JobID uint64
	Err   error
}

func (e *JobNotFoundError) Error() string {
	return fmt.Sprintf("job %d could not be resolved: %v", e.JobID, e.Err)
}

// Is reports whether target is ErrJobNotFound.
func (e *JobNotFoundError) Is(target error) bool { return target == ErrJobNotFound }

func (e *JobNotFoundError) Unwrap() error { return e.Err }

// Sender delivers a command to one host. *registry.Registry implements it.
type Sender interface {
	Send(ctx context.Context, hostID string, cmd protocol.Command) error
}

// Invalidator drops cached chain data for a job. *chain.CachedResolver
// implements it; a resolver without a cache need not.
type Invalidator interface {
	Invalidate(jobID uint64)
}

// Observer records command outcomes.
type Observer interface {
	CommandIssued(action protocol.Action, result string)
}

// Command outcome labels.
const (
	ResultSent             = "sent"
	ResultAlreadyRunning   = "already_running"
	ResultJobNotFound      = "job_not_found"
	ResultHostNotConnected = "host_not_connected"
	ResultSendFailed       = "send_failed"
)

// State is the acknowledgement status of a command.
type State string

const (
	StatePending        State = "pending"
	StateAlreadyRunning State = "already_running"
)

// Ack is the result of a start or stop request.
type Ack struct {
	State State

	// PublicURL and Token are set only for StateAlreadyRunning.
	PublicURL string
	Token     string
}

// Dispatcher issues start/stop commands.
type Dispatcher struct {
	cache    *sessions.Cache
	resolver chain.Resolver
	sender   Sender
	logger   *slog.Logger
	observer Observer
}

// New creates a Dispatcher. observer may be nil.
func New(cache *sessions.Cache, resolver chain.Resolver, sender Sender, logger *slog.Logger, observer Observer) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cache:    cache,
		resolver: resolver,
		sender:   sender,
		logger:   logger.With("component", "dispatcher"),
		observer: observer,
	}
}

// StartSession asks the job's host to start its session.
//
// # Description
//
// If a ready session is already cached the existing endpoint is returned
// with StateAlreadyRunning and nothing is sent, so client retries never spin
// up a second session. The repeated start also drops the cached billing
// facts and chain record, so the next session query reflects an escrow that
// was topped up on chain. Otherwise the job is resolved to its host and a
// start_session command is written.
//
// # Outputs
//
//   - Ack: StateAlreadyRunning with the cached endpoint, or StatePending.
//   - error: *JobNotFoundError, *registry.HostNotConnectedError or
//     *registry.SendFailedError.
func (d *Dispatcher) StartSession(ctx context.Context, jobID uint64) (Ack, error) {
	if rec, ok := d.cache.Get(jobID); ok && rec.Ready() {
		d.logger.Info("session already running, not resending start", "job_id", jobID)
		d.observe(protocol.ActionStartSession, ResultAlreadyRunning)
		d.cache.InvalidateBilling(jobID)
		d.invalidateChain(jobID)
		return Ack{State: StateAlreadyRunning, PublicURL: rec.PublicURL, Token: rec.AccessToken}, nil
	}

	if err := d.send(ctx, protocol.ActionStartSession, jobID); err != nil {
		return Ack{}, err
	}
	return Ack{State: StatePending}, nil
}

// StopSession asks the job's host to stop its session and drops the cached
// record and chain data once the command is written. A late report from the agent may
// recreate the record; the following session_stopped removes it again.
func (d *Dispatcher) StopSession(ctx context.Context, jobID uint64) (Ack, error) {
	if err := d.send(ctx, protocol.ActionStopSession, jobID); err != nil {
		return Ack{}, err
	}
	if d.cache.Delete(jobID) {
		d.logger.Debug("dropped cached session after stop", "job_id", jobID)
	}
	d.invalidateChain(jobID)
	return Ack{State: StatePending}, nil
}

func (d *Dispatcher) invalidateChain(jobID uint64) {
	if inv, ok := d.resolver.(Invalidator); ok {
		inv.Invalidate(jobID)
	}
}

func (d *Dispatcher) send(ctx context.Context, action protocol.Action, jobID uint64) error {
	job, err := d.resolver.GetJob(ctx, jobID)
	if err != nil {
		d.logger.Warn("cannot resolve job for command", "job_id", jobID, "action", action, "error", err)
		d.observe(action, ResultJobNotFound)
		return &JobNotFoundError{JobID: jobID, Err: err}
	}

	err = d.sender.Send(ctx, job.HostAddress, protocol.Command{Action: action, JobID: jobID})
	switch {
	case err == nil:
		d.observe(action, ResultSent)
		return nil
	case errors.Is(err, registry.ErrHostNotConnected):
		d.observe(action, ResultHostNotConnected)
	case errors.Is(err, registry.ErrSendFailed):
		d.observe(action, ResultSendFailed)
	default:
		d.observe(action, ResultSendFailed)
		err = &registry.SendFailedError{HostID: protocol.NormalizeHostID(job.HostAddress), Err: err}
	}
	return err
}

func (d *Dispatcher) observe(action protocol.Action, result string) {
	if d.observer != nil {
		d.observer.CommandIssued(action, result)
	}
}
