// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry tracks the host agents currently connected to the gateway.
//
// # Description
//
// Each host agent holds one persistent channel, keyed by its host id (an
// Aptos account address). At most one channel is registered per host; a
// reconnect replaces the previous entry and closes the superseded channel.
//
//	agent ──ws──► Connect(host, ch) ──► map[host]ch ◄── Send(host, cmd) ◄── dispatcher
//	                                        ▲
//	loop exit ──► Disconnect(host, ch) ─────┘ (only if ch is still current)
//
// # Thread Safety
//
// All methods are safe for concurrent use. The table is guarded by a single
// RWMutex; channel I/O never happens while the lock is held.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/AleutianAI/ComputeGateway/services/gateway/protocol"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrHostNotConnected is matched by errors.Is for *HostNotConnectedError.
	ErrHostNotConnected = errors.New("host not connected")

	// ErrSendFailed is matched by errors.Is for *SendFailedError.
	ErrSendFailed = errors.New("send to host failed")
)

// HostNotConnectedError reports that no live channel exists for a host.
type HostNotConnectedError struct {
	HostID string
}

func (e *HostNotConnectedError) Error() string {
	return fmt.Sprintf("host %s is not connected", e.HostID)
}

// Is reports whether target is ErrHostNotConnected.
func (e *HostNotConnectedError) Is(target error) bool {
	return target == ErrHostNotConnected
}

// SendFailedError wraps a transport write failure.
type SendFailedError struct {
	HostID string
	Err    error
}

func (e *SendFailedError) Error() string {
	return fmt.Sprintf("send to host %s failed: %v", e.HostID, e.Err)
}

// Is reports whether target is ErrSendFailed.
func (e *SendFailedError) Is(target error) bool {
	return target == ErrSendFailed
}

func (e *SendFailedError) Unwrap() error { return e.Err }

// =============================================================================
// Channel
// =============================================================================

// Channel is one live bidirectional link to a host agent. The registry only
// needs the outbound half.
type Channel interface {
	// ID uniquely identifies this channel instance, for logs.
	ID() string

	// Send writes one command. Implementations serialise concurrent writers.
	Send(ctx context.Context, cmd protocol.Command) error

	// Close tears the channel down. It must be idempotent.
	Close() error
}

// Observer is notified of registry membership changes. observability's
// metrics implement it; a nil Observer is ignored.
type Observer interface {
	HostConnected(replaced bool)
	HostDisconnected()
}

// =============================================================================
// Registry
// =============================================================================

// Registry owns the host id → channel table.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]Channel
	logger   *slog.Logger
	observer Observer
}

// Option configures a Registry.
type Option func(*Registry)

// WithObserver attaches a membership observer.
func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observer = o }
}

// New creates an empty Registry.
func New(logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		channels: make(map[string]Channel),
		logger:   logger.With("component", "registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Connect registers ch as the channel for hostID.
//
// # Description
//
// Any existing entry is replaced (last writer wins). The superseded channel
// is closed after the table is updated, so its receive loop ends with a
// transport error and its own Disconnect call becomes a no-op.
//
// # Inputs
//
//   - hostID: Host identifier. Compared case-insensitively.
//   - ch: The newly accepted channel. Must not be nil.
func (r *Registry) Connect(hostID string, ch Channel) {
	key := protocol.NormalizeHostID(hostID)

	r.mu.Lock()
	prev, replaced := r.channels[key]
	r.channels[key] = ch
	r.mu.Unlock()

	if replaced && prev != ch {
		r.logger.Warn("host reconnected, closing superseded channel",
			"host", key, "old_channel", prev.ID(), "new_channel", ch.ID())
		if err := prev.Close(); err != nil {
			r.logger.Debug("closing superseded channel failed", "host", key, "error", err)
		}
	}
	r.logger.Info("host agent connected", "host", key, "channel", ch.ID())

	if r.observer != nil {
		r.observer.HostConnected(replaced)
	}
}

// Disconnect removes hostID's entry if it still refers to ch.
//
// # Description
//
// Called exactly once when a channel terminates, on clean close and on
// transport failure alike. When the host has already reconnected the entry
// belongs to the new channel and is left alone.
//
// # Outputs
//
//   - bool: True if an entry was removed.
func (r *Registry) Disconnect(hostID string, ch Channel) bool {
	key := protocol.NormalizeHostID(hostID)

	r.mu.Lock()
	current, ok := r.channels[key]
	removed := ok && current == ch
	if removed {
		delete(r.channels, key)
	}
	r.mu.Unlock()

	if !removed {
		if ok {
			r.logger.Debug("channel already superseded, keeping current entry",
				"host", key, "channel", ch.ID(), "current", current.ID())
		}
		return false
	}

	r.logger.Info("host agent disconnected", "host", key, "channel", ch.ID())
	if r.observer != nil {
		r.observer.HostDisconnected()
	}
	return true
}

// Send writes cmd to hostID's channel.
//
// # Outputs
//
//   - error: *HostNotConnectedError when no channel is registered (nothing is
//     written), *SendFailedError when the transport write fails. The registry
//     neither retries nor disconnects on write failure; the transport's
//     receive loop reports the broken channel.
func (r *Registry) Send(ctx context.Context, hostID string, cmd protocol.Command) error {
	key := protocol.NormalizeHostID(hostID)

	r.mu.RLock()
	ch, ok := r.channels[key]
	r.mu.RUnlock()

	if !ok {
		r.logger.Warn("attempted to send to disconnected host", "host", key, "action", cmd.Action)
		return &HostNotConnectedError{HostID: key}
	}

	if err := ch.Send(ctx, cmd); err != nil {
		r.logger.Error("failed to send command", "host", key, "channel", ch.ID(),
			"action", cmd.Action, "job_id", cmd.JobID, "error", err)
		return &SendFailedError{HostID: key, Err: err}
	}

	r.logger.Info("sent command to host", "host", key, "action", cmd.Action, "job_id", cmd.JobID)
	return nil
}

// Hosts returns the connected host ids in sorted order.
func (r *Registry) Hosts() []string {
	r.mu.RLock()
	hosts := make([]string, 0, len(r.channels))
	for host := range r.channels {
		hosts = append(hosts, host)
	}
	r.mu.RUnlock()

	sort.Strings(hosts)
	return hosts
}

// Len returns the number of connected hosts.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// CloseAll closes every registered channel. Entries are removed by the
// channels' own Disconnect calls as their loops exit.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	channels := make([]Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		channels = append(channels, ch)
	}
	r.mu.RUnlock()

	for _, ch := range channels {
		_ = ch.Close()
	}
}
