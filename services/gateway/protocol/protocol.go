// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package protocol defines the wire format spoken between the gateway and
// host agents.
//
// # Outbound
//
// The gateway sends one Command per text frame:
//
//	{"action": "start_session", "job_id": 42}
//
// # Inbound
//
// Agents report session lifecycle as JSON objects tagged by "status". Each
// object decodes into exactly one of the Message variants: SessionReady,
// StatsUpdate, SessionStopped, SessionError, or Unknown for any other tag.
package protocol

import (
	"errors"
	"strings"
)

// =============================================================================
// Errors
// =============================================================================

// ErrMalformedMessage marks an inbound agent message that could not be
// decoded. It is logged and discarded at the source; callers never see it.
var ErrMalformedMessage = errors.New("malformed agent message")

// =============================================================================
// Commands
// =============================================================================

// Action is an outbound command verb.
type Action string

const (
	// ActionStartSession asks the agent to bring a job's session up.
	ActionStartSession Action = "start_session"

	// ActionStopSession asks the agent to tear a job's session down.
	ActionStopSession Action = "stop_session"
)

// Command is a directed instruction to one host agent.
type Command struct {
	Action Action `json:"action"`
	JobID  uint64 `json:"job_id"`
}

// =============================================================================
// Host identifiers
// =============================================================================

// NormalizeHostID canonicalises a host identifier. Host ids are Aptos account
// addresses, which are hex and compared case-insensitively.
func NormalizeHostID(hostID string) string {
	return strings.ToLower(strings.TrimSpace(hostID))
}
