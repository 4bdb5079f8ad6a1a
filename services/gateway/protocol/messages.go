// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// Status is the tag of an inbound agent message.
type Status string

const (
	StatusSessionReady   Status = "session_ready"
	StatusStatsUpdate    Status = "stats_update"
	StatusSessionStopped Status = "session_stopped"
	StatusSessionError   Status = "session_error"
)

// DefaultSessionErrorMessage is used when a session_error carries no text.
const DefaultSessionErrorMessage = "session failed on host"

// Message is one decoded inbound report. The concrete type is always one of
// SessionReady, StatsUpdate, SessionStopped, SessionError or Unknown.
type Message interface {
	// JobID is the job the report refers to. Zero is a valid id.
	JobID() uint64
	isMessage()
}

// SessionReady reports that a job's session is reachable.
type SessionReady struct {
	Job       uint64
	PublicURL string `validate:"required"`
	Token     string `validate:"required"`
}

// StatsUpdate carries opaque live statistics for a running session.
type StatsUpdate struct {
	Job   uint64
	Stats json.RawMessage
}

// SessionStopped reports that a session has ended normally.
type SessionStopped struct {
	Job uint64
}

// SessionError reports that a session failed.
type SessionError struct {
	Job     uint64
	Message string
}

// Unknown is any report with an unrecognised status tag.
type Unknown struct {
	Job    uint64
	Status string
}

func (m SessionReady) JobID() uint64   { return m.Job }
func (m StatsUpdate) JobID() uint64    { return m.Job }
func (m SessionStopped) JobID() uint64 { return m.Job }
func (m SessionError) JobID() uint64   { return m.Job }
func (m Unknown) JobID() uint64        { return m.Job }

func (SessionReady) isMessage()   {}
func (StatsUpdate) isMessage()    {}
func (SessionStopped) isMessage() {}
func (SessionError) isMessage()   {}
func (Unknown) isMessage()        {}

// envelope is the flat on-the-wire shape of every inbound report.
type envelope struct {
	Status    string          `json:"status"`
	JobID     json.RawMessage `json:"job_id"`
	PublicURL string          `json:"public_url"`
	Token     string          `json:"token"`
	Stats     json.RawMessage `json:"stats"`
	Message   *string         `json:"message"`
}

// Decode parses a single JSON object into a Message.
//
// # Outputs
//
//   - Message: The decoded variant.
//   - error: Wraps ErrMalformedMessage when the payload is not a JSON object
//     of the expected shape or job_id cannot be coerced to an integer.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return env.toMessage()
}

// FrameDecoder iterates over the JSON objects in one transport frame. A frame
// normally carries one object but newline-delimited batches are accepted.
type FrameDecoder struct {
	dec    *json.Decoder
	broken bool
}

// NewFrameDecoder returns a decoder over frame.
func NewFrameDecoder(frame []byte) *FrameDecoder {
	return &FrameDecoder{dec: json.NewDecoder(bytes.NewReader(frame))}
}

// Next returns the next message in the frame, io.EOF when the frame is
// exhausted, or an error wrapping ErrMalformedMessage. After a syntax error
// the rest of the frame cannot be resynchronised and Next reports io.EOF.
func (d *FrameDecoder) Next() (Message, error) {
	if d.broken {
		return nil, io.EOF
	}

	var env envelope
	if err := d.dec.Decode(&env); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		var typeErr *json.UnmarshalTypeError
		if !errors.As(err, &typeErr) {
			d.broken = true
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return env.toMessage()
}

func (e envelope) toMessage() (Message, error) {
	id, err := parseJobID(e.JobID)
	if err != nil {
		return nil, fmt.Errorf("%w: job_id: %v", ErrMalformedMessage, err)
	}
	switch Status(e.Status) {
	case StatusSessionReady:
		return SessionReady{Job: id, PublicURL: e.PublicURL, Token: e.Token}, nil
	case StatusStatsUpdate:
		return StatsUpdate{Job: id, Stats: nullable(e.Stats)}, nil
	case StatusSessionStopped:
		return SessionStopped{Job: id}, nil
	case StatusSessionError:
		msg := DefaultSessionErrorMessage
		if e.Message != nil && strings.TrimSpace(*e.Message) != "" {
			msg = *e.Message
		}
		return SessionError{Job: id, Message: msg}, nil
	default:
		return Unknown{Job: id, Status: e.Status}, nil
	}
}

// parseJobID accepts JSON integers, integral floats and decimal strings.
func parseJobID(raw json.RawMessage) (uint64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, errors.New("missing")
	}

	text := string(raw)
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, err
		}
		text = strings.TrimSpace(s)
	}

	if id, err := strconv.ParseUint(text, 10, 64); err == nil {
		return id, nil
	}

	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %s", text)
	}
	if f < 0 || f != math.Trunc(f) || f > 1<<53 {
		return 0, fmt.Errorf("not a non-negative integer: %s", text)
	}
	return uint64(f), nil
}

func nullable(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	return trimmed
}
