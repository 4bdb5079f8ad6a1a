// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/ComputeGateway/services/gateway/chain"
	"github.com/AleutianAI/ComputeGateway/services/gateway/protocol"
	"github.com/AleutianAI/ComputeGateway/services/gateway/sessions"
)

// =============================================================================
// Test helpers
// =============================================================================

type stubResolver struct {
	jobs map[uint64]chain.JobRecord
}

func (s *stubResolver) GetJob(_ context.Context, jobID uint64) (chain.JobRecord, error) {
	job, ok := s.jobs[jobID]
	if !ok {
		return chain.JobRecord{}, fmt.Errorf("job %d: %w", jobID, chain.ErrJobNotFound)
	}
	return job, nil
}

type scriptedSource struct {
	frames [][]byte
	err    error
}

func (s *scriptedSource) Receive(context.Context) ([]byte, error) {
	if len(s.frames) == 0 {
		return nil, s.err
	}
	f := s.frames[0]
	s.frames = s.frames[1:]
	return f, nil
}

type tally struct {
	mu        sync.Mutex
	applied   map[protocol.Status]int
	discarded map[string]int
}

func newTally() *tally {
	return &tally{applied: map[protocol.Status]int{}, discarded: map[string]int{}}
}

func (t *tally) MessageApplied(s protocol.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.applied[s]++
}

func (t *tally) MessageDiscarded(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.discarded[reason]++
}

var fixedNow = time.Unix(1_700_000_500, 0)

func newTestRouter(jobs ...uint64) (*Router, *sessions.Cache, *tally) {
	known := make(map[uint64]chain.JobRecord)
	for _, id := range jobs {
		known[id] = chain.JobRecord{JobID: id, HostAddress: "0xhost"}
	}
	cache := sessions.NewCache()
	obs := newTally()
	r := NewRouter(cache, &stubResolver{jobs: known}, slog.New(slog.NewTextHandler(io.Discard, nil)),
		WithObserver(obs), WithClock(func() time.Time { return fixedNow }))
	return r, cache, obs
}

func handle(r *Router, frame string) {
	r.Handle(context.Background(), "0xhost", []byte(frame))
}

// =============================================================================
// Tests
// =============================================================================

func TestRouter_SessionReadyCachesRecord(t *testing.T) {
	// Arrange
	r, cache, obs := newTestRouter(7)

	// Act
	handle(r, `{"status":"session_ready","job_id":7,"public_url":"https://h/7","token":"tok7"}`)

	// Assert
	rec, ok := cache.Get(7)
	require.True(t, ok)
	assert.Equal(t, "https://h/7", rec.PublicURL)
	assert.Equal(t, "tok7", rec.AccessToken)
	assert.Nil(t, rec.Stats)
	assert.Nil(t, rec.Billing)
	assert.Empty(t, rec.ErrorMessage)
	assert.Equal(t, fixedNow, rec.SessionStartTime)
	assert.Equal(t, 1, obs.applied[protocol.StatusSessionReady])
}

func TestRouter_SessionReadyRequiresURLAndToken(t *testing.T) {
	frames := []string{
		`{"status":"session_ready","job_id":7,"token":"tok7"}`,
		`{"status":"session_ready","job_id":7,"public_url":"https://h/7"}`,
		`{"status":"session_ready","job_id":7,"public_url":"","token":""}`,
	}
	for _, frame := range frames {
		r, cache, obs := newTestRouter(7)

		handle(r, frame)

		_, ok := cache.Get(7)
		assert.False(t, ok, frame)
		assert.Equal(t, 1, obs.discarded[DiscardIncomplete], frame)
	}
}

func TestRouter_SessionReadyForUnresolvableJobIsSkipped(t *testing.T) {
	r, cache, obs := newTestRouter()

	handle(r, `{"status":"session_ready","job_id":7,"public_url":"u","token":"t"}`)

	assert.Zero(t, cache.Len())
	assert.Equal(t, 1, obs.discarded[DiscardUnresolvable])
}

func TestRouter_SessionReadyResetsExistingRecord(t *testing.T) {
	r, cache, _ := newTestRouter(7)
	handle(r, `{"status":"session_ready","job_id":7,"public_url":"old","token":"old"}`)
	handle(r, `{"status":"stats_update","job_id":7,"stats":{"gpu":1}}`)

	handle(r, `{"status":"session_ready","job_id":7,"public_url":"new","token":"new"}`)

	rec, _ := cache.Get(7)
	assert.Equal(t, "new", rec.PublicURL)
	assert.Nil(t, rec.Stats, "stats reset on session_ready")
}

func TestRouter_StatsWithoutSessionCreatesNothing(t *testing.T) {
	r, cache, obs := newTestRouter(42)

	handle(r, `{"status":"stats_update","job_id":42,"stats":{"cpu":0.4}}`)

	_, ok := cache.Get(42)
	assert.False(t, ok)
	assert.Equal(t, 1, obs.discarded[DiscardNoSession])
}

func TestRouter_StatsUpdateRefreshesStats(t *testing.T) {
	r, cache, _ := newTestRouter(7)
	handle(r, `{"status":"session_ready","job_id":7,"public_url":"u","token":"t"}`)

	handle(r, `{"status":"stats_update","job_id":"7","stats":{"cpu":0.4}}`)

	rec, _ := cache.Get(7)
	assert.JSONEq(t, `{"cpu":0.4}`, string(rec.Stats))
	assert.Equal(t, "u", rec.PublicURL)
}

func TestRouter_SessionStoppedRemovesRecord(t *testing.T) {
	r, cache, obs := newTestRouter(7)
	handle(r, `{"status":"session_ready","job_id":7,"public_url":"https://h/7","token":"tok7"}`)

	handle(r, `{"status":"session_stopped","job_id":7}`)
	handle(r, `{"status":"session_stopped","job_id":7}`)

	_, ok := cache.Get(7)
	assert.False(t, ok)
	assert.Equal(t, 2, obs.applied[protocol.StatusSessionStopped])
}

func TestRouter_SessionErrorReplacesRecord(t *testing.T) {
	r, cache, _ := newTestRouter(9)
	handle(r, `{"status":"session_ready","job_id":9,"public_url":"https://h/9","token":"tok9"}`)

	handle(r, `{"status":"session_error","job_id":9,"message":"gpu fault"}`)

	rec, ok := cache.Get(9)
	require.True(t, ok)
	assert.Equal(t, "gpu fault", rec.ErrorMessage)
	assert.Empty(t, rec.PublicURL)
	assert.Empty(t, rec.AccessToken)
}

func TestRouter_SessionErrorWithoutPriorRecord(t *testing.T) {
	r, cache, _ := newTestRouter()

	handle(r, `{"status":"session_error","job_id":0}`)

	rec, ok := cache.Get(0)
	require.True(t, ok, "job id 0 is valid")
	assert.Equal(t, protocol.DefaultSessionErrorMessage, rec.ErrorMessage)
}

func TestRouter_DiscardsBadMessagesAndContinues(t *testing.T) {
	r, cache, obs := newTestRouter(7)

	handle(r, `not json`)
	handle(r, `{"status":"session_ready","job_id":"seven","public_url":"u","token":"t"}`)
	handle(r, `{"status":"heartbeat","job_id":7}`)
	handle(r, `{"status":"session_ready","job_id":7,"public_url":"u","token":"t"}`)

	_, ok := cache.Get(7)
	assert.True(t, ok)
	assert.Equal(t, 2, obs.discarded[DiscardMalformed])
	assert.Equal(t, 1, obs.discarded[DiscardUnknownStatus])
}

func TestRouter_MultiObjectFrame(t *testing.T) {
	r, cache, _ := newTestRouter(1, 2)

	handle(r, `{"status":"session_ready","job_id":1,"public_url":"u1","token":"t1"}
{"status":"session_ready","job_id":2,"public_url":"u2","token":"t2"}
{"status":"session_stopped","job_id":1}`)

	_, ok := cache.Get(1)
	assert.False(t, ok)
	rec, ok := cache.Get(2)
	require.True(t, ok)
	assert.Equal(t, "u2", rec.PublicURL)
}

func TestRouter_ServeReturnsTransportErrorOnly(t *testing.T) {
	// Arrange
	r, cache, _ := newTestRouter(7)
	closed := errors.New("websocket: close 1000")
	src := &scriptedSource{
		frames: [][]byte{
			[]byte(`garbage`),
			[]byte(`{"status":"session_ready","job_id":7,"public_url":"https://h/7","token":"tok7"}`),
			[]byte(`{"status":"stats_update","job_id":7,"stats":{"n":1}}`),
		},
		err: closed,
	}

	// Act
	err := r.Serve(context.Background(), "0xhost", src)

	// Assert
	assert.ErrorIs(t, err, closed)
	rec, ok := cache.Get(7)
	require.True(t, ok)
	assert.JSONEq(t, `{"n":1}`, string(rec.Stats))
}
