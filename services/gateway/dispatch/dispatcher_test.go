// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/ComputeGateway/services/gateway/billing"
	"github.com/AleutianAI/ComputeGateway/services/gateway/chain"
	"github.com/AleutianAI/ComputeGateway/services/gateway/protocol"
	"github.com/AleutianAI/ComputeGateway/services/gateway/registry"
	"github.com/AleutianAI/ComputeGateway/services/gateway/sessions"
)

type stubResolver struct {
	jobs        map[uint64]string
	err         error
	invalidated []uint64
}

func (s *stubResolver) Invalidate(jobID uint64) {
	s.invalidated = append(s.invalidated, jobID)
}

func (s *stubResolver) GetJob(_ context.Context, jobID uint64) (chain.JobRecord, error) {
	if s.err != nil {
		return chain.JobRecord{}, s.err
	}
	host, ok := s.jobs[jobID]
	if !ok {
		return chain.JobRecord{}, fmt.Errorf("job %d: %w", jobID, chain.ErrJobNotFound)
	}
	return chain.JobRecord{JobID: jobID, HostAddress: host}, nil
}

type fakeChannel struct {
	mu   sync.Mutex
	sent []protocol.Command
	err  error
}

func (f *fakeChannel) ID() string { return "fake" }

func (f *fakeChannel) Send(_ context.Context, cmd protocol.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, cmd)
	return nil
}

func (f *fakeChannel) Close() error { return nil }

type recordingObserver struct {
	results []string
}

func (o *recordingObserver) CommandIssued(action protocol.Action, result string) {
	o.results = append(o.results, string(action)+":"+result)
}

type fixture struct {
	cache    *sessions.Cache
	registry *registry.Registry
	channel  *fakeChannel
	observer *recordingObserver
	resolver *stubResolver
	d        *Dispatcher
}

func newFixture(t *testing.T, connect bool) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		cache:    sessions.NewCache(),
		registry: registry.New(logger),
		channel:  &fakeChannel{},
		observer: &recordingObserver{},
	}
	if connect {
		f.registry.Connect("0xhost", f.channel)
	}
	f.resolver = &stubResolver{jobs: map[uint64]string{42: "0xHOST", 7: "0xhost"}}
	f.d = New(f.cache, f.resolver, f.registry, logger, f.observer)
	return f
}

func TestStartSession_SendsCommand(t *testing.T) {
	// Arrange
	f := newFixture(t, true)

	// Act
	ack, err := f.d.StartSession(context.Background(), 42)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, Ack{State: StatePending}, ack)
	assert.Equal(t, []protocol.Command{{Action: protocol.ActionStartSession, JobID: 42}}, f.channel.sent)
	assert.Equal(t, []string{"start_session:sent"}, f.observer.results)
}

func TestStartSession_IdempotentWhenReady(t *testing.T) {
	f := newFixture(t, true)
	f.cache.Put(sessions.Record{JobID: 7, PublicURL: "https://h/7", AccessToken: "tok7"})

	first, err := f.d.StartSession(context.Background(), 7)
	require.NoError(t, err)
	second, err := f.d.StartSession(context.Background(), 7)
	require.NoError(t, err)

	want := Ack{State: StateAlreadyRunning, PublicURL: "https://h/7", Token: "tok7"}
	assert.Equal(t, want, first)
	assert.Equal(t, first, second)
	assert.Empty(t, f.channel.sent, "no start_session sent while ready")
}

func TestStartSession_AlreadyRunningRefreshesBilling(t *testing.T) {
	f := newFixture(t, true)
	f.cache.Put(sessions.Record{JobID: 7, PublicURL: "https://h/7", AccessToken: "tok7"})
	_, _, err := f.cache.BillingMeta(context.Background(), 7, func(context.Context, uint64) (billing.Meta, error) {
		return billing.NewMeta(0, 100, 1000), nil
	})
	require.NoError(t, err)

	_, err = f.d.StartSession(context.Background(), 7)

	require.NoError(t, err)
	rec, _ := f.cache.Get(7)
	assert.Nil(t, rec.Billing, "cached billing facts dropped")
	assert.Equal(t, []uint64{7}, f.resolver.invalidated)
}

func TestStartSession_ResendsAfterError(t *testing.T) {
	f := newFixture(t, true)
	f.cache.Put(sessions.Record{JobID: 7, ErrorMessage: "gpu fault"})

	ack, err := f.d.StartSession(context.Background(), 7)

	require.NoError(t, err)
	assert.Equal(t, StatePending, ack.State)
	assert.Len(t, f.channel.sent, 1)
}

func TestStartSession_JobNotFound(t *testing.T) {
	f := newFixture(t, true)

	_, err := f.d.StartSession(context.Background(), 999)

	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.ErrorIs(t, err, chain.ErrJobNotFound)
	assert.NotErrorIs(t, err, registry.ErrHostNotConnected)
	var jnf *JobNotFoundError
	require.True(t, errors.As(err, &jnf))
	assert.Equal(t, uint64(999), jnf.JobID)
	assert.Empty(t, f.channel.sent)
}

func TestStartSession_ChainFailureIsJobNotFound(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := New(sessions.NewCache(), &stubResolver{err: errors.New("node unreachable")}, registry.New(logger), logger, nil)

	_, err := d.StartSession(context.Background(), 1)

	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestStartSession_HostNotConnected(t *testing.T) {
	f := newFixture(t, false)

	_, err := f.d.StartSession(context.Background(), 42)

	assert.ErrorIs(t, err, registry.ErrHostNotConnected)
	assert.NotErrorIs(t, err, ErrJobNotFound)
	assert.Equal(t, []string{"start_session:host_not_connected"}, f.observer.results)
}

func TestStartSession_SendFailed(t *testing.T) {
	f := newFixture(t, true)
	f.channel.err = errors.New("broken pipe")

	_, err := f.d.StartSession(context.Background(), 42)

	assert.ErrorIs(t, err, registry.ErrSendFailed)
	assert.Equal(t, []string{"start_session:send_failed"}, f.observer.results)
}

func TestStopSession_SendsAndClearsCache(t *testing.T) {
	f := newFixture(t, true)
	f.cache.Put(sessions.Record{JobID: 7, PublicURL: "https://h/7", AccessToken: "tok7"})

	ack, err := f.d.StopSession(context.Background(), 7)

	require.NoError(t, err)
	assert.Equal(t, StatePending, ack.State)
	assert.Equal(t, []protocol.Command{{Action: protocol.ActionStopSession, JobID: 7}}, f.channel.sent)
	_, ok := f.cache.Get(7)
	assert.False(t, ok)
	assert.Equal(t, []uint64{7}, f.resolver.invalidated)
}

func TestStopSession_FailureKeepsCache(t *testing.T) {
	f := newFixture(t, false)
	f.cache.Put(sessions.Record{JobID: 7, PublicURL: "https://h/7", AccessToken: "tok7"})

	_, err := f.d.StopSession(context.Background(), 7)

	assert.ErrorIs(t, err, registry.ErrHostNotConnected)
	_, ok := f.cache.Get(7)
	assert.True(t, ok)
	assert.Empty(t, f.resolver.invalidated)
}

func TestStopSession_JobNotFound(t *testing.T) {
	f := newFixture(t, true)

	_, err := f.d.StopSession(context.Background(), 5)

	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.Equal(t, []string{"stop_session:job_not_found"}, f.observer.results)
}
