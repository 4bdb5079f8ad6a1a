// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package status

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/ComputeGateway/services/gateway/chain"
	"github.com/AleutianAI/ComputeGateway/services/gateway/sessions"
)

type countingResolver struct {
	job   chain.JobRecord
	err   error
	calls atomic.Int32
}

func (c *countingResolver) GetJob(context.Context, uint64) (chain.JobRecord, error) {
	c.calls.Add(1)
	if c.err != nil {
		return chain.JobRecord{}, c.err
	}
	return c.job, nil
}

const jobStart = int64(1_700_000_000)

func newService(resolver chain.Resolver, now time.Time) (*Service, *sessions.Cache) {
	cache := sessions.NewCache()
	svc := New(cache, resolver, slog.New(slog.NewTextHandler(io.Discard, nil)),
		WithClock(func() time.Time { return now }))
	return svc, cache
}

func escrowJob() chain.JobRecord {
	return chain.JobRecord{JobID: 7, HostAddress: "0xhost", StartTime: jobStart, MaxEndTime: jobStart + 100, TotalEscrowAmount: 1000}
}

func TestGetSessionStatus_PendingWithoutRecord(t *testing.T) {
	svc, _ := newService(&countingResolver{}, time.Unix(jobStart, 0))

	st := svc.GetSessionStatus(context.Background(), 42)

	assert.Equal(t, SessionStatus{State: StatePending}, st)
}

func TestGetSessionStatus_ReadyRoundTrip(t *testing.T) {
	// Arrange
	resolver := &countingResolver{job: escrowJob()}
	svc, cache := newService(resolver, time.Unix(jobStart+42, 0))
	started := time.Unix(jobStart+1, 0)
	cache.Put(sessions.Record{JobID: 7, PublicURL: "https://h/7", AccessToken: "tok7", SessionStartTime: started})
	cache.UpdateStats(7, json.RawMessage(`{"gpu":0.5}`))

	// Act
	st := svc.GetSessionStatus(context.Background(), 7)

	// Assert
	require.Equal(t, StateReady, st.State)
	assert.Equal(t, "https://h/7", st.PublicURL)
	assert.Equal(t, "tok7", st.Token)
	assert.JSONEq(t, `{"gpu":0.5}`, string(st.Stats))
	assert.Equal(t, uint64(10), st.Billing.PricePerSecond)
	assert.Equal(t, uint64(42), st.Billing.UptimeSeconds)
	assert.Equal(t, uint64(420), st.Billing.CurrentCost)
	assert.Equal(t, started, st.SessionStartTime)
}

func TestGetSessionStatus_ClampsPastMaxEnd(t *testing.T) {
	svc, cache := newService(&countingResolver{job: escrowJob()}, time.Unix(jobStart+150, 0))
	cache.Put(sessions.Record{JobID: 7, PublicURL: "u", AccessToken: "t"})

	st := svc.GetSessionStatus(context.Background(), 7)

	assert.Equal(t, uint64(100), st.Billing.UptimeSeconds)
	assert.Equal(t, uint64(1000), st.Billing.CurrentCost)
}

func TestGetSessionStatus_BillingFetchedOnce(t *testing.T) {
	resolver := &countingResolver{job: escrowJob()}
	svc, cache := newService(resolver, time.Unix(jobStart+10, 0))
	cache.Put(sessions.Record{JobID: 7, PublicURL: "u", AccessToken: "t"})

	for i := 0; i < 3; i++ {
		assert.Equal(t, StateReady, svc.GetSessionStatus(context.Background(), 7).State)
	}

	assert.Equal(t, int32(1), resolver.calls.Load())
}

func TestGetSessionStatus_ErrorRecord(t *testing.T) {
	resolver := &countingResolver{job: escrowJob()}
	svc, cache := newService(resolver, time.Unix(jobStart, 0))
	cache.Put(sessions.Record{JobID: 9, ErrorMessage: "gpu fault"})

	st := svc.GetSessionStatus(context.Background(), 9)

	assert.Equal(t, SessionStatus{State: StateError, Message: "gpu fault"}, st)
	assert.Zero(t, resolver.calls.Load(), "no chain call for failed sessions")
}

func TestGetSessionStatus_ChainFailureIsPendingAndRetried(t *testing.T) {
	resolver := &countingResolver{err: errors.New("node unreachable")}
	svc, cache := newService(resolver, time.Unix(jobStart+10, 0))
	cache.Put(sessions.Record{JobID: 7, PublicURL: "u", AccessToken: "t"})

	st := svc.GetSessionStatus(context.Background(), 7)
	assert.Equal(t, StatePending, st.State)
	assert.Empty(t, st.PublicURL)

	resolver.err = nil
	resolver.job = escrowJob()
	st = svc.GetSessionStatus(context.Background(), 7)
	assert.Equal(t, StateReady, st.State)
	assert.Equal(t, int32(2), resolver.calls.Load())
}

type stateTally map[State]int

func (s stateTally) SessionQueried(st State) { s[st]++ }

func TestGetSessionStatus_Observer(t *testing.T) {
	tally := stateTally{}
	cache := sessions.NewCache()
	svc := New(cache, &countingResolver{job: escrowJob()}, nil, WithObserver(tally))
	cache.Put(sessions.Record{JobID: 7, PublicURL: "u", AccessToken: "t"})
	cache.Put(sessions.Record{JobID: 9, ErrorMessage: "x"})

	svc.GetSessionStatus(context.Background(), 1)
	svc.GetSessionStatus(context.Background(), 7)
	svc.GetSessionStatus(context.Background(), 9)

	assert.Equal(t, stateTally{StatePending: 1, StateReady: 1, StateError: 1}, tally)
}
