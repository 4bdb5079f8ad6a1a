// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package chain

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

// DefaultCacheTTL is how long a resolved job is served from memory.
const DefaultCacheTTL = 10 * time.Second

// DefaultCacheEntries bounds the number of cached jobs.
const DefaultCacheEntries = 4096

// DefaultLookupTimeout bounds one shared upstream lookup.
const DefaultLookupTimeout = 10 * time.Second

// IsNotFound reports whether err means the job does not exist on chain.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrJobNotFound)
}

type cacheEntry struct {
	rec     JobRecord
	expires time.Time
}

// CachedResolver wraps a Resolver with a short-lived in-memory cache.
//
// # Description
//
// Successful lookups are cached for the TTL. Concurrent misses for the same
// job collapse into a single upstream call. Failures, including not-found,
// are never cached so a job indexed moments later resolves on the next call.
//
// The shared call is detached from the cancellation of whichever caller
// started it and is bounded by the lookup timeout instead. A caller whose own
// context ends stops waiting and gets ctx.Err(); the others keep waiting.
//
// # Thread Safety
//
// Safe for concurrent use.
type CachedResolver struct {
	next       Resolver
	ttl        time.Duration
	maxEntries int
	timeout    time.Duration
	now        func() time.Time

	mu      sync.Mutex
	entries map[uint64]cacheEntry

	group singleflight.Group
}

// CacheOption configures a CachedResolver.
type CacheOption func(*CachedResolver)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) CacheOption {
	return func(c *CachedResolver) { c.now = now }
}

// WithMaxEntries bounds the cache size.
func WithMaxEntries(n int) CacheOption {
	return func(c *CachedResolver) {
		if n > 0 {
			c.maxEntries = n
		}
	}
}

// WithLookupTimeout bounds each shared upstream lookup.
func WithLookupTimeout(d time.Duration) CacheOption {
	return func(c *CachedResolver) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// NewCachedResolver wraps next. A non-positive ttl uses DefaultCacheTTL.
func NewCachedResolver(next Resolver, ttl time.Duration, opts ...CacheOption) *CachedResolver {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	c := &CachedResolver{
		next:       next,
		ttl:        ttl,
		maxEntries: DefaultCacheEntries,
		timeout:    DefaultLookupTimeout,
		now:        time.Now,
		entries:    make(map[uint64]cacheEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetJob returns the cached record for jobID or resolves it upstream.
func (c *CachedResolver) GetJob(ctx context.Context, jobID uint64) (JobRecord, error) {
	ctx, span := tracer.Start(ctx, "chain.CachedResolver.GetJob",
		trace.WithAttributes(attribute.Int64("job_id", int64(jobID))),
	)
	defer span.End()

	if rec, ok := c.lookup(jobID); ok {
		span.SetAttributes(attribute.Bool("cache_hit", true))
		return rec, nil
	}
	span.SetAttributes(attribute.Bool("cache_hit", false))

	flight := c.group.DoChan(strconv.FormatUint(jobID, 10), func() (any, error) {
		if rec, ok := c.lookup(jobID); ok {
			return rec, nil
		}
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		rec, err := c.next.GetJob(lookupCtx, jobID)
		if err != nil {
			return nil, err
		}
		c.store(jobID, rec)
		return rec, nil
	})

	var res singleflight.Result
	select {
	case res = <-flight:
	case <-ctx.Done():
		err := ctx.Err()
		span.SetStatus(codes.Error, err.Error())
		return JobRecord{}, err
	}
	span.SetAttributes(attribute.Bool("shared", res.Shared))
	if err := res.Err; err != nil {
		if !IsNotFound(err) {
			span.RecordError(err)
		}
		span.SetStatus(codes.Error, err.Error())
		return JobRecord{}, err
	}

	rec, ok := res.Val.(JobRecord)
	if !ok {
		err := fmt.Errorf("unexpected type from singleflight: got %T", res.Val)
		span.SetStatus(codes.Error, err.Error())
		return JobRecord{}, err
	}
	return rec, nil
}

// Invalidate drops any cached record for jobID.
func (c *CachedResolver) Invalidate(jobID uint64) {
	c.mu.Lock()
	delete(c.entries, jobID)
	c.mu.Unlock()
}

func (c *CachedResolver) lookup(jobID uint64) (JobRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[jobID]
	if !ok {
		return JobRecord{}, false
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, jobID)
		return JobRecord{}, false
	}
	return e.rec, true
}

func (c *CachedResolver) store(jobID uint64, rec JobRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, exists := c.entries[jobID]; !exists && len(c.entries) >= c.maxEntries {
		for id, e := range c.entries {
			if !now.Before(e.expires) {
				delete(c.entries, id)
			}
		}
		if len(c.entries) >= c.maxEntries {
			return
		}
	}
	c.entries[jobID] = cacheEntry{rec: rec, expires: now.Add(c.ttl)}
}
