// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sessions holds the in-memory state of every live job session.
//
// # Description
//
// Records are written by the agent message router (session_ready,
// stats_update, session_stopped, session_error) and by the command
// dispatcher (stop), and read by the session query path. Nothing is
// persisted; a restart starts empty.
//
// # Thread Safety
//
// A single mutex guards the whole map. Critical sections are field
// assignments only. Readers receive copies, never pointers into the map.
package sessions

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/AleutianAI/ComputeGateway/services/gateway/billing"
)

// Record is the cached state of one job's session.
type Record struct {
	JobID uint64

	// PublicURL and AccessToken are set by session_ready.
	PublicURL   string
	AccessToken string

	// Stats is the latest opaque stats payload, nil until the first update.
	Stats json.RawMessage

	// Billing is populated lazily by the query path.
	Billing *billing.Meta

	// SessionStartTime is when session_ready was received.
	SessionStartTime time.Time

	// ErrorMessage is set only on records created by session_error.
	ErrorMessage string

	// generation changes every time the record is replaced wholesale.
	generation uint64
}

// Ready reports whether the record describes a reachable session.
func (r Record) Ready() bool {
	return r.ErrorMessage == "" && r.PublicURL != ""
}

// Failed reports whether the record was created by session_error.
func (r Record) Failed() bool {
	return r.ErrorMessage != ""
}

func (r Record) clone() Record {
	out := r
	if r.Stats != nil {
		out.Stats = append(json.RawMessage(nil), r.Stats...)
	}
	if r.Billing != nil {
		meta := *r.Billing
		out.Billing = &meta
	}
	return out
}

// MetaFunc produces billing facts for a job. It is called without the cache
// lock held and may block on the chain.
type MetaFunc func(ctx context.Context, jobID uint64) (billing.Meta, error)

// Cache maps job ids to session records.
type Cache struct {
	mu      sync.Mutex
	records map[uint64]*Record
	nextGen uint64
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{records: make(map[uint64]*Record)}
}

// Put creates or replaces the record for rec.JobID. The stored record is a
// copy; later changes to rec are not observed.
func (c *Cache) Put(rec Record) {
	stored := rec.clone()

	c.mu.Lock()
	c.nextGen++
	stored.generation = c.nextGen
	c.records[rec.JobID] = &stored
	c.mu.Unlock()
}

// Get returns a copy of the record for jobID.
func (c *Cache) Get(jobID uint64) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[jobID]
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

// UpdateStats replaces only the stats of an existing record. It reports
// false, and creates nothing, when no record exists.
func (c *Cache) UpdateStats(jobID uint64, stats json.RawMessage) bool {
	var copied json.RawMessage
	if stats != nil {
		copied = append(json.RawMessage(nil), stats...)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[jobID]
	if !ok {
		return false
	}
	rec.Stats = copied
	return true
}

// Delete removes the record for jobID. It reports whether one existed.
func (c *Cache) Delete(jobID uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.records[jobID]
	delete(c.records, jobID)
	return ok
}

// InvalidateBilling clears cached billing facts so the next query refetches.
func (c *Cache) InvalidateBilling(jobID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rec, ok := c.records[jobID]; ok {
		rec.Billing = nil
	}
}

// Len returns the number of cached records.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// BillingMeta returns the billing facts for jobID, computing them on first
// use.
//
// # Description
//
// When the record already carries billing facts they are returned directly.
// Otherwise compute is invoked outside the lock and its result is stored,
// but only if the record has not been replaced or removed in the meantime.
// Two concurrent callers may both compute; the results are identical and
// the second store is a no-op overwrite.
//
// # Outputs
//
//   - billing.Meta: The facts, whether cached or freshly computed.
//   - bool: False when no record exists for jobID (compute is not called).
//   - error: The compute error. Failures are not cached.
func (c *Cache) BillingMeta(ctx context.Context, jobID uint64, compute MetaFunc) (billing.Meta, bool, error) {
	c.mu.Lock()
	rec, ok := c.records[jobID]
	if !ok {
		c.mu.Unlock()
		return billing.Meta{}, false, nil
	}
	if rec.Billing != nil {
		meta := *rec.Billing
		c.mu.Unlock()
		return meta, true, nil
	}
	gen := rec.generation
	c.mu.Unlock()

	meta, err := compute(ctx, jobID)
	if err != nil {
		return billing.Meta{}, true, err
	}

	c.mu.Lock()
	if cur, ok := c.records[jobID]; ok && cur.generation == gen && cur.Billing == nil {
		stored := meta
		cur.Billing = &stored
	}
	c.mu.Unlock()

	return meta, true, nil
}
