// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package chain resolves jobs against the Aptos escrow module.
//
// The gateway treats the chain as a read-only oracle: it only ever calls the
// escrow::get_job view function and never submits transactions.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/AleutianAI/ComputeGateway/services/gateway/billing"
)

// ErrJobNotFound is returned when the chain has no job with the given id.
var ErrJobNotFound = errors.New("job not found on chain")

// Resolver looks a job up by id.
type Resolver interface {
	GetJob(ctx context.Context, jobID uint64) (JobRecord, error)
}

// JobRecord is the on-chain escrow job. Times are unix seconds.
type JobRecord struct {
	JobID             uint64 `json:"job_id"`
	RenterAddress     string `json:"renter_address"`
	HostAddress       string `json:"host_address"`
	ListingID         uint64 `json:"listing_id"`
	StartTime         int64  `json:"start_time"`
	MaxEndTime        int64  `json:"max_end_time"`
	TotalEscrowAmount uint64 `json:"total_escrow_amount"`
	ClaimedAmount     uint64 `json:"claimed_amount"`
	IsActive          bool   `json:"is_active"`
}

// BillingMeta derives the billing facts for the job.
func (j JobRecord) BillingMeta() billing.Meta {
	return billing.NewMeta(j.StartTime, j.MaxEndTime, j.TotalEscrowAmount)
}

// rawJob mirrors the Move struct as returned by the REST view endpoint,
// where u64 values are encoded as decimal strings.
type rawJob struct {
	JobID             moveU64 `json:"job_id"`
	RenterAddress     string  `json:"renter_address"`
	HostAddress       string  `json:"host_address"`
	ListingID         moveU64 `json:"listing_id"`
	StartTime         moveU64 `json:"start_time"`
	MaxEndTime        moveU64 `json:"max_end_time"`
	TotalEscrowAmount moveU64 `json:"total_escrow_amount"`
	ClaimedAmount     moveU64 `json:"claimed_amount"`
	IsActive          bool    `json:"is_active"`
}

func (r rawJob) record() (JobRecord, error) {
	if r.HostAddress == "" {
		return JobRecord{}, errors.New("job has no host_address")
	}
	start, err := toUnix(uint64(r.StartTime))
	if err != nil {
		return JobRecord{}, fmt.Errorf("start_time: %w", err)
	}
	maxEnd, err := toUnix(uint64(r.MaxEndTime))
	if err != nil {
		return JobRecord{}, fmt.Errorf("max_end_time: %w", err)
	}
	return JobRecord{
		JobID:             uint64(r.JobID),
		RenterAddress:     r.RenterAddress,
		HostAddress:       r.HostAddress,
		ListingID:         uint64(r.ListingID),
		StartTime:         start,
		MaxEndTime:        maxEnd,
		TotalEscrowAmount: uint64(r.TotalEscrowAmount),
		ClaimedAmount:     uint64(r.ClaimedAmount),
		IsActive:          r.IsActive,
	}, nil
}

func toUnix(v uint64) (int64, error) {
	if v > 1<<62 {
		return 0, fmt.Errorf("timestamp %d out of range", v)
	}
	return int64(v), nil
}

// moveU64 accepts a u64 encoded either as a JSON string or a JSON number.
type moveU64 uint64

func (m *moveU64) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*m = 0
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		data = []byte(s)
	}
	v, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid u64 %q: %w", data, err)
	}
	*m = moveU64(v)
	return nil
}
