// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package billing derives live uptime and accrued cost for a rented job.
//
// # Description
//
// A job's escrow is locked on chain together with an official start time and
// a contractual maximum end time. The meter spreads the escrow evenly across
// that window and charges for the portion of the window that has elapsed.
//
//	window         = max(0, maxEnd - start)
//	pricePerSecond = escrow / window            (integer division, 0 if window is 0)
//	clampedNow     = clamp(now, start, maxEnd)
//	uptime         = max(0, clampedNow - start)
//	cost           = min(escrow, uptime * pricePerSecond)
//
// # Thread Safety
//
// Everything in this package is a pure function of its inputs.
package billing

// Meta is the cached snapshot of chain facts needed to price a session.
//
// Times are Unix seconds as reported by the escrow module. Amounts are in the
// chain's smallest denomination (octas).
type Meta struct {
	StartTime         int64  `json:"start_time"`
	MaxEndTime        int64  `json:"max_end_time"`
	TotalEscrowAmount uint64 `json:"total_escrow_amount"`
	PricePerSecond    uint64 `json:"price_per_second"`
}

// Snapshot is the live billing view at a given instant.
type Snapshot struct {
	PricePerSecond uint64 `json:"price_per_second"`
	UptimeSeconds  uint64 `json:"uptime_seconds"`
	CurrentCost    uint64 `json:"current_cost"`
}

// NewMeta builds a Meta, deriving the per-second price from the escrow and
// the billing window.
//
// # Inputs
//
//   - startTime: Official job start (Unix seconds).
//   - maxEndTime: Contractual maximum end (Unix seconds).
//   - totalEscrow: Escrowed amount.
//
// # Outputs
//
//   - Meta: PricePerSecond is 0 when the window is empty or inverted.
func NewMeta(startTime, maxEndTime int64, totalEscrow uint64) Meta {
	return Meta{
		StartTime:         startTime,
		MaxEndTime:        maxEndTime,
		TotalEscrowAmount: totalEscrow,
		PricePerSecond:    pricePerSecond(startTime, maxEndTime, totalEscrow),
	}
}

// Window returns the billable duration in seconds, never negative.
func (m Meta) Window() uint64 {
	if m.MaxEndTime <= m.StartTime {
		return 0
	}
	return uint64(m.MaxEndTime - m.StartTime)
}

// Compute returns uptime and cost for the instant now (Unix seconds).
//
// # Description
//
// now is clamped into [StartTime, MaxEndTime] before anything else, so a
// query made before the chain-reported start shows zero uptime and a query
// made long after expiry shows the full window and never more than the
// escrow.
//
// # Inputs
//
//   - m: Billing metadata. PricePerSecond is taken as given.
//   - now: Current time in Unix seconds.
//
// # Outputs
//
//   - Snapshot: Both UptimeSeconds and CurrentCost are monotonically
//     non-decreasing in now and constant outside the window.
func Compute(m Meta, now int64) Snapshot {
	clamped := now
	if clamped > m.MaxEndTime {
		clamped = m.MaxEndTime
	}
	if clamped < m.StartTime {
		clamped = m.StartTime
	}

	var uptime uint64
	if clamped > m.StartTime {
		uptime = uint64(clamped - m.StartTime)
	}

	cost := m.TotalEscrowAmount
	// uptime * price can only exceed the escrow when PricePerSecond was not
	// derived by NewMeta; guard the multiplication against overflow as well.
	if m.PricePerSecond == 0 || uptime <= m.TotalEscrowAmount/m.PricePerSecond {
		cost = min(m.TotalEscrowAmount, uptime*m.PricePerSecond)
	}

	return Snapshot{
		PricePerSecond: m.PricePerSecond,
		UptimeSeconds:  uptime,
		CurrentCost:    cost,
	}
}

func pricePerSecond(startTime, maxEndTime int64, totalEscrow uint64) uint64 {
	if maxEndTime <= startTime {
		return 0
	}
	return totalEscrow / uint64(maxEndTime-startTime)
}
