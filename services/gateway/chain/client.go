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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("ucgw.chain")

const maxResponseBytes = 1 << 20

// RequestObserver receives the outcome of every node request.
type RequestObserver interface {
	ChainRequest(result string, elapsed time.Duration)
}

// Request outcomes reported to RequestObserver.
const (
	ResultOK       = "ok"
	ResultNotFound = "not_found"
	ResultError    = "error"
)

// ClientConfig configures an AptosClient.
type ClientConfig struct {
	// NodeURL is the fullnode REST base, e.g. https://fullnode.testnet.aptoslabs.com/v1.
	NodeURL string

	// MarketplaceAddress is the account that published the escrow module.
	MarketplaceAddress string

	// Timeout bounds each HTTP request. Default 10s.
	Timeout time.Duration

	// RequestsPerSecond caps outbound node traffic. Zero disables limiting.
	RequestsPerSecond float64

	// Burst is the limiter bucket size. Default max(1, RequestsPerSecond).
	Burst int

	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

// AptosClient calls view functions on an Aptos fullnode.
//
// # Thread Safety
//
// Safe for concurrent use.
type AptosClient struct {
	baseURL  string
	function string
	http     *http.Client
	limiter  *rate.Limiter
	logger   *slog.Logger
	observer RequestObserver
}

// NewAptosClient validates cfg and builds a client.
func NewAptosClient(cfg ClientConfig, logger *slog.Logger, observer RequestObserver) (*AptosClient, error) {
	if cfg.NodeURL == "" {
		return nil, fmt.Errorf("chain: node url is required")
	}
	if cfg.MarketplaceAddress == "" {
		return nil, fmt.Errorf("chain: marketplace address is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = max(1, int(cfg.RequestsPerSecond))
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &AptosClient{
		baseURL:  strings.TrimRight(cfg.NodeURL, "/"),
		function: cfg.MarketplaceAddress + "::escrow::get_job",
		http:     httpClient,
		limiter:  limiter,
		logger:   logger.With("component", "chain"),
		observer: observer,
	}, nil
}

type viewRequest struct {
	Function      string   `json:"function"`
	TypeArguments []string `json:"type_arguments"`
	Arguments     []string `json:"arguments"`
}

// GetJob calls escrow::get_job for jobID.
//
// # Outputs
//
//   - JobRecord: The decoded job.
//   - error: Wraps ErrJobNotFound when the node rejects the id (400/404) or
//     returns an empty or null result. Any other failure is a transport or
//     decode error. Nothing is retried.
func (c *AptosClient) GetJob(ctx context.Context, jobID uint64) (JobRecord, error) {
	ctx, span := tracer.Start(ctx, "chain.AptosClient.GetJob",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.Int64("job_id", int64(jobID))),
	)
	defer span.End()

	start := time.Now()
	rec, err := c.getJob(ctx, jobID)
	elapsed := time.Since(start)

	result := ResultOK
	switch {
	case err == nil:
		span.SetAttributes(attribute.String("host_address", rec.HostAddress))
	case IsNotFound(err):
		result = ResultNotFound
		span.SetStatus(codes.Error, "job not found")
	default:
		result = ResultError
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Error("chain lookup failed", "job_id", jobID, "error", err)
	}
	if c.observer != nil {
		c.observer.ChainRequest(result, elapsed)
	}
	return rec, err
}

func (c *AptosClient) getJob(ctx context.Context, jobID uint64) (JobRecord, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return JobRecord{}, fmt.Errorf("chain rate limit: %w", err)
		}
	}

	body, err := json.Marshal(viewRequest{
		Function:      c.function,
		TypeArguments: []string{},
		Arguments:     []string{strconv.FormatUint(jobID, 10)},
	})
	if err != nil {
		return JobRecord{}, fmt.Errorf("encode view request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/view", bytes.NewReader(body))
	if err != nil {
		return JobRecord{}, fmt.Errorf("build view request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return JobRecord{}, fmt.Errorf("view request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return JobRecord{}, fmt.Errorf("read view response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusBadRequest:
		c.logger.Debug("node rejected job id", "job_id", jobID, "status", resp.StatusCode, "body", truncate(payload))
		return JobRecord{}, fmt.Errorf("job %d: %w", jobID, ErrJobNotFound)
	case resp.StatusCode != http.StatusOK:
		return JobRecord{}, fmt.Errorf("view request: unexpected status %d: %s", resp.StatusCode, truncate(payload))
	}

	var results []*rawJob
	if err := json.Unmarshal(payload, &results); err != nil {
		return JobRecord{}, fmt.Errorf("decode view response: %w", err)
	}
	if len(results) == 0 || results[0] == nil {
		return JobRecord{}, fmt.Errorf("job %d: %w", jobID, ErrJobNotFound)
	}

	rec, err := results[0].record()
	if err != nil {
		return JobRecord{}, fmt.Errorf("decode job %d: %w", jobID, err)
	}
	return rec, nil
}

func truncate(b []byte) string {
	const limit = 256
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
