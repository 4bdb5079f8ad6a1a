// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")

	require.NoError(t, err)
	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, DefaultNodeURL, cfg.Chain.NodeURL)
	assert.Equal(t, DefaultMarketplaceAddress, cfg.Chain.MarketplaceAddress)
	assert.Equal(t, 10*time.Second, cfg.Chain.CacheTTL)
	assert.Equal(t, 10*time.Second, cfg.Chain.Timeout)
	assert.Equal(t, 20.0, cfg.Chain.RequestsPerSecond)
	assert.Equal(t, 40, cfg.Chain.Burst)
	assert.Empty(t, cfg.Agents.TokenSecret)
	assert.Equal(t, 30*time.Second, cfg.Agents.PingPeriod)
	assert.Equal(t, int64(1<<20), cfg.Agents.MaxMessageBytes)
	assert.Equal(t, "none", cfg.Tracing.Exporter)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "auto", cfg.Logging.Format)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
server:
  port: 9100
chain:
  node_url: http://localhost:8080/v1
  cache_ttl: 30s
agents:
  ping_period: 0s
logging:
  level: debug
`)

	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "http://localhost:8080/v1", cfg.Chain.NodeURL)
	assert.Equal(t, 30*time.Second, cfg.Chain.CacheTTL)
	assert.Zero(t, cfg.Agents.PingPeriod)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, DefaultMarketplaceAddress, cfg.Chain.MarketplaceAddress, "untouched keys keep defaults")
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "server:\n  port: 9100\n")
	t.Setenv("GATEWAY_SERVER_PORT", "9200")
	t.Setenv("GATEWAY_AGENTS_TOKEN_SECRET", "s3cret")
	t.Setenv("GATEWAY_CHAIN_TIMEOUT", "3s")

	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, 9200, cfg.Server.Port)
	assert.Equal(t, "s3cret", cfg.Agents.TokenSecret)
	assert.Equal(t, 3*time.Second, cfg.Chain.Timeout)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))

	assert.Error(t, err)
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"port out of range", "server:\n  port: 70000\n"},
		{"bad node url", "chain:\n  node_url: not-a-url\n"},
		{"bad marketplace", "chain:\n  marketplace_address: feed\n"},
		{"otlp without endpoint", "tracing:\n  exporter: otlp\n"},
		{"unknown exporter", "tracing:\n  exporter: zipkin\n"},
		{"bad log level", "logging:\n  level: verbose\n"},
		{"zero write timeout", "agents:\n  write_timeout: 0s\n"},
		{"bad gin mode", "server:\n  gin_mode: turbo\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.body))

			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid config")
		})
	}
}

func TestLoad_OTLPWithEndpoint(t *testing.T) {
	cfg, err := Load(writeFile(t, "tracing:\n  exporter: otlp\n  endpoint: collector:4317\n"))

	require.NoError(t, err)
	assert.Equal(t, "collector:4317", cfg.Tracing.Endpoint)
}

func TestConfig_YAMLRedactsSecret(t *testing.T) {
	cfg := Default()
	cfg.Agents.TokenSecret = "s3cret"

	out, err := cfg.YAML()
	require.NoError(t, err)

	assert.NotContains(t, string(out), "s3cret")
	var decoded map[string]map[string]any
	require.NoError(t, yaml.Unmarshal(out, &decoded))
	assert.Equal(t, redacted, decoded["agents"]["token_secret"])
	assert.Equal(t, 8000, decoded["server"]["port"])
	assert.Equal(t, "s3cret", cfg.Agents.TokenSecret, "original is not modified")
}
