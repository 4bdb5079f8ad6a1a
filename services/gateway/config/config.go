// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the gateway configuration.
//
// # Description
//
// Values are layered, later layers winning:
//
//  1. Built-in defaults
//  2. An optional YAML file (--config)
//  3. GATEWAY_* environment variables, with "." in the key replaced by "_"
//     (GATEWAY_CHAIN_NODE_URL overrides chain.node_url)
//
// The merged result is validated before use.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the environment variable prefix.
const EnvPrefix = "GATEWAY"

// Defaults taken from the deployed testnet marketplace.
const (
	DefaultNodeURL            = "https://fullnode.testnet.aptoslabs.com/v1"
	DefaultMarketplaceAddress = "0x04f63c38cdaa0b8a1e736ebf794844aaabf4f08414d4a26767ee690b7283f758"
)

const redacted = "<redacted>"

// =============================================================================
// Configuration
// =============================================================================

// Config is the complete gateway configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Chain   ChainConfig   `mapstructure:"chain" yaml:"chain"`
	Agents  AgentsConfig  `mapstructure:"agents" yaml:"agents"`
	Tracing TracingConfig `mapstructure:"tracing" yaml:"tracing"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	// Port is the HTTP listen port. Default: 8000
	Port int `mapstructure:"port" yaml:"port" validate:"min=1,max=65535"`

	// GinMode is "debug", "release" or "test". Empty keeps gin's default.
	GinMode string `mapstructure:"gin_mode" yaml:"gin_mode" validate:"omitempty,oneof=debug release test"`

	// ShutdownTimeout bounds graceful shutdown. Default: 10s
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"gt=0"`
}

// ChainConfig controls the Aptos node client.
type ChainConfig struct {
	NodeURL            string        `mapstructure:"node_url" yaml:"node_url" validate:"required,url"`
	MarketplaceAddress string        `mapstructure:"marketplace_address" yaml:"marketplace_address" validate:"required,startswith=0x"`
	CacheTTL           time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl" validate:"gt=0"`
	Timeout            time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"gt=0"`
	RequestsPerSecond  float64       `mapstructure:"requests_per_second" yaml:"requests_per_second" validate:"gte=0"`
	Burst              int           `mapstructure:"burst" yaml:"burst" validate:"gte=0"`
}

// AgentsConfig controls the host agent websocket endpoint.
type AgentsConfig struct {
	// TokenSecret enables HS256 agent authentication when non-empty.
	TokenSecret string `mapstructure:"token_secret" yaml:"token_secret"`

	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" validate:"gt=0"`
	PingPeriod      time.Duration `mapstructure:"ping_period" yaml:"ping_period" validate:"gte=0"`
	MaxMessageBytes int64         `mapstructure:"max_message_bytes" yaml:"max_message_bytes" validate:"gt=0"`
}

// TracingConfig selects the span exporter.
type TracingConfig struct {
	Exporter string `mapstructure:"exporter" yaml:"exporter" validate:"oneof=none stdout otlp"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint" validate:"required_if=Exporter otlp"`
}

// LoggingConfig controls pkg/logging.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" yaml:"format" validate:"oneof=auto text json"`
	Dir    string `mapstructure:"dir" yaml:"dir"`
}

// SetDefaults registers every key's default on v. Every key must have a
// default so that environment overrides are seen by Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.gin_mode", "")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("chain.node_url", DefaultNodeURL)
	v.SetDefault("chain.marketplace_address", DefaultMarketplaceAddress)
	v.SetDefault("chain.cache_ttl", 10*time.Second)
	v.SetDefault("chain.timeout", 10*time.Second)
	v.SetDefault("chain.requests_per_second", 20.0)
	v.SetDefault("chain.burst", 40)

	v.SetDefault("agents.token_secret", "")
	v.SetDefault("agents.write_timeout", 10*time.Second)
	v.SetDefault("agents.ping_period", 30*time.Second)
	v.SetDefault("agents.max_message_bytes", int64(1<<20))

	v.SetDefault("tracing.exporter", "none")
	v.SetDefault("tracing.endpoint", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "auto")
	v.SetDefault("logging.dir", "")
}

// Default returns the built-in configuration.
func Default() Config {
	cfg, err := Load("")
	if err != nil {
		panic(fmt.Sprintf("config: built-in defaults are invalid: %v", err))
	}
	return cfg
}

// Load merges defaults, the optional file at path and the environment.
//
// # Inputs
//
//   - path: YAML file path. Empty skips the file layer.
//
// # Outputs
//
//   - Config: The merged, validated configuration.
//   - error: Non-nil if the file cannot be read or validation fails.
func Load(path string) (Config, error) {
	v := viper.New()
	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks every field constraint.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	if c.Agents.TokenSecret != "" {
		c.Agents.TokenSecret = redacted
	}
	return c
}

// YAML renders the redacted configuration.
func (c Config) YAML() ([]byte, error) {
	return yaml.Marshal(c.Redacted())
}
