// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/ComputeGateway/pkg/logging"
	"github.com/AleutianAI/ComputeGateway/services/gateway"
	"github.com/AleutianAI/ComputeGateway/services/gateway/config"
	"github.com/AleutianAI/ComputeGateway/services/gateway/middleware"
	"github.com/AleutianAI/ComputeGateway/services/gateway/observability"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// newRootCmd builds the command tree. Running the root with no subcommand
// serves.
func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "gatewayd",
		Short:         "Session gateway between renters and host agents",
		Long:          `gatewayd relays start/stop commands from renters to host agents over websockets and reports live session status and billing from on-chain escrow data.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			out, err := cfg.YAML()
			if err != nil {
				return fmt.Errorf("render config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}

	var ttl time.Duration
	tokenCmd := &cobra.Command{
		Use:   "token [host-address]",
		Short: "Issue an agent token for a host",
		Long:  `Signs an HS256 token whose subject is the host address, using agents.token_secret. Agents present it as "Authorization: Bearer <token>" or ?token= when connecting to /ws/<host-address>.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.Agents.TokenSecret == "" {
				return errors.New("agents.token_secret is not set; agent authentication is disabled")
			}
			token, err := middleware.SignAgentToken([]byte(cfg.Agents.TokenSecret), args[0], ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	tokenCmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (0 = no expiry)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}

	root.AddCommand(serveCmd, configCmd, tokenCmd, versionCmd)
	return root
}

// runServe loads configuration, builds the logger and the service, and
// serves until SIGINT or SIGTERM.
func runServe(parent context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logger, err := logging.New(logging.Config{
		Level:   level,
		Format:  logging.Format(cfg.Logging.Format),
		Service: observability.ServiceName,
		LogDir:  cfg.Logging.Dir,
	})
	if err != nil {
		logger.Slog().Warn("File logging disabled", "error", err)
	}
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	slog.Info("Starting gatewayd",
		"version", version,
		"port", cfg.Server.Port,
		"node_url", cfg.Chain.NodeURL,
		"marketplace", cfg.Chain.MarketplaceAddress,
		"agent_auth", cfg.Agents.TokenSecret != "",
		"tracing", cfg.Tracing.Exporter,
	)

	svc, err := gateway.New(cfg, logger.Slog())
	if err != nil {
		return fmt.Errorf("failed to create gateway: %w", err)
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return svc.Run(ctx)
}
