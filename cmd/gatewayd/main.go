// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command gatewayd runs the compute marketplace session gateway.
//
// # Usage
//
//	# Serve with defaults (port 8000, Aptos testnet)
//	gatewayd
//
//	# Serve with a config file, overriding one key from the environment
//	GATEWAY_SERVER_PORT=9000 gatewayd serve --config gateway.yaml
//
//	# Print the effective configuration (secrets redacted)
//	gatewayd config --config gateway.yaml
//
//	# Issue an agent token for a host (requires agents.token_secret)
//	gatewayd token 0xabc... --ttl 720h
//
// # Environment Variables
//
// Every config key can be set as GATEWAY_<SECTION>_<KEY>, for example
// GATEWAY_CHAIN_NODE_URL or GATEWAY_AGENTS_TOKEN_SECRET.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
