// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the session gateway.
//
// # Agent Authentication Flow
//
//	GET /ws/:hostAddress
//	   │
//	   ▼
//	AgentAuth
//	   │
//	   ├─► Extract token from "Authorization: Bearer <token>" or ?token=
//	   │
//	   ├─► Verify HS256 signature and expiry
//	   │
//	   ├─► Require sub == :hostAddress (case-insensitive)
//	   │
//	   └─► Store the verified host in the gin context
//	           │
//	           ▼
//	       Upgrade handler
//
// # Open Mode
//
// With an empty secret every agent is accepted and no token is required.
package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/AleutianAI/ComputeGateway/services/gateway/protocol"
)

// =============================================================================
// Context Keys
// =============================================================================

// agentHostKey is the gin context key holding the authenticated host id.
const agentHostKey = "ucgw_agent_host"

// HostParam is the route parameter carrying the agent's host address.
const HostParam = "hostAddress"

// ErrUnauthorized is returned by VerifyAgentToken for any rejected token.
var ErrUnauthorized = errors.New("unauthorized")

// AgentHost returns the host id verified by AgentAuth, if any.
func AgentHost(c *gin.Context) (string, bool) {
	v, ok := c.Get(agentHostKey)
	if !ok {
		return "", false
	}
	host, ok := v.(string)
	return host, ok
}

// =============================================================================
// Middleware
// =============================================================================

// AgentAuth guards the agent websocket endpoint.
//
// # Description
//
// Rejects with 401 before the websocket upgrade when the token is missing,
// invalid, expired, or issued for a different host. onReject, if non-nil, is
// called for every rejection (metrics).
//
// # Inputs
//
//   - secret: HS256 key. Empty disables authentication.
//   - onReject: Optional rejection callback.
//
// # Thread Safety
//
// Thread-safe. The returned middleware can be used concurrently.
func AgentAuth(secret []byte, onReject func()) gin.HandlerFunc {
	return func(c *gin.Context) {
		host := protocol.NormalizeHostID(c.Param(HostParam))

		if len(secret) == 0 {
			c.Set(agentHostKey, host)
			c.Next()
			return
		}

		token := extractBearerToken(c)
		if token == "" {
			token = strings.TrimSpace(c.Query("token"))
		}

		if err := VerifyAgentToken(secret, token, host); err != nil {
			if onReject != nil {
				onReject()
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "unauthorized",
				"code":  "unauthorized",
			})
			return
		}

		c.Set(agentHostKey, host)
		c.Next()
	}
}

// VerifyAgentToken checks that token is a valid HS256 JWT for host.
func VerifyAgentToken(secret []byte, token, host string) error {
	if token == "" {
		return fmt.Errorf("%w: missing token", ErrUnauthorized)
	}

	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || !parsed.Valid {
		return fmt.Errorf("%w: invalid claims", ErrUnauthorized)
	}
	if protocol.NormalizeHostID(claims.Subject) != protocol.NormalizeHostID(host) {
		return fmt.Errorf("%w: token subject %q does not match host", ErrUnauthorized, claims.Subject)
	}
	return nil
}

// SignAgentToken issues an HS256 token for host. A zero ttl issues a token
// without expiry.
func SignAgentToken(secret []byte, host string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("signing secret is empty")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:  protocol.NormalizeHostID(host),
		IssuedAt: jwt.NewNumericDate(now),
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// =============================================================================
// Helper Functions
// =============================================================================

// extractBearerToken returns the token from "Authorization: Bearer <token>",
// or "" if the header is missing or uses another scheme. The scheme is
// matched case-insensitively per RFC 7235.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
