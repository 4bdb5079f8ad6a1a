// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var testSecret = []byte("test-secret")

// newAuthRouter mounts AgentAuth in front of a handler that echoes the
// verified host.
func newAuthRouter(secret []byte, rejects *int) *gin.Engine {
	r := gin.New()
	r.GET("/ws/:hostAddress", AgentAuth(secret, func() { *rejects++ }), func(c *gin.Context) {
		host, ok := AgentHost(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.String(http.StatusOK, host)
	})
	return r
}

func TestAgentAuth_OpenModeAcceptsEveryone(t *testing.T) {
	var rejects int
	r := newAuthRouter(nil, &rejects)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws/0xABC", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0xabc", w.Body.String())
	assert.Zero(t, rejects)
}

func TestAgentAuth_BearerHeader(t *testing.T) {
	var rejects int
	r := newAuthRouter(testSecret, &rejects)
	token, err := SignAgentToken(testSecret, "0xabc", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/ws/0xABC", nil)
	req.Header.Set("Authorization", "bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0xabc", w.Body.String())
}

func TestAgentAuth_QueryParam(t *testing.T) {
	var rejects int
	r := newAuthRouter(testSecret, &rejects)
	token, err := SignAgentToken(testSecret, "0xabc", 0)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws/0xabc?token="+token, nil))

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAgentAuth_Rejections(t *testing.T) {
	otherHost, _ := SignAgentToken(testSecret, "0xother", time.Hour)
	wrongKey, _ := SignAgentToken([]byte("other-secret"), "0xabc", time.Hour)
	expired, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "0xabc",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}).SignedString(testSecret)
	hs512, _ := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.RegisteredClaims{Subject: "0xabc"}).SignedString(testSecret)

	tests := []struct {
		name  string
		token string
	}{
		{"missing", ""},
		{"garbage", "not.a.jwt"},
		{"other host", otherHost},
		{"wrong key", wrongKey},
		{"expired", expired},
		{"wrong algorithm", hs512},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var rejects int
			r := newAuthRouter(testSecret, &rejects)
			req := httptest.NewRequest(http.MethodGet, "/ws/0xabc", nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}

			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.JSONEq(t, `{"error":"unauthorized","code":"unauthorized"}`, w.Body.String())
			assert.Equal(t, 1, rejects)
		})
	}
}

func TestSignAgentToken_EmptySecret(t *testing.T) {
	_, err := SignAgentToken(nil, "0xabc", time.Hour)

	assert.Error(t, err)
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"", ""},
		{"Bearer abc", "abc"},
		{"BEARER  abc ", "abc"},
		{"Basic abc", ""},
		{"Bearer", ""},
	}

	for _, tt := range tests {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			c.Request.Header.Set("Authorization", tt.header)
		}
		assert.Equal(t, tt.want, extractBearerToken(c), "header %q", tt.header)
	}
}
