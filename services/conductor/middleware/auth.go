// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the conductor API.
//
// # Authentication Flow
//
// The auth middleware extracts a bearer token from the Authorization
// header and compares it in constant time against the configured API
// token. The caller's user id comes from the X-Forge-User header,
// falling back to "local-user" for single-user deployments.
//
// When no API token is configured (development mode), all requests
// pass through.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// userKey is the gin context key for the authenticated user id.
const userKey = "forge_user_id"

// defaultUser identifies requests in single-user deployments.
const defaultUser = "local-user"

// UserID returns the authenticated user id for the request.
func UserID(c *gin.Context) string {
	if v, ok := c.Get(userKey); ok {
		if id, ok := v.(string); ok && id != "" {
			return id
		}
	}
	return defaultUser
}

// Auth returns a middleware that enforces the configured bearer token.
// An empty token disables enforcement.
func Auth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token != "" {
			presented := extractBearerToken(c)
			if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error": "unauthorized",
				})
				return
			}
		}

		user := strings.TrimSpace(c.GetHeader("X-Forge-User"))
		if user == "" {
			user = defaultUser
		}
		c.Set(userKey, user)
		c.Next()
	}
}

// extractBearerToken parses "Authorization: Bearer <token>". The
// scheme is case-insensitive per RFC 7235. Returns "" when the header
// is missing or malformed.
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
