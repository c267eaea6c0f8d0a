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

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newAuthRouter(token string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/whoami", Auth(token), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user": UserID(c)})
	})
	return r
}

func TestAuthRejectsMissingToken(t *testing.T) {
	r := newAuthRouter("s3cret")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthRejectsWrongToken(t *testing.T) {
	r := newAuthRouter("s3cret")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer nope")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthAcceptsValidTokenAndUserHeader(t *testing.T) {
	r := newAuthRouter("s3cret")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "bearer s3cret") // scheme is case-insensitive
	req.Header.Set("X-Forge-User", "u-42")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"user":"u-42"}`, w.Body.String())
}

func TestAuthDisabledWithoutToken(t *testing.T) {
	r := newAuthRouter("")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"user":"local-user"}`, w.Body.String())
}

func TestRateLimiterCapsBurst(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl := NewRateLimiter(1, 2)
	r := gin.New()
	r.GET("/ping", rl.Middleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.RemoteAddr = "10.1.2.3:5000"
		r.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}

	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestRateLimiterIsPerClient(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl := NewRateLimiter(1, 1)
	r := gin.New()
	r.GET("/ping", rl.Middleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	send := func(addr string) int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.RemoteAddr = addr
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, send("10.0.0.1:1000"))
	assert.Equal(t, http.StatusTooManyRequests, send("10.0.0.1:1000"))
	assert.Equal(t, http.StatusOK, send("10.0.0.2:1000"))
}
