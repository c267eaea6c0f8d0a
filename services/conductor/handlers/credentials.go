// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianForge/services/conductor/middleware"
)

// putCredentialRequest carries the caller's git hosting credential and
// optional per-repository environment content to encrypt.
type putCredentialRequest struct {
	Credential string `json:"credential" binding:"required"`
	EnvContent string `json:"env_content"`
}

// PutCredential stores the caller's git credential in the vault and,
// when env content is supplied, returns its ciphertext for use as a
// repository env_cipher. The plaintext is never persisted or logged.
func (a *API) PutCredential(c *gin.Context) {
	var req putCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user := middleware.UserID(c)
	a.creds.SetCredential(user, req.Credential)
	a.logger.Info("credential stored", "user_id", user, "env_present", req.EnvContent != "")

	resp := gin.H{"status": "stored"}
	if req.EnvContent != "" {
		cipher, err := a.creds.Encrypt([]byte(req.EnvContent))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "env encryption failed"})
			return
		}
		resp["env_cipher"] = cipher
	}
	c.JSON(http.StatusOK, resp)
}

// DeleteCredential removes the caller's stored credential.
func (a *API) DeleteCredential(c *gin.Context) {
	user := middleware.UserID(c)
	a.creds.DeleteCredential(user)
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// Health is the liveness probe.
func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "conductor"})
}
