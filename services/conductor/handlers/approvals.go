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
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianForge/services/conductor/approval"
	"github.com/AleutianAI/AleutianForge/services/conductor/datatypes"
	"github.com/AleutianAI/AleutianForge/services/conductor/middleware"
)

// resolveRequest is the POST .../approvals/resolve body.
type resolveRequest struct {
	Checkpoint string `json:"checkpoint" binding:"required"`
	Decision   string `json:"decision" binding:"required,oneof=approve reject request_changes"`
	Feedback   string `json:"feedback"`
}

// PendingApprovals lists the task's unresolved checkpoints.
func (a *API) PendingApprovals(c *gin.Context) {
	pending := a.broker.Pending(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"pending": pending})
}

// ResolveApproval delivers a reviewer decision to the waiting phase.
func (a *API) ResolveApproval(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	taskID := c.Param("id")
	err := a.broker.Resolve(c.Request.Context(), taskID, req.Checkpoint, approval.Resolution{
		Decision:   datatypes.ApprovalDecision(req.Decision),
		Feedback:   req.Feedback,
		ResolvedBy: middleware.UserID(c),
	})
	if err != nil {
		if errors.Is(err, approval.ErrNoPending) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no pending approval for checkpoint"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resolved", "checkpoint": req.Checkpoint})
}

// ResendApprovals re-announces the task's pending checkpoints so a
// reconnecting client regains its approval prompts.
func (a *API) ResendApprovals(c *gin.Context) {
	n := a.broker.Resend(c.Request.Context(), c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"resent": n})
}
