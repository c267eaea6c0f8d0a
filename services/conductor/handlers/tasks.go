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
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianForge/services/conductor/datatypes"
	"github.com/AleutianAI/AleutianForge/services/conductor/middleware"
)

// createTaskRequest is the POST /v1/tasks body. Validation happens at
// the boundary; nothing invalid reaches the core.
type createTaskRequest struct {
	Title        string      `json:"title" binding:"required,max=300"`
	Description  string      `json:"description" binding:"required"`
	ProjectID    string      `json:"project_id"`
	Priority     int         `json:"priority"`
	Lane         string      `json:"lane" binding:"omitempty,oneof=regular premium"`
	Repositories []repoInput `json:"repositories" binding:"omitempty,dive"`
}

type repoInput struct {
	Name          string `json:"name" binding:"required"`
	CloneURL      string `json:"clone_url" binding:"required,url"`
	DefaultBranch string `json:"default_branch"`
	EnvCipher     string `json:"env_cipher"`
}

// CreateTask persists a new task and admits it to its queue lane.
func (a *API) CreateTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	lane := datatypes.Lane(req.Lane)
	if lane == "" {
		lane = datatypes.LaneRegular
	}
	now := time.Now().UnixMilli()
	task := &datatypes.Task{
		ID:                      uuid.NewString(),
		UserID:                  middleware.UserID(c),
		ProjectID:               req.ProjectID,
		Title:                   req.Title,
		Description:             req.Description,
		Status:                  datatypes.TaskStatusPending,
		Priority:                req.Priority,
		Lane:                    lane,
		LastCompletedStoryIndex: -1,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	for _, r := range req.Repositories {
		task.Repositories = append(task.Repositories, datatypes.RepositoryRef{
			ID:            uuid.NewString(),
			Name:          r.Name,
			CloneURL:      r.CloneURL,
			DefaultBranch: r.DefaultBranch,
			EnvCipher:     r.EnvCipher,
		})
	}

	if err := a.store.CreateTask(c.Request.Context(), task); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if _, err := a.queue.Enqueue(c.Request.Context(), task); err != nil {
		a.logger.Error("enqueue failed", "task_id", task.ID, "error", err.Error())
		c.JSON(http.StatusInternalServerError, gin.H{"error": "task created but not enqueued"})
		return
	}
	task.Status = datatypes.TaskStatusQueued

	pos, _ := a.queue.Position(c.Request.Context(), task.ID)
	wait, _ := a.queue.EstimateWait(c.Request.Context(), lane)
	c.JSON(http.StatusCreated, gin.H{
		"task":              task,
		"queue_position":    pos,
		"estimated_wait_ms": wait,
	})
}

// ListTasks returns the caller's tasks, newest first.
func (a *API) ListTasks(c *gin.Context) {
	tasks, err := a.store.ListTasks(c.Request.Context())
	if err != nil {
		abortStoreErr(c, err)
		return
	}
	user := middleware.UserID(c)
	mine := make([]datatypes.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.UserID == user {
			mine = append(mine, t)
		}
	}
	c.JSON(http.StatusOK, gin.H{"tasks": mine})
}

// GetTask returns one task with its stories.
func (a *API) GetTask(c *gin.Context) {
	id := c.Param("id")
	task, err := a.store.GetTask(c.Request.Context(), id)
	if err != nil {
		abortStoreErr(c, err)
		return
	}
	stories, err := a.store.ListStories(c.Request.Context(), id)
	if err != nil {
		abortStoreErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": task, "stories": stories})
}

// CancelTask stops a task from any non-terminal state. Idempotent.
func (a *API) CancelTask(c *gin.Context) {
	id := c.Param("id")
	if err := a.control.Cancel(c.Request.Context(), id); err != nil {
		abortStoreErr(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cancelling", "task_id": id})
}

// ActivityLog returns the last K archived entries for reconnecting
// observers. ?limit=K, default the ring capacity.
func (a *API) ActivityLog(c *gin.Context) {
	id := c.Param("id")
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	entries, err := a.archive.History(c.Request.Context(), id, limit)
	if err != nil {
		abortStoreErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// QueuePosition reports the task's 1-based lane position and the
// lane's estimated wait. Position 0 means not waiting.
func (a *API) QueuePosition(c *gin.Context) {
	id := c.Param("id")
	task, err := a.store.GetTask(c.Request.Context(), id)
	if err != nil {
		abortStoreErr(c, err)
		return
	}
	pos, err := a.queue.Position(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	wait, _ := a.queue.EstimateWait(c.Request.Context(), task.Lane)
	c.JSON(http.StatusOK, gin.H{
		"position":          pos,
		"estimated_wait_ms": wait,
		"status":            task.Status,
	})
}

// ListStories returns the task's stories in index order.
func (a *API) ListStories(c *gin.Context) {
	stories, err := a.store.ListStories(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortStoreErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stories": stories})
}

// ListVulnerabilities returns the observer's findings for a task.
func (a *API) ListVulnerabilities(c *gin.Context) {
	vulns, err := a.store.ListVulnerabilities(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortStoreErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"vulnerabilities": vulns})
}

// Costs recomputes and returns the task's token and dollar rollup.
func (a *API) Costs(c *gin.Context) {
	rollup, err := a.costs.Refresh(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortStoreErr(c, err)
		return
	}
	c.JSON(http.StatusOK, rollup)
}
