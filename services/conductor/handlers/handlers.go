// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the conductor's HTTP and WebSocket API.
//
// All routes under /v1 require the bearer token configured for the
// server. Handlers validate at the boundary and translate store
// errors to HTTP statuses; phase errors never surface here directly,
// only as terminal task status plus failure_reason.
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianForge/pkg/logging"
	"github.com/AleutianAI/AleutianForge/services/conductor/approval"
	"github.com/AleutianAI/AleutianForge/services/conductor/bus"
	"github.com/AleutianAI/AleutianForge/services/conductor/costs"
	"github.com/AleutianAI/AleutianForge/services/conductor/queue"
	"github.com/AleutianAI/AleutianForge/services/conductor/store"
	"github.com/AleutianAI/AleutianForge/services/conductor/vault"
)

// Control is the slice of the orchestrator the API needs.
type Control interface {
	Cancel(ctx context.Context, taskID string) error
}

// CredentialStore is the vault surface the API writes through.
type CredentialStore interface {
	SetCredential(userID, credential string)
	DeleteCredential(userID string)
	Encrypt(plaintext []byte) (string, error)
}

// API bundles the conductor subsystems behind the HTTP surface.
type API struct {
	store   *store.Store
	queue   *queue.Queue
	control Control
	broker  *approval.Broker
	bus     *bus.Bus
	archive *bus.Archive
	creds   CredentialStore
	costs   *costs.Aggregator
	logger  *logging.Logger
}

// New builds the API. Any dependency may be nil in tests; the routes
// touching it will fail loudly instead of at registration time.
func New(st *store.Store, q *queue.Queue, control Control, broker *approval.Broker,
	b *bus.Bus, archive *bus.Archive, creds CredentialStore, logger *logging.Logger) *API {
	return &API{
		store:   st,
		queue:   q,
		control: control,
		broker:  broker,
		bus:     b,
		archive: archive,
		creds:   creds,
		costs:   costs.NewAggregator(st),
		logger:  logger,
	}
}

// Register mounts all task routes on the given group.
func (a *API) Register(v1 *gin.RouterGroup) {
	v1.POST("/tasks", a.CreateTask)
	v1.GET("/tasks", a.ListTasks)
	v1.GET("/tasks/:id", a.GetTask)
	v1.POST("/tasks/:id/cancel", a.CancelTask)
	v1.GET("/tasks/:id/activity-log", a.ActivityLog)
	v1.GET("/tasks/:id/queue-position", a.QueuePosition)
	v1.GET("/tasks/:id/stories", a.ListStories)
	v1.GET("/tasks/:id/vulnerabilities", a.ListVulnerabilities)
	v1.GET("/tasks/:id/costs", a.Costs)
	v1.GET("/tasks/:id/approvals", a.PendingApprovals)
	v1.POST("/tasks/:id/approvals/resolve", a.ResolveApproval)
	v1.POST("/tasks/:id/approvals/resend", a.ResendApprovals)
	v1.GET("/tasks/:id/events", a.Events)
	v1.PUT("/credentials", a.PutCredential)
	v1.DELETE("/credentials", a.DeleteCredential)
}

// abortStoreErr maps store errors onto HTTP statuses.
func abortStoreErr(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

var _ CredentialStore = (*vault.MemoryVault)(nil)
