// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianForge/services/conductor/approval"
	"github.com/AleutianAI/AleutianForge/services/conductor/bus"
	"github.com/AleutianAI/AleutianForge/services/conductor/datatypes"
	"github.com/AleutianAI/AleutianForge/services/conductor/handlers"
	"github.com/AleutianAI/AleutianForge/services/conductor/middleware"
	"github.com/AleutianAI/AleutianForge/services/conductor/queue"
	"github.com/AleutianAI/AleutianForge/services/conductor/store"
	"github.com/AleutianAI/AleutianForge/services/conductor/vault"
)

// =============================================================================
// Harness
// =============================================================================

type stubControl struct {
	cancelled []string
	err       error
}

func (s *stubControl) Cancel(_ context.Context, taskID string) error {
	if s.err != nil {
		return s.err
	}
	s.cancelled = append(s.cancelled, taskID)
	return nil
}

type apiHarness struct {
	router  *gin.Engine
	store   *store.Store
	queue   *queue.Queue
	broker  *approval.Broker
	archive *bus.Archive
	vault   *vault.MemoryVault
	control *stubControl
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	q := queue.New(queue.NewMemoryBackend(), st, nil, nil)
	broker := approval.NewBroker(st, nil, nil, nil)
	b := bus.New(nil)
	archive := bus.NewArchive(bus.ArchiveConfig{}, st, b, nil)
	v, err := vault.NewMemoryVaultRandom()
	require.NoError(t, err)
	control := &stubControl{}

	api := handlers.New(st, q, control, broker, b, archive, v, nil)
	router := gin.New()
	v1 := router.Group("/v1", middleware.Auth(""))
	api.Register(v1)

	return &apiHarness{
		router:  router,
		store:   st,
		queue:   q,
		broker:  broker,
		archive: archive,
		vault:   v,
		control: control,
	}
}

func (h *apiHarness) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-Forge-User", user)
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

// seedTask creates a pending task directly in the store, bypassing the
// HTTP surface, for handlers that read existing state.
func (h *apiHarness) seedTask(t *testing.T, id, user string) *datatypes.Task {
	t.Helper()
	task := &datatypes.Task{
		ID:                      id,
		UserID:                  user,
		Title:                   "seeded " + id,
		Description:             "seeded task",
		Status:                  datatypes.TaskStatusPending,
		Lane:                    datatypes.LaneRegular,
		LastCompletedStoryIndex: -1,
		CreatedAt:               time.Now().UnixMilli(),
		UpdatedAt:               time.Now().UnixMilli(),
	}
	require.NoError(t, h.store.CreateTask(context.Background(), task))
	return task
}

// =============================================================================
// Tasks
// =============================================================================

func TestCreateTaskPersistsAndQueues(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodPost, "/v1/tasks", "u-1", gin.H{
		"title":       "Add rate limiting",
		"description": "Protect the public endpoints",
		"lane":        "premium",
		"repositories": []gin.H{
			{"name": "api", "clone_url": "https://github.com/acme/api.git", "default_branch": "main"},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		Task          datatypes.Task `json:"task"`
		QueuePosition int            `json:"queue_position"`
	}
	decode(t, rec, &resp)
	assert.NotEmpty(t, resp.Task.ID)
	assert.Equal(t, "u-1", resp.Task.UserID)
	assert.Equal(t, datatypes.LanePremium, resp.Task.Lane)
	assert.Equal(t, datatypes.TaskStatusQueued, resp.Task.Status)
	assert.Equal(t, -1, resp.Task.LastCompletedStoryIndex)
	assert.Equal(t, 1, resp.QueuePosition)
	require.Len(t, resp.Task.Repositories, 1)
	assert.NotEmpty(t, resp.Task.Repositories[0].ID)

	stored, err := h.store.GetTask(context.Background(), resp.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.TaskStatusQueued, stored.Status)
}

func TestCreateTaskValidation(t *testing.T) {
	h := newAPIHarness(t)

	cases := []struct {
		name string
		body gin.H
	}{
		{"missing title", gin.H{"description": "no title"}},
		{"missing description", gin.H{"title": "no description"}},
		{"bad lane", gin.H{"title": "t", "description": "d", "lane": "turbo"}},
		{"bad clone url", gin.H{
			"title": "t", "description": "d",
			"repositories": []gin.H{{"name": "api", "clone_url": "not a url"}},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := h.do(t, http.MethodPost, "/v1/tasks", "u-1", tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}

	tasks, err := h.store.ListTasks(context.Background())
	require.NoError(t, err)
	assert.Empty(t, tasks, "invalid requests must not reach the store")
}

func TestListTasksFiltersByUser(t *testing.T) {
	h := newAPIHarness(t)
	h.seedTask(t, "task-a", "alice")
	h.seedTask(t, "task-b", "bob")
	h.seedTask(t, "task-c", "alice")

	rec := h.do(t, http.MethodGet, "/v1/tasks", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Tasks []datatypes.Task `json:"tasks"`
	}
	decode(t, rec, &resp)
	require.Len(t, resp.Tasks, 2)
	for _, task := range resp.Tasks {
		assert.Equal(t, "alice", task.UserID)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, http.MethodGet, "/v1/tasks/nope", "u-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelTask(t *testing.T) {
	h := newAPIHarness(t)
	h.seedTask(t, "task-1", "u-1")

	rec := h.do(t, http.MethodPost, "/v1/tasks/task-1/cancel", "u-1", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"task-1"}, h.control.cancelled)
}

func TestCancelUnknownTaskIs404(t *testing.T) {
	h := newAPIHarness(t)
	h.control.err = store.ErrNotFound

	rec := h.do(t, http.MethodPost, "/v1/tasks/nope/cancel", "u-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQueuePosition(t *testing.T) {
	h := newAPIHarness(t)
	first := h.seedTask(t, "task-1", "u-1")
	second := h.seedTask(t, "task-2", "u-1")
	_, err := h.queue.Enqueue(context.Background(), first)
	require.NoError(t, err)
	_, err = h.queue.Enqueue(context.Background(), second)
	require.NoError(t, err)

	rec := h.do(t, http.MethodGet, "/v1/tasks/task-2/queue-position", "u-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Position int                  `json:"position"`
		Status   datatypes.TaskStatus `json:"status"`
	}
	decode(t, rec, &resp)
	assert.Equal(t, 2, resp.Position)
	assert.Equal(t, datatypes.TaskStatusQueued, resp.Status)
}

func TestActivityLogReplay(t *testing.T) {
	h := newAPIHarness(t)
	h.seedTask(t, "task-1", "u-1")

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, h.archive.Record(ctx, datatypes.ActivityEntry{
			ID:        fmt.Sprintf("e-%d", i),
			TaskID:    "task-1",
			Type:      datatypes.ActivityInfo,
			Content:   fmt.Sprintf("entry %d", i),
			Timestamp: int64(1000 + i),
		}))
	}

	rec := h.do(t, http.MethodGet, "/v1/tasks/task-1/activity-log?limit=2", "u-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Entries []datatypes.ActivityEntry `json:"entries"`
	}
	decode(t, rec, &resp)
	require.Len(t, resp.Entries, 2)
	assert.Equal(t, "e-3", resp.Entries[0].ID)
	assert.Equal(t, "e-4", resp.Entries[1].ID)
}

// =============================================================================
// Approvals
// =============================================================================

func TestResolveApprovalWithoutPendingIs404(t *testing.T) {
	h := newAPIHarness(t)
	h.seedTask(t, "task-1", "u-1")

	rec := h.do(t, http.MethodPost, "/v1/tasks/task-1/approvals/resolve", "u-1", gin.H{
		"checkpoint": "analysis_review",
		"decision":   "approve",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResolveApprovalRejectsBadDecision(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, http.MethodPost, "/v1/tasks/task-1/approvals/resolve", "u-1", gin.H{
		"checkpoint": "analysis_review",
		"decision":   "maybe",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResolveApprovalWakesWaiter(t *testing.T) {
	h := newAPIHarness(t)
	h.seedTask(t, "task-1", "u-1")

	type result struct {
		res approval.Resolution
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := h.broker.Request(context.Background(), approval.Request{
			TaskID:         "task-1",
			CheckpointName: "analysis_review",
			Phase:          datatypes.PhaseAnalysis,
			Payload:        "plan under review",
		})
		done <- result{res, err}
	}()

	require.Eventually(t, func() bool {
		return h.broker.HasPending("task-1")
	}, 2*time.Second, 10*time.Millisecond)

	// The pending checkpoint is visible to pollers.
	rec := h.do(t, http.MethodGet, "/v1/tasks/task-1/approvals", "u-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var pending struct {
		Pending []approval.PendingInfo `json:"pending"`
	}
	decode(t, rec, &pending)
	require.Len(t, pending.Pending, 1)
	assert.Equal(t, "analysis_review", pending.Pending[0].CheckpointName)

	rec = h.do(t, http.MethodPost, "/v1/tasks/task-1/approvals/resolve", "reviewer-7", gin.H{
		"checkpoint": "analysis_review",
		"decision":   "request_changes",
		"feedback":   "split the second story",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	select {
	case got := <-done:
		require.NoError(t, got.err)
		assert.Equal(t, datatypes.DecisionRequestChanges, got.res.Decision)
		assert.Equal(t, "split the second story", got.res.Feedback)
		assert.Equal(t, "reviewer-7", got.res.ResolvedBy)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never woke")
	}
	assert.False(t, h.broker.HasPending("task-1"))
}

// =============================================================================
// Credentials
// =============================================================================

func TestPutCredentialStoresAndEncryptsEnv(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodPut, "/v1/credentials", "u-1", gin.H{
		"credential":  "ghp_secret_token",
		"env_content": "DATABASE_URL=postgres://localhost/app",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Status    string `json:"status"`
		EnvCipher string `json:"env_cipher"`
	}
	decode(t, rec, &resp)
	assert.Equal(t, "stored", resp.Status)
	require.NotEmpty(t, resp.EnvCipher)
	assert.NotContains(t, resp.EnvCipher, "DATABASE_URL")

	plain, err := h.vault.Decrypt(resp.EnvCipher)
	require.NoError(t, err)
	assert.Equal(t, "DATABASE_URL=postgres://localhost/app", string(plain))

	cred, err := h.vault.GetCredential(context.Background(), "u-1")
	require.NoError(t, err)
	assert.Equal(t, "ghp_secret_token", cred)
}

func TestDeleteCredential(t *testing.T) {
	h := newAPIHarness(t)
	h.vault.SetCredential("u-1", "ghp_secret_token")

	rec := h.do(t, http.MethodDelete, "/v1/credentials", "u-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	_, err := h.vault.GetCredential(context.Background(), "u-1")
	assert.Error(t, err)
}
