// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianForge/services/conductor/datatypes"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestTask(id string) *datatypes.Task {
	return &datatypes.Task{
		ID:                      id,
		UserID:                  "user-1",
		Title:                   "add rate limiting",
		Description:             "add a token bucket to the API gateway",
		Status:                  datatypes.TaskStatusPending,
		Lane:                    datatypes.LaneRegular,
		LastCompletedStoryIndex: -1,
	}
}

func TestCreateAndGetTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := newTestTask("task-1")
	require.NoError(t, s.CreateTask(ctx, task))

	got, err := s.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, "add rate limiting", got.Title)
	assert.Equal(t, datatypes.TaskStatusPending, got.Status)

	// Duplicate ids are rejected.
	err = s.CreateTask(ctx, task)
	assert.Error(t, err)

	_, err = s.GetTask(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTransitionStatusEnforcesLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateTask(ctx, newTestTask("task-1")))

	// pending -> running is not a legal edge.
	_, err := s.TransitionStatus(ctx, "task-1", datatypes.TaskStatusRunning)
	assert.Error(t, err)

	_, err = s.TransitionStatus(ctx, "task-1", datatypes.TaskStatusQueued)
	require.NoError(t, err)
	got, err := s.TransitionStatus(ctx, "task-1", datatypes.TaskStatusRunning)
	require.NoError(t, err)
	assert.NotZero(t, got.StartedAt)

	got, err = s.TransitionStatus(ctx, "task-1", datatypes.TaskStatusCompleted)
	require.NoError(t, err)
	assert.NotZero(t, got.EndedAt)

	// Terminal states never transition again.
	_, err = s.TransitionStatus(ctx, "task-1", datatypes.TaskStatusRunning)
	assert.Error(t, err)
}

func TestCompletePhaseIsAtomicAndOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateTask(ctx, newTestTask("task-1")))
	require.NoError(t, s.SetCurrentPhase(ctx, "task-1", datatypes.PhasePlanning))

	payload := []byte(`{"plan":"do the thing"}`)
	task, err := s.CompletePhase(ctx, "task-1", datatypes.PhasePlanning, payload)
	require.NoError(t, err)

	assert.True(t, task.HasCompleted(datatypes.PhasePlanning))
	assert.Empty(t, string(task.CurrentPhase))

	cp, err := s.GetCheckpoint(ctx, "task-1", datatypes.PhasePlanning)
	require.NoError(t, err)
	assert.Equal(t, payload, cp.Payload)

	// A phase completes at most once per task.
	_, err = s.CompletePhase(ctx, "task-1", datatypes.PhasePlanning, payload)
	assert.Error(t, err)
}

func TestFinishStoryAdvancesResumeIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateTask(ctx, newTestTask("task-1")))

	story := &datatypes.Story{
		ID:      "story-0",
		TaskID:  "task-1",
		Index:   0,
		Title:   "wire the limiter",
		Verdict: datatypes.VerdictApproved,
	}
	require.NoError(t, s.FinishStory(ctx, story))

	task, err := s.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, 0, task.LastCompletedStoryIndex)
	assert.NotZero(t, story.EndedAt)

	// A later story moves the index forward; an earlier one never
	// moves it back.
	require.NoError(t, s.FinishStory(ctx, &datatypes.Story{
		ID: "story-2", TaskID: "task-1", Index: 2, Verdict: datatypes.VerdictRejected,
	}))
	require.NoError(t, s.FinishStory(ctx, &datatypes.Story{
		ID: "story-1", TaskID: "task-1", Index: 1, Verdict: datatypes.VerdictApproved,
	}))
	task, err = s.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, 2, task.LastCompletedStoryIndex)

	stories, err := s.ListStories(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, stories, 3)
	assert.Equal(t, 0, stories[0].Index)
	assert.Equal(t, 2, stories[2].Index)
}

func TestRecoverInterrupted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mk := func(id string, status datatypes.TaskStatus) {
		task := newTestTask(id)
		task.Status = status
		require.NoError(t, s.CreateTask(ctx, task))
	}
	mk("task-running", datatypes.TaskStatusRunning)
	mk("task-paused", datatypes.TaskStatusPaused)
	mk("task-waiting", datatypes.TaskStatusWaitingForApproval)
	mk("task-queued", datatypes.TaskStatusQueued)
	mk("task-done", datatypes.TaskStatusCompleted)

	recovered, err := s.RecoverInterrupted(ctx)
	require.NoError(t, err)
	require.Len(t, recovered, 3)

	for _, id := range []string{"task-running", "task-paused", "task-waiting"} {
		task, err := s.GetTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, datatypes.TaskStatusInterrupted, task.Status, id)
		assert.Empty(t, string(task.CurrentPhase), id)
	}
	task, err := s.GetTask(ctx, "task-queued")
	require.NoError(t, err)
	assert.Equal(t, datatypes.TaskStatusQueued, task.Status)
	task, err = s.GetTask(ctx, "task-done")
	require.NoError(t, err)
	assert.Equal(t, datatypes.TaskStatusCompleted, task.Status)
}

func TestActivityArchiveOrderAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendActivity(ctx, &datatypes.ActivityEntry{
			ID:      string(rune('a' + i)),
			TaskID:  "task-1",
			Type:    datatypes.ActivityInfo,
			Content: "entry",
		}))
	}

	all, err := s.ListActivity(ctx, "task-1", 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "a", all[0].ID)
	assert.Equal(t, "e", all[4].ID)

	last2, err := s.ListActivity(ctx, "task-1", 2)
	require.NoError(t, err)
	require.Len(t, last2, 2)
	assert.Equal(t, "d", last2[0].ID)
	assert.Equal(t, "e", last2[1].ID)
}

func TestVulnerabilityRollup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sevs := []datatypes.Severity{
		datatypes.SeverityCritical,
		datatypes.SeverityHigh,
		datatypes.SeverityMedium,
		datatypes.SeverityLow,
	}
	for i, sev := range sevs {
		require.NoError(t, s.AppendVulnerability(ctx, &datatypes.Vulnerability{
			ID:       string(rune('a' + i)),
			TaskID:   "task-1",
			Severity: sev,
			Category: datatypes.CategoryDangerousCommand,
			Type:     "recursive_delete",
		}))
	}

	vulns, err := s.ListVulnerabilities(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, vulns, 4)
	assert.Equal(t, 25+15+5+1, datatypes.RiskScore(vulns))
}
