// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianForge/services/conductor/agentclient"
	"github.com/AleutianAI/AleutianForge/services/conductor/approval"
	"github.com/AleutianAI/AleutianForge/services/conductor/datatypes"
	"github.com/AleutianAI/AleutianForge/services/conductor/observer"
	"github.com/AleutianAI/AleutianForge/services/conductor/phases"
	"github.com/AleutianAI/AleutianForge/services/conductor/queue"
	"github.com/AleutianAI/AleutianForge/services/conductor/store"
	"github.com/AleutianAI/AleutianForge/services/conductor/workspace"
)

// =============================================================================
// Fakes
// =============================================================================

type gitFake struct {
	mu    sync.Mutex
	dirty map[string]bool
	ahead map[string]int
}

func newGitFake() *gitFake {
	return &gitFake{dirty: map[string]bool{}, ahead: map[string]int{}}
}

func (g *gitFake) Run(_ context.Context, dir string, args ...string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch args[0] {
	case "status":
		if g.dirty[dir] {
			return " M main.go\n", nil
		}
		return "", nil
	case "reset", "clean":
		g.dirty[dir] = false
		return "", nil
	case "commit":
		g.dirty[dir] = false
		g.ahead[dir]++
		return "", nil
	case "rev-parse":
		return "abc1234\n", nil
	case "rev-list":
		return fmt.Sprintf("%d\n", g.ahead[dir]), nil
	}
	return "", nil
}

type approveAllJudge struct{}

func (approveAllJudge) Evaluate(context.Context, phases.JudgeRequest) (*phases.JudgeVerdict, error) {
	return &phases.JudgeVerdict{Approved: true, Score: 95}, nil
}

type fakeOpener struct {
	mu     sync.Mutex
	opened []workspace.PullRequestSpec
}

func (f *fakeOpener) OpenPullRequest(_ context.Context, _ string, spec workspace.PullRequestSpec) (*workspace.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, spec)
	return &workspace.PullRequest{Number: len(f.opened), URL: "https://github.com/acme/" + spec.RepoName + "/pull/1"}, nil
}

func (f *fakeOpener) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.opened)
}

// =============================================================================
// Harness
// =============================================================================

type harness struct {
	orch   *Orchestrator
	store  *store.Store
	queue  *queue.Queue
	agent  *agentclient.ScriptedClient
	git    *gitFake
	opener *fakeOpener
}

func newHarness(t *testing.T, cfg phases.Config) *harness {
	t.Helper()
	st, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	git := newGitFake()
	opener := &fakeOpener{}
	agent := agentclient.NewScriptedClient()
	q := queue.New(queue.NewMemoryBackend(), st, nil, nil)

	deps := &phases.Deps{
		Store:     st,
		Agent:     agent,
		Broker:    approval.NewBroker(st, nil, nil, nil),
		Observer:  observer.NewAnalyzer(observer.Config{}, nil, nil),
		Workspace: workspace.NewCoordinator(t.TempDir(), git, opener, nil, nil),
		Judge:     approveAllJudge{},
		Sessions:  phases.NewSessionRegistry(),
		Config:    cfg,
	}
	return &harness{
		orch:   New(deps, q, nil, nil),
		store:  st,
		queue:  q,
		agent:  agent,
		git:    git,
		opener: opener,
	}
}

func (h *harness) createTask(t *testing.T, task *datatypes.Task) {
	t.Helper()
	require.NoError(t, h.store.CreateTask(context.Background(), task))
}

func baseTask() *datatypes.Task {
	return &datatypes.Task{
		ID:     "task-1",
		UserID: "u1",
		Title:  "typo fix",
		Status: datatypes.TaskStatusQueued,
		Lane:   datatypes.LaneRegular,
		Repositories: []datatypes.RepositoryRef{
			{Name: "api", CloneURL: "https://github.com/acme/api.git", DefaultBranch: "main"},
		},
		LastCompletedStoryIndex: -1,
	}
}

func mustPayload(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

// =============================================================================
// Full pipeline (S1 shape)
// =============================================================================

func TestSimpleTaskRunsToCompletion(t *testing.T) {
	h := newHarness(t, phases.Config{
		ApprovalMode:               phases.ModeAutomatic,
		SkipPlanningForSimpleTasks: true,
		SkipTestGeneration:         true,
	})
	task := baseTask()
	task.Description = "rename foo to bar in README.md"
	h.createTask(t, task)

	// Analysis emits one story; developer implements it.
	h.agent.Enqueue(
		agentclient.ScriptedTurn{FinalOutput: `{"summary":"tiny rename","approach":"sed","stories":[{"title":"rename","description":"foo to bar"}]}`},
		agentclient.ScriptedTurn{FinalOutput: "renamed"},
	)
	dir := h.orch.deps.Workspace.RepoDir("task-1", "api")
	h.git.dirty[dir] = true

	require.NoError(t, h.orch.Execute(context.Background(), "task-1"))

	got, err := h.store.GetTask(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, datatypes.TaskStatusCompleted, got.Status)
	assert.Empty(t, got.CurrentPhase)
	assert.Empty(t, got.FailureReason)

	// Planning and test generation skipped; the rest completed in order.
	var names []datatypes.PhaseName
	for _, p := range got.CompletedPhases {
		names = append(names, p.Name)
	}
	assert.Equal(t, []datatypes.PhaseName{
		datatypes.PhaseAnalysis,
		datatypes.PhaseDeveloper,
		datatypes.PhaseMerge,
		datatypes.PhaseGlobalScan,
	}, names)

	// Exactly one PR.
	assert.Equal(t, 1, h.opener.count())
	require.Len(t, got.PullRequests, 1)

	stories, err := h.store.ListStories(context.Background(), "task-1")
	require.NoError(t, err)
	require.Len(t, stories, 1)
	assert.Equal(t, datatypes.VerdictApproved, stories[0].Verdict)
	assert.Equal(t, "abc1234", stories[0].CommitHash)
}

// =============================================================================
// Resume (S5 shape)
// =============================================================================

func TestResumeSkipsCompletedPhasesAndStories(t *testing.T) {
	h := newHarness(t, phases.Config{
		ApprovalMode:               phases.ModeAutomatic,
		SkipPlanningForSimpleTasks: true,
		SkipTestGeneration:         true,
	})

	analysisPayload := mustPayload(t, phases.AnalysisResult{BranchName: "forge/task-1"})
	task := baseTask()
	task.Description = "short task"
	task.BranchName = "forge/task-1"
	task.LastCompletedStoryIndex = 2
	task.CompletedPhases = []datatypes.CompletedPhase{
		{Name: datatypes.PhaseAnalysis, Payload: analysisPayload},
	}
	h.createTask(t, task)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		story := &datatypes.Story{
			ID: fmt.Sprintf("s%d", i), TaskID: "task-1", Index: i,
			Title: fmt.Sprintf("story %d", i), Verdict: datatypes.VerdictPending,
		}
		if i <= 2 {
			story.Verdict = datatypes.VerdictApproved
			story.CommitHash = fmt.Sprintf("hash%d", i)
		}
		require.NoError(t, h.store.PutStory(ctx, story))
	}

	// Only s3 and s4 get agent turns.
	h.agent.Enqueue(
		agentclient.ScriptedTurn{FinalOutput: "s3 done"},
		agentclient.ScriptedTurn{FinalOutput: "s4 done"},
	)
	dir := h.orch.deps.Workspace.RepoDir("task-1", "api")
	h.git.dirty[dir] = true

	require.NoError(t, h.orch.Execute(ctx, "task-1"))

	require.Len(t, h.agent.Prompts, 2)
	assert.Contains(t, h.agent.Prompts[0], "story 3")
	assert.Contains(t, h.agent.Prompts[1], "story 4")

	stories, err := h.store.ListStories(ctx, "task-1")
	require.NoError(t, err)
	// Completed stories keep their original commits.
	for i := 0; i <= 2; i++ {
		assert.Equal(t, fmt.Sprintf("hash%d", i), stories[i].CommitHash)
	}
	assert.Equal(t, datatypes.VerdictApproved, stories[3].Verdict)

	got, err := h.store.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, datatypes.TaskStatusCompleted, got.Status)
	assert.Equal(t, 4, got.LastCompletedStoryIndex)
	assert.Equal(t, datatypes.PhaseAnalysis, got.CompletedPhases[0].Name)
}

// =============================================================================
// Idempotence
// =============================================================================

func TestReExecutingFinishedTaskIsNoOp(t *testing.T) {
	h := newHarness(t, phases.Config{
		ApprovalMode:               phases.ModeAutomatic,
		SkipPlanningForSimpleTasks: true,
		SkipTestGeneration:         true,
	})
	task := baseTask()
	task.Description = "short"
	task.Status = datatypes.TaskStatusQueued
	for _, name := range []datatypes.PhaseName{
		datatypes.PhaseAnalysis, datatypes.PhaseDeveloper,
		datatypes.PhaseMerge, datatypes.PhaseGlobalScan,
	} {
		task.CompletedPhases = append(task.CompletedPhases, datatypes.CompletedPhase{Name: name})
	}
	h.createTask(t, task)

	require.NoError(t, h.orch.Execute(context.Background(), "task-1"))

	// No agent session was opened; the task just concluded.
	assert.Zero(t, h.agent.SessionCount())
	got, err := h.store.GetTask(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, datatypes.TaskStatusCompleted, got.Status)

	// A second execution of the now-terminal task changes nothing.
	require.NoError(t, h.orch.Execute(context.Background(), "task-1"))
	assert.Zero(t, h.agent.SessionCount())
}

// =============================================================================
// Cancellation mid-approval (S6)
// =============================================================================

func TestCancelDuringAnalysisApproval(t *testing.T) {
	h := newHarness(t, phases.Config{
		ApprovalMode:               phases.ModeManual,
		SkipPlanningForSimpleTasks: true,
		SkipTestGeneration:         true,
	})
	task := baseTask()
	task.Description = "short"
	h.createTask(t, task)

	h.agent.Enqueue(agentclient.ScriptedTurn{
		FinalOutput: `{"summary":"s","approach":"a","stories":[{"title":"one","description":"d"}]}`,
	})

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- h.orch.Execute(ctx, "task-1") }()

	// Wait for the worker to suspend on the analysis checkpoint.
	deadline := time.Now().Add(5 * time.Second)
	for !h.orch.deps.Broker.HasPending("task-1") {
		if time.Now().After(deadline) {
			t.Fatal("analysis checkpoint never became pending")
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.NoError(t, h.orch.Cancel(ctx, "task-1"))
	require.NoError(t, <-done)

	got, err := h.store.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, datatypes.TaskStatusCancelled, got.Status)
	assert.False(t, h.orch.deps.Broker.HasPending("task-1"))
	// No PR was created and analysis never completed.
	assert.Zero(t, h.opener.count())
	assert.Empty(t, got.CompletedPhases)
}

func TestCancelWaitingTaskLeavesQueue(t *testing.T) {
	h := newHarness(t, phases.Config{ApprovalMode: phases.ModeAutomatic})
	task := baseTask()
	task.Status = datatypes.TaskStatusPending
	h.createTask(t, task)

	ctx := context.Background()
	_, err := h.queue.Enqueue(ctx, task)
	require.NoError(t, err)

	require.NoError(t, h.orch.Cancel(ctx, "task-1"))
	// Idempotent.
	require.NoError(t, h.orch.Cancel(ctx, "task-1"))

	got, err := h.store.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, datatypes.TaskStatusCancelled, got.Status)

	pos, err := h.queue.Position(ctx, "task-1")
	require.NoError(t, err)
	assert.Zero(t, pos)
}

// =============================================================================
// Failure still runs the global scan
// =============================================================================

func TestRejectionStillRunsGlobalScan(t *testing.T) {
	h := newHarness(t, phases.Config{
		ApprovalMode:               phases.ModeManual,
		SkipPlanningForSimpleTasks: true,
		SkipTestGeneration:         true,
	})
	task := baseTask()
	task.Description = "short"
	h.createTask(t, task)

	h.agent.Enqueue(agentclient.ScriptedTurn{
		FinalOutput: `{"summary":"s","approach":"a","stories":[{"title":"one","description":"d"}]}`,
	})

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- h.orch.Execute(ctx, "task-1") }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		err := h.orch.deps.Broker.Resolve(ctx, "task-1", "analysis", approval.Resolution{
			Decision: datatypes.DecisionReject, ResolvedBy: "u1",
		})
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("analysis checkpoint never became pending")
		}
		time.Sleep(5 * time.Millisecond)
	}

	execErr := <-done
	require.Error(t, execErr)
	assert.False(t, queue.IsTransient(execErr))

	got, err := h.store.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, datatypes.TaskStatusFailed, got.Status)
	assert.True(t, strings.HasPrefix(got.FailureReason, "rejected:"), got.FailureReason)
	// The failure path does not checkpoint the scan; the prefix
	// invariant on completed_phases holds.
	assert.Empty(t, got.CompletedPhases)
}

// =============================================================================
// Crash recovery
// =============================================================================

func TestRecoverRequeuesInterruptedTasksAtFront(t *testing.T) {
	h := newHarness(t, phases.Config{ApprovalMode: phases.ModeAutomatic})
	ctx := context.Background()

	crashed := baseTask()
	crashed.Status = datatypes.TaskStatusRunning
	h.createTask(t, crashed)

	waiting := baseTask()
	waiting.ID = "task-2"
	waiting.Status = datatypes.TaskStatusPending
	waiting.Priority = 1000
	h.createTask(t, waiting)
	_, err := h.queue.Enqueue(ctx, waiting)
	require.NoError(t, err)

	n, err := h.orch.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := h.store.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, datatypes.TaskStatusQueued, got.Status)

	// The recovered task preempts even higher-priority waiting work.
	pos, err := h.queue.Position(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, 1, pos)
}
