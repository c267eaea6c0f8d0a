// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the persistent entities of the conductor service:
// tasks, stories, phase checkpoints, agent executions, tool calls,
// vulnerabilities, queue jobs, and activity entries.
//
// All types in this package are plain data; mutation rules (which component
// owns which field) are enforced by the owning packages, not here.
package datatypes

import (
	"fmt"
)

// =============================================================================
// Task lifecycle
// =============================================================================

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	// TaskStatusPending is the initial state before enqueueing.
	TaskStatusPending TaskStatus = "pending"

	// TaskStatusQueued means the task is waiting in a queue lane.
	TaskStatusQueued TaskStatus = "queued"

	// TaskStatusRunning means a worker is executing the task.
	TaskStatusRunning TaskStatus = "running"

	// TaskStatusWaitingForApproval means a phase is suspended on a checkpoint.
	TaskStatusWaitingForApproval TaskStatus = "waiting_for_approval"

	// TaskStatusPaused means the user paused execution.
	TaskStatusPaused TaskStatus = "paused"

	// TaskStatusInterrupted means a worker died mid-execution; the task
	// has been re-enqueued and will resume from its last checkpoint.
	TaskStatusInterrupted TaskStatus = "interrupted"

	// TaskStatusCompleted is terminal success.
	TaskStatusCompleted TaskStatus = "completed"

	// TaskStatusFailed is terminal failure; FailureReason is set.
	TaskStatusFailed TaskStatus = "failed"

	// TaskStatusCancelled is terminal cancellation.
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether the status permits no further transitions.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// validTransitions encodes the task lifecycle graph.
var validTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending:            {TaskStatusQueued, TaskStatusCancelled},
	TaskStatusQueued:             {TaskStatusRunning, TaskStatusCancelled},
	TaskStatusRunning:            {TaskStatusWaitingForApproval, TaskStatusPaused, TaskStatusInterrupted, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled},
	TaskStatusWaitingForApproval: {TaskStatusRunning, TaskStatusInterrupted, TaskStatusFailed, TaskStatusCancelled},
	TaskStatusPaused:             {TaskStatusRunning, TaskStatusInterrupted, TaskStatusCancelled},
	TaskStatusInterrupted:        {TaskStatusQueued, TaskStatusCancelled},
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to TaskStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// =============================================================================
// Lanes and priorities
// =============================================================================

// Lane is a queue priority class.
type Lane string

const (
	// LaneRegular is the default lane.
	LaneRegular Lane = "regular"

	// LanePremium is drained strictly before LaneRegular.
	LanePremium Lane = "premium"
)

// Valid reports whether the lane is a recognized value.
func (l Lane) Valid() bool {
	return l == LaneRegular || l == LanePremium
}

// =============================================================================
// Phases
// =============================================================================

// PhaseName identifies one stage of the orchestration pipeline.
type PhaseName string

const (
	PhasePlanning       PhaseName = "planning"
	PhaseAnalysis       PhaseName = "analysis"
	PhaseDeveloper      PhaseName = "developer"
	PhaseTestGeneration PhaseName = "test_generation"
	PhaseMerge          PhaseName = "merge"
	PhaseGlobalScan     PhaseName = "global_scan"
)

// PhaseOrder is the canonical phase sequence. GlobalScan always runs,
// even after an earlier phase failed.
var PhaseOrder = []PhaseName{
	PhasePlanning,
	PhaseAnalysis,
	PhaseDeveloper,
	PhaseTestGeneration,
	PhaseMerge,
	PhaseGlobalScan,
}

// PhaseIndex returns the position of the phase in PhaseOrder, or -1.
func PhaseIndex(name PhaseName) int {
	for i, p := range PhaseOrder {
		if p == name {
			return i
		}
	}
	return -1
}

// CompletedPhase records one finished phase together with its approved
// payload, as stored on the task's resume fields.
type CompletedPhase struct {
	// Name is the phase that completed.
	Name PhaseName `json:"name"`

	// Payload is the phase's approved result, JSON-serialized.
	Payload []byte `json:"payload,omitempty"`

	// CompletedAt is when the checkpoint was written (Unix milliseconds UTC).
	CompletedAt int64 `json:"completed_at"`
}

// PhaseCheckpoint is the durable record keyed by (taskID, phase).
// Exactly one exists per (task, phase) once the phase completes.
type PhaseCheckpoint struct {
	// TaskID is the owning task.
	TaskID string `json:"task_id"`

	// Phase is the completed phase.
	Phase PhaseName `json:"phase"`

	// Payload is the approved phase result, JSON-serialized.
	Payload []byte `json:"payload,omitempty"`

	// CompletedAt is when the phase completed (Unix milliseconds UTC).
	CompletedAt int64 `json:"completed_at"`
}

// CheckpointKey returns the storage key for a phase checkpoint.
func CheckpointKey(taskID string, phase PhaseName) string {
	return fmt.Sprintf("%s/%s", taskID, phase)
}

// =============================================================================
// Task
// =============================================================================

// RepositoryRef identifies a repository a task operates on.
type RepositoryRef struct {
	// ID is the repository's opaque identifier.
	ID string `json:"id"`

	// Name is the short repository name, used as the checkout directory.
	Name string `json:"name"`

	// CloneURL is the HTTPS clone URL without embedded credentials.
	CloneURL string `json:"clone_url"`

	// DefaultBranch is the branch work branches fork from.
	DefaultBranch string `json:"default_branch,omitempty"`

	// EnvCipher is the encrypted per-repository environment file content.
	// Decrypted only inside the workspace coordinator.
	EnvCipher string `json:"env_cipher,omitempty"`
}

// PullRequestRef records a PR opened by the merge phase.
type PullRequestRef struct {
	// RepoName is the repository the PR belongs to.
	RepoName string `json:"repo_name"`

	// Number is the PR number.
	Number int `json:"number"`

	// URL is the PR's web URL.
	URL string `json:"url"`

	// Merged reports whether the PR was auto-merged.
	Merged bool `json:"merged"`
}

// CostRollup sums per-phase token and dollar figures to the task level.
type CostRollup struct {
	// InputTokens is the total prompt tokens across executions.
	InputTokens int64 `json:"input_tokens"`

	// OutputTokens is the total completion tokens across executions.
	OutputTokens int64 `json:"output_tokens"`

	// CostUSD is the total dollar cost.
	CostUSD float64 `json:"cost_usd"`
}

// Task is the unit of work driven through the phase pipeline.
//
// Ownership: the orchestrator exclusively mutates Status, CurrentPhase,
// CompletedPhases, LastCompletedStoryIndex, and FailureReason during
// execution; the job queue owns Lane position; nothing else writes
// these fields concurrently.
type Task struct {
	// ID is the unique task identifier.
	ID string `json:"id"`

	// UserID is the submitting user.
	UserID string `json:"user_id"`

	// ProjectID optionally scopes the task to a project.
	ProjectID string `json:"project_id,omitempty"`

	// Repositories are the repositories the task operates on.
	Repositories []RepositoryRef `json:"repositories,omitempty"`

	// Title is the short human-readable title.
	Title string `json:"title"`

	// Description is the task text. Planning may rewrite it into an
	// enriched prompt; the original is preserved here.
	Description string `json:"description"`

	// Status is the lifecycle state.
	Status TaskStatus `json:"status"`

	// Priority orders tasks within a lane; higher runs sooner.
	Priority int `json:"priority"`

	// Lane is the queue priority class.
	Lane Lane `json:"lane"`

	// BranchName is the working branch, set by the analysis phase.
	BranchName string `json:"branch_name,omitempty"`

	// PullRequests are set by the merge phase.
	PullRequests []PullRequestRef `json:"pull_requests,omitempty"`

	// Costs is the task-level cost rollup.
	Costs CostRollup `json:"costs"`

	// FailureReason is set when Status is failed.
	FailureReason string `json:"failure_reason,omitempty"`

	// === Resume fields ===

	// CompletedPhases lists finished phases in execution order with their
	// approved payloads. Monotonically growing; each phase at most once.
	CompletedPhases []CompletedPhase `json:"completed_phases,omitempty"`

	// CurrentPhase is the phase in flight, empty between phases.
	// Never present in CompletedPhases.
	CurrentPhase PhaseName `json:"current_phase,omitempty"`

	// LastCompletedStoryIndex is the highest developer story index whose
	// verdict is final (-1 when none).
	LastCompletedStoryIndex int `json:"last_completed_story_index"`

	// === Timestamps (Unix milliseconds UTC) ===

	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
	StartedAt int64 `json:"started_at,omitempty"`
	EndedAt   int64 `json:"ended_at,omitempty"`
}

// HasCompleted reports whether the named phase is in CompletedPhases.
func (t *Task) HasCompleted(phase PhaseName) bool {
	for _, p := range t.CompletedPhases {
		if p.Name == phase {
			return true
		}
	}
	return false
}

// CompletedPayload returns the approved payload for a completed phase.
func (t *Task) CompletedPayload(phase PhaseName) ([]byte, bool) {
	for _, p := range t.CompletedPhases {
		if p.Name == phase {
			return p.Payload, true
		}
	}
	return nil, false
}

// =============================================================================
// Stories
// =============================================================================

// StoryVerdict is the final judgement on a developer story.
type StoryVerdict string

const (
	// VerdictPending means the story has not been judged yet.
	VerdictPending StoryVerdict = "pending"

	// VerdictApproved means the story was accepted and committed.
	VerdictApproved StoryVerdict = "approved"

	// VerdictNeedsRevision means the reviewer requested changes.
	VerdictNeedsRevision StoryVerdict = "needs_revision"

	// VerdictRejected means the story was discarded; no commit exists.
	VerdictRejected StoryVerdict = "rejected"
)

// Story is a sub-unit of work produced by analysis and implemented by
// the developer phase.
type Story struct {
	// ID is the unique story identifier.
	ID string `json:"id"`

	// TaskID is the owning task.
	TaskID string `json:"task_id"`

	// Index is the story's position in the analysis output.
	Index int `json:"index"`

	// Title is the short story title.
	Title string `json:"title"`

	// Description is the implementation instruction for the code agent.
	Description string `json:"description"`

	// FilesToModify, FilesToCreate, FilesToRead scope the story's edits.
	FilesToModify []string `json:"files_to_modify,omitempty"`
	FilesToCreate []string `json:"files_to_create,omitempty"`
	FilesToRead   []string `json:"files_to_read,omitempty"`

	// AcceptanceCriteria are the conditions the judge evaluates.
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`

	// Iterations is how many dev/judge/fix rounds the story consumed.
	Iterations int `json:"iterations"`

	// Verdict is the final judgement.
	Verdict StoryVerdict `json:"verdict"`

	// CommitHash is set iff Verdict is approved and the commit landed.
	CommitHash string `json:"commit_hash,omitempty"`

	// VulnerabilityIDs are observer findings raised during this story.
	VulnerabilityIDs []string `json:"vulnerability_ids,omitempty"`

	// StartedAt / EndedAt bound the story's implementation window
	// (Unix milliseconds UTC).
	StartedAt int64 `json:"started_at,omitempty"`
	EndedAt   int64 `json:"ended_at,omitempty"`
}
